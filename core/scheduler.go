package core

import (
	"sync"
	"time"
)

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// Scheduler installs periodic triggers.
type Scheduler interface {
	// Every calls fn every interval until stop is called. An invocation that
	// already started may still finish after stop returns.
	Every(interval time.Duration, fn func()) (stop func())
}

// TickerScheduler runs each trigger on its own goroutine driven by a time.Ticker.
type TickerScheduler struct{}

// Every implements Scheduler.
func (TickerScheduler) Every(interval time.Duration, fn func()) func() {
	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				select {
				case <-done:
					return
				default:
				}
				fn()
			}
		}
	}()
	return func() {
		once.Do(func() { close(done) })
	}
}
