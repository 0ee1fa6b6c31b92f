package core

import (
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestTickerSchedulerStops(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	var count atomic.Int32
	stop := TickerScheduler{}.Every(10*time.Millisecond, func() { count.Add(1) })
	deadline := time.Now().Add(2 * time.Second)
	for count.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("ticker did not fire")
		}
		time.Sleep(5 * time.Millisecond)
	}
	stop()
	stop()
	time.Sleep(30 * time.Millisecond)
	after := count.Load()
	time.Sleep(50 * time.Millisecond)
	if count.Load() != after {
		t.Fatalf("ticker fired after stop")
	}
}
