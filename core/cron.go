package core

import (
	"errors"
	"fmt"
	"strings"
	"time"

	cronv3 "github.com/robfig/cron/v3"
	"pkt.systems/clawdeck/schema"
)

var cronParser = cronv3.NewParser(cronv3.SecondOptional | cronv3.Minute | cronv3.Hour | cronv3.Dom | cronv3.Month | cronv3.Dow | cronv3.Descriptor)

// annotateCronJobs fills ScheduleSummary and, when the gateway omitted it, the next run time.
func annotateCronJobs(jobs []schema.CronJob, now time.Time) ([]schema.CronJob, []error) {
	out := make([]schema.CronJob, len(jobs))
	var errs []error
	for i, job := range jobs {
		job.ScheduleSummary = ScheduleSummary(job.Schedule)
		if job.Enabled && (job.State == nil || job.State.NextRunAtMs == 0) {
			var lastRun time.Time
			if job.State != nil && job.State.LastRunAtMs > 0 {
				lastRun = time.UnixMilli(job.State.LastRunAtMs)
			}
			next, err := NextRun(job.Schedule, lastRun, now)
			switch {
			case err != nil:
				errs = append(errs, fmt.Errorf("cron job %s: %w", job.ID, err))
			case !next.IsZero():
				state := schema.CronJobState{}
				if job.State != nil {
					state = *job.State
				}
				state.NextRunAtMs = next.UnixMilli()
				job.State = &state
				job.NextRunDerived = true
			}
		}
		out[i] = job
	}
	return out, errs
}

// NextRun derives the next fire time of a schedule after now.
// A zero time means the schedule will not fire again.
func NextRun(schedule schema.CronSchedule, lastRun, now time.Time) (time.Time, error) {
	switch schedule.Kind {
	case schema.ScheduleEvery:
		if schedule.EveryMs <= 0 {
			return time.Time{}, errors.New("interval must be positive")
		}
		interval := time.Duration(schedule.EveryMs) * time.Millisecond
		if lastRun.IsZero() {
			return now.Add(interval), nil
		}
		next := lastRun.Add(interval)
		if !next.After(now) {
			missed := now.Sub(next)/interval + 1
			next = next.Add(missed * interval)
		}
		return next, nil
	case schema.ScheduleCron:
		expr := strings.TrimSpace(schedule.Expr)
		if expr == "" {
			return time.Time{}, errors.New("cron expression is required")
		}
		loc := time.UTC
		if tz := strings.TrimSpace(schedule.TZ); tz != "" {
			parsed, err := time.LoadLocation(tz)
			if err != nil {
				return time.Time{}, fmt.Errorf("invalid timezone %q", schedule.TZ)
			}
			loc = parsed
		}
		parsed, err := cronParser.Parse(expr)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid cron expression: %w", err)
		}
		return parsed.Next(now.In(loc)).UTC(), nil
	case schema.ScheduleAt:
		at, err := oneShotTime(schedule)
		if err != nil {
			return time.Time{}, err
		}
		if at.After(now) {
			return at, nil
		}
		return time.Time{}, nil
	default:
		return time.Time{}, fmt.Errorf("unsupported schedule kind %q", schedule.Kind)
	}
}

func oneShotTime(schedule schema.CronSchedule) (time.Time, error) {
	if schedule.AtMs > 0 {
		return time.UnixMilli(schedule.AtMs), nil
	}
	raw := strings.TrimSpace(schedule.At)
	if raw == "" {
		return time.Time{}, errors.New("one-shot time is required")
	}
	at, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid one-shot time: %w", err)
	}
	return at, nil
}

// ScheduleSummary renders a short description of a schedule.
func ScheduleSummary(schedule schema.CronSchedule) string {
	switch schedule.Kind {
	case schema.ScheduleEvery:
		if schedule.EveryMs <= 0 {
			return "every ?"
		}
		return "every " + (time.Duration(schedule.EveryMs) * time.Millisecond).String()
	case schema.ScheduleCron:
		if schedule.TZ != "" {
			return fmt.Sprintf("cron %s (%s)", schedule.Expr, schedule.TZ)
		}
		return "cron " + schedule.Expr
	case schema.ScheduleAt:
		if at, err := oneShotTime(schedule); err == nil {
			return "at " + at.UTC().Format(time.RFC3339)
		}
		return "at ?"
	default:
		return schedule.Kind
	}
}
