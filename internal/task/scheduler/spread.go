package scheduler

import (
	"math/rand/v2"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/robfig/cron/v3"
)

const maxStartupSpread = 30 * time.Second

// offsetSchedule holds back the first poll of an interval trigger.
type offsetSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *offsetSchedule) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

// makeIntervalScheduleWithSpread returns an @every schedule whose first poll
// is delayed by a random share of the interval, at most maxStartupSpread, so
// nodes sharing one store do not acquire in lockstep. The owner id is mixed
// into the seed so nodes started together still pick different offsets.
func makeIntervalScheduleWithSpread(every time.Duration, now time.Time, owner string) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	window := min(every, maxStartupSpread)
	if window <= 0 {
		return base, 0
	}
	rng := rand.New(rand.NewPCG(uint64(now.UnixNano()), xxhash.Sum64String(owner)))
	offset := time.Duration(rng.Int64N(int64(window)))
	return &offsetSchedule{base: base, first: now.Add(offset)}, offset
}
