package collector

import (
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
)

// Scheduler drives Queue.FreeDue on a fixed tick from a single
// background goroutine.
type Scheduler struct {
	sched gocron.Scheduler
	log   zerolog.Logger
}

// NewScheduler builds and starts a Scheduler that calls q.FreeDue every
// tick until Stop is called.
func NewScheduler(q *Queue, tick time.Duration, log zerolog.Logger) (*Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	s := &Scheduler{sched: sched, log: log}

	_, err = sched.NewJob(
		gocron.DurationJob(tick),
		gocron.NewTask(func() {
			freed := q.FreeDue(time.Now())
			if freed > 0 {
				s.log.Debug().Int("freed", freed).Msg("collector freed due segments")
			}
		}),
	)
	if err != nil {
		return nil, err
	}

	sched.Start()
	return s, nil
}

// Stop shuts the scheduler down. Safe to call from any goroutine, and
// safe to call more than once.
func (s *Scheduler) Stop() error {
	return s.sched.Shutdown()
}
