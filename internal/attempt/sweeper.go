package attempt

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSweepSchedule runs the expiry sweep twice a minute.
const DefaultSweepSchedule = "@every 30s"

const sweepTimeout = 2 * time.Minute

// Sweeper force-submits timed attempts whose clock ran out while no session
// was ticking for them. It goes through Manager.Submit, so an attempt a
// session already finalized is not scored twice. Untimed attempts are never
// touched.
type Sweeper struct {
	m        *Manager
	schedule string
	cron     *cron.Cron
}

func NewSweeper(m *Manager, schedule string) *Sweeper {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	return &Sweeper{m: m, schedule: schedule}
}

// Sweep submits every expired timed attempt and returns how many it finalized.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	open, err := s.m.store.ListTimedInProgress(ctx)
	if err != nil {
		return 0, err
	}
	now := s.m.now()
	n := 0
	for _, t := range open {
		if Remaining(t.Attempt.StartedAt, now, t.DurationMinutes) > 0 {
			continue
		}
		res, err := s.m.Submit(ctx, t.Attempt.ID, ReasonTimeout)
		if err != nil {
			log.Printf("[sweeper] submit %s: %v", t.Attempt.ID, err)
			continue
		}
		if !res.AlreadyFinished {
			n++
		}
	}
	return n, nil
}

// Start schedules Sweep; overlapping runs are skipped.
func (s *Sweeper) Start() error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	_, err := c.AddFunc(s.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()
		n, err := s.Sweep(ctx)
		if err != nil {
			log.Printf("[sweeper] error: %v", err)
			return
		}
		if n > 0 {
			log.Printf("[sweeper] finalized %d expired attempt(s)", n)
		}
	})
	if err != nil {
		return err
	}
	s.cron = c
	log.Printf("[sweeper] started schedule=%q", s.schedule)
	c.Start()
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}
