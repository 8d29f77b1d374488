// Package jobs runs the scheduled maintenance work of the service. Today that
// is a single daily sweep hiding expired, unfunded requests from the public
// browse view.
package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/Pawar-007/healthfund-go/internal/ledger"
	"github.com/robfig/cron/v3"
)

// Scheduler owns the cron runner.
type Scheduler struct {
	cron   *cron.Cron
	ledger *ledger.Ledger
}

// NewScheduler registers the deadline sweep with the given cron spec
// (standard 5-field syntax, e.g. "5 0 * * *" for 00:05 daily).
func NewScheduler(l *ledger.Ledger, spec string) (*Scheduler, error) {
	s := &Scheduler{
		cron:   cron.New(),
		ledger: l,
	}
	if _, err := s.cron.AddFunc(spec, s.runSweep); err != nil {
		return nil, err
	}
	return s, nil
}

// Start launches the cron runner in its own goroutine.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop stops the runner and waits for any in-flight job to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Scheduler) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	swept, err := s.ledger.SweepExpired(ctx)
	if err != nil {
		slog.Error("deadline sweep failed", "error", err)
		return
	}
	if swept > 0 {
		slog.Info("deadline sweep hid expired requests", "count", swept)
	}
}
