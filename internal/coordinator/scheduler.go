package coordinator

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/arc-self/market-sentinel/internal/model"
)

// Scheduler fires a broadcast run every execution interval. Ticks that
// collide with an active run are dropped, not queued; missed ticks during
// downtime are not replayed.
type Scheduler struct {
	coord    *Coordinator
	interval time.Duration
	cron     *cron.Cron
	logger   *zap.Logger
}

// NewScheduler builds the periodic trigger; Start arms it.
func NewScheduler(coord *Coordinator, interval time.Duration, logger *zap.Logger) *Scheduler {
	return &Scheduler{coord: coord, interval: interval, logger: logger}
}

// Start arms the cron entry. Returns an error only on a malformed
// interval, which Validate rules out earlier.
func (s *Scheduler) Start() error {
	s.cron = cron.New()
	spec := fmt.Sprintf("@every %s", s.interval)
	_, err := s.cron.AddFunc(spec, s.tick)
	if err != nil {
		return fmt.Errorf("schedule %q: %w", spec, err)
	}
	s.cron.Start()
	s.logger.Info("scheduler armed", zap.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) tick() {
	runID, err := s.coord.Trigger(model.TriggerScheduled, s.coord.cfg.BroadcastChatID, 0)
	switch {
	case err == nil:
		s.logger.Info("scheduled run triggered", zap.String("run_id", runID))
	case err == ErrBusy:
		s.logger.Info("scheduled tick dropped, run already active")
	case err == ErrShuttingDown:
		// stop raced with a tick; nothing to do
	default:
		s.logger.Error("scheduled trigger failed", zap.Error(err))
	}
}

// Stop halts future ticks. Runs already started keep going; Shutdown on
// the Coordinator owns their lifecycle.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}
