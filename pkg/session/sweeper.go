package session

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Sweeper periodically removes expired sessions.
type Sweeper struct {
	manager   *Manager
	cron      *cron.Cron
	logger    *zap.Logger
	onExpired func([]*Session)
	timeout   time.Duration
}

// NewSweeper schedules SweepExpired with a cron spec such as "@every 1m".
// onExpired, if set, receives each non-empty batch of removed sessions.
func NewSweeper(manager *Manager, schedule string, onExpired func([]*Session), logger *zap.Logger) (*Sweeper, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Sweeper{
		manager:   manager,
		cron:      cron.New(),
		logger:    logger,
		onExpired: onExpired,
		timeout:   30 * time.Second,
	}
	if _, err := s.cron.AddFunc(schedule, s.sweep); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start runs the schedule in the background.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running sweep, or for ctx.
func (s *Sweeper) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	expired, err := s.manager.SweepExpired(ctx)
	if err != nil {
		s.logger.Error("session sweep failed", zap.Error(err))
		return
	}
	if len(expired) > 0 && s.onExpired != nil {
		s.onExpired(expired)
	}
}
