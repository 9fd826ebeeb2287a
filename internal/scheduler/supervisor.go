package scheduler

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Supervisor starts and stops the platform pollers as a group. It can be
// restarted; pollers that already finished their silent cycle stay warm.
type Supervisor struct {
	pollers []*Poller
	log     *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewSupervisor creates a supervisor for pollers.
func NewSupervisor(log *slog.Logger, pollers ...*Poller) *Supervisor {
	return &Supervisor{pollers: pollers, log: log}
}

// Start launches every poller. It is a no-op when already running.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.group != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range s.pollers {
		g.Go(func() error { return p.Run(gctx) })
	}
	s.cancel = cancel
	s.group = g
	s.log.Info("pollers started", "count", len(s.pollers))
}

// Stop cancels the pollers and waits for them to return.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	cancel, g := s.cancel, s.group
	s.cancel, s.group = nil, nil
	s.mu.Unlock()

	if g == nil {
		return nil
	}
	cancel()
	err := g.Wait()
	s.log.Info("pollers stopped")
	return err
}

// Running reports whether the pollers are started.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.group != nil
}
