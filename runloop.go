package testplan

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

// RunScheduler decides when the plan runs: once, or again on every tick.
type RunScheduler interface {
	Start(ctx context.Context) error
	Stop() error
	RegisterCallback(func() error)
	WaitForShutdown(ctx context.Context) error
	Stopped() bool
}

// DefaultRunScheduler runs the plan once, then in continuous mode again on
// every interval tick. Ticks that arrive while a run is in progress are
// dropped.
type DefaultRunScheduler struct {
	interval time.Duration
	runOnce  bool
	logger   log.Logger
	callback func() error

	active   atomic.Bool
	runs     atomic.Uint64
	mu       sync.Mutex
	halt     context.CancelFunc
	loopDone chan struct{}
}

func NewDefaultRunScheduler(interval time.Duration, runOnce bool, logger log.Logger) *DefaultRunScheduler {
	return &DefaultRunScheduler{
		interval: interval,
		runOnce:  runOnce,
		logger:   logger,
	}
}

func (s *DefaultRunScheduler) RegisterCallback(callback func() error) {
	s.callback = callback
}

// Start performs the first run synchronously and returns its error. In
// continuous mode the following runs happen in the background until Stop is
// called or ctx ends.
func (s *DefaultRunScheduler) Start(ctx context.Context) error {
	if s.callback == nil {
		return errors.New("callback must be registered before starting scheduler")
	}
	if !s.runOnce && s.interval <= 0 {
		return errors.New("continuous mode needs a positive interval")
	}

	loopCtx, halt := context.WithCancel(ctx)
	s.mu.Lock()
	s.halt = halt
	s.loopDone = make(chan struct{})
	s.mu.Unlock()
	s.active.Store(true)

	if s.runOnce {
		s.logger.Info("Running plan once")
		defer close(s.loopDone)
		defer halt()
		return s.run()
	}

	s.logger.Info("Running plan periodically", "interval", s.interval)
	if err := s.run(); err != nil {
		halt()
		close(s.loopDone)
		return err
	}
	go s.loop(loopCtx)
	return nil
}

func (s *DefaultRunScheduler) run() error {
	n := s.runs.Add(1)
	started := time.Now()
	err := s.callback()
	s.logger.Debug("Plan run finished", "run", n, "elapsed", time.Since(started), "failed", err != nil)
	return err
}

func (s *DefaultRunScheduler) loop(ctx context.Context) {
	defer close(s.loopDone)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.active.Store(false)
			s.logger.Debug("Periodic plan runs ended", "runs", s.runs.Load())
			return
		case <-ticker.C:
			// Stop may have won the race against this tick
			if !s.active.Load() {
				return
			}
			if err := s.run(); err != nil {
				s.logger.Error("Periodic plan run failed", "run", s.runs.Load(), "error", err)
			}
		}
	}
}

// Stop prevents further runs. A run in progress is not interrupted.
func (s *DefaultRunScheduler) Stop() error {
	if !s.active.Swap(false) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.halt != nil {
		s.halt()
	}
	return nil
}

func (s *DefaultRunScheduler) Stopped() bool {
	return !s.active.Load()
}

// WaitForShutdown blocks until no run can start anymore, or ctx ends.
func (s *DefaultRunScheduler) WaitForShutdown(ctx context.Context) error {
	s.mu.Lock()
	loopDone := s.loopDone
	s.mu.Unlock()
	if loopDone == nil {
		return nil
	}

	select {
	case <-loopDone:
		return nil
	case <-ctx.Done():
		s.logger.Warn("Plan runs did not wind down in time", "runs", s.runs.Load(), "error", ctx.Err())
		return ctx.Err()
	}
}
