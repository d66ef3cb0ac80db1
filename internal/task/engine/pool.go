package engine

import (
	"context"
	"sync"

	logx "timerd/pkg/logx"
)

// pool is one run of the workers between Start and Stop.
type pool struct {
	queue chan queuedTask
	stop  chan struct{} // closed when Stop begins
	done  chan struct{} // closed after workers exit and the queue is drained

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopping bool // guarded by Service.mu
}

// Start launches the workers. It is a no-op while disabled or running, and
// waits out a Stop that is still draining.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	for s.pool != nil {
		p := s.pool
		if !p.stopping {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		select {
		case <-p.done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	cfg := s.cfg
	if !cfg.Enabled {
		s.mu.Unlock()
		return
	}
	// Workers outlive the caller's cancellation; only Stop ends them.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p := &pool{
		queue:  make(chan queuedTask, cfg.QueueSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	s.pool = p
	s.mu.Unlock()

	// Keys left behind by an enqueue racing the last Stop are stale.
	s.keys.reset()
	s.inFlight.Store(0)

	for i := range cfg.Workers {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			s.worker(runCtx, p, i)
		}()
	}
	s.log.Info("executor started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop closes the pool and waits for running firings until ctx expires, then
// cancels them. Queued firings that never started are discarded; their
// timers keep the lease and are reacquired once it runs out.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	p := s.pool
	if p == nil {
		s.mu.Unlock()
		return
	}
	first := !p.stopping
	if first {
		p.stopping = true
		close(p.stop)
	}
	s.mu.Unlock()

	if first {
		go s.retire(p)
	}
	select {
	case <-p.done:
		if first {
			s.log.Info("executor stopped")
		}
	case <-ctx.Done():
		s.log.Warn("executor stop timed out; cancelling running firings", logx.Err(ctx.Err()))
	}
	p.cancel()
}

func (s *Service) retire(p *pool) {
	p.wg.Wait()
	for drained := false; !drained; {
		select {
		case qt := <-p.queue:
			s.untrack(qt)
		default:
			drained = true
		}
	}
	s.mu.Lock()
	if s.pool == p {
		s.pool = nil
	}
	s.mu.Unlock()
	close(p.done)
}
