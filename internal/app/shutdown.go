package app

import (
	"context"
	"fmt"
	"time"

	logx "timerd/pkg/logx"
)

// slowStep promotes a step's completion log from debug to info.
const slowStep = 500 * time.Millisecond

type stopStep struct {
	name  string
	limit time.Duration
	fn    func(context.Context) error
}

// run calls fn with at most limit of the caller's remaining time. When the
// budget runs out, run returns and a goroutine reports how the step ended.
func (st stopStep) run(ctx context.Context, log logx.Logger) {
	log = log.With(logx.String("step", st.name))
	start := time.Now()

	budget := st.limit
	if dl, ok := ctx.Deadline(); ok {
		budget = min(budget, time.Until(dl))
	}
	stepCtx, cancel := context.WithTimeout(ctx, max(budget, 0))
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- st.fn(stepCtx)
	}()

	select {
	case err := <-done:
		took := time.Since(start)
		switch {
		case err != nil:
			log.Warn("stop step failed", logx.Err(err), logx.Duration("took", took))
		case took >= slowStep:
			log.Info("stop step done", logx.Duration("took", took))
		default:
			log.Debug("stop step done", logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		log.Warn("stop step over budget; continuing", logx.Duration("budget", budget), logx.Err(stepCtx.Err()))
		go func() {
			err := <-done
			log.Info("stop step finished late", logx.Err(err), logx.Duration("took", time.Since(start)))
		}()
	}
}
