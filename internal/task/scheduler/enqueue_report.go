package scheduler

import (
	"errors"
	"time"

	"golang.org/x/time/rate"

	"timerd/internal/task/engine"
	logx "timerd/pkg/logx"
)

const enqueueWarnEvery = 5 * time.Second

// reportEnqueueError logs a rejected firing. A rejected timer stays leased
// and comes back when the lease expires, so the warning is throttled per
// handler type rather than repeated for every timer of a burst.
func (s *Service) reportEnqueueError(handlerType string, err error) {
	switch {
	case err == nil:
		return
	case errors.Is(err, engine.ErrOverlapSkip):
		s.log.Debug("timer already in flight", logx.String("handler", handlerType))
		return
	}
	v, _ := s.enqueueWarn.LoadOrStore(handlerType, &rate.Sometimes{Interval: enqueueWarnEvery})
	v.(*rate.Sometimes).Do(func() {
		s.log.Warn("failed to enqueue timer firing", logx.String("handler", handlerType), logx.Err(err))
	})
}
