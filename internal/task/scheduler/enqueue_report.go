package scheduler

import (
	"errors"
	"time"

	"golang.org/x/time/rate"

	"cronhub/internal/storage"
	"cronhub/internal/task/engine"
	logx "cronhub/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

// reportEnqueueError logs at most one warning per job every
// enqueueWarnThrottle. The log itself is durable: a later sweep retries it.
func (s *Service) reportEnqueueError(key string, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, engine.ErrDisabled) {
		s.log.Debug("execution left for a dispatcher", logx.String("job", key))
		return
	}

	s.enqMu.Lock()
	st := s.enqWarn[key]
	if st == nil {
		st = &rate.Sometimes{First: 1, Interval: enqueueWarnThrottle}
		s.enqWarn[key] = st
	}
	s.enqMu.Unlock()

	st.Do(func() {
		if errors.Is(err, storage.ErrStoreUnavailable) {
			s.log.Warn("store unavailable; firing retried next tick", logx.String("job", key), logx.Err(err))
			return
		}
		// Queue full / stopping are important but can be bursty.
		s.log.Warn("failed to enqueue execution", logx.String("job", key), logx.Err(err))
	})
}
