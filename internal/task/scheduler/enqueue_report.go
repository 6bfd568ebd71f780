package scheduler

import (
	"time"

	"golang.org/x/time/rate"

	logx "resticd/pkg/logx"
)

// submitWarnEvery bounds submit-failure warnings per job; a stopped queue
// would otherwise log once per fire.
const submitWarnEvery = 5 * time.Second

func (s *Service) reportSubmitError(name string, err error) {
	if err == nil {
		return
	}
	s.warnMu.Lock()
	st, ok := s.submitLog[name]
	if !ok {
		st = &rate.Sometimes{Interval: submitWarnEvery}
		s.submitLog[name] = st
	}
	s.warnMu.Unlock()

	st.Do(func() {
		s.log.Warn("schedule failed to submit task", logx.String("schedule", name), logx.Err(err))
	})
}
