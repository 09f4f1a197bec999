package server

import (
	"context"
	"time"

	"github.com/kylerisse/nodectl/pkg/check"
)

// worker runs one check on the server's interval until Stop.
func (s *Server) worker(inst check.Instance) {
	defer s.wg.Done()
	status := s.getOrCreateStatus(inst.Name)

	delay := s.startDelay()
	s.logger.Debugf("Worker for check %s will start in %v", inst.Name, delay)
	select {
	case <-time.After(delay):
		s.runCheck(inst, status)
	case <-s.done:
		s.logger.Debugf("Worker for check %s received shutdown signal before starting", inst.Name)
		return
	}

	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.runCheck(inst, status)
		case <-s.done:
			s.logger.Debugf("Worker for check %s received shutdown signal", inst.Name)
			return
		}
	}
}

// runCheck runs the check once, bounded by the check interval, and records
// the result.
func (s *Server) runCheck(inst check.Instance, status *check.Status) check.Result {
	ctx, cancel := context.WithTimeout(context.Background(), s.checkInterval)
	defer cancel()

	res := inst.Check.Run(ctx)
	if res.Timestamp.IsZero() {
		res.Timestamp = s.clock.Now()
	}
	status.SetResult(res)

	if res.Success {
		s.logger.Debugf("Check %s (%s) succeeded", inst.Name, inst.Check.Type())
	} else {
		s.logger.Warnf("Check %s (%s) failed: %v", inst.Name, inst.Check.Type(), res.Err)
	}
	return res
}
