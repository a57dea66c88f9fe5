package gpusched

import (
	"time"

	"github.com/openclaw/gateway/internal/policy"
)

// policyLoop evaluates time-window policies on every tick. Decisions are
// collected from a snapshot taken under the lock and applied through the
// regular pause/resume operations so marker writes and persistence follow
// the normal paths.
func (s *Scheduler) policyLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Duration(s.cfg.Policy.IntervalMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.evaluatePolicies(s.now())
		}
	}
}

type policyDecision struct {
	jobID  string
	pause  bool
	resume bool
}

// evaluatePolicies walks non-terminal policy-bearing jobs and pauses or
// resumes them according to their windows.
func (s *Scheduler) evaluatePolicies(now time.Time) {
	var decisions []policyDecision

	s.mu.Lock()
	for _, job := range s.jobs {
		if job.State.Terminal() {
			continue
		}
		autoPause, autoResume, windows, ok := s.effectivePolicy(job)
		if !ok {
			continue
		}
		inWindow := policy.InAnyWindow(windows, now)

		switch job.State {
		case StateQueued:
			if autoPause && !inWindow && !job.Paused {
				decisions = append(decisions, policyDecision{jobID: job.JobID, pause: true})
			}
			if autoResume && inWindow && job.Paused && job.PausedReason == PausePolicy {
				decisions = append(decisions, policyDecision{jobID: job.JobID, resume: true})
			}
		case StateRunning:
			if autoPause && !inWindow && !job.PauseRequested {
				decisions = append(decisions, policyDecision{jobID: job.JobID, pause: true})
			}
		}
	}
	s.mu.Unlock()

	for _, d := range decisions {
		switch {
		case d.pause:
			if res := s.Pause(d.jobID, PausePolicy); !res.OK {
				s.log.Debug().Str("jobId", d.jobID).Str("reason", res.Reason).Msg("policy pause rejected")
			}
		case d.resume:
			s.Resume(d.jobID)
		}
	}
}
