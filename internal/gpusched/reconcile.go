package gpusched

import (
	"path/filepath"
	"time"
)

// Restart reconciliation. Jobs persisted as running refer to attempts whose
// fate only the shared filesystem knows: the wrapper keeps writing evidence
// whether or not the gateway is up. exit.json is authoritative completion; a
// fresh heartbeat means the worker is still alive; anything else means the
// attempt is lost and the job is requeued or failed.

// processReconciliation drains the pending reconciliation records. File
// reads happen outside the critical section; decisions re-enter it.
func (s *Scheduler) processReconciliation() {
	s.mu.Lock()
	records := s.reconcile
	s.reconcile = nil
	s.mu.Unlock()

	for _, rec := range records {
		s.reconcileOne(rec)
	}
}

func (s *Scheduler) reconcileOne(rec reconcileRecord) {
	if rec.planDir == "" || !filepath.IsAbs(rec.planDir) {
		s.requeueReconciled(rec, "missing plan dir; requeued")
		return
	}

	dir := monitorDir(rec.planDir, rec.jobID, rec.attempt)

	if doc := readExitDocument(dir); doc != nil {
		outcome := attemptOutcome{
			ok:         doc.Success,
			exitCode:   &doc.ExitCode,
			timedOut:   doc.TimedOut,
			stdoutTail: readFileTail(filepath.Join(dir, fileStdout)),
			stderrTail: readFileTail(filepath.Join(dir, fileStderr)),
		}
		s.log.Info().Str("jobId", rec.jobID).Int("attempt", rec.attempt).
			Int("exitCode", doc.ExitCode).Msg("reconciled from exit evidence")
		s.applyAttemptResult(rec.jobID, rec.attempt, outcome)
		return
	}

	if age, ok := heartbeatAge(dir, time.Now()); ok && age <= HeartbeatStaleMs*time.Millisecond {
		// Worker is alive; a later completion will finalize the attempt.
		s.log.Info().Str("jobId", rec.jobID).Int("attempt", rec.attempt).
			Dur("heartbeatAge", age).Msg("worker alive, attempt kept running")
		s.mu.Lock()
		s.reconcile = append(s.reconcile, rec)
		s.mu.Unlock()
		return
	}

	s.requeueReconciled(rec, "heartbeat stale; requeued")
}

// requeueReconciled treats a lost attempt as failed evidence: the job is
// requeued when attempts remain, failed otherwise.
func (s *Scheduler) requeueReconciled(rec reconcileRecord, reason string) {
	s.log.Warn().Str("jobId", rec.jobID).Int("attempt", rec.attempt).Str("reason", reason).Msg("reconciliation requeue")
	s.applyAttemptResult(rec.jobID, rec.attempt, attemptOutcome{err: reason})
}
