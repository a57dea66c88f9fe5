package gpusched

import (
	"sort"
	"time"

	"github.com/openclaw/gateway/internal/statestore"
)

// persistLoop is the single persistence worker. It debounces mutations,
// snapshots the job set under the lock, writes through the state store
// outside it, and repeats while the version keeps advancing.
func (s *Scheduler) persistLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			// Final flush so a clean stop loses nothing.
			s.persistOnce()
			return
		case <-s.persistCh:
		}

		select {
		case <-s.stopCh:
			s.persistOnce()
			return
		case <-time.After(persistDebounceMs * time.Millisecond):
		}

		for s.persistOnce() {
		}
	}
}

// persistOnce writes one snapshot. Returns true when the state advanced
// during the write and another pass is needed.
func (s *Scheduler) persistOnce() bool {
	if !s.cfg.Persist || s.persistPath == "" {
		return false
	}

	s.mu.Lock()
	version := s.stateVersion
	if version == s.persistedVersion {
		s.mu.Unlock()
		return false
	}
	doc := stateDocument{Version: stateSchemaVersion, Jobs: make([]*GpuJob, 0, len(s.jobs))}
	for _, job := range s.jobs {
		doc.Jobs = append(doc.Jobs, job.Clone())
	}
	s.mu.Unlock()

	sort.Slice(doc.Jobs, func(i, j int) bool {
		if doc.Jobs[i].CreatedAtMs != doc.Jobs[j].CreatedAtMs {
			return doc.Jobs[i].CreatedAtMs < doc.Jobs[j].CreatedAtMs
		}
		return doc.Jobs[i].JobID < doc.Jobs[j].JobID
	})

	if err := statestore.Write(s.persistPath, &doc); err != nil {
		// Scheduling continues in memory; the next mutation retries.
		s.log.Error().Err(err).Str("path", s.persistPath).Msg("persist failed")
		return false
	}

	s.mu.Lock()
	s.persistedVersion = version
	more := s.stateVersion > version
	s.mu.Unlock()
	return more
}
