package gpusched

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Monitor-directory helpers. Everything here is best-effort two-writer
// coordination over a shared filesystem: the scheduler writes markers and
// lifecycle events, the worker wrapper writes evidence. Writes swallow
// errors after logging; reads tolerate missing files.

// jobRootDir is <planDir>/report/gpu_scheduler/jobs/<jobId>.
func jobRootDir(planDir, jobID string) string {
	return filepath.Join(planDir, "report", "gpu_scheduler", "jobs", jobID)
}

// monitorDir is the per-attempt directory holding wrapper evidence and
// scheduler markers.
func monitorDir(planDir, jobID string, attempt int) string {
	return filepath.Join(jobRootDir(planDir, jobID), fmt.Sprintf("attempt-%d", attempt))
}

// writeMarker drops a marker file into the attempt's monitor directory. The
// body is a small JSON object so operators can see when the request landed.
func (s *Scheduler) writeMarker(planDir, jobID string, attempt int, name string, body map[string]any) {
	dir := monitorDir(planDir, jobID, attempt)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.log.Warn().Err(err).Str("jobId", jobID).Msg("create monitor dir")
		return
	}
	data, err := json.Marshal(body)
	if err != nil {
		return
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		s.log.Warn().Err(err).Str("jobId", jobID).Str("marker", name).Msg("write marker")
	}
}

// appendJobEvent appends one lifecycle record to the job's events.jsonl.
func (s *Scheduler) appendJobEvent(planDir, jobID, eventType string, fields map[string]any) {
	if planDir == "" || !filepath.IsAbs(planDir) {
		return
	}
	dir := jobRootDir(planDir, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}

	record := map[string]any{
		"schemaVersion": 1,
		"atMs":          time.Now().UnixMilli(),
		"jobId":         jobID,
		"type":          eventType,
	}
	for k, v := range fields {
		record[k] = v
	}
	line, err := json.Marshal(record)
	if err != nil {
		return
	}

	f, err := os.OpenFile(filepath.Join(dir, fileEvents), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		s.log.Warn().Err(err).Str("jobId", jobID).Msg("open events journal")
		return
	}
	defer f.Close()
	f.Write(append(line, '\n'))
}

// exitDocument is the wrapper's exit.json layout.
type exitDocument struct {
	SchemaVersion int    `json:"schemaVersion"`
	JobID         string `json:"jobId"`
	Attempt       int    `json:"attempt"`
	StartedAtMs   int64  `json:"startedAtMs"`
	FinishedAtMs  int64  `json:"finishedAtMs"`
	ExitCode      int    `json:"exitCode"`
	TimedOut      bool   `json:"timedOut"`
	Success       bool   `json:"success"`
}

// readExitDocument loads exit.json from the monitor directory, returning nil
// when absent or unparsable.
func readExitDocument(dir string) *exitDocument {
	data, err := os.ReadFile(filepath.Join(dir, fileExit))
	if err != nil {
		return nil
	}
	var doc exitDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil
	}
	return &doc
}

// heartbeatAge returns how long ago heartbeat.txt was touched, or false when
// no heartbeat exists.
func heartbeatAge(dir string, now time.Time) (time.Duration, bool) {
	info, err := os.Stat(filepath.Join(dir, fileHeartbeat))
	if err != nil {
		return 0, false
	}
	return now.Sub(info.ModTime()), true
}

// readFileTail returns the trailing TailChars characters of the named file.
// The pre-slice keeps at most TailChars*4 bytes so multi-byte runes at the
// cut point cannot inflate the result.
func readFileTail(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	if len(data) > TailChars*4 {
		data = data[len(data)-TailChars*4:]
	}
	return tailString(string(data))
}

// tailString truncates s to its last TailChars characters.
func tailString(s string) string {
	runes := []rune(s)
	if len(runes) <= TailChars {
		return s
	}
	return string(runes[len(runes)-TailChars:])
}
