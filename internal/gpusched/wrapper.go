package gpusched

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// The wrapper script is a contract with the worker side: it writes
// started.json, stdout.txt, stderr.txt and a periodic heartbeat.txt under
// the monitor directory, honors cancel.requested / pause.requested markers
// with a TERM-then-KILL sequence, and emits exit.json when the inner script
// finishes. Implementations on either side must keep the file layouts in
// sync; changes require a schema bump.

// wrappable reports whether the job's command can be rewritten to run under
// the supervisor wrapper: an `sh -lc <script>` command plus an absolute plan
// directory in the environment.
func wrappable(exec ExecSpec) bool {
	if len(exec.Command) < 3 || exec.Command[0] != "sh" || exec.Command[1] != "-lc" {
		return false
	}
	planDir := exec.Env[EnvPlanDir]
	return planDir != "" && strings.HasPrefix(planDir, "/")
}

// heredocTag returns a randomly tagged heredoc delimiter guaranteed not to
// collide with the script's contents.
func heredocTag(script string) string {
	for {
		buf := make([]byte, 8)
		rand.Read(buf)
		tag := "OPENCLAW_EOF_" + hex.EncodeToString(buf)
		if !strings.Contains(script, tag) {
			return tag
		}
	}
}

// shellQuote single-quotes s for safe interpolation into the wrapper.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// wrapScript rewrites the inner script to run under the supervisor.
func wrapScript(script, planDir, jobID string, attempt int) string {
	dir := monitorDir(planDir, jobID, attempt)
	tag := heredocTag(script)

	var b strings.Builder
	fmt.Fprintf(&b, "monitor_dir=%s\n", shellQuote(dir))
	fmt.Fprintf(&b, "job_id=%s\n", shellQuote(jobID))
	fmt.Fprintf(&b, "attempt=%d\n", attempt)
	b.WriteString(`mkdir -p "$monitor_dir"
started_at_ms=$(( $(date +%s) * 1000 ))
printf '{"schemaVersion":1,"jobId":"%s","attempt":%s,"startedAtMs":%s}\n' "$job_id" "$attempt" "$started_at_ms" > "$monitor_dir/started.json"
`)
	fmt.Fprintf(&b, "cat > \"$monitor_dir/original.sh\" <<%s\n%s\n%s\n", shellQuote(tag), script, tag)
	fmt.Fprintf(&b, `if command -v setsid >/dev/null 2>&1; then
  setsid sh "$monitor_dir/original.sh" > "$monitor_dir/stdout.txt" 2> "$monitor_dir/stderr.txt" &
else
  sh "$monitor_dir/original.sh" > "$monitor_dir/stdout.txt" 2> "$monitor_dir/stderr.txt" &
fi
child=$!
signaled=""
date +%%s > "$monitor_dir/heartbeat.txt"
while kill -0 "$child" 2>/dev/null; do
  date +%%s > "$monitor_dir/heartbeat.txt"
  if [ -z "$signaled" ] && { [ -e "$monitor_dir/cancel.requested" ] || [ -e "$monitor_dir/pause.requested" ]; }; then
    signaled=1
    kill -TERM -- "-$child" 2>/dev/null || kill -TERM "$child" 2>/dev/null
    grace=0
    while kill -0 "$child" 2>/dev/null && [ "$grace" -lt %d ]; do
      sleep 1
      grace=$((grace + 1))
    done
    if kill -0 "$child" 2>/dev/null; then
      kill -KILL -- "-$child" 2>/dev/null || kill -KILL "$child" 2>/dev/null
    fi
  fi
  sleep %d
done
wait "$child"
exit_code=$?
finished_at_ms=$(( $(date +%%s) * 1000 ))
success=false
[ "$exit_code" -eq 0 ] && success=true
printf '{"schemaVersion":1,"jobId":"%%s","attempt":%%s,"startedAtMs":%%s,"finishedAtMs":%%s,"exitCode":%%s,"timedOut":false,"success":%%s}\n' "$job_id" "$attempt" "$started_at_ms" "$finished_at_ms" "$exit_code" "$success" > "$monitor_dir/exit.json"
tail -c %d "$monitor_dir/stdout.txt"
tail -c %d "$monitor_dir/stderr.txt" >&2
exit "$exit_code"
`, CancelGraceMs/1000, HeartbeatIntervalMs/1000, TailChars, TailChars)
	return b.String()
}

// wrapExec returns a copy of exec with the inner script rewritten to run
// under the supervisor wrapper and the wrapped marker set in the forwarded
// environment. Non-wrappable commands are returned unchanged.
func wrapExec(exec ExecSpec, jobID string, attempt int) ExecSpec {
	if !wrappable(exec) {
		return exec
	}

	planDir := exec.Env[EnvPlanDir]

	out := exec
	out.Command = append([]string(nil), exec.Command...)
	out.Command[2] = wrapScript(exec.Command[2], planDir, jobID, attempt)

	out.Env = make(map[string]string, len(exec.Env)+1)
	for k, v := range exec.Env {
		out.Env[k] = v
	}
	out.Env[EnvWrapped] = "1"

	return out
}
