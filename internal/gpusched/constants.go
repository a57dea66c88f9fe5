package gpusched

// Filesystem contract constants shared with the worker wrapper. Changing any
// of these requires a coordinated schema bump on both sides.
const (
	// HeartbeatIntervalMs is how often the wrapper touches heartbeat.txt.
	HeartbeatIntervalMs = 2_000

	// HeartbeatStaleMs is how old a heartbeat may be before a reconciled
	// job is considered dead and requeued.
	HeartbeatStaleMs = 120_000

	// CancelGraceMs is the SIGTERM-to-SIGKILL grace the wrapper grants.
	CancelGraceMs = 10_000

	// TailChars bounds stdout/stderr tails kept on attempts and results.
	TailChars = 4_000

	// MinPollIntervalMs floors the dispatcher poll interval.
	MinPollIntervalMs = 25

	// DefaultPolicyIntervalMs is the policy ticker default cadence.
	DefaultPolicyIntervalMs = 30_000
)

// persistDebounceMs is the delay between a state mutation and the persistence
// pass that writes it, in milliseconds.
const persistDebounceMs = 200

// defaultInvokeTimeoutMs bounds node RPCs whose job sets no timeout.
const defaultInvokeTimeoutMs = 30_000

// Env keys the scheduler reads from and injects into job environments.
const (
	// EnvPlanDir names the shared plan directory under which monitor
	// directories live. Must be absolute for wrapping to engage.
	EnvPlanDir = "OPENCLAW_PLAN_DIR"

	// EnvWrapped documents that the command was rewritten by the scheduler.
	EnvWrapped = "OPENCLAW_GPU_SCHEDULER_WRAPPED"
)

// Marker and evidence file names in the per-attempt monitor directory.
const (
	markerCancel  = "cancel.requested"
	markerPause   = "pause.requested"
	fileStarted   = "started.json"
	fileExit      = "exit.json"
	fileHeartbeat = "heartbeat.txt"
	fileStdout    = "stdout.txt"
	fileStderr    = "stderr.txt"
	fileOriginal  = "original.sh"
	fileEvents    = "events.jsonl"
)

// CommandRun is the single RPC the scheduler issues against worker nodes.
const CommandRun = "system.run"
