package cli

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/openclaw/gateway/internal/gpusched"
)

// NewSubmitCmd creates the 'submit' command for submitting a GPU job.
func NewSubmitCmd(a *App) *cobra.Command {
	var (
		gpuCount    int
		gpuType     string
		gpuMemGB    float64
		maxAttempts int
		planDir     string
		timeoutMs   int64
	)

	cmd := &cobra.Command{
		Use:   "submit -- <command> [args...]",
		Short: "Submit a GPU job",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := gpusched.SubmitRequest{
				Resources: gpusched.ResourceRequest{
					GPUCount: gpuCount,
					GPUType:  gpuType,
					GPUMemGB: gpuMemGB,
				},
				Exec: gpusched.ExecSpec{
					Command:          args,
					CommandTimeoutMs: timeoutMs,
				},
				MaxAttempts: maxAttempts,
			}
			if planDir != "" {
				req.Exec.Env = map[string]string{gpusched.EnvPlanDir: planDir}
			}

			var job gpusched.GpuJob
			if err := newClient(a.serverURL).do(http.MethodPost, "/v1/gpu/jobs", req, &job); err != nil {
				return err
			}
			return printJSON(job)
		},
	}

	cmd.Flags().IntVar(&gpuCount, "gpus", 1, "GPUs requested")
	cmd.Flags().StringVar(&gpuType, "gpu-type", "", "Required GPU type")
	cmd.Flags().Float64Var(&gpuMemGB, "gpu-mem", 0, "Minimum GPU memory in GB")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 1, "Dispatch attempts before the job fails")
	cmd.Flags().StringVar(&planDir, "plan-dir", "", "Shared plan directory for wrapper supervision")
	cmd.Flags().Int64Var(&timeoutMs, "timeout-ms", 0, "Command timeout in milliseconds")

	return cmd
}

// NewJobsCmd creates the 'jobs' command for listing GPU jobs.
func NewJobsCmd(a *App) *cobra.Command {
	var state string

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List GPU jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/gpu/jobs"
			if state != "" {
				path += "?state=" + url.QueryEscape(state)
			}
			var jobs []gpusched.GpuJob
			if err := newClient(a.serverURL).do(http.MethodGet, path, nil, &jobs); err != nil {
				return err
			}
			for _, job := range jobs {
				fmt.Printf("%s  %-10s  gpus=%d  attempts=%d\n", job.JobID, job.State, job.Resources.GPUCount, len(job.Attempts))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "Filter by state (queued, running, succeeded, failed, canceled)")

	return cmd
}

// NewCancelCmd creates the 'cancel' command.
func NewCancelCmd(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a GPU job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res gpusched.OpResult
			if err := newClient(a.serverURL).do(http.MethodPost, "/v1/gpu/jobs/"+args[0]+"/cancel", nil, &res); err != nil {
				return err
			}
			return printJSON(res)
		},
	}
}

// NewPauseCmd creates the 'pause' command.
func NewPauseCmd(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "pause <job-id>",
		Short: "Pause a GPU job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res gpusched.OpResult
			if err := newClient(a.serverURL).do(http.MethodPost, "/v1/gpu/jobs/"+args[0]+"/pause", nil, &res); err != nil {
				return err
			}
			return printJSON(res)
		},
	}
}

// NewResumeCmd creates the 'resume' command.
func NewResumeCmd(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <job-id>",
		Short: "Resume a paused GPU job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res gpusched.OpResult
			if err := newClient(a.serverURL).do(http.MethodPost, "/v1/gpu/jobs/"+args[0]+"/resume", nil, &res); err != nil {
				return err
			}
			return printJSON(res)
		},
	}
}

// NewWaitCmd creates the 'wait' command that blocks until a job terminates.
func NewWaitCmd(a *App) *cobra.Command {
	var timeoutMs int64

	cmd := &cobra.Command{
		Use:   "wait <job-id>",
		Short: "Wait for a GPU job to reach a terminal state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/v1/gpu/jobs/%s/wait?timeoutMs=%d", args[0], timeoutMs)
			var job gpusched.GpuJob
			if err := newClient(a.serverURL).do(http.MethodGet, path, nil, &job); err != nil {
				return err
			}
			return printJSON(job)
		},
	}

	cmd.Flags().Int64Var(&timeoutMs, "timeout-ms", 60_000, "Wait timeout in milliseconds")

	return cmd
}

// NewNodesCmd creates the 'nodes' command listing connected workers.
func NewNodesCmd(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "List connected worker nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			var sessions []struct {
				NodeID    string `json:"nodeId"`
				Resources struct {
					GPUCount int    `json:"gpuCount"`
					GPUType  string `json:"gpuType"`
				} `json:"resources"`
				ConnectedAtMs int64 `json:"connectedAtMs"`
			}
			if err := newClient(a.serverURL).do(http.MethodGet, "/v1/nodes", nil, &sessions); err != nil {
				return err
			}
			for _, s := range sessions {
				fmt.Printf("%s  gpus=%d  type=%s\n", s.NodeID, s.Resources.GPUCount, s.Resources.GPUType)
			}
			return nil
		},
	}
}

// NewVersionCmd creates the 'version' command.
func NewVersionCmd(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("openclaw-gateway %s (%s, built %s)\n", a.version, a.commit, a.date)
		},
	}
}
