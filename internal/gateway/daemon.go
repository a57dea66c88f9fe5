package gateway

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/openclaw/gateway/internal/config"
	"github.com/openclaw/gateway/internal/events"
	"github.com/openclaw/gateway/internal/gateway/httpapi"
	"github.com/openclaw/gateway/internal/gpusched"
	"github.com/openclaw/gateway/internal/history"
	"github.com/openclaw/gateway/internal/metrics"
	"github.com/openclaw/gateway/internal/nodes"
	"github.com/openclaw/gateway/internal/policy"
	"github.com/openclaw/gateway/internal/proposal"
)

// Daemon owns the gateway's components and their lifecycle.
type Daemon struct {
	cfg *config.Config
	log zerolog.Logger

	bus       *events.Bus
	registry  *nodes.WSRegistry
	scheduler *gpusched.Scheduler
	proposals *proposal.Orchestrator
	metrics   *metrics.Metrics
	history   *history.DB

	server *http.Server
	gauges *time.Ticker
	done   chan struct{}
}

// New wires the gateway from configuration. The proposal collaborators are
// injected by the caller; the gateway only sequences them.
func New(cfg *config.Config, collab proposal.Collaborators, log zerolog.Logger) (*Daemon, error) {
	bus := events.NewBus(1000)

	registry := nodes.NewWSRegistry(log, bus)
	commands := policy.NewCommandPolicy(cfg.AllowedCommands)

	gpuStatePath := cfg.GPU.PersistPath
	if gpuStatePath == "" {
		gpuStatePath = filepath.Join(cfg.StateDir, "gateway", "gpu-scheduler", "jobs.json")
	}
	scheduler := gpusched.New(cfg.GPU, gpuStatePath, gpusched.Dependencies{
		Registry: registry,
		Commands: commands,
		Bus:      bus,
		Log:      log,
	})

	facade := &Facade{Scheduler: scheduler, Registry: registry}

	proposalStatePath := cfg.Proposal.PersistPath
	if proposalStatePath == "" {
		proposalStatePath = filepath.Join(cfg.StateDir, "gateway", "proposal-orchestrator", "jobs.json")
	}
	proposals := proposal.New(cfg.Proposal, proposalStatePath, proposal.Dependencies{
		Collaborators: collab,
		Gateway:       facade,
		Bus:           bus,
		Log:           log,
	})

	m := metrics.New()
	m.Observe(bus)

	var hist *history.DB
	if cfg.History.Enabled {
		path := cfg.History.Path
		if path == "" {
			path = filepath.Join(cfg.StateDir, "gateway", "history.db")
		}
		db, err := history.Open(path, log)
		if err != nil {
			// The index is advisory; the gateway runs without it.
			log.Warn().Err(err).Msg("history index unavailable")
		} else {
			hist = db
			hist.Observe(bus)
		}
	}

	api := httpapi.New(httpapi.Deps{
		Log:       log,
		Scheduler: scheduler,
		Proposals: proposals,
		Registry:  registry,
		History:   hist,
		NodeWS:    registry,
		Metrics:   m.Handler(),
	})

	return &Daemon{
		cfg:       cfg,
		log:       log.With().Str("component", "gateway").Logger(),
		bus:       bus,
		registry:  registry,
		scheduler: scheduler,
		proposals: proposals,
		metrics:   m,
		history:   hist,
		server: &http.Server{
			Addr:    cfg.ListenAddr,
			Handler: api.Handler(),
		},
		done: make(chan struct{}),
	}, nil
}

// Scheduler exposes the GPU scheduler, mainly for the in-process facade and
// tests.
func (d *Daemon) Scheduler() *gpusched.Scheduler { return d.scheduler }

// Proposals exposes the pipeline orchestrator.
func (d *Daemon) Proposals() *proposal.Orchestrator { return d.proposals }

// Registry exposes the node registry.
func (d *Daemon) Registry() nodes.Registry { return d.registry }

// Run starts the schedulers and serves the API until ctx is canceled.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.scheduler.Start(); err != nil {
		return fmt.Errorf("start gpu scheduler: %w", err)
	}
	if err := d.proposals.Start(); err != nil {
		return fmt.Errorf("start proposal orchestrator: %w", err)
	}

	d.gauges = time.NewTicker(5 * time.Second)
	go func() {
		for {
			select {
			case <-d.done:
				return
			case <-d.gauges.C:
				running, queued := d.scheduler.Counts()
				d.metrics.SetCounts(running, queued)
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		d.log.Info().Str("addr", d.cfg.ListenAddr).Msg("gateway listening")
		if err := d.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		d.shutdown()
		return nil
	case err := <-errCh:
		d.shutdown()
		return err
	}
}

func (d *Daemon) shutdown() {
	close(d.done)
	d.gauges.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	d.server.Shutdown(shutdownCtx)

	d.scheduler.Stop()
	d.proposals.Stop()
	if d.history != nil {
		d.history.Close()
	}
	d.bus.Emit(events.Event{Type: events.GatewayStopped})
	d.bus.Close()

	d.log.Info().Msg("gateway stopped")
}
