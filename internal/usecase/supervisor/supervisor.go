// Package supervisor owns the fleet: it reconciles declared agent specs
// against observed instances, drives the per-instance state machine, and
// exposes the control operations.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/glindberg2000/superagent/internal/domain"
	"github.com/glindberg2000/superagent/internal/infra/config"
)

// ProcessRunner is the slice of the process manager the supervisor uses.
type ProcessRunner interface {
	Start(specID, command string, args []string, env map[string]string) (*domain.WorkerSession, error)
	Stop(specID string, grace time.Duration) error
	Alive(specID string) bool
	Logs(specID string, n int) (string, error)
}

// instance is the runtime record for one deployed spec.
type instance struct {
	mu           sync.Mutex
	spec         domain.AgentSpec
	state        domain.InstanceState
	startedAt    time.Time
	lastHealthAt time.Time
	restarts     []time.Time // restart timestamps inside the budget window
	restartCount int
	lastError    string
	lastErrorAt  time.Time
	handle       domain.ContainerHandle // container kind only
	healthy      bool
}

// Supervisor reconciles specs to instances.
type Supervisor struct {
	cfg     *config.Config
	tokens  map[string]string // specID -> resolved Discord token
	procs   ProcessRunner
	runtime domain.ContainerRuntime
	logger  *slog.Logger

	mu        sync.Mutex
	instances map[string]*instance

	// injected for tests
	now          func() time.Time
	pollInterval time.Duration
	backoffBase  time.Duration
}

// New creates a Supervisor. tokens must come from the secret resolver's
// duplicate-checked BotTokens; passing raw tokens from anywhere else
// bypasses the duplicate-token guard.
func New(cfg *config.Config, tokens map[string]string, procs ProcessRunner, runtime domain.ContainerRuntime, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		cfg:          cfg,
		tokens:       tokens,
		procs:        procs,
		runtime:      runtime,
		logger:       logger,
		instances:    make(map[string]*instance),
		now:          time.Now,
		pollInterval: 2 * time.Second,
		backoffBase:  time.Second,
	}
}

// ListSpecs returns declared specs sorted by id.
func (s *Supervisor) ListSpecs() []domain.AgentSpec {
	out := make([]domain.AgentSpec, 0, len(s.cfg.Agents))
	for _, spec := range s.cfg.Agents {
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListInstances returns a status snapshot per known instance.
func (s *Supervisor) ListInstances() []domain.InstanceStatus {
	s.mu.Lock()
	ids := make([]string, 0, len(s.instances))
	for id := range s.instances {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)

	out := make([]domain.InstanceStatus, 0, len(ids))
	for _, id := range ids {
		if st, err := s.Status(id); err == nil {
			out = append(out, st)
		}
	}
	return out
}

// Deploy creates and starts an instance for a declared spec. It fails if
// an instance already exists in a non-terminal state.
func (s *Supervisor) Deploy(ctx context.Context, specID string) error {
	spec, ok := s.cfg.Agents[specID]
	if !ok {
		return domain.NewDomainError("Supervisor.Deploy", domain.ErrNotFound, "spec "+specID)
	}

	s.mu.Lock()
	if inst, exists := s.instances[specID]; exists {
		inst.mu.Lock()
		terminal := inst.state.Terminal()
		inst.mu.Unlock()
		if !terminal {
			s.mu.Unlock()
			return domain.NewDomainError("Supervisor.Deploy", domain.ErrDuplicate,
				"instance "+specID+" already live")
		}
	}
	inst := &instance{spec: spec, state: domain.StateStarting, startedAt: s.now()}
	s.instances[specID] = inst
	s.mu.Unlock()

	if err := s.launch(ctx, inst); err != nil {
		s.recordFailure(inst, err)
		inst.mu.Lock()
		inst.state = domain.StateFailed
		inst.mu.Unlock()
		return err
	}

	go s.awaitReady(ctx, inst)
	s.logger.Info("deploy accepted", "spec", specID, "kind", spec.Kind)
	return nil
}

// launch starts the underlying workload for an instance.
func (s *Supervisor) launch(ctx context.Context, inst *instance) error {
	spec := inst.spec
	token := s.tokens[spec.ID]

	switch spec.Kind {
	case domain.KindProcess:
		env := map[string]string{
			spec.DiscordTokenRef: token,
			"SUPERAGENT_AGENT":   spec.ID,
		}
		_, err := s.procs.Start(spec.ID, s.cfg.Global.WorkerCommand,
			[]string{"--agent", spec.ID}, env)
		return err

	case domain.KindContainer:
		res := spec.Resources
		env := map[string]string{
			"DISCORD_TOKEN": token,
			"AGENT_ID":      spec.ID,
		}
		for k, v := range res.EnvOverrides {
			env[k] = v
		}

		mounts := []domain.MountSpec{}
		if res.WorkspaceHostPath != "" {
			mounts = append(mounts, domain.MountSpec{
				HostPath:  res.WorkspaceHostPath,
				MountPath: res.WorkspaceMountPath,
			})
		}
		mounts = append(mounts, res.ExtraMounts...)

		// A fresh deploy id per launch distinguishes relaunches of the
		// same spec in engine-side records.
		labels := map[string]string{
			"superagent.agent":  spec.ID,
			"superagent.deploy": uuid.NewString(),
		}
		for k, v := range res.Labels {
			labels[k] = v
		}

		handle, err := s.runtime.Launch(ctx, domain.ContainerLaunch{
			Name:          "superagent-" + spec.ID,
			Image:         res.Image,
			Env:           env,
			Mounts:        mounts,
			Labels:        labels,
			Network:       s.cfg.Global.Network,
			RestartPolicy: res.RestartPolicy,
			PullIfMissing: res.PullIfMissing,
		})
		if err != nil {
			return err
		}
		inst.mu.Lock()
		inst.handle = handle
		inst.mu.Unlock()
		return nil

	default:
		return domain.NewDomainError("Supervisor.launch", domain.ErrConfig,
			fmt.Sprintf("unknown kind %q", spec.Kind))
	}
}

// awaitReady polls the health probe until the instance reports healthy
// (starting -> running) or the startup timeout elapses (-> crash loop).
func (s *Supervisor) awaitReady(ctx context.Context, inst *instance) {
	deadline := s.now().Add(s.cfg.Global.StartupTimeout)
	for {
		if s.probe(ctx, inst) {
			inst.mu.Lock()
			if inst.state == domain.StateStarting {
				inst.state = domain.StateRunning
				inst.lastHealthAt = s.now()
				inst.healthy = true
			}
			inst.mu.Unlock()
			s.logger.Info("instance running", "spec", inst.spec.ID)
			return
		}

		inst.mu.Lock()
		state := inst.state
		inst.mu.Unlock()
		if state != domain.StateStarting {
			return // stopped or failed while starting
		}

		if s.now().After(deadline) {
			s.handleCrash(ctx, inst, domain.NewDomainError("Supervisor.awaitReady",
				domain.ErrTimeout, "no healthy probe within startup_timeout"))
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.pollInterval):
		}
	}
}

// Stop gracefully shuts an instance down.
func (s *Supervisor) Stop(ctx context.Context, specID string, grace time.Duration) error {
	s.mu.Lock()
	inst, ok := s.instances[specID]
	s.mu.Unlock()
	if !ok {
		return domain.NewDomainError("Supervisor.Stop", domain.ErrNotFound, "instance "+specID)
	}
	if grace <= 0 {
		grace = s.cfg.Global.StopGrace
	}

	inst.mu.Lock()
	if inst.state == domain.StateStopped {
		inst.mu.Unlock()
		return nil // repeat stop is a no-op
	}
	inst.state = domain.StateStopping
	handle := inst.handle
	kind := inst.spec.Kind
	inst.mu.Unlock()

	var err error
	switch kind {
	case domain.KindProcess:
		err = s.procs.Stop(specID, grace)
	case domain.KindContainer:
		err = s.runtime.Stop(ctx, handle, grace, true)
	}
	if err != nil && domain.ErrorCodeOf(err) != domain.CodeNotFound && domain.ErrorCodeOf(err) != domain.CodeHandleLost {
		s.recordFailure(inst, err)
	}

	inst.mu.Lock()
	inst.state = domain.StateStopped
	inst.healthy = false
	inst.mu.Unlock()
	s.logger.Info("instance stopped", "spec", specID)
	return nil
}

// Restart stops then redeploys, preserving the spec.
func (s *Supervisor) Restart(ctx context.Context, specID string) error {
	if err := s.Stop(ctx, specID, 0); err != nil && domain.ErrorCodeOf(err) != domain.CodeNotFound {
		return err
	}
	return s.Deploy(ctx, specID)
}

// Status reports one instance.
func (s *Supervisor) Status(specID string) (domain.InstanceStatus, error) {
	s.mu.Lock()
	inst, ok := s.instances[specID]
	s.mu.Unlock()
	if !ok {
		return domain.InstanceStatus{}, domain.NewDomainError("Supervisor.Status", domain.ErrNotFound, "instance "+specID)
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()
	st := domain.InstanceStatus{
		SpecID:       specID,
		State:        inst.state,
		StartedAt:    inst.startedAt,
		RestartCount: inst.restartCount,
		LastHealthAt: inst.lastHealthAt,
		LastError:    inst.lastError,
		LastErrorAt:  inst.lastErrorAt,
		Healthy:      inst.healthy,
	}
	if inst.state == domain.StateRunning {
		st.Uptime = s.now().Sub(inst.startedAt)
	}
	return st, nil
}

// Logs tails the instance's output.
func (s *Supervisor) Logs(ctx context.Context, specID string, tail int) (string, error) {
	s.mu.Lock()
	inst, ok := s.instances[specID]
	s.mu.Unlock()
	if !ok {
		return "", domain.NewDomainError("Supervisor.Logs", domain.ErrNotFound, "instance "+specID)
	}

	inst.mu.Lock()
	kind := inst.spec.Kind
	handle := inst.handle
	inst.mu.Unlock()

	if kind == domain.KindContainer {
		return s.runtime.Logs(ctx, handle, tail)
	}
	return s.procs.Logs(specID, tail)
}

// Reconcile converges observed instances toward declared specs:
// auto-deploy specs lacking a live instance, adopt managed containers
// that survived a supervisor crash, stop orphans with no matching spec.
// Idempotent.
func (s *Supervisor) Reconcile(ctx context.Context) error {
	if s.runtime != nil {
		if err := s.adoptAndPrune(ctx); err != nil {
			s.logger.Warn("reconcile: engine sweep failed", "error", err)
		}
	}

	ids := make([]string, 0, len(s.cfg.Agents))
	for id := range s.cfg.Agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		spec := s.cfg.Agents[id]
		if !spec.AutoDeploy {
			continue
		}
		s.mu.Lock()
		inst, exists := s.instances[id]
		s.mu.Unlock()
		if exists {
			inst.mu.Lock()
			terminal := inst.state.Terminal()
			failed := inst.state == domain.StateFailed
			inst.mu.Unlock()
			if !terminal || failed {
				// failed requires operator intervention; live needs nothing.
				continue
			}
		}
		if err := s.Deploy(ctx, id); err != nil {
			s.logger.Warn("reconcile deploy failed", "spec", id, "error", err)
		}
	}
	return nil
}

// adoptAndPrune re-observes the engine by label selector. Containers for
// declared specs are adopted into the instance map; unmatched managed
// containers are stopped.
func (s *Supervisor) adoptAndPrune(ctx context.Context) error {
	handles, err := s.runtime.List(ctx, map[string]string{"superagent.managed": "true"})
	if err != nil {
		return err
	}

	for _, h := range handles {
		spec, declared := s.cfg.Agents[h.SpecID]
		if !declared {
			s.logger.Info("stopping orphan container", "name", h.Name, "agent", h.SpecID)
			if err := s.runtime.Stop(ctx, h, s.cfg.Global.StopGrace, true); err != nil {
				s.logger.Warn("orphan stop failed", "name", h.Name, "error", err)
			}
			continue
		}

		s.mu.Lock()
		_, known := s.instances[h.SpecID]
		if !known {
			info, ierr := s.runtime.Inspect(ctx, h)
			if ierr == nil && info.Running {
				s.instances[h.SpecID] = &instance{
					spec:      spec,
					state:     domain.StateRunning,
					startedAt: info.StartedAt,
					handle:    h,
					healthy:   true,
				}
				s.logger.Info("adopted running container", "spec", h.SpecID)
			}
		}
		s.mu.Unlock()
	}
	return nil
}

// recordFailure stamps the last error on an instance.
func (s *Supervisor) recordFailure(inst *instance, err error) {
	inst.mu.Lock()
	inst.lastError = err.Error()
	inst.lastErrorAt = s.now()
	inst.healthy = false
	inst.mu.Unlock()
}
