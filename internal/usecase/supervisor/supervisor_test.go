package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glindberg2000/superagent/internal/domain"
	"github.com/glindberg2000/superagent/internal/infra/config"
)

// fakeProcs is an in-memory ProcessRunner.
type fakeProcs struct {
	mu       sync.Mutex
	alive    map[string]bool
	started  []string
	stopped  []string
	startErr error
	env      map[string]map[string]string
}

func newFakeProcs() *fakeProcs {
	return &fakeProcs{alive: map[string]bool{}, env: map[string]map[string]string{}}
}

func (f *fakeProcs) Start(specID, command string, args []string, env map[string]string) (*domain.WorkerSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.started = append(f.started, specID)
	f.alive[specID] = true
	f.env[specID] = env
	return &domain.WorkerSession{SpecID: specID, Status: domain.WorkerRunning, PID: 100 + len(f.started)}, nil
}

func (f *fakeProcs) Stop(specID string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, specID)
	f.alive[specID] = false
	return nil
}

func (f *fakeProcs) Alive(specID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[specID]
}

func (f *fakeProcs) Logs(specID string, _ int) (string, error) {
	return "worker log for " + specID, nil
}

func (f *fakeProcs) kill(specID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive[specID] = false
}

func (f *fakeProcs) envFor(specID string) map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.env[specID]
}

func (f *fakeProcs) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started)
}

// fakeRuntime is an in-memory ContainerRuntime.
type fakeRuntime struct {
	mu        sync.Mutex
	launches  []domain.ContainerLaunch
	running   map[string]bool
	stopped   []string
	listed    []domain.ContainerHandle
	launchErr error
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{running: map[string]bool{}}
}

func (f *fakeRuntime) Launch(_ context.Context, launch domain.ContainerLaunch) (domain.ContainerHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.launchErr != nil {
		return domain.ContainerHandle{}, f.launchErr
	}
	f.launches = append(f.launches, launch)
	h := domain.ContainerHandle{ID: "c-" + launch.Name, Name: launch.Name, SpecID: launch.Labels["superagent.agent"]}
	f.running[h.ID] = true
	return h, nil
}

func (f *fakeRuntime) Stop(_ context.Context, h domain.ContainerHandle, _ time.Duration, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, h.ID)
	f.running[h.ID] = false
	return nil
}

func (f *fakeRuntime) Inspect(_ context.Context, h domain.ContainerHandle) (domain.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return domain.ContainerInfo{Running: f.running[h.ID], StartedAt: time.Now()}, nil
}

func (f *fakeRuntime) Logs(context.Context, domain.ContainerHandle, int) (string, error) {
	return "container log", nil
}

func (f *fakeRuntime) Exec(context.Context, domain.ContainerHandle, []string) (domain.ExecResult, error) {
	return domain.ExecResult{ExitCode: 0}, nil
}

func (f *fakeRuntime) List(context.Context, map[string]string) ([]domain.ContainerHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listed, nil
}

func (f *fakeRuntime) launchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.launches)
}

func (f *fakeRuntime) launchAt(i int) domain.ContainerLaunch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.launches[i]
}

func testConfig() *config.Config {
	cfg := &config.Config{
		Agents: map[string]domain.AgentSpec{
			"a1": {
				ID:              "a1",
				Kind:            domain.KindProcess,
				DiscordTokenRef: "TOKEN_A1",
				LLM:             domain.LLMConfig{Provider: "grok", Model: "grok-4"},
				AutoDeploy:      true,
			},
			"builder": {
				ID:              "builder",
				Kind:            domain.KindContainer,
				DiscordTokenRef: "TOKEN_BUILDER",
				Resources: &domain.ResourcesConfig{
					Image:              "superagent/dev:latest",
					WorkspaceHostPath:  "/srv/builder",
					WorkspaceMountPath: "/workspace",
				},
			},
		},
		Global: config.GlobalConfig{
			StartupTimeout: 2 * time.Second,
			StopGrace:      time.Second,
			ProbeInterval:  50 * time.Millisecond,
			Network:        "superagent",
			WorkerCommand:  "agentworker",
			RestartBudget:  config.RestartBudget{MaxRestarts: 3, Window: time.Minute},
		},
	}
	return cfg
}

func testTokens() map[string]string {
	return map[string]string{"a1": "tok-a1", "builder": "tok-builder"}
}

func newTestSupervisor(cfg *config.Config, procs ProcessRunner, rt domain.ContainerRuntime) *Supervisor {
	s := New(cfg, testTokens(), procs, rt, slog.Default())
	s.pollInterval = 10 * time.Millisecond
	s.backoffBase = time.Millisecond
	return s
}

func waitState(t *testing.T, s *Supervisor, specID string, want domain.InstanceState) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if st, err := s.Status(specID); err == nil && st.State == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	st, _ := s.Status(specID)
	t.Fatalf("state = %s, want %s", st.State, want)
}

func TestDeployUnknownSpec(t *testing.T) {
	s := newTestSupervisor(testConfig(), newFakeProcs(), newFakeRuntime())
	if err := s.Deploy(context.Background(), "ghost"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestDeployProcessAgentReachesRunning(t *testing.T) {
	procs := newFakeProcs()
	s := newTestSupervisor(testConfig(), procs, newFakeRuntime())

	if err := s.Deploy(context.Background(), "a1"); err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	st, err := s.Status("a1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.State != domain.StateStarting && st.State != domain.StateRunning {
		t.Errorf("state right after deploy = %s", st.State)
	}

	waitState(t, s, "a1", domain.StateRunning)

	env := procs.envFor("a1")
	if env["TOKEN_A1"] != "tok-a1" {
		t.Errorf("token not passed to worker: %v", env)
	}
}

func TestDeployDuplicateRejected(t *testing.T) {
	s := newTestSupervisor(testConfig(), newFakeProcs(), newFakeRuntime())
	if err := s.Deploy(context.Background(), "a1"); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if err := s.Deploy(context.Background(), "a1"); !errors.Is(err, domain.ErrDuplicate) {
		t.Errorf("got %v, want ErrDuplicate", err)
	}
}

func TestStopIsTerminalAndIdempotent(t *testing.T) {
	procs := newFakeProcs()
	s := newTestSupervisor(testConfig(), procs, newFakeRuntime())

	s.Deploy(context.Background(), "a1")
	waitState(t, s, "a1", domain.StateRunning)

	if err := s.Stop(context.Background(), "a1", 0); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	st, _ := s.Status("a1")
	if st.State != domain.StateStopped {
		t.Errorf("state = %s", st.State)
	}

	if err := s.Stop(context.Background(), "a1", 0); err != nil {
		t.Errorf("repeat Stop must be a no-op, got %v", err)
	}
	st, _ = s.Status("a1")
	if st.State != domain.StateStopped {
		t.Errorf("state after repeat stop = %s", st.State)
	}
}

func TestStoppedAgentCanRedeploy(t *testing.T) {
	s := newTestSupervisor(testConfig(), newFakeProcs(), newFakeRuntime())
	s.Deploy(context.Background(), "a1")
	waitState(t, s, "a1", domain.StateRunning)
	s.Stop(context.Background(), "a1", 0)

	if err := s.Deploy(context.Background(), "a1"); err != nil {
		t.Errorf("redeploy after stop: %v", err)
	}
}

func TestContainerDeployWiresLaunch(t *testing.T) {
	rt := newFakeRuntime()
	s := newTestSupervisor(testConfig(), newFakeProcs(), rt)

	if err := s.Deploy(context.Background(), "builder"); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	waitState(t, s, "builder", domain.StateRunning)

	if rt.launchCount() != 1 {
		t.Fatalf("launches = %d", rt.launchCount())
	}
	l := rt.launchAt(0)
	if l.Image != "superagent/dev:latest" || l.Network != "superagent" {
		t.Errorf("launch = %+v", l)
	}
	if l.Env["DISCORD_TOKEN"] != "tok-builder" || l.Env["AGENT_ID"] != "builder" {
		t.Errorf("env = %v", l.Env)
	}
	if l.Labels["superagent.agent"] != "builder" {
		t.Errorf("labels = %v", l.Labels)
	}
	if len(l.Mounts) != 1 || l.Mounts[0].MountPath != "/workspace" {
		t.Errorf("mounts = %+v", l.Mounts)
	}
}

func TestCrashLoopExhaustsBudgetToFailed(t *testing.T) {
	cfg := testConfig()
	cfg.Global.StartupTimeout = 100 * time.Millisecond
	rt := newFakeRuntime()
	s := newTestSupervisor(cfg, newFakeProcs(), rt)

	s.Deploy(context.Background(), "builder")
	waitState(t, s, "builder", domain.StateRunning)

	// The container keeps dying: every relaunch is crashed immediately.
	go func() {
		for i := 0; i < 50; i++ {
			rt.mu.Lock()
			for id := range rt.running {
				rt.running[id] = false
			}
			rt.mu.Unlock()
			time.Sleep(10 * time.Millisecond)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	waitState(t, s, "builder", domain.StateFailed)

	st, _ := s.Status("builder")
	if st.RestartCount != cfg.Global.RestartBudget.MaxRestarts {
		t.Errorf("restart count = %d, want %d", st.RestartCount, cfg.Global.RestartBudget.MaxRestarts)
	}
	if st.LastError == "" {
		t.Error("failed instance must carry last_error")
	}

	// No further restart attempts once failed.
	launches := rt.launchCount()
	time.Sleep(200 * time.Millisecond)
	if rt.launchCount() != launches {
		t.Error("failed instance must not be restarted")
	}
}

func TestReconcileAutoDeploys(t *testing.T) {
	procs := newFakeProcs()
	s := newTestSupervisor(testConfig(), procs, newFakeRuntime())

	if err := s.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	waitState(t, s, "a1", domain.StateRunning)

	// builder has auto_deploy=false.
	if _, err := s.Status("builder"); !errors.Is(err, domain.ErrNotFound) {
		t.Error("non-auto spec must not be deployed by reconcile")
	}

	// Idempotent: second pass deploys nothing new.
	if err := s.Reconcile(context.Background()); err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}
	if procs.startCount() != 1 {
		t.Errorf("starts = %d, want 1", procs.startCount())
	}
}

func TestReconcileStopsOrphans(t *testing.T) {
	rt := newFakeRuntime()
	rt.listed = []domain.ContainerHandle{
		{ID: "c-orphan", Name: "superagent-gone", SpecID: "gone"},
	}
	s := newTestSupervisor(testConfig(), newFakeProcs(), rt)

	if err := s.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(rt.stopped) != 1 || rt.stopped[0] != "c-orphan" {
		t.Errorf("stopped = %v", rt.stopped)
	}
}

func TestReconcileAdoptsSurvivors(t *testing.T) {
	rt := newFakeRuntime()
	rt.running["c-existing"] = true
	rt.listed = []domain.ContainerHandle{
		{ID: "c-existing", Name: "superagent-builder", SpecID: "builder"},
	}
	s := newTestSupervisor(testConfig(), newFakeProcs(), rt)

	if err := s.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	st, err := s.Status("builder")
	if err != nil {
		t.Fatalf("adopted instance missing: %v", err)
	}
	if st.State != domain.StateRunning {
		t.Errorf("adopted state = %s", st.State)
	}
}

func TestLogsRouting(t *testing.T) {
	s := newTestSupervisor(testConfig(), newFakeProcs(), newFakeRuntime())
	s.Deploy(context.Background(), "a1")
	s.Deploy(context.Background(), "builder")

	out, err := s.Logs(context.Background(), "a1", 10)
	if err != nil || !strings.Contains(out, "worker log") {
		t.Errorf("process logs = %q, %v", out, err)
	}
	out, err = s.Logs(context.Background(), "builder", 10)
	if err != nil || out != "container log" {
		t.Errorf("container logs = %q, %v", out, err)
	}
}

func TestProbeFailureDrivesCrashLoop(t *testing.T) {
	procs := newFakeProcs()
	s := newTestSupervisor(testConfig(), procs, newFakeRuntime())

	s.Deploy(context.Background(), "a1")
	waitState(t, s, "a1", domain.StateRunning)

	procs.kill("a1")
	s.probeAll(context.Background())

	st, _ := s.Status("a1")
	if st.State != domain.StateCrashLoop && st.State != domain.StateStarting && st.State != domain.StateRunning {
		t.Errorf("state after crash = %s", st.State)
	}
	// The restart brings the worker back.
	waitState(t, s, "a1", domain.StateRunning)
	if procs.startCount() < 2 {
		t.Errorf("starts = %d, want restart", procs.startCount())
	}
}
