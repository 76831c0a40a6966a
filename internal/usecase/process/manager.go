// Package process runs process-kind agents as child OS processes with
// ring-buffered output capture. The supervisor is the only caller.
package process

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/glindberg2000/superagent/internal/domain"
)

// DefaultLogLimit is the number of lines Logs returns when no limit is given.
const DefaultLogLimit = 100

// ManagerConfig holds configuration for the Manager.
type ManagerConfig struct {
	OutputBufferMax int // max bytes of output buffered per worker (default: 1MB)
}

// workerEntry holds the runtime state for one child worker.
type workerEntry struct {
	session domain.WorkerSession
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	output  *ringBuffer
	done    chan struct{}
}

// Manager launches and tracks agent worker processes, keyed by spec id.
type Manager struct {
	workers map[string]*workerEntry
	mu      sync.Mutex
	config  ManagerConfig
	logger  *slog.Logger
}

// NewManager creates a Manager.
func NewManager(cfg ManagerConfig, logger *slog.Logger) *Manager {
	if cfg.OutputBufferMax <= 0 {
		cfg.OutputBufferMax = 1024 * 1024
	}
	return &Manager{
		workers: make(map[string]*workerEntry),
		config:  cfg,
		logger:  logger,
	}
}

// Start launches a worker for the spec. At most one live worker per spec.
// env entries are appended to the parent environment.
func (m *Manager) Start(specID, command string, args []string, env map[string]string) (*domain.WorkerSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, exists := m.workers[specID]; exists && entry.session.Status == domain.WorkerRunning {
		return nil, domain.NewDomainError("Process.Start", domain.ErrDuplicate,
			"worker for "+specID+" already running")
	}

	cmdCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(cmdCtx, command, args...)
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	output := newRingBuffer(m.config.OutputBufferMax)
	cmd.Stdout = output
	cmd.Stderr = output
	cmd.Cancel = func() error {
		// Ask politely first; CommandContext kills on its own otherwise.
		return cmd.Process.Signal(syscall.SIGTERM)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("process: start %s: %w", specID, err)
	}

	session := domain.WorkerSession{
		ID:        ulid.Make().String(),
		SpecID:    specID,
		Command:   command,
		Args:      args,
		Status:    domain.WorkerRunning,
		PID:       cmd.Process.Pid,
		StartedAt: time.Now(),
	}

	entry := &workerEntry{
		session: session,
		cmd:     cmd,
		cancel:  cancel,
		output:  output,
		done:    make(chan struct{}),
	}
	m.workers[specID] = entry

	go m.waitForExit(entry)

	m.logger.Info("worker started", "spec", specID, "pid", session.PID)
	return &session, nil
}

func (m *Manager) waitForExit(entry *workerEntry) {
	err := entry.cmd.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	entry.session.EndedAt = &now
	exitCode := 0
	switch {
	case err == nil:
		entry.session.Status = domain.WorkerCompleted
	case entry.cmd.ProcessState != nil:
		exitCode = entry.cmd.ProcessState.ExitCode()
		if exitCode == -1 {
			entry.session.Status = domain.WorkerKilled
		} else {
			entry.session.Status = domain.WorkerFailed
		}
	default:
		entry.session.Status = domain.WorkerFailed
		exitCode = -1
	}
	entry.session.ExitCode = &exitCode
	close(entry.done)

	m.logger.Info("worker exited",
		"spec", entry.session.SpecID,
		"status", entry.session.Status,
		"exit_code", exitCode,
	)
}

// Stop signals the worker, waits up to grace, then kills it.
func (m *Manager) Stop(specID string, grace time.Duration) error {
	m.mu.Lock()
	entry, ok := m.workers[specID]
	m.mu.Unlock()
	if !ok {
		return domain.NewDomainError("Process.Stop", domain.ErrNotFound, specID)
	}

	m.mu.Lock()
	running := entry.session.Status == domain.WorkerRunning
	m.mu.Unlock()
	if !running {
		return nil
	}

	if err := entry.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		entry.cancel()
	}

	select {
	case <-entry.done:
		return nil
	case <-time.After(grace):
	}

	entry.cancel()
	if err := entry.cmd.Process.Kill(); err != nil && !strings.Contains(err.Error(), "already finished") {
		m.logger.Warn("kill worker", "spec", specID, "error", err)
	}
	<-entry.done
	return nil
}

// Session returns a snapshot of the worker for a spec.
func (m *Manager) Session(specID string) (domain.WorkerSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.workers[specID]
	if !ok {
		return domain.WorkerSession{}, domain.NewDomainError("Process.Session", domain.ErrNotFound, specID)
	}
	return entry.session, nil
}

// Alive reports whether the spec's worker is currently running.
func (m *Manager) Alive(specID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.workers[specID]
	return ok && entry.session.Status == domain.WorkerRunning
}

// Logs returns the last n lines of the worker's combined output.
func (m *Manager) Logs(specID string, n int) (string, error) {
	m.mu.Lock()
	entry, ok := m.workers[specID]
	m.mu.Unlock()
	if !ok {
		return "", domain.NewDomainError("Process.Logs", domain.ErrNotFound, specID)
	}
	if n <= 0 {
		n = DefaultLogLimit
	}

	lines := strings.Split(entry.output.String(), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n"), nil
}

// Remove forgets a terminal worker. Running workers must be stopped first.
func (m *Manager) Remove(specID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.workers[specID]
	if !ok {
		return nil
	}
	if entry.session.Status == domain.WorkerRunning {
		return domain.NewDomainError("Process.Remove", domain.ErrConfig, "worker still running")
	}
	delete(m.workers, specID)
	return nil
}
