package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/glindberg2000/superagent/internal/domain"
)

// Run drives the periodic health probes until ctx is cancelled.
// Probes for different instances run in the same tick but never block
// each other for long: each probe carries its own timeout.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Global.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.probeAll(ctx)
		}
	}
}

func (s *Supervisor) probeAll(ctx context.Context) {
	s.mu.Lock()
	insts := make([]*instance, 0, len(s.instances))
	for _, inst := range s.instances {
		insts = append(insts, inst)
	}
	s.mu.Unlock()

	for _, inst := range insts {
		inst.mu.Lock()
		state := inst.state
		inst.mu.Unlock()
		if state != domain.StateRunning {
			continue
		}

		if s.probe(ctx, inst) {
			inst.mu.Lock()
			inst.lastHealthAt = s.now()
			inst.healthy = true
			inst.mu.Unlock()
			continue
		}

		s.handleCrash(ctx, inst, domain.NewDomainError("Supervisor.probe",
			domain.ErrHandleLost, "health probe failed"))
	}
}

// probe checks liveness for one instance.
func (s *Supervisor) probe(ctx context.Context, inst *instance) bool {
	inst.mu.Lock()
	spec := inst.spec
	handle := inst.handle
	inst.mu.Unlock()

	switch spec.Kind {
	case domain.KindProcess:
		if !s.procs.Alive(spec.ID) {
			return false
		}
		return s.heartbeatFresh(spec.ID)

	case domain.KindContainer:
		ictx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		info, err := s.runtime.Inspect(ictx, handle)
		if err != nil || !info.Running {
			return false
		}
		if probe := spec.Resources.ProbeCommand; len(probe) > 0 {
			ectx, ecancel := context.WithTimeout(ctx, 15*time.Second)
			defer ecancel()
			res, err := s.runtime.Exec(ectx, handle, probe)
			if err != nil || res.ExitCode != 0 {
				return false
			}
		}
		return true
	}
	return false
}

// handleCrash drives running/starting -> crash_loop and schedules a
// restart within the budget, or crash_loop -> failed when the budget is
// exhausted. Leaving failed requires operator intervention.
func (s *Supervisor) handleCrash(ctx context.Context, inst *instance, cause error) {
	budget := s.cfg.Global.RestartBudget
	now := s.now()

	s.recordFailure(inst, cause)

	inst.mu.Lock()
	if inst.state == domain.StateStopping || inst.state == domain.StateStopped {
		inst.mu.Unlock()
		return
	}
	inst.state = domain.StateCrashLoop

	// Prune restarts that fell out of the rolling window.
	kept := inst.restarts[:0]
	for _, t := range inst.restarts {
		if now.Sub(t) <= budget.Window {
			kept = append(kept, t)
		}
	}
	inst.restarts = kept

	if len(inst.restarts) >= budget.MaxRestarts {
		inst.state = domain.StateFailed
		inst.mu.Unlock()
		s.logger.Error("restart budget exhausted",
			"spec", inst.spec.ID,
			"restarts", budget.MaxRestarts,
			"window", budget.Window,
		)
		return
	}

	inst.restarts = append(inst.restarts, now)
	inst.restartCount++
	attempt := len(inst.restarts)
	specID := inst.spec.ID
	inst.mu.Unlock()

	// Exponential backoff before the restart attempt.
	backoff := s.backoffBase << uint(attempt-1)
	if backoff > 30*time.Second {
		backoff = 30 * time.Second
	}
	s.logger.Warn("instance crashed, restarting",
		"spec", specID, "attempt", attempt, "backoff", backoff, "cause", cause)

	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if err := s.redeploy(ctx, inst); err != nil {
			// Failed relaunch counts as another crash.
			s.handleCrash(ctx, inst, err)
		}
	}()
}

// redeploy relaunches the workload for a crash-looping instance.
func (s *Supervisor) redeploy(ctx context.Context, inst *instance) error {
	inst.mu.Lock()
	if inst.state != domain.StateCrashLoop {
		inst.mu.Unlock()
		return nil
	}
	inst.state = domain.StateStarting
	inst.startedAt = s.now()
	inst.mu.Unlock()

	if err := s.launch(ctx, inst); err != nil {
		return err
	}
	go s.awaitReady(ctx, inst)
	return nil
}

// heartbeatFresh checks the worker's heartbeat file. Workers touch
// <log_root>/<agent>/heartbeat once per processed event and once per
// idle tick; a stale file means the loop is wedged even though the
// process is alive. A missing file (worker still booting, or heartbeats
// disabled) does not count against the instance.
func (s *Supervisor) heartbeatFresh(specID string) bool {
	path := filepath.Join(s.cfg.Global.LogRoot, specID, "heartbeat")
	st, err := os.Stat(path)
	if err != nil {
		return true
	}
	return s.now().Sub(st.ModTime()) < 10*s.cfg.Global.ProbeInterval
}
