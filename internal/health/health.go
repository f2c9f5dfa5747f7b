// Package health implements the Health Supervisor (spec.md §4.5): one
// cooperative goroutine per enabled Check Spec of each Running/Degraded
// jail, aggregated into a per-jail verdict, with bounded-exponential-
// backoff auto-restart requests back to the Lifecycle Orchestrator.
package health

import (
	"bytes"
	"context"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/bsdfleet/jailctl/internal/eventlog"
	"github.com/bsdfleet/jailctl/internal/hostadapter"
	"github.com/bsdfleet/jailctl/internal/model"
	"github.com/bsdfleet/jailctl/internal/orchestrator"
)

// Supervisor runs one task per enabled check across every jail in a
// Fleet Config and tracks an aggregate verdict per jail. It owns no
// lock beyond the verdict/counter map mutex, held only for the
// duration of each update (spec.md §5 "Scheduling model").
type Supervisor struct {
	Host    hostadapter.HostAdapter
	Orch    *orchestrator.Orchestrator
	Events  *eventlog.Log

	mu       sync.Mutex
	verdicts map[string]model.Verdict
	counters map[string]map[string]int // jail -> check name -> consecutive failures
	retries  map[string]map[string]int // jail -> check name -> retry threshold
}

func New(host hostadapter.HostAdapter, orch *orchestrator.Orchestrator, events *eventlog.Log) *Supervisor {
	return &Supervisor{
		Host:     host,
		Orch:     orch,
		Events:   events,
		verdicts: map[string]model.Verdict{},
		counters: map[string]map[string]int{},
	}
}

// Verdict returns jail's last-computed aggregate verdict, Unknown if no
// check has reported yet.
func (s *Supervisor) Verdict(jail string) model.Verdict {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.verdicts[jail]; ok {
		return v
	}
	return model.VerdictUnknown
}

// Run drives every enabled check of every jail in cfg until ctx is
// canceled. A shutdown cancels every check task at once; each task's
// in-flight attempt is allowed up to its own timeout to finish before
// the goroutine returns (spec.md §4.5 "Cancellation").
func (s *Supervisor) Run(ctx context.Context, cfg *model.FleetConfig) error {
	eg, egCtx := errgroup.WithContext(ctx)
	for _, jail := range cfg.Jails {
		if jail.Healthcheck == nil || !jail.Healthcheck.Enabled {
			continue
		}
		jail := jail
		for _, check := range jail.Healthcheck.Checks {
			check := check
			eg.Go(func() error {
				s.runCheck(egCtx, cfg, jail.Name, check)
				return nil
			})
		}
	}
	return eg.Wait()
}

func (s *Supervisor) runCheck(ctx context.Context, cfg *model.FleetConfig, jail string, check model.CheckSpec) {
	restartBackoff := backoff.NewExponentialBackOff()
	restartBackoff.InitialInterval = time.Second
	restartBackoff.MaxInterval = 60 * time.Second
	restartBackoff.Multiplier = 2
	restartBackoff.MaxElapsedTime = 0 // no cutoff: a degraded jail keeps retrying until healthy
	restartBackoff.Reset()

	ticker := time.NewTicker(time.Duration(check.Interval) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		ok := s.attempt(ctx, jail, check)
		s.recordResult(ctx, jail, check, ok)

		switch s.Verdict(jail) {
		case model.VerdictDegraded:
			delay, err := restartBackoff.NextBackOff()
			if err != nil {
				continue // permanent-stop signal from the policy; wait for the next interval
			}
			s.requestRestart(ctx, cfg, jail, delay)
		case model.VerdictHealthy:
			restartBackoff.Reset()
		}
	}
}

// attempt runs check's command once, enforcing its timeout (spec.md
// §4.5 steps 2-3).
func (s *Supervisor) attempt(ctx context.Context, jail string, check model.CheckSpec) bool {
	attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Duration(check.Timeout)*time.Second)
	defer cancel()

	if check.Target == model.TargetHost {
		cmd := exec.CommandContext(attemptCtx, "/bin/sh", "-c", check.Command)
		var out bytes.Buffer
		cmd.Stdout, cmd.Stderr = &out, &out
		return cmd.Run() == nil
	}
	res, err := s.Host.ExecInJail(attemptCtx, jail, "root", []string{"/bin/sh", "-c", check.Command})
	if err != nil {
		return false
	}
	return res.ExitCode == 0
}

// recordResult updates the per-check failure counter and the jail's
// aggregate verdict (spec.md §4.5 steps 4-5 and aggregate rule:
// healthy iff every check is under its retry threshold, degraded iff
// any is over, unknown before a check's first pass).
func (s *Supervisor) recordResult(ctx context.Context, jail string, check model.CheckSpec, ok bool) {
	s.mu.Lock()
	if s.counters[jail] == nil {
		s.counters[jail] = map[string]int{}
	}
	if s.retries == nil {
		s.retries = map[string]map[string]int{}
	}
	if s.retries[jail] == nil {
		s.retries[jail] = map[string]int{}
	}
	s.retries[jail][check.Name] = check.Retries
	if ok {
		s.counters[jail][check.Name] = 0
	} else {
		s.counters[jail][check.Name]++
	}

	degraded := false
	for name, count := range s.counters[jail] {
		if count > s.retries[jail][name] {
			degraded = true
			break
		}
	}
	verdict := model.VerdictHealthy
	if degraded {
		verdict = model.VerdictDegraded
	}
	changed := s.verdicts[jail] != verdict
	s.verdicts[jail] = verdict
	s.mu.Unlock()

	if !changed {
		return
	}
	if s.Events != nil {
		_ = s.Events.RecordHealthVerdict(ctx, jail, string(verdict), time.Now().Unix())
	}
	slog.InfoContext(ctx, "health: verdict changed", "jail", jail, "verdict", verdict)
}

func (s *Supervisor) requestRestart(ctx context.Context, cfg *model.FleetConfig, jail string, delay time.Duration) {
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return
	}
	slog.WarnContext(ctx, "health: requesting restart for degraded jail", "jail", jail, "backoff", delay)
	if _, err := s.Orch.Restart(ctx, cfg, []string{jail}, orchestrator.Options{}); err != nil {
		slog.ErrorContext(ctx, "health: auto-restart failed", "jail", jail, "error", err)
	}
}
