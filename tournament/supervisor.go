package tournament

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"slices"
	"strings"
	"time"

	"github.com/brensch/tankrl/store"
)

// SupervisorConfig holds supervisor configuration.
type SupervisorConfig struct {
	// MaxAttempts bounds the number of runs; 0 retries forever.
	MaxAttempts int
	Delay       time.Duration
	// RetryCodes are exit codes worth another attempt. Signal terminations
	// are always retried.
	RetryCodes []int
	// StatusPath, when set, is read after every attempt.
	StatusPath string
	Logger     *slog.Logger
}

// DefaultSupervisorConfig returns sensible defaults
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		Delay:      5 * time.Second,
		RetryCodes: []int{ExitConnection},
	}
}

// ExitError is a job exit the supervisor will not retry.
type ExitError struct {
	Code     int
	Signal   string
	Attempts int
	// Exhausted is set when the exit was retryable but attempts ran out.
	Exhausted bool
}

func (e *ExitError) Error() string {
	what := fmt.Sprintf("exit code %d", e.Code)
	if e.Signal != "" {
		what = e.Signal
	}
	if e.Exhausted {
		return fmt.Sprintf("job failed with %s after %d attempts", what, e.Attempts)
	}
	return fmt.Sprintf("job failed with %s", what)
}

// Attempt is one run of the job.
type Attempt struct {
	ExitCode int
	Signal   string
	Duration time.Duration
}

// Outcome is the final state of a supervised job.
type Outcome struct {
	ExitCode int
	Signal   string
	Attempts []Attempt
	// Status is the status file after the last attempt, if one was read.
	Status *store.WorkerStatus
}

// Completion resolves when the supervised job succeeds or gives up.
type Completion struct {
	done chan struct{}
	out  Outcome
	err  error
}

func (c *Completion) Done() <-chan struct{} { return c.done }

// Wait blocks until the job is finished.
func (c *Completion) Wait() (Outcome, error) {
	<-c.done
	return c.out, c.err
}

// Supervisor reruns a job while it fails in ways a retry can fix.
type Supervisor struct {
	cfg     SupervisorConfig
	log     *slog.Logger
	command func(ctx context.Context, attempt int) *exec.Cmd
}

// NewSupervisor builds a supervisor. command is called once per attempt
// (counting from 1) and must return a fresh, unstarted command.
func NewSupervisor(cfg SupervisorConfig, command func(ctx context.Context, attempt int) *exec.Cmd) *Supervisor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RetryCodes == nil {
		cfg.RetryCodes = DefaultSupervisorConfig().RetryCodes
	}
	return &Supervisor{cfg: cfg, log: cfg.Logger, command: command}
}

// Start launches the job in the background.
func (s *Supervisor) Start(ctx context.Context) *Completion {
	c := &Completion{done: make(chan struct{})}
	go func() {
		defer close(c.done)
		c.out, c.err = s.run(ctx)
	}()
	return c
}

func (s *Supervisor) run(ctx context.Context) (Outcome, error) {
	var out Outcome
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		cmd := s.command(ctx, attempt)
		s.log.Info("starting job", "attempt", attempt, "cmd", strings.Join(cmd.Args, " "))
		start := time.Now()
		runErr := cmd.Run()

		a := Attempt{Duration: time.Since(start)}
		var exitErr *exec.ExitError
		switch {
		case runErr == nil:
		case errors.As(runErr, &exitErr):
			a.ExitCode = exitErr.ExitCode()
			if a.ExitCode == -1 {
				a.Signal = exitErr.ProcessState.String()
			}
		default:
			return out, fmt.Errorf("start job: %w", runErr)
		}
		out.Attempts = append(out.Attempts, a)
		out.ExitCode, out.Signal = a.ExitCode, a.Signal
		if s.cfg.StatusPath != "" {
			if st, err := store.ReadStatusFile(s.cfg.StatusPath); err == nil {
				out.Status = &st
			} else {
				out.Status = nil
			}
		}

		if runErr == nil {
			s.log.Info("job completed", "attempt", attempt, "duration", a.Duration.Round(time.Millisecond))
			return out, nil
		}
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		if !s.retryable(a) {
			s.log.Error("job failed, not retrying", "attempt", attempt, "exit_code", a.ExitCode)
			return out, &ExitError{Code: a.ExitCode, Attempts: attempt}
		}
		if s.cfg.MaxAttempts > 0 && attempt >= s.cfg.MaxAttempts {
			return out, &ExitError{Code: a.ExitCode, Signal: a.Signal, Attempts: attempt, Exhausted: true}
		}
		s.log.Warn("job failed, retrying", "attempt", attempt, "exit_code", a.ExitCode, "signal", a.Signal, "delay", s.cfg.Delay)
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-time.After(s.cfg.Delay):
		}
	}
}

func (s *Supervisor) retryable(a Attempt) bool {
	return a.Signal != "" || slices.Contains(s.cfg.RetryCodes, a.ExitCode)
}
