package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/exec"
	"strconv"

	"github.com/brensch/tankrl/tournament"
)

// runSupervise runs "tankrl supervise [flags] -- command args..." and exits
// with the job's last exit code.
func runSupervise(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("supervise", flag.ExitOnError)
	d := tournament.DefaultSupervisorConfig()
	maxAttempts := fs.Int("max-attempts", getEnvIntOrDefault("max-attempts", 0), "Attempts before giving up (0 retries forever)")
	delay := fs.Duration("delay", getEnvDurationOrDefault("delay", d.Delay), "Delay between attempts")
	status := fs.String("status", getEnvOrDefault("status", ""), "Status file the job writes, reported after every attempt")
	lf := addLogFlags(fs)
	fs.Parse(args)
	logger := lf.logger(os.Stderr)

	job := fs.Args()
	if len(job) == 0 {
		log.Fatalf("Usage: tankrl supervise [flags] -- command [args...]")
	}

	cfg := d
	cfg.MaxAttempts = *maxAttempts
	cfg.Delay = *delay
	cfg.StatusPath = *status
	cfg.Logger = logger
	s := tournament.NewSupervisor(cfg, func(ctx context.Context, attempt int) *exec.Cmd {
		cmd := exec.CommandContext(ctx, job[0], job[1:]...)
		cmd.Stdout, cmd.Stderr = os.Stdout, os.Stderr
		cmd.Env = append(os.Environ(), "TANKRL_ATTEMPT="+strconv.Itoa(attempt))
		return cmd
	})

	out, err := s.Start(ctx).Wait()
	if out.Status != nil {
		log.Printf("Job status: exit_code=%d pairings=%d resumed=%d lost_connections=%d", out.Status.ExitCode, out.Status.Pairings, out.Status.Resumed, out.Status.Lost)
	}
	var exitErr *tournament.ExitError
	switch {
	case err == nil:
		log.Printf("Job succeeded after %d attempts", len(out.Attempts))
		return tournament.ExitOK
	case errors.As(err, &exitErr):
		log.Printf("Job failed: %v", err)
		if exitErr.Code > 0 {
			return exitErr.Code
		}
		return tournament.ExitConnection
	default:
		log.Printf("Supervisor stopped: %v", err)
		return tournament.ExitLogic
	}
}
