// Command tankrl runs population tournaments, rating consolidation and
// evaluation against the tank game simulator.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/brensch/tankrl/logging"
	"github.com/brensch/tankrl/tournament"
)

type command struct {
	summary string
	run     func(ctx context.Context, args []string) int
}

var commands = map[string]command{
	"tournament":  {"play one worker's share of a population tournament", runTournament},
	"consolidate": {"sum worker rating deltas into each agent's history", runConsolidate},
	"supervise":   {"run a job, retrying connection failures and signals", runSupervise},
	"evaluate":    {"play an agent against fixed opponents", runEvaluate},
	"matchmake":   {"play an agent against rating-matched population members", runMatchmake},
	"report":      {"print standings from the match logs and plan replacements", runReport},
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: tankrl <command> [flags]\n\ncommands:\n")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(os.Stderr, "  %-12s %s\n", name, commands[name].summary)
	}
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	if len(os.Args) < 2 {
		usage()
		os.Exit(tournament.ExitLogic)
	}
	name := os.Args[1]
	if name == "-h" || name == "--help" || name == "help" {
		usage()
		return
	}
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", name)
		usage()
		os.Exit(tournament.ExitLogic)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cmd.run(ctx, os.Args[2:])
	stop()
	os.Exit(code)
}

// logFlags are shared by every subcommand.
type logFlags struct {
	format *string
	level  *string
}

func (l logFlags) logger(w io.Writer) *slog.Logger {
	level, err := logging.ParseLevel(*l.level)
	if err != nil {
		log.Fatalf("Invalid -log-level: %v", err)
	}
	logger, err := logging.New(w, *l.format, level)
	if err != nil {
		log.Fatalf("Invalid -log-format: %v", err)
	}
	slog.SetDefault(logger)
	return logger
}

// Environment variable helpers. Every flag defaults from TANKRL_<NAME>.
func envKey(key string) string {
	return "TANKRL_" + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(envKey(key)); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(envKey(key)); val != "" {
		var i int
		if _, err := fmt.Sscanf(val, "%d", &i); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloatOrDefault(key string, defaultVal float64) float64 {
	if val := os.Getenv(envKey(key)); val != "" {
		var f float64
		if _, err := fmt.Sscanf(val, "%g", &f); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(envKey(key)); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(envKey(key)); val != "" {
		return val == "true" || val == "1" || val == "yes"
	}
	return defaultVal
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
