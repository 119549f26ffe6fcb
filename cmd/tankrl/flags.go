package main

import (
	"flag"
	"fmt"
	"log/slog"
	"time"

	"github.com/brensch/tankrl/codec"
	"github.com/brensch/tankrl/env"
	"github.com/brensch/tankrl/policy"
	"github.com/brensch/tankrl/session"
)

func addLogFlags(fs *flag.FlagSet) logFlags {
	return logFlags{
		format: fs.String("log-format", getEnvOrDefault("log-format", "pretty"), "Log format: pretty, json or text"),
		level:  fs.String("log-level", getEnvOrDefault("log-level", "info"), "Log level: debug, info, warn or error"),
	}
}

// envFlags configure the simulator connection, observations and inference.
type envFlags struct {
	gameIP          *string
	gamePath        *string
	gameLog         *string
	transport       *string
	framing         *string
	connectAttempts *int
	timeout         *time.Duration
	imageBased      *bool
	levelPath       *string
	p               *int
	oppP            *int
	survivor        *bool
	timeReward      *float64

	onnxSessions     *int
	onnxBatchSize    *int
	onnxBatchTimeout *time.Duration
	cuda             *bool
}

func addEnvFlags(fs *flag.FlagSet) *envFlags {
	d := session.DefaultConfig()
	return &envFlags{
		gameIP:          fs.String("game-ip", getEnvOrDefault("game-ip", d.GameIP), "Simulator address"),
		gamePath:        fs.String("game-path", getEnvOrDefault("game-path", ""), "Simulator executable started as '<game-path> <port>'; empty connects to a running one"),
		gameLog:         fs.String("game-log", getEnvOrDefault("game-log", ""), "File receiving the simulator's output"),
		transport:       fs.String("transport", getEnvOrDefault("transport", string(d.Transport)), "Simulator transport: tcp or ws"),
		framing:         fs.String("framing", getEnvOrDefault("framing", string(d.Framing)), "Message framing on tcp: raw, line or length"),
		connectAttempts: fs.Int("connect-attempts", getEnvIntOrDefault("connect-attempts", d.ConnectAttempts), "Connection attempts before giving up"),
		timeout:         fs.Duration("timeout", getEnvDurationOrDefault("timeout", d.Timeout), "Per-message send/receive timeout"),
		imageBased:      fs.Bool("image-based", getEnvBoolOrDefault("image-based", false), "Feed raster observations instead of the raw state vector"),
		levelPath:       fs.String("level", getEnvOrDefault("level", ""), "Level file drawn into raster observations"),
		p:               fs.Int("p", getEnvIntOrDefault("p", codec.DefaultPixelScale), "Pixel scale of raster observations"),
		oppP:            fs.Int("opp-p", getEnvIntOrDefault("opp-p", 0), "Pixel scale of the opponent's raster (0 uses -p)"),
		survivor:        fs.Bool("survivor", getEnvBoolOrDefault("survivor", false), "Reward surviving to the end of an episode"),
		timeReward:      fs.Float64("time-reward", getEnvFloatOrDefault("time-reward", 0), "Reward added on every step"),

		onnxSessions:     fs.Int("onnx-sessions", getEnvIntOrDefault("onnx-sessions", 1), "ONNX Runtime sessions per checkpoint (each has its own batching loop)"),
		onnxBatchSize:    fs.Int("onnx-batch-size", getEnvIntOrDefault("onnx-batch-size", policy.DefaultBatchSize), "ONNX inference batch size"),
		onnxBatchTimeout: fs.Duration("onnx-batch-timeout", getEnvDurationOrDefault("onnx-batch-timeout", policy.DefaultBatchTimeout), "Max time to wait for filling an ONNX batch"),
		cuda:             fs.Bool("cuda", getEnvBoolOrDefault("cuda", false), "Use the CUDA execution provider when available"),
	}
}

func (f *envFlags) config(logger *slog.Logger) (env.Config, error) {
	cfg := env.DefaultConfig()
	cfg.Logger = logger
	s := &cfg.Session
	s.GameIP = *f.gameIP
	s.GamePath = *f.gamePath
	s.GameLogPath = *f.gameLog
	s.ConnectAttempts = *f.connectAttempts
	s.Timeout = *f.timeout
	kind, err := session.ParseKind(*f.transport)
	if err != nil {
		return cfg, err
	}
	s.Transport = kind
	framing, err := session.ParseFraming(*f.framing)
	if err != nil {
		return cfg, err
	}
	s.Framing = framing

	cfg.ImageBased = *f.imageBased
	cfg.LevelPath = *f.levelPath
	cfg.P, cfg.OppP = *f.p, *f.oppP
	if cfg.P <= 0 {
		return cfg, fmt.Errorf("-p must be positive, got %d", cfg.P)
	}
	cfg.Survivor = *f.survivor
	cfg.TimeReward = *f.timeReward
	return cfg, nil
}

func (f *envFlags) loader(logger *slog.Logger) policy.Loader {
	ocfg := policy.DefaultONNXConfig()
	ocfg.BatchSize = *f.onnxBatchSize
	ocfg.BatchTimeout = *f.onnxBatchTimeout
	ocfg.UseCUDA = *f.cuda
	ocfg.Logger = logger
	onnx := policy.ONNXLoader(ocfg)
	sessions := *f.onnxSessions
	if sessions <= 1 {
		return onnx
	}
	return func(path string) (policy.Policy, error) {
		return policy.NewPool(path, sessions, onnx)
	}
}
