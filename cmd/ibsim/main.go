// Command ibsim runs the coupled lattice-Boltzmann and membrane simulation
// headless.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pthm-cable/lbcouple/checkpoint"
	"github.com/pthm-cable/lbcouple/config"
	"github.com/pthm-cable/lbcouple/sim"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "Path to config.yaml (empty = use defaults)")
	outputDir := flag.String("output-dir", "", "Output directory for CSV logs and config snapshot")
	maxSteps := flag.Int("max-steps", 0, "Stop after N steps (0 = run.steps from config)")
	restart := flag.String("restart", "", "Checkpoint directory to resume membranes from")
	logStats := flag.Bool("log-stats", false, "Output window stats via slog")
	debug := flag.Bool("debug", false, "Log every sampled step")

	flag.Parse()

	// Set up slog (JSON to stdout for structured logging)
	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	steps := cfg.Run.Steps
	if *maxSteps > 0 {
		steps = *maxSteps
	}

	s, err := sim.New(cfg, sim.Options{
		Logger:    logger,
		OutputDir: *outputDir,
		Restart:   *restart,
		LogStats:  *logStats,
	})
	if err != nil {
		slog.Error("failed to build simulation", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("starting simulation",
		"run_id", s.RunID(),
		"steps", steps,
		"start_step", s.StepCount(),
	)
	start := time.Now()
	err = s.Run(ctx, steps)
	elapsed := time.Since(start)

	if errors.Is(err, context.Canceled) && cfg.Checkpoint.Dir != "" {
		// Leave a resumable state behind on interrupt.
		if _, cerr := s.Checkpoint(checkpoint.StepDir(cfg.Checkpoint.Dir, s.StepCount())); cerr != nil {
			slog.Error("failed to write final checkpoint", "error", cerr)
		}
	}
	if cerr := s.Close(); cerr != nil {
		slog.Error("failed to close output", "error", cerr)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("simulation failed", "step", s.StepCount(), "error", err)
		os.Exit(1)
	}

	slog.Info("simulation finished",
		"step", s.StepCount(),
		"time", s.Time(),
		"elapsed", elapsed.Round(time.Millisecond).String(),
	)
}
