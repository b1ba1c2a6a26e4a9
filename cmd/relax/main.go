// Package main relaxes a membrane to a reduced volume with L-BFGS and writes
// the resulting shape as a new membrane file.
package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/pthm-cable/lbcouple/checkpoint"
	"github.com/pthm-cable/lbcouple/config"
	"github.com/pthm-cable/lbcouple/membrane"
	"github.com/pthm-cable/lbcouple/mesh"
)

// formatDuration formats a duration as 1h02m03s, or 2m03s below an hour.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	}
	return fmt.Sprintf("%dm%02ds", m, s)
}

func main() {
	// CLI flags
	configPath := flag.String("config", "", "Config YAML supplying relax settings (empty = use defaults)")
	input := flag.String("input", "", "Membrane file to relax")
	output := flag.String("output", "", "Path for the relaxed membrane file")
	volumeRatio := flag.Float64("volume-ratio", 0, "Target volume over rest volume (0 = relax.volume_ratio)")
	maxIterations := flag.Int("max-iterations", 0, "Iteration cap (0 = relax.max_iterations)")
	flag.Parse()

	if *input == "" || *output == "" {
		log.Fatal("--input and --output are required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	settings := cfg.Relax
	if *volumeRatio > 0 {
		settings.VolumeRatio = *volumeRatio
	}
	if *maxIterations > 0 {
		settings.MaxIterations = *maxIterations
	}

	name, m, mat, err := checkpoint.LoadMembraneFile(*input, mesh.Options{RequireClosed: true})
	if err != nil {
		log.Fatalf("failed to load membrane: %v", err)
	}

	fmt.Printf("Relaxing %s: %d nodes, %d faces, rest volume %.6g, target ratio %.4f\n",
		name, m.NumNodes(), len(m.Faces()), m.RestVolume(), settings.VolumeRatio)

	start := time.Now()
	res, err := membrane.Relax(m, mat, settings)
	if err != nil {
		log.Fatalf("relaxation failed: %v", err)
	}

	fmt.Printf("Finished after %d iterations (%d evaluations) in %s: %v\n",
		res.Iterations, res.Evaluations, formatDuration(time.Since(start)), res.Status)
	fmt.Printf("  energy: %.6g\n", res.Energy)
	fmt.Printf("  volume: %.6g (ratio %.4f)\n", res.Volume, res.Volume/m.RestVolume())

	if err := checkpoint.WriteMembraneFile(*output, name, m, mat); err != nil {
		log.Fatalf("failed to write membrane: %v", err)
	}
	fmt.Printf("\nRelaxed membrane saved to: %s\n", *output)
}
