package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"water-quality-etl/internal/config"
	"water-quality-etl/pkg/database"
	"water-quality-etl/pkg/logging"
	"water-quality-etl/pkg/metrics"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the YAML configuration file")
	direction := flag.String("direction", "up", "Migration direction: up or down")
	steps := flag.Int("steps", 1, "Number of migrations to revert when direction is down")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewStructuredLogger("wq-migrate", "1.0.0", logging.ParseLevel(cfg.Logging.Level))
	ctx := context.Background()

	db, err := database.NewDB(cfg.DatabaseSettings(), logger, metrics.NewCollector(cfg.Metrics.Namespace, nil))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	fmt.Printf("Connected to %s database successfully\n", db.Driver())

	manager := database.NewMigrationManager(db, logger)

	var applied int
	switch *direction {
	case "up":
		applied, err = manager.Up(ctx)
	case "down":
		applied, err = manager.Down(ctx, *steps)
	default:
		fmt.Fprintf(os.Stderr, "Invalid direction %q (valid: up, down)\n", *direction)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Migration %s completed: %d applied\n", *direction, applied)
}
