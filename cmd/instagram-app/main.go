// Package main runs the application container: it waits for the relational,
// cache and wide-column stores, then serves the status API on port 8000.
package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/socialsense/stack/internal/app/runtime"
	"github.com/socialsense/stack/internal/compose"
	"github.com/socialsense/stack/internal/config"
)

var version = "dev"

func main() {
	envFile := flag.String("env-file", config.DefaultEnvFile, "Environment file with the application contract")
	composeFile := flag.String("compose", "docker-compose.yml", "Deployment descriptor used for startup order and /topology")
	flag.Parse()

	// Environment variable overrides
	if v := os.Getenv("ENV_FILE"); v != "" {
		*envFile = v
	}
	if v := os.Getenv("COMPOSE_FILE"); v != "" {
		*composeFile = v
	}

	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	desc, err := loadDescriptor(*composeFile)
	if err != nil {
		log.Fatalf("Failed to load descriptor: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := runtime.NewApplication(ctx, cfg, desc, version)
	if err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}

	runErr := app.Run(ctx)
	if runErr != nil {
		log.Printf("Server error: %v", runErr)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := app.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	if runErr != nil {
		os.Exit(1)
	}
}

// loadDescriptor reads the descriptor when it is mounted into the container
// and otherwise uses the canonical stack.
func loadDescriptor(path string) (*compose.Descriptor, error) {
	desc, err := compose.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return compose.Canonical(compose.DefaultParams()), nil
	}
	if err != nil {
		return nil, err
	}
	return desc, desc.Validate()
}

func init() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.SetPrefix("[instagram-app] ")
}
