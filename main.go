package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/hbomb79/Mixtape/internal"
	"github.com/hbomb79/Mixtape/pkg/logger"
)

var log = logger.Get("Bootstrap")

// main is the entry point to Mixtape. Configuration is loaded from the YAML
// file given by -config (if any), and otherwise from the environment.
func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file")
	flag.Parse()

	config := internal.MixtapeConfig{}
	if *configPath != "" {
		if err := config.LoadFromFile(*configPath); err != nil {
			log.Emit(logger.FATAL, "Failed to load configuration: %v\n", err)
			os.Exit(1)
		}
	} else if err := config.LoadFromEnv(); err != nil {
		log.Emit(logger.FATAL, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger.SetMinLoggingLevel(logger.ParseLevel(config.LogLevel).Level())

	mixtape, err := internal.New(config)
	if err != nil {
		log.Emit(logger.FATAL, "Failed to initialise Mixtape: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := mixtape.Run(ctx); err != nil {
		log.Emit(logger.FATAL, "Mixtape stopped unexpectedly: %v\n", err)
		stop()
		os.Exit(1)
	}

	log.Emit(logger.STOP, "Mixtape shutdown complete\n")
}
