package internal

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/hbomb79/Mixtape/internal/api"
	"github.com/hbomb79/Mixtape/internal/download"
	"github.com/hbomb79/Mixtape/internal/ffmpeg"
	"github.com/hbomb79/Mixtape/internal/pipeline"
	"github.com/hbomb79/Mixtape/internal/scratch"
	"github.com/hbomb79/Mixtape/internal/source"
	"github.com/ilyakaznacheev/cleanenv"
)

// MixtapeConfig is the struct used to contain the
// various user config supplied by file, or by the
// environment.
type MixtapeConfig struct {
	LogLevel   string          `yaml:"log_level" env:"LOG_LEVEL" env-default:"info" validate:"oneof=verbose debug info warning warn error"`
	RestConfig api.RestConfig  `yaml:"api"`
	Scratch    scratch.Config  `yaml:"scratch"`
	Source     source.Config   `yaml:"source"`
	Ffmpeg     ffmpeg.Config   `yaml:"ffmpeg"`
	Download   download.Config `yaml:"download"`
	Pipeline   pipeline.Config `yaml:"pipeline"`
}

// LoadFromFile loads a configuration file formatted in YAML in to the
// MixtapeConfig. Values absent from the file are taken from the environment,
// and then from their defaults.
func (config *MixtapeConfig) LoadFromFile(configPath string) error {
	if err := cleanenv.ReadConfig(configPath, config); err != nil {
		return fmt.Errorf("failed to load configuration from %s - %w", configPath, err)
	}

	return nil
}

// LoadFromEnv populates the MixtapeConfig purely from the environment.
func (config *MixtapeConfig) LoadFromEnv() error {
	if err := cleanenv.ReadEnv(config); err != nil {
		return fmt.Errorf("failed to load configuration from environment - %w", err)
	}

	return nil
}

// Validate checks the loaded configuration for values which would prevent
// Mixtape from starting.
func (config *MixtapeConfig) Validate(validate *validator.Validate) error {
	if err := validate.Struct(config); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if config.Download.TokenLifespan <= 0 {
		return fmt.Errorf("invalid configuration: download token lifespan must be positive (got %s)", config.Download.TokenLifespan)
	}
	if config.Ffmpeg.MuxTimeout <= 0 {
		return fmt.Errorf("invalid configuration: ffmpeg mux timeout must be positive (got %s)", config.Ffmpeg.MuxTimeout)
	}

	return nil
}
