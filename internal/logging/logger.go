package logging

import (
	"os"

	"github.com/rs/zerolog"

	"github.com/edvin/cloudaccounts/internal/config"
)

// NewLogger creates a structured zerolog.Logger carrying the service and
// instance of the process. Empty fields are omitted.
func NewLogger(cfg *config.Config) zerolog.Logger {
	ctx := zerolog.New(os.Stdout).With().Timestamp()

	if cfg.ServiceName != "" {
		ctx = ctx.Str("service", cfg.ServiceName)
	}
	if cfg.InstanceID != "" {
		ctx = ctx.Str("instance_id", cfg.InstanceID)
	}
	if cfg.AWSRegion != "" {
		ctx = ctx.Str("aws_region", cfg.AWSRegion)
	}

	logger := ctx.Logger()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}

	return logger.Level(level)
}
