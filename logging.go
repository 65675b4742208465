package marketplace

import (
	"context"
	"os"
	"runtime/debug"
	"strings"

	"github.com/chinmina/marketplace-session/internal/config"
	"github.com/chinmina/marketplace-session/internal/observe"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ConfigureLogging sets up the global zerolog logger used throughout the
// client.
func ConfigureLogging() {
	// Set global level to the minimum: allows the Open Telemetry logging to be
	// configured separately. However, it means that any logger that sets its
	// level will log as this effectively disables the global level.
	zerolog.SetGlobalLevel(zerolog.Level(-128))

	// default level is Info
	log.Logger = log.Level(zerolog.InfoLevel)

	if os.Getenv("ENV") == "development" {
		log.Logger = log.
			Output(zerolog.ConsoleWriter{Out: os.Stdout}).
			Level(zerolog.DebugLevel)
	}

	zerolog.DefaultContextLogger = &log.Logger
}

// ConfigureTelemetry installs the OpenTelemetry providers described by cfg.
// The returned function flushes them on shutdown.
func ConfigureTelemetry(ctx context.Context, cfg config.ObserveConfig) (func(context.Context) error, error) {
	return observe.Configure(ctx, cfg)
}

// LogBuildInfo logs the VCS and toolchain settings the binary was built
// with.
func LogBuildInfo() {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	ev := log.Info()
	for _, v := range buildInfo.Settings {
		if strings.HasPrefix(v.Key, "vcs.") ||
			strings.HasPrefix(v.Key, "GO") ||
			v.Key == "CGO_ENABLED" {
			ev = ev.Str(v.Key, v.Value)
		}
	}

	ev.Msg("build information")
}
