// Package telemetry reports errors to Sentry when a DSN is configured.
package telemetry

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"

	"local-qa-bot/internal/config"
)

const serviceName = "local-qa-bot"

// Init initializes Sentry and returns a function that flushes pending
// events. Without a DSN both are no-ops.
func Init(cfg config.TelemetryConfig) func() {
	if cfg.DSN == "" {
		return func() {}
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		ServerName:       serviceName,
		AttachStacktrace: true,
	})
	if err != nil {
		log.Warn().Err(err).Msg("sentry: failed to initialize, continuing without error reporting")
		return func() {}
	}

	log.Debug().Str("environment", cfg.Environment).Msg("sentry: initialized")
	return func() {
		sentry.Flush(5 * time.Second)
	}
}

// CaptureError captures err on the hub bound to ctx, or the global hub.
func CaptureError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	if hub := sentry.GetHubFromContext(ctx); hub != nil {
		hub.CaptureException(err)
		return
	}
	sentry.CaptureException(err)
}

// AddBreadcrumb records a step on the hub bound to ctx, or the global hub.
func AddBreadcrumb(ctx context.Context, category, message string) {
	b := &sentry.Breadcrumb{
		Type:      "default",
		Category:  category,
		Message:   message,
		Level:     sentry.LevelInfo,
		Timestamp: time.Now(),
	}
	if hub := sentry.GetHubFromContext(ctx); hub != nil {
		hub.AddBreadcrumb(b, nil)
		return
	}
	sentry.AddBreadcrumb(b)
}
