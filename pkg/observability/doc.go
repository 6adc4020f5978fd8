// Package observability provides structured logging, Prometheus metrics, health
// checks and OpenTelemetry tracing.
//
// # Structured Logging
//
// Logger wraps logrus with a JSON formatter:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithFields(map[string]interface{}{
//		"provider": "stripe",
//		"event_id": evt.ID,
//	}).Info("webhook processed")
//
// Request-scoped loggers pick up request, workspace and actor ids:
//
//	observability.FromContext(ctx).Warn("quota exceeded")
//
// # Prometheus Metrics
//
//	metrics := observability.NewMetrics(registry)
//	metrics.RecordWebhookEvent("paypal", eventType, "applied", elapsed)
//	metrics.RecordQuotaDenial("generations", "FREE")
//
// A nil *Metrics is valid and records nothing.
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient)
//	checker.AddCheck("s3", false, archive.HealthCheck)
//	observability.RegisterHealthRoutes(mux, checker)
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
//		Enabled:     true,
//		Endpoint:    "otel-collector:4317",
//		ServiceName: "tollgate",
//	}, logger)
//	defer observability.ShutdownOTel(ctx, providers, logger)
//
// # Related Packages
//
//   - pkg/config: Observability configuration
//   - pkg/httputil: Request logging and panic recovery middleware
package observability
