package metrics

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type errorLogger struct {
	logger *slog.Logger
}

func (el errorLogger) Println(v ...interface{}) {
	el.logger.Warn("metric handler error", slog.String("error", fmt.Sprint(v...)))
}

// NewMetricsHandler creates an HTTP handler to expose metrics.
func NewMetricsHandler(metricsService Metrics, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return promhttp.HandlerFor(metricsService.GetRegistry(), promhttp.HandlerOpts{
		ErrorLog: errorLogger{logger: logger},
	})
}
