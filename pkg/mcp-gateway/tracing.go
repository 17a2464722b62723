package mcpgateway

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/vikashloomba/mcp-aggregator-go/pkg/mcp-gateway"

func (g *Gateway) tracerProvider() trace.TracerProvider {
	if g.opts.TracerProvider != nil {
		return g.opts.TracerProvider
	}
	return otel.GetTracerProvider()
}

func (g *Gateway) tracer() trace.Tracer {
	return g.tracerProvider().Tracer(instrumentationName)
}
