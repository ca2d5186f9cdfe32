// Package instrumentation wires OpenTelemetry metrics and traces for the
// provider.
//
// Every layer asks for a scoped Meter or Tracer ("server", "storage",
// "http") and records through the shared Metrics holder. When Enabled is
// false the no-op providers are used and recording costs nothing.
//
// # Prometheus Metrics
//
// Metrics are exported through the OpenTelemetry Prometheus exporter into a
// dedicated registry:
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName: "oidc-provider",
//		Enabled:     true,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	mux.Handle("/metrics", inst.MetricsHandler())
//
// # Traces
//
// Spans are produced by a real SDK tracer provider. Supply Config.SpanExporter
// to ship them somewhere; without one spans are sampled but not exported.
//
// Never put token values, secrets or codes in attributes. Log metadata such
// as kinds, grant types and client identifiers only.
package instrumentation
