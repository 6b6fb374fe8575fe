package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// SDK owns in-process providers. Metrics are pulled on demand through
// Snapshot rather than pushed to a collector.
type SDK struct {
	Recorder Recorder

	reader *sdkmetric.ManualReader
	mp     *sdkmetric.MeterProvider
	tp     *sdktrace.TracerProvider
}

// NewSDK builds the providers, registers them globally and returns a
// Recorder bound to them.
func NewSDK() (*SDK, error) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	tp := sdktrace.NewTracerProvider()

	rec, err := New(mp, tp)
	if err != nil {
		return nil, errors.Join(err, mp.Shutdown(context.Background()), tp.Shutdown(context.Background()))
	}
	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)
	return &SDK{Recorder: rec, reader: reader, mp: mp, tp: tp}, nil
}

// Snapshot collects current metric values keyed by name and attribute set,
// e.g. `medidash.flow.runs{flow=chat,outcome=ok}`. Histograms report
// `.count` and `.sum` entries.
func (s *SDK) Snapshot(ctx context.Context) (map[string]float64, error) {
	var rm metricdata.ResourceMetrics
	if err := s.reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("collecting metrics: %w", err)
	}

	out := make(map[string]float64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					out[seriesKey(m.Name, dp.Attributes)] = float64(dp.Value)
				}
			case metricdata.Sum[float64]:
				for _, dp := range data.DataPoints {
					out[seriesKey(m.Name, dp.Attributes)] = dp.Value
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					out[seriesKey(m.Name+".count", dp.Attributes)] = float64(dp.Count)
					out[seriesKey(m.Name+".sum", dp.Attributes)] = dp.Sum
				}
			}
		}
	}
	return out, nil
}

func seriesKey(name string, attrs attribute.Set) string {
	return name + "{" + attrs.Encoded(attribute.DefaultEncoder()) + "}"
}

// Shutdown flushes and stops both providers.
func (s *SDK) Shutdown(ctx context.Context) error {
	return errors.Join(s.mp.Shutdown(ctx), s.tp.Shutdown(ctx))
}
