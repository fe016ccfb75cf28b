package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestRecordAudioSent(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordAudioSent(ctx, 960, 0.004)
	m.RecordAudioSent(ctx, 960, 0.006)

	rm := collect(t, reader)

	bytesMet := findMetric(rm, "cadenza.audio.sent.bytes")
	if bytesMet == nil {
		t.Fatal("byte counter not found")
	}
	sum, ok := bytesMet.Data.(metricdata.Sum[int64])
	if !ok || len(sum.DataPoints) == 0 {
		t.Fatal("byte counter has no data")
	}
	if sum.DataPoints[0].Value != 1920 {
		t.Errorf("sent bytes = %d, want 1920", sum.DataPoints[0].Value)
	}

	durMet := findMetric(rm, "cadenza.audio.send.duration")
	if durMet == nil {
		t.Fatal("send duration histogram not found")
	}
	hist, ok := durMet.Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) == 0 {
		t.Fatal("histogram has no data")
	}
	if got := hist.DataPoints[0].Count; got != 2 {
		t.Errorf("sample count = %d, want 2", got)
	}
}

func TestRecordAudioReceived(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordAudioReceived(ctx, 4800)
	m.RecordAudioReceived(ctx, 2400)

	rm := collect(t, reader)

	bytesMet := findMetric(rm, "cadenza.audio.received.bytes")
	if bytesMet == nil {
		t.Fatal("byte counter not found")
	}
	sum := bytesMet.Data.(metricdata.Sum[int64])
	if sum.DataPoints[0].Value != 7200 {
		t.Errorf("received bytes = %d, want 7200", sum.DataPoints[0].Value)
	}

	bufMet := findMetric(rm, "cadenza.playback.buffers")
	if bufMet == nil {
		t.Fatal("buffer counter not found")
	}
	bufSum := bufMet.Data.(metricdata.Sum[int64])
	if bufSum.DataPoints[0].Value != 2 {
		t.Errorf("buffers = %d, want 2", bufSum.DataPoints[0].Value)
	}
}

func TestRecordTranscript_BySpeaker(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTranscript(ctx, "user")
	m.RecordTranscript(ctx, "user")
	m.RecordTranscript(ctx, "model")

	rm := collect(t, reader)
	met := findMetric(rm, "cadenza.transcripts")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}

	for _, dp := range sum.DataPoints {
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == "speaker" && kv.Value.AsString() == "user" {
				if dp.Value != 2 {
					t.Errorf("counter value = %d, want 2", dp.Value)
				}
				return
			}
		}
	}
	t.Error("data point with speaker=user not found")
}

func TestRecordReconnect_ByStatus(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordReconnect(ctx, "ok")
	m.RecordReconnect(ctx, "failed")
	m.RecordReconnect(ctx, "failed")

	rm := collect(t, reader)
	met := findMetric(rm, "cadenza.session.reconnects")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}

	for _, dp := range sum.DataPoints {
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == "status" && kv.Value.AsString() == "failed" {
				if dp.Value != 2 {
					t.Errorf("counter value = %d, want 2", dp.Value)
				}
				return
			}
		}
	}
	t.Error("data point with status=failed not found")
}

func TestRecordProviderError(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderError(ctx, "openai-realtime")

	rm := collect(t, reader)
	met := findMetric(rm, "cadenza.provider.errors")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}
	if len(sum.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if sum.DataPoints[0].Value != 1 {
		t.Errorf("counter value = %d, want 1", sum.DataPoints[0].Value)
	}
}

func TestActiveSessionsGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)

	rm := collect(t, reader)
	met := findMetric(rm, "cadenza.active_sessions")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok || len(sum.DataPoints) == 0 {
		t.Fatal("gauge has no data")
	}
	if got := sum.DataPoints[0].Value; got != 1 {
		t.Errorf("gauge value = %d, want 1", got)
	}
}

func TestInterruptionsCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.Interruptions.Add(ctx, 1)
	m.CaptureFrames.Add(ctx, 50)

	rm := collect(t, reader)

	intMet := findMetric(rm, "cadenza.interruptions")
	if intMet == nil {
		t.Fatal("interruptions metric not found")
	}
	if v := intMet.Data.(metricdata.Sum[int64]).DataPoints[0].Value; v != 1 {
		t.Errorf("interruptions = %d, want 1", v)
	}

	frameMet := findMetric(rm, "cadenza.capture.frames")
	if frameMet == nil {
		t.Fatal("capture frames metric not found")
	}
	if v := frameMet.Data.(metricdata.Sum[int64]).DataPoints[0].Value; v != 50 {
		t.Errorf("capture frames = %d, want 50", v)
	}
}

func TestAttr(t *testing.T) {
	kv := Attr("provider", "gemini-live")
	if kv.Key != attribute.Key("provider") || kv.Value.AsString() != "gemini-live" {
		t.Errorf("Attr = %v", kv)
	}
}
