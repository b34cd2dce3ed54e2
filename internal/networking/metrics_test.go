package networking

import "testing"

func TestClientMetricsRecordsSentAndDropped(t *testing.T) {
	m := NewClientMetrics()
	m.RecordSent("client-1", 100)
	m.RecordSent("client-1", 50)
	m.RecordDropped("client-1")

	snapshot := m.Snapshot()
	got, ok := snapshot["client-1"]
	if !ok {
		t.Fatalf("missing counters for client-1")
	}
	if got.FramesSent != 2 {
		t.Fatalf("expected 2 frames sent, got %d", got.FramesSent)
	}
	if got.BytesSent != 150 {
		t.Fatalf("expected 150 bytes sent, got %d", got.BytesSent)
	}
	if got.FramesDropped != 1 {
		t.Fatalf("expected 1 frame dropped, got %d", got.FramesDropped)
	}
}

func TestClientMetricsForget(t *testing.T) {
	m := NewClientMetrics()
	m.RecordSent("client-1", 10)
	m.Forget("client-1")
	if snapshot := m.Snapshot(); len(snapshot) != 0 {
		t.Fatalf("expected empty snapshot after forget, got %#v", snapshot)
	}
}
