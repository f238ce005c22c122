package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestMetricsRegistered(t *testing.T) {
	// Initialise vec label combinations so they appear in Gather output.
	// Vec metrics are not gathered until at least one label set is created.
	SendsTotal.WithLabelValues("chat-text", "durable")
	LongPollOutcomes.WithLabelValues("delivered")
	SendErrors.WithLabelValues("transient")

	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	expected := map[string]bool{
		"mesh_channels_active":             false,
		"mesh_sessions_active":             false,
		"mesh_sends_total":                 false,
		"mesh_receive_duration_seconds":    false,
		"mesh_long_poll_outcomes_total":    false,
		"mesh_sessions_reaped_total":       false,
		"mesh_ephemerals_swept_total":      false,
		"mesh_durable_events_pruned_total": false,
		"mesh_send_errors_total":           false,
	}

	for _, mf := range mfs {
		if _, ok := expected[mf.GetName()]; ok {
			expected[mf.GetName()] = true
		}
	}

	for name, found := range expected {
		if !found {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestWriteTextfile(t *testing.T) {
	SessionsReaped.Add(1)

	path := filepath.Join(t.TempDir(), "mesh.prom")
	if err := WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading textfile: %v", err)
	}
	if !strings.Contains(string(data), "mesh_sessions_reaped_total") {
		t.Error("textfile missing mesh_ metrics")
	}
	if strings.Contains(string(data), "go_goroutines") {
		t.Error("textfile contains non-mesh metrics")
	}
}
