package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew_IndependentRegistries(t *testing.T) {
	first, second := New(), New()

	first.ConnectionsTotal.Inc()
	first.MessagesDropped.WithLabelValues(DropMalformed).Inc()

	if got := testutil.ToFloat64(first.ConnectionsTotal); got != 1 {
		t.Errorf("ConnectionsTotal want = 1, got = %v", got)
	}
	if got := testutil.ToFloat64(second.ConnectionsTotal); got != 0 {
		t.Errorf("collectors of separate instances should not be shared, got %v", got)
	}
}

func TestNew_ExposedNames(t *testing.T) {
	m := New()
	m.GenerationsStarted.Inc()
	m.StatusTransitions.WithLabelValues("online").Inc()

	expected := `
# HELP sheetsync_generations_started_total Number of listener generations started
# TYPE sheetsync_generations_started_total counter
sheetsync_generations_started_total 1
# HELP sheetsync_status_transitions_total Number of server status changes by new state
# TYPE sheetsync_status_transitions_total counter
sheetsync_status_transitions_total{state="online"} 1
`
	err := testutil.GatherAndCompare(m.Registry, strings.NewReader(expected),
		"sheetsync_generations_started_total", "sheetsync_status_transitions_total")
	if err != nil {
		t.Errorf("unexpected metrics output: %v", err)
	}
}
