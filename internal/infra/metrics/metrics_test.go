//go:build !integration

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestChatCounters(t *testing.T) {
	before := testutil.ToFloat64(incomingTotal.WithLabelValues("duplicate"))
	IncIncoming(" Duplicate ")
	if got := testutil.ToFloat64(incomingTotal.WithLabelValues("duplicate")); got != before+1 {
		t.Fatalf("expected duplicate counter to increase by 1, got %v -> %v", before, got)
	}

	beforeOK := testutil.ToFloat64(messagesAppendedTotal.WithLabelValues("ok"))
	ObserveAppend(12, true)
	if got := testutil.ToFloat64(messagesAppendedTotal.WithLabelValues("ok")); got != beforeOK+1 {
		t.Fatalf("expected ok appends to increase by 1, got %v", got)
	}
}

func TestSessionsGauge(t *testing.T) {
	start := testutil.ToFloat64(sessionsActive)
	SessionOpened()
	SessionOpened()
	SessionClosed()
	if got := testutil.ToFloat64(sessionsActive); got != start+1 {
		t.Fatalf("expected gauge %v, got %v", start+1, got)
	}
}

func TestMustRegisterIsIdempotent(t *testing.T) {
	MustRegister()
	MustRegister()
}
