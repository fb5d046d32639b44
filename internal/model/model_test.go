package model

import (
	"strings"
	"testing"
)

func TestValidTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusQueued, StatusProcessing, true},
		{StatusQueued, StatusCanceled, true},
		{StatusQueued, StatusCompleted, true},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusFailed, true},
		{StatusProcessing, StatusQueued, false},
		{StatusCompleted, StatusFailed, false},
		{StatusCanceled, StatusCompleted, false},
		{StatusFailed, StatusProcessing, false},
	}
	for _, tt := range tests {
		if got := ValidTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("ValidTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCanceled} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusQueued, StatusProcessing} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestParseStatus(t *testing.T) {
	if s, err := ParseStatus("processing"); err != nil || s != StatusProcessing {
		t.Fatalf("got %q err=%v", s, err)
	}
	if _, err := ParseStatus("error"); err == nil {
		t.Fatalf("expected error for unknown status")
	}
}

func TestIDs(t *testing.T) {
	a, b := NewTaskID(), NewTaskID()
	if len(a) != 26 || a == b {
		t.Fatalf("unexpected task ids %q %q", a, b)
	}
	if w := NewWorkerID(); !strings.HasPrefix(w, "worker-") {
		t.Fatalf("worker id %q", w)
	}
}
