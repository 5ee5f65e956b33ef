package dbclient

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
)

func TestCanTransition(t *testing.T) {
	legal := []struct{ from, to Status }{
		{StatusPending, StatusSpawning},
		{StatusPending, StatusFailed},
		{StatusSpawning, StatusRunning},
		{StatusSpawning, StatusFailed},
		{StatusRunning, StatusIdle},
		{StatusRunning, StatusStopping},
		{StatusRunning, StatusFailed},
		{StatusIdle, StatusRunning},
		{StatusIdle, StatusStopping},
		{StatusIdle, StatusFailed},
		{StatusStopping, StatusStopped},
		{StatusStopping, StatusFailed},
	}
	for _, tt := range legal {
		if !tt.from.CanTransition(tt.to) {
			t.Errorf("%s -> %s should be legal", tt.from, tt.to)
		}
	}

	illegal := []struct{ from, to Status }{
		{StatusPending, StatusRunning},
		{StatusPending, StatusStopped},
		{StatusSpawning, StatusIdle},
		{StatusRunning, StatusStopped},
		{StatusIdle, StatusStopped},
		{StatusStopping, StatusRunning},
		{StatusStopped, StatusRunning},
		{StatusStopped, StatusFailed},
		{StatusFailed, StatusPending},
		{StatusFailed, StatusStopped},
	}
	for _, tt := range illegal {
		if tt.from.CanTransition(tt.to) {
			t.Errorf("%s -> %s should be illegal", tt.from, tt.to)
		}
	}
}

func TestTerminalStatesAdmitNothing(t *testing.T) {
	all := []Status{StatusPending, StatusSpawning, StatusRunning, StatusIdle,
		StatusStopping, StatusStopped, StatusFailed}

	for _, terminal := range []Status{StatusStopped, StatusFailed} {
		if !terminal.IsTerminal() {
			t.Errorf("%s should be terminal", terminal)
		}
		for _, target := range all {
			if terminal.CanTransition(target) {
				t.Errorf("terminal state %s must not transition to %s", terminal, target)
			}
		}
	}

	for _, s := range NonTerminalStatuses {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestTransitionSources(t *testing.T) {
	got := TransitionSources(StatusStopped)
	if len(got) != 1 || got[0] != StatusStopping {
		t.Errorf("TransitionSources(Stopped) = %v, want [Stopping]", got)
	}

	failed := TransitionSources(StatusFailed)
	if len(failed) != 5 {
		t.Errorf("TransitionSources(Failed) = %v, want all five live states", failed)
	}

	if got := TransitionSources(StatusPending); len(got) != 0 {
		t.Errorf("TransitionSources(Pending) = %v, want none", got)
	}
}

func TestCursorRoundTrip(t *testing.T) {
	cursor := Cursor{
		CreatedAt: time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC),
		ID:        uuid.MustParse("11111111-2222-3333-4444-555555555555"),
	}

	decoded, err := DecodeCursor(cursor.Encode())
	if err != nil {
		t.Fatalf("DecodeCursor returned error: %v", err)
	}
	if diff := cmp.Diff(cursor, decoded); diff != "" {
		t.Errorf("cursor round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeCursorEmpty(t *testing.T) {
	cursor, err := DecodeCursor("")
	if err != nil {
		t.Fatalf("DecodeCursor(\"\") returned error: %v", err)
	}
	if !cursor.IsZero() {
		t.Errorf("DecodeCursor(\"\") = %+v, want zero cursor", cursor)
	}
}

func TestDecodeCursorMalformed(t *testing.T) {
	if _, err := DecodeCursor("not!!base64"); err == nil {
		t.Error("DecodeCursor accepted malformed input")
	}
	if _, err := DecodeCursor("bm90IGpzb24"); err == nil {
		t.Error("DecodeCursor accepted non-JSON input")
	}
}
