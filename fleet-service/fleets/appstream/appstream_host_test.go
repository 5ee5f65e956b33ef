package appstream

import (
	"context"
	"testing"

	astypes "github.com/aws/aws-sdk-go-v2/service/appstream/types"

	"github.com/uktrade/data-workspace-fleet/fleet-service/errdefs"
	"github.com/uktrade/data-workspace-fleet/fleet-service/fleets"
	"github.com/uktrade/data-workspace-fleet/utils"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want errdefs.Kind
	}{
		{"limit exceeded", &astypes.LimitExceededException{}, errdefs.Capacity},
		{"request limit", &astypes.RequestLimitExceededException{}, errdefs.Capacity},
		{"resource not available", &astypes.ResourceNotAvailableException{}, errdefs.Capacity},
		{"resource not found", &astypes.ResourceNotFoundException{}, errdefs.Rejected},
		{"operation not permitted", &astypes.OperationNotPermittedException{}, errdefs.Rejected},
		{"invalid parameters", &astypes.InvalidParameterCombinationException{}, errdefs.Rejected},
		{"deadline", context.DeadlineExceeded, errdefs.Unavailable},
		{"wrapped deadline", utils.MakeError("call failed: %w", context.DeadlineExceeded), errdefs.Unavailable},
		{"unknown", utils.MakeError("connection reset"), errdefs.Unavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := errdefs.KindOf(classify(tt.err, "op failed"))
			if got != tt.want {
				t.Errorf("classify(%v) kind = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestMapSessionState(t *testing.T) {
	tests := []struct {
		in   astypes.SessionState
		want fleets.SessionState
	}{
		{astypes.SessionStatePending, fleets.SessionAllocating},
		{astypes.SessionStateActive, fleets.SessionReady},
		{astypes.SessionStateExpired, fleets.SessionGone},
		{astypes.SessionState("WEDGED"), fleets.SessionError},
	}

	for _, tt := range tests {
		if got := mapSessionState(tt.in); got != tt.want {
			t.Errorf("mapSessionState(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSessionUserID(t *testing.T) {
	got := sessionUserID("Auth0|ABC123", "jupyter")
	want := "auth0|abc123-jupyter"
	if got != want {
		t.Errorf("sessionUserID() = %q, want %q", got, want)
	}
}
