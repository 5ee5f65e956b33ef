// Package appstream implements the fleets.FleetHandler contract on top of
// AWS AppStream 2.0. Provider handles are AppStream session ids.
package appstream

import (
	"context"
	"errors"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/appstream"
	astypes "github.com/aws/aws-sdk-go-v2/service/appstream/types"
	"github.com/aws/smithy-go"

	"github.com/uktrade/data-workspace-fleet/fleet-service/config"
	"github.com/uktrade/data-workspace-fleet/fleet-service/errdefs"
	"github.com/uktrade/data-workspace-fleet/fleet-service/fleets"
	"github.com/uktrade/data-workspace-fleet/types"
	"github.com/uktrade/data-workspace-fleet/utils"
	logger "github.com/uktrade/data-workspace-fleet/workspacelogger"
)

// AppStreamHost drives one AppStream fleet/stack pair.
type AppStreamHost struct {
	Region    string
	Config    aws.Config
	Client    *appstream.Client
	FleetName string
	StackName string
}

// Initialize starts the AWS and AppStream clients.
func (host *AppStreamHost) Initialize(region string) error {
	// Initialize general AWS config on the selected region
	cfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(region))
	if err != nil {
		return utils.MakeError("Unable to load AWS SDK config: %s", err)
	}

	host.Region = region
	host.Config = cfg
	host.Client = appstream.NewFromConfig(cfg)
	host.FleetName = config.GetAppStreamFleetName()
	host.StackName = config.GetAppStreamStackName()

	return nil
}

// callContext bounds a single provider call by the configured timeout.
func callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, config.GetProviderCallTimeout())
}

// RequestSession asks AppStream for a streaming session for the given
// principal and tool, and returns the session id as the provider handle.
func (host *AppStreamHost) RequestSession(ctx context.Context, principal types.PrincipalID, tool types.ToolName) (types.ProviderHandle, error) {
	callCtx, cancel := callContext(ctx)
	defer cancel()

	userID := sessionUserID(principal, tool)

	input := &appstream.CreateStreamingURLInput{
		FleetName:     aws.String(host.FleetName),
		StackName:     aws.String(host.StackName),
		UserId:        aws.String(userID),
		ApplicationId: aws.String(string(tool)),
	}

	_, err := host.Client.CreateStreamingURL(callCtx, input)
	if err != nil {
		return "", classify(err, "error requesting streaming session for %s", userID)
	}

	// The streaming URL call allocates the session; look it up to get the
	// session id we will use as the provider handle from now on.
	sessions, err := host.describeSessions(ctx, aws.String(userID))
	if err != nil {
		return "", err
	}

	for _, session := range sessions {
		if session.State != astypes.SessionStateExpired {
			logger.Infof("Allocated AppStream session %s for user %s.", aws.ToString(session.Id), userID)
			return types.ProviderHandle(aws.ToString(session.Id)), nil
		}
	}

	// The session has been acknowledged but is not yet visible; report the
	// provider as unavailable so the coordinator retries with backoff.
	return "", errdefs.New(errdefs.Unavailable, "session for %s accepted but not yet visible", userID)
}

// Probe reports the provider-side state of a single session handle.
func (host *AppStreamHost) Probe(ctx context.Context, handle types.ProviderHandle) (fleets.Session, error) {
	sessions, err := host.describeSessions(ctx, nil)
	if err != nil {
		return fleets.Session{}, err
	}

	for _, session := range sessions {
		if aws.ToString(session.Id) != string(handle) {
			continue
		}

		return fleets.Session{
			Handle: handle,
			State:  mapSessionState(session.State),
		}, nil
	}

	// A handle the provider no longer reports is gone, not an error.
	return fleets.Session{Handle: handle, State: fleets.SessionGone}, nil
}

// Terminate expires a session. Expiring an already-gone session succeeds.
func (host *AppStreamHost) Terminate(ctx context.Context, handle types.ProviderHandle) error {
	callCtx, cancel := callContext(ctx)
	defer cancel()

	input := &appstream.ExpireSessionInput{
		SessionId: aws.String(string(handle)),
	}

	_, err := host.Client.ExpireSession(callCtx, input)
	if err != nil {
		var notFound *astypes.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return nil
		}
		return classify(err, "error expiring session %s", handle)
	}

	return nil
}

// RestartFleet recycles the whole remote fleet by stopping and starting
// it. All live sessions are dropped by the provider as a consequence.
func (host *AppStreamHost) RestartFleet(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, restartFleetTimeout)
	defer cancel()

	_, err := host.Client.StopFleet(callCtx, &appstream.StopFleetInput{
		Name: aws.String(host.FleetName),
	})
	if err != nil {
		return classify(err, "error stopping fleet %s", host.FleetName)
	}

	_, err = host.Client.StartFleet(callCtx, &appstream.StartFleetInput{
		Name: aws.String(host.FleetName),
	})
	if err != nil {
		return classify(err, "error starting fleet %s", host.FleetName)
	}

	logger.Infof("Requested restart of AppStream fleet %s.", host.FleetName)

	return nil
}

// ListSessions enumerates every session the provider currently reports for
// this fleet/stack pair.
func (host *AppStreamHost) ListSessions(ctx context.Context) ([]fleets.Session, error) {
	raw, err := host.describeSessions(ctx, nil)
	if err != nil {
		return nil, err
	}

	sessions := make([]fleets.Session, 0, len(raw))
	for _, session := range raw {
		sessions = append(sessions, fleets.Session{
			Handle: types.ProviderHandle(aws.ToString(session.Id)),
			State:  mapSessionState(session.State),
		})
	}

	return sessions, nil
}

// DescribeFleet returns the provider's current descriptor of the fleet.
func (host *AppStreamHost) DescribeFleet(ctx context.Context) (fleets.FleetDescription, error) {
	callCtx, cancel := callContext(ctx)
	defer cancel()

	output, err := host.Client.DescribeFleets(callCtx, &appstream.DescribeFleetsInput{
		Names: []string{host.FleetName},
	})
	if err != nil {
		return fleets.FleetDescription{}, classify(err, "error describing fleet %s", host.FleetName)
	}

	if len(output.Fleets) == 0 {
		return fleets.FleetDescription{}, errdefs.New(errdefs.NotFound, "fleet %s not found on provider", host.FleetName)
	}

	fleet := output.Fleets[0]
	desc := fleets.FleetDescription{
		Name:   aws.ToString(fleet.Name),
		Image:  aws.ToString(fleet.ImageName),
		Status: string(fleet.State),
	}
	if fleet.ComputeCapacityStatus != nil {
		desc.Capacity = int(aws.ToInt32(fleet.ComputeCapacityStatus.Desired))
		desc.WarmPool = int(aws.ToInt32(fleet.ComputeCapacityStatus.Available))
	}

	return desc, nil
}

// describeSessions pages through DescribeSessions, optionally filtered by
// user id.
func (host *AppStreamHost) describeSessions(ctx context.Context, userID *string) ([]astypes.Session, error) {
	var (
		sessions  []astypes.Session
		nextToken *string
	)

	for {
		callCtx, cancel := callContext(ctx)

		output, err := host.Client.DescribeSessions(callCtx, &appstream.DescribeSessionsInput{
			FleetName: aws.String(host.FleetName),
			StackName: aws.String(host.StackName),
			UserId:    userID,
			NextToken: nextToken,
		})
		cancel()

		if err != nil {
			return nil, classify(err, "error describing sessions on fleet %s", host.FleetName)
		}

		sessions = append(sessions, output.Sessions...)

		if output.NextToken == nil {
			return sessions, nil
		}
		nextToken = output.NextToken
	}
}

// sessionUserID builds the AppStream user id for a (principal, tool) pair.
// AppStream user ids share the session namespace per fleet/stack, so the
// tool is folded in to keep concurrent tools for one user apart.
func sessionUserID(principal types.PrincipalID, tool types.ToolName) string {
	return strings.ToLower(string(principal) + "-" + string(tool))
}

// mapSessionState converts an AppStream session state to ours.
func mapSessionState(state astypes.SessionState) fleets.SessionState {
	switch state {
	case astypes.SessionStatePending:
		return fleets.SessionAllocating
	case astypes.SessionStateActive:
		return fleets.SessionReady
	case astypes.SessionStateExpired:
		return fleets.SessionGone
	default:
		return fleets.SessionError
	}
}

// classify maps AWS SDK errors onto the service error taxonomy.
func classify(err error, format string, v ...interface{}) error {
	var (
		limitExceeded *astypes.LimitExceededException
		requestLimit  *astypes.RequestLimitExceededException
		notAvailable  *astypes.ResourceNotAvailableException
		notFound      *astypes.ResourceNotFoundException
		notPermitted  *astypes.OperationNotPermittedException
		invalidParams *astypes.InvalidParameterCombinationException
		apiErr        smithy.APIError
	)

	switch {
	case errors.As(err, &limitExceeded), errors.As(err, &requestLimit), errors.As(err, &notAvailable):
		return errdefs.Wrap(errdefs.Capacity, err, format, v...)
	case errors.As(err, &notFound), errors.As(err, &notPermitted), errors.As(err, &invalidParams):
		return errdefs.Wrap(errdefs.Rejected, err, format, v...)
	case errors.Is(err, context.DeadlineExceeded):
		return errdefs.Wrap(errdefs.Unavailable, err, format, v...)
	case errors.As(err, &apiErr):
		return errdefs.Wrap(errdefs.Unavailable, err, format, v...)
	default:
		return errdefs.Wrap(errdefs.Unavailable, err, format, v...)
	}
}
