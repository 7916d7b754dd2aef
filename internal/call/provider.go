package call

import (
	"context"

	"github.com/hubenschmidt/callassist/internal/audio"
)

// ProviderEventType is a signalling transition reported by the telephony leg.
type ProviderEventType string

const (
	ProviderInitiating   ProviderEventType = "initiating"
	ProviderAccepted     ProviderEventType = "accepted"
	ProviderDisconnected ProviderEventType = "disconnected"
)

// ProviderEvent is one signalling event. ProviderCallID and RemoteNumber are
// set when the provider knows them.
type ProviderEvent struct {
	Type           ProviderEventType
	ProviderCallID string
	RemoteNumber   string
	Reason         string
}

// Telephony is an established or pending connection to the telephony
// provider for one call.
type Telephony interface {
	// Events delivers signalling transitions and closes after disconnect.
	Events() <-chan ProviderEvent
	// Audio returns the remote media stream; valid once accepted.
	Audio() (audio.Source, error)
	Hangup(ctx context.Context) error
}
