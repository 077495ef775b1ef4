// Package channels defines the contract between the routing engine and the
// concrete messaging backends, and the registry that tracks them.
//
// One adapter exists per backend (telegram, whatsapp, discord, slack, email,
// webhook). Adapters are built from their config block and registered under
// their channel name; the router only ever sees the Adapter interface.
package channels

import (
	"context"

	"github.com/nextlevelbuilder/omnigate/internal/message"
)

// Adapter is a single outbound messaging backend.
//
// Send delivers one message and reports the backend's verdict. Backend
// rejections, missing configuration, and transport failures all come back
// inside the result (Success=false, Error set) so the router can apply its
// retry policy uniformly. The error return fires only when ctx ended before
// a verdict was reached; the router treats that as a shutdown abort.
//
// Validate checks credentials or reachability without sending anything.
// It backs the doctor command and the health endpoint.
type Adapter interface {
	Name() message.Channel
	Enabled() bool
	Validate(ctx context.Context) error
	Send(ctx context.Context, msg *message.Message) (*message.SendResult, error)
}
