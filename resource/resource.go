package resource

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/outofforest/coap/wire"
)

// ErrUnsupportedFormat is returned when representation cannot be produced in requested format.
var ErrUnsupportedFormat = errors.New("unsupported content format")

// Resource is served by the engine under its path.
type Resource interface {
	// Path returns path under which resource is served.
	Path() string

	// Observable reports whether peers might observe the resource.
	Observable() bool

	// ConfirmableNotifications reports whether notifications are sent as confirmable messages.
	ConfirmableNotifications() bool

	// MaxAge returns how long representation stays fresh. Observers receive re-notification
	// when it elapses. Zero disables re-notifications.
	MaxAge() time.Duration

	// Representation returns current state in requested format. NoContentFormat means any.
	Representation(format wire.ContentFormat) ([]byte, wire.ContentFormat, error)

	// Handle serves requests other than GET.
	Handle(ctx context.Context, req *wire.Message) (*wire.Message, error)

	// Subscribe registers function called on every state change.
	Subscribe(fn func()) func()
}
