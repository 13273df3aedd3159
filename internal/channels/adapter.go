// Package channels owns the messaging adapters and the bus service that
// bridges them: inbound adapter events become queued tasks, outbound text is
// chunked and delivered through the adapter that owns the channel.
package channels

import "context"

// defaultMessageLimit applies when an adapter reports no limit of its own.
const defaultMessageLimit = 4000

// Inbound is one message received from a channel adapter.
type Inbound struct {
	Channel string
	UserID  string
	Content string
}

// Adapter is one messaging integration. Implementations live outside this
// package; the service only needs delivery and sizing.
type Adapter interface {
	// Name is the channel identifier used as the session-key prefix.
	Name() string

	// Send delivers one chunk of text to a user on this channel.
	Send(ctx context.Context, userID, text string) error

	// MaxMessageLength is the channel's outbound size limit in characters.
	// Zero means no limit is known.
	MaxMessageLength() int
}
