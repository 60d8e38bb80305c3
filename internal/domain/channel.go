package domain

import "context"

// Channel is the outbound half of a platform adapter.
type Channel interface {
	Kind() ChannelKind
	// Dispatch performs exactly one send call and never retries.
	Dispatch(ctx context.Context, reply OutboundReply) error
	// MediaCredentials returns what is needed to fetch media this platform hosts.
	MediaCredentials() MediaCredentials
}
