package registry

import "context"

// Registry tracks which gateway instance owns each active room. All
// operations for a given room id must be routed to the owning instance to
// preserve per-room message ordering; a fronting router uses Lookup for
// that. Keys carry a TTL and are kept alive by a heartbeat so a crashed
// instance's claims expire on their own.
type Registry interface {
	Register(ctx context.Context, roomID string) error
	Deregister(ctx context.Context, roomID string) error
	Lookup(ctx context.Context, roomID string) (string, error)
	StartHeartbeat(ctx context.Context) error
	StopHeartbeat()
	Close() error
}
