package identity

import (
	"context"
	"errors"
)

var ErrUnknownIdentity = errors.New("identity: unknown participant")

// Registry resolves a participant's decentralised identifier. The
// production deployment fronts an on-chain DID registry; this service only
// consumes resolution results and relays registration acknowledgements.
type Registry interface {
	// Resolve returns the DID for the given wallet address or verified
	// user id, minting one on first sight. created reports whether the
	// DID was newly registered by this call.
	Resolve(ctx context.Context, identifier string) (did string, created bool, err error)
}
