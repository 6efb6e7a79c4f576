package cas

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrNotFound is returned when no content exists for a given content id.
var ErrNotFound = errors.New("cas: content not found")

// Store is a content-addressed blob store. Content is immutable: the id of
// a blob is derived from its bytes, so writing the same bytes twice yields
// the same id and storage never needs an overwrite path.
type Store interface {
	// Put stores the blob and returns its content id. Putting bytes that
	// are already stored is a no-op returning the existing id.
	Put(ctx context.Context, data []byte) (string, error)

	// Get retrieves the blob for the given content id.
	// Returns ErrNotFound if the id is unknown.
	Get(ctx context.Context, cid string) ([]byte, error)

	// Exists reports whether content with the given id is stored.
	Exists(ctx context.Context, cid string) (bool, error)
}

// ContentID computes the content id for a blob: the hex-encoded SHA-256
// of its bytes. All Store implementations key content this way.
func ContentID(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
