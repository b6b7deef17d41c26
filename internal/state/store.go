// Package state persists session state between runs. The engine owns the
// in-memory working copy during a run; a store only sees it at load time
// and after each state-changing step.
package state

import (
	"context"

	"github.com/gambitlabs/gambit/internal/protocol"
)

// Store persists per-session state keyed by session id. Load returns
// (nil, nil) for an unknown session: a fresh run, not an error.
type Store interface {
	Load(ctx context.Context, sessionID string) (*protocol.SavedState, error)
	Save(ctx context.Context, sessionID string, state *protocol.SavedState) error
	Delete(ctx context.Context, sessionID string) error
}
