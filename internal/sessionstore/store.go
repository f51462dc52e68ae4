// Package sessionstore persists coordinator session documents with an idle
// TTL, and optionally bridges relay traffic between coordinator nodes.
package sessionstore

import (
	"context"

	"github.com/kilupskalvis/scenesync/internal/models"
)

// Store is the session-document persistence contract. Save refreshes the
// session's TTL; Load returns (nil, nil) for a missing or expired session.
type Store interface {
	Save(ctx context.Context, session *models.Session) error
	Load(ctx context.Context, projectID string) (*models.Session, error)
	Delete(ctx context.Context, projectID string) error
	Close() error
}

// Sequencer allocates the per-session operation sequence. A shared allocator
// (redis INCR) keeps sequences collision-free when several coordinator nodes
// serve one session.
type Sequencer interface {
	NextSeq(ctx context.Context, projectID string) (int64, error)
}

// Bus fans relayed frames out to other coordinator nodes serving the same
// session. Frames published by a node are delivered to every subscriber,
// including the publisher; subscribers filter their own node id.
type Bus interface {
	Publish(ctx context.Context, projectID string, frame []byte) error
	Subscribe(ctx context.Context, projectID string) (frames <-chan []byte, cancel func(), err error)
}
