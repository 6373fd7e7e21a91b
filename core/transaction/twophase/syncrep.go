package twophase

import (
	"context"

	"github.com/kyodb/kyodb/core/write_engine/wal"
)

// SyncRepWaiter blocks until the log through lsn is acknowledged by the
// configured synchronous standbys. Waits are interruptible; an interrupted
// wait never undoes local durability, the caller merely stops waiting for
// acknowledgement.
type SyncRepWaiter interface {
	WaitForCommit(ctx context.Context, lsn wal.LSN) error
}

// NoSyncRep is the waiter for deployments without synchronous standbys.
type NoSyncRep struct{}

func (NoSyncRep) WaitForCommit(context.Context, wal.LSN) error { return nil }
