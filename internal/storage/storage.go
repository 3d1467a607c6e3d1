// Package storage defines the job persistence contract shared by the stores.
//
// Save with unconditional=false is a conditional write: the record is only
// written when its Version is newer than the stored one. Unconditional saves
// always overwrite.
package storage

import (
	"context"
	"errors"

	"github.com/ChuLiYu/srm-lifecycle/pkg/types"
)

// ErrNotFound indicates no record exists for the id.
var ErrNotFound = errors.New("job record not found")

// Store persists job records.
type Store interface {
	Save(ctx context.Context, rec *types.JobRecord, unconditional bool) error
	Restore(ctx context.Context, id int64) (*types.JobRecord, error)
	NextID(ctx context.Context) (int64, error)
	LoadAll(ctx context.Context) ([]*types.JobRecord, error)
	Delete(ctx context.Context, ids ...int64) error
	Close() error
}

// ShouldWrite reports whether rec replaces stored under the conditional rule.
func ShouldWrite(stored, rec *types.JobRecord, unconditional bool) bool {
	return unconditional || stored == nil || rec.Version > stored.Version
}

// Clone deep-copies a record so callers cannot alias stored slices.
func Clone(rec *types.JobRecord) *types.JobRecord {
	if rec == nil {
		return nil
	}
	c := *rec
	c.History = append([]types.HistoryEntry(nil), rec.History...)
	c.FileIDs = append([]int64(nil), rec.FileIDs...)
	c.Entries = append([]types.ListEntry(nil), rec.Entries...)
	if rec.Get != nil {
		g := *rec.Get
		g.Protocols = append([]string(nil), rec.Get.Protocols...)
		c.Get = &g
	}
	if rec.Put != nil {
		p := *rec.Put
		c.Put = &p
	}
	if rec.Ls != nil {
		l := *rec.Ls
		c.Ls = &l
	}
	return &c
}

// Checkpointer is implemented by stores that compact a journal into a
// snapshot. The controller calls it periodically and on shutdown.
type Checkpointer interface {
	Checkpoint(ctx context.Context) error
}
