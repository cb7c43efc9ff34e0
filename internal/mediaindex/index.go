package mediaindex

import (
	"context"
	"time"
)

// Entry maps a content fingerprint to the canonical stored copy.
type Entry struct {
	Fingerprint string    `json:"fingerprint"`
	Path        string    `json:"path"` // relative to the target directory
	Size        int64     `json:"size"`
	FirstSeen   time.Time `json:"first_seen"`
}

// Index is a content-addressed lookup table for one target. Entries are
// never removed.
type Index interface {
	// Lookup returns the entry for fingerprint, or nil if none exists.
	Lookup(ctx context.Context, fingerprint string) (*Entry, error)
	// PutIfAbsent registers entry unless the fingerprint is already known.
	// It returns the entry that is canonical afterwards and whether entry
	// was the one inserted.
	PutIfAbsent(ctx context.Context, entry Entry) (Entry, bool, error)
	// Repoint changes the canonical path of an existing fingerprint. It is
	// used when the canonical file went missing and a new copy re-seeds it.
	Repoint(ctx context.Context, fingerprint, path string) error
	// Count returns the number of entries.
	Count(ctx context.Context) (int64, error)

	Close() error
}
