package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrBucketDeleted = errors.New("bucket has been deleted")
	ErrInvalidName   = errors.New("invalid bucket name")
)

// Storage is a set of named buckets.
type Storage interface {
	// Open returns the named bucket, creating it if absent.
	Open(ctx context.Context, name string) (Bucket, error)
	// Names lists existing buckets in lexical order.
	Names(ctx context.Context) ([]string, error)
	// Delete removes the named bucket and every entry in it.
	// It reports whether the bucket existed.
	Delete(ctx context.Context, name string) (bool, error)
}

// Bucket maps request keys to stored responses.
// Writes are atomic per key and the last write wins.
type Bucket interface {
	Name() string
	// Match returns the entry stored under key, or nil if there is none.
	Match(ctx context.Context, key Key) (*Entry, error)
	Put(ctx context.Context, key Key, e *Entry) error
	// PutAll stores every entry or none of them.
	PutAll(ctx context.Context, entries map[Key]*Entry) error
	Keys(ctx context.Context) ([]Key, error)
	Delete(ctx context.Context, key Key) (bool, error)
}

// validateName rejects names that cannot be used as a single path element.
func validateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.TrimSpace(name) != name {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
