// Package storage provides the object store abstraction the session and
// run stores persist through. Three backends implement it: memory (tests),
// sqlite (single-node default) and postgres.
//
// Every object carries an etag that changes on each write. Conditional
// puts are the only concurrency primitive; there are no transactions
// across keys.
package storage

import (
	"context"
	"errors"
)

// ErrPreconditionFailed is returned by Put when the supplied IfMatch etag
// no longer matches the stored object.
var ErrPreconditionFailed = errors.New("storage: etag precondition failed")

// Object is a stored value together with its current etag.
type Object struct {
	Body []byte
	ETag string
}

// PutOptions carries the optional etag precondition for Put.
type PutOptions struct {
	// IfMatch, when non-nil, makes the put conditional. The empty string
	// is the sentinel for "create only if absent".
	IfMatch *string
}

// IfMatch builds PutOptions requiring the stored etag to equal etag.
func IfMatch(etag string) *PutOptions {
	return &PutOptions{IfMatch: &etag}
}

// ObjectStore is the minimal contract: conditional puts, point reads,
// deletes and prefix listing.
type ObjectStore interface {
	// Get returns the object at key, or (nil, nil) when absent.
	Get(ctx context.Context, key string) (*Object, error)

	// Put writes body at key and returns the new etag. With a non-nil
	// IfMatch it fails with ErrPreconditionFailed when the stored etag
	// differs (or, for the empty sentinel, when the key already exists).
	Put(ctx context.Context, key string, body []byte, opts *PutOptions) (string, error)

	// Delete removes the object at key. Deleting a missing key is not
	// an error.
	Delete(ctx context.Context, key string) error

	// List returns up to limit keys under prefix in lexicographic order,
	// starting after cursor. The returned cursor is empty when the
	// listing is exhausted.
	List(ctx context.Context, prefix string, limit int, cursor string) ([]string, string, error)

	// Close releases backend resources.
	Close() error
}
