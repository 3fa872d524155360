package storage

import (
	"context"
	"errors"
	"time"

	apperrors "github.com/sandboxmcp/sandbox-mcp/internal/common/errors"
)

const (
	// indexMaxRetries is the number of retries after the initial attempt.
	indexMaxRetries  = 3
	indexBackoffBase = 10 * time.Millisecond
)

// UpdateWithRetry applies an optimistic-concurrency update to the object
// at key. apply receives the current body (nil when absent) and returns
// the replacement body. The put is conditioned on the etag observed by
// the read; a conflict triggers a re-read and re-apply, up to 3 retries
// with exponential backoff (base 10ms, factor 2). Exhaustion surfaces a
// storage write error naming the key.
func UpdateWithRetry(ctx context.Context, store ObjectStore, key string, apply func(current []byte) ([]byte, error)) error {
	backoff := indexBackoffBase

	for attempt := 0; ; attempt++ {
		obj, err := store.Get(ctx, key)
		if err != nil {
			return apperrors.StorageRead(key, err)
		}

		var current []byte
		etag := "" // create-only sentinel for an absent object
		if obj != nil {
			current = obj.Body
			etag = obj.ETag
		}

		next, err := apply(current)
		if err != nil {
			return err
		}

		_, err = store.Put(ctx, key, next, IfMatch(etag))
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrPreconditionFailed) {
			return apperrors.StorageWrite(key, err)
		}
		if attempt >= indexMaxRetries {
			return apperrors.StorageWrite(key, errors.New("concurrent update retries exhausted"))
		}

		select {
		case <-ctx.Done():
			return apperrors.StorageWrite(key, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}
