package session

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	apperrors "github.com/sandboxmcp/sandbox-mcp/internal/common/errors"
	"github.com/sandboxmcp/sandbox-mcp/internal/storage"
)

// ListOptions bounds a session listing.
type ListOptions struct {
	Limit  int
	Offset int
}

// ListResult is a page of index entries plus the total count.
type ListResult struct {
	Entries []IndexEntry `json:"entries"`
	Total   int          `json:"total"`
}

// Store persists sessions as full records plus a single-object index
// kept consistent via conditional writes.
type Store struct {
	objects storage.ObjectStore
}

// NewStore creates a session store over the given object store.
func NewStore(objects storage.ObjectStore) *Store {
	return &Store{objects: objects}
}

// Get returns the session, or nil when it does not exist. Read and
// decode failures surface as storage read errors.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	key := storage.SessionKey(id)
	obj, err := s.objects.Get(ctx, key)
	if err != nil {
		return nil, apperrors.StorageRead(key, err)
	}
	if obj == nil {
		return nil, nil
	}
	var sess Session
	if err := json.Unmarshal(obj.Body, &sess); err != nil {
		return nil, apperrors.StorageRead(key, err)
	}
	return &sess, nil
}

// Put validates and writes the session record, then upserts its index
// entry. Record first: a crash between the two leaves an orphan record
// but never a stale index pointer.
func (s *Store) Put(ctx context.Context, sess *Session) error {
	if err := sess.Validate(); err != nil {
		return err
	}

	body, err := json.Marshal(sess)
	if err != nil {
		return apperrors.StorageWrite(storage.SessionKey(sess.SessionID), err)
	}
	key := storage.SessionKey(sess.SessionID)
	if _, err := s.objects.Put(ctx, key, body, nil); err != nil {
		return apperrors.StorageWrite(key, err)
	}

	entry := sess.IndexEntry()
	return s.updateIndex(ctx, func(index *Index) {
		index.Sessions[sess.SessionID] = entry
	})
}

// Delete removes the session record and then its index entry. Callers
// must cascade run deletion first; the store does not couple the two
// domains.
func (s *Store) Delete(ctx context.Context, id string) error {
	key := storage.SessionKey(id)
	if err := s.objects.Delete(ctx, key); err != nil {
		return apperrors.StorageWrite(key, err)
	}
	return s.updateIndex(ctx, func(index *Index) {
		delete(index.Sessions, id)
	})
}

// List reads the index and returns a page sorted by lastActivity
// descending. Total is the full index size.
func (s *Store) List(ctx context.Context, opts ListOptions) (*ListResult, error) {
	index, err := s.readIndex(ctx)
	if err != nil {
		return nil, err
	}

	entries := make([]IndexEntry, 0, len(index.Sessions))
	for _, entry := range index.Sessions {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].LastActivity != entries[j].LastActivity {
			return entries[i].LastActivity > entries[j].LastActivity
		}
		return entries[i].SessionID < entries[j].SessionID
	})

	total := len(entries)
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	offset := opts.Offset
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}

	return &ListResult{Entries: entries[offset:end], Total: total}, nil
}

func (s *Store) readIndex(ctx context.Context) (*Index, error) {
	obj, err := s.objects.Get(ctx, storage.SessionIndexKey)
	if err != nil {
		return nil, apperrors.StorageRead(storage.SessionIndexKey, err)
	}
	if obj == nil {
		return emptyIndex(), nil
	}
	var index Index
	if err := json.Unmarshal(obj.Body, &index); err != nil {
		return nil, apperrors.StorageRead(storage.SessionIndexKey, err)
	}
	if index.Sessions == nil {
		index.Sessions = make(map[string]IndexEntry)
	}
	return &index, nil
}

func (s *Store) updateIndex(ctx context.Context, patch func(*Index)) error {
	return storage.UpdateWithRetry(ctx, s.objects, storage.SessionIndexKey, func(current []byte) ([]byte, error) {
		index := emptyIndex()
		if current != nil {
			if err := json.Unmarshal(current, index); err != nil {
				return nil, apperrors.StorageRead(storage.SessionIndexKey, err)
			}
			if index.Sessions == nil {
				index.Sessions = make(map[string]IndexEntry)
			}
		}
		patch(index)
		index.UpdatedAt = time.Now().UnixMilli()
		return json.Marshal(index)
	})
}

func emptyIndex() *Index {
	return &Index{
		Version:   1,
		Sessions:  make(map[string]IndexEntry),
		UpdatedAt: time.Now().UnixMilli(),
	}
}
