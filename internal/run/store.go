package run

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/sandboxmcp/sandbox-mcp/internal/common/errors"
	"github.com/sandboxmcp/sandbox-mcp/internal/storage"
)

// CompleteParams carries the terminal outcome for a run.
type CompleteParams struct {
	Success bool
	Output  string
	Error   string
	Title   string // empty keeps the existing title
}

// ListOptions filters a run listing. Zero values mean "no filter".
type ListOptions struct {
	SessionID string
	Status    Status
	Before    int64 // runs started strictly before this UNIX ms timestamp
	Limit     int
}

// ListResult is a page of index entries plus the filtered total.
type ListResult struct {
	Entries []IndexEntry `json:"entries"`
	Total   int          `json:"total"`
}

// Store persists runs as full records plus a single global index.
type Store struct {
	objects storage.ObjectStore
}

// NewStore creates a run store over the given object store.
func NewStore(objects storage.ObjectStore) *Store {
	return &Store{objects: objects}
}

// Get returns the run, or nil when it does not exist.
func (s *Store) Get(ctx context.Context, id string) (*Run, error) {
	key := storage.RunKey(id)
	obj, err := s.objects.Get(ctx, key)
	if err != nil {
		return nil, apperrors.StorageRead(key, err)
	}
	if obj == nil {
		return nil, nil
	}
	var r Run
	if err := json.Unmarshal(obj.Body, &r); err != nil {
		return nil, apperrors.StorageRead(key, err)
	}
	return &r, nil
}

// Put validates and writes the run record, then upserts its index entry.
func (s *Store) Put(ctx context.Context, r *Run) error {
	if err := r.Validate(); err != nil {
		return err
	}

	key := storage.RunKey(r.RunID)
	body, err := json.Marshal(r)
	if err != nil {
		return apperrors.StorageWrite(key, err)
	}
	if _, err := s.objects.Put(ctx, key, body, nil); err != nil {
		return apperrors.StorageWrite(key, err)
	}

	entry := r.IndexEntry()
	return s.updateIndex(ctx, func(index *Index) {
		index.Runs[r.RunID] = entry
	})
}

// Complete moves the run to its terminal state and records the result.
// Completing an already terminal run is a no-op: only the workflow
// transitions runs and terminal states never change.
func (s *Store) Complete(ctx context.Context, id string, params CompleteParams) (*Run, error) {
	r, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, &apperrors.AppError{
			Code:       apperrors.ErrCodeStorageRead,
			Message:    "Run not found",
			HTTPStatus: http.StatusNotFound,
		}
	}
	if r.Status.Terminal() {
		return r, nil
	}

	if params.Success {
		r.Status = StatusCompleted
	} else {
		r.Status = StatusFailed
	}
	r.CompletedAt = time.Now().UnixMilli()
	if params.Title != "" {
		r.Title = params.Title
	}
	r.Result = &Result{
		Success: params.Success,
		Output:  params.Output,
		Error:   params.Error,
	}

	if err := s.Put(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// List reads the index, applies the supplied filters and returns the
// first limit entries sorted by startedAt descending. Total counts the
// filtered set before the limit.
func (s *Store) List(ctx context.Context, opts ListOptions) (*ListResult, error) {
	index, err := s.readIndex(ctx)
	if err != nil {
		return nil, err
	}

	entries := make([]IndexEntry, 0, len(index.Runs))
	for _, entry := range index.Runs {
		if opts.SessionID != "" && entry.SessionID != opts.SessionID {
			continue
		}
		if opts.Status != "" && entry.Status != opts.Status {
			continue
		}
		if opts.Before > 0 && entry.StartedAt >= opts.Before {
			continue
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].StartedAt != entries[j].StartedAt {
			return entries[i].StartedAt > entries[j].StartedAt
		}
		return entries[i].RunID < entries[j].RunID
	})

	total := len(entries)
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(entries) > limit {
		entries = entries[:limit]
	}

	return &ListResult{Entries: entries, Total: total}, nil
}

// Delete removes a single run record and its index entry.
func (s *Store) Delete(ctx context.Context, id string) error {
	key := storage.RunKey(id)
	if err := s.objects.Delete(ctx, key); err != nil {
		return apperrors.StorageWrite(key, err)
	}
	return s.updateIndex(ctx, func(index *Index) {
		delete(index.Runs, id)
	})
}

// DeleteForSession cascades a session deletion over its runs. The index
// is updated first so listings stop seeing the rows immediately; the
// record deletes that follow are best-effort. Orphan records are less
// harmful than index entries pointing at nothing.
func (s *Store) DeleteForSession(ctx context.Context, sessionID string) error {
	var doomed []string
	err := s.updateIndex(ctx, func(index *Index) {
		doomed = doomed[:0]
		for id, entry := range index.Runs {
			if entry.SessionID == sessionID {
				doomed = append(doomed, id)
			}
		}
		for _, id := range doomed {
			delete(index.Runs, id)
		}
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, id := range doomed {
		key := storage.RunKey(id)
		g.Go(func() error {
			_ = s.objects.Delete(gctx, key)
			return nil
		})
	}
	return g.Wait()
}

func (s *Store) readIndex(ctx context.Context) (*Index, error) {
	obj, err := s.objects.Get(ctx, storage.RunIndexKey)
	if err != nil {
		return nil, apperrors.StorageRead(storage.RunIndexKey, err)
	}
	if obj == nil {
		return emptyIndex(), nil
	}
	var index Index
	if err := json.Unmarshal(obj.Body, &index); err != nil {
		return nil, apperrors.StorageRead(storage.RunIndexKey, err)
	}
	if index.Runs == nil {
		index.Runs = make(map[string]IndexEntry)
	}
	return &index, nil
}

func (s *Store) updateIndex(ctx context.Context, patch func(*Index)) error {
	return storage.UpdateWithRetry(ctx, s.objects, storage.RunIndexKey, func(current []byte) ([]byte, error) {
		index := emptyIndex()
		if current != nil {
			if err := json.Unmarshal(current, index); err != nil {
				return nil, apperrors.StorageRead(storage.RunIndexKey, err)
			}
			if index.Runs == nil {
				index.Runs = make(map[string]IndexEntry)
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
		Runs:      make(map[string]IndexEntry),
		UpdatedAt: time.Now().UnixMilli(),
	}
}
