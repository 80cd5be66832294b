package testutil

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/nhle/mailvault/internal/source"
)

// FakeSource is an in-memory RecordSource for tests. It serves a fixed
// ordered id set with offset-based page tokens and lets tests inject per-id
// and call-level failures.
type FakeSource struct {
	mu sync.Mutex

	// IDs is the full ordered id set the listing serves.
	IDs []string

	// PermanentIDs fail every fetch with a permanent not-found error.
	PermanentIDs map[string]bool

	// TransientIDs fail fetches with a transient error until the
	// remaining count for the id reaches zero.
	TransientIDs map[string]int

	// FailCalls makes the next n FetchBatch calls fail wholesale with a
	// transient error before any per-id resolution.
	FailCalls int

	// ListFailures makes the next n ListPage calls fail with a transient
	// error.
	ListFailures int

	fetched   map[string]int
	listCalls int
	batches   [][]string
}

// NewFakeSource creates a FakeSource serving sequential numeric ids 1..n.
func NewFakeSource(n int) *FakeSource {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = strconv.Itoa(i + 1)
	}
	return &FakeSource{
		IDs:          ids,
		PermanentIDs: make(map[string]bool),
		TransientIDs: make(map[string]int),
		fetched:      make(map[string]int),
	}
}

// ListPage serves one page of ids with offset-based tokens.
func (f *FakeSource) ListPage(_ context.Context, _ string, pageToken string, pageSize int) (*source.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.listCalls++
	if f.ListFailures > 0 {
		f.ListFailures--
		return nil, &source.TransientError{Op: "list", Err: errors.New("injected list failure")}
	}

	offset := 0
	if pageToken != "" {
		var err error
		offset, err = strconv.Atoi(pageToken)
		if err != nil {
			return nil, fmt.Errorf("bad page token %q", pageToken)
		}
	}

	end := offset + pageSize
	if end > len(f.IDs) {
		end = len(f.IDs)
	}

	page := &source.Page{
		IDs:           append([]string(nil), f.IDs[offset:end]...),
		TotalEstimate: len(f.IDs),
	}
	if end < len(f.IDs) {
		page.NextToken = strconv.Itoa(end)
	}
	return page, nil
}

// FetchBatch resolves each id independently, honoring the injected
// failures.
func (f *FakeSource) FetchBatch(ctx context.Context, ids []string, _ source.Format) (*source.BatchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.batches = append(f.batches, append([]string(nil), ids...))

	if f.FailCalls > 0 {
		f.FailCalls--
		return nil, &source.TransientError{Op: "fetch", Err: errors.New("injected transport failure")}
	}

	result := source.NewBatchResult(len(ids))
	for _, id := range ids {
		if f.PermanentIDs[id] {
			result.Failed[id] = &source.PermanentError{
				RecordID: id,
				Reason:   "not_found",
				Err:      errors.New("injected permanent failure"),
			}
			continue
		}
		if f.TransientIDs[id] > 0 {
			f.TransientIDs[id]--
			result.Failed[id] = &source.TransientError{
				Op:  "fetch",
				Err: fmt.Errorf("injected transient failure for %s", id),
			}
			continue
		}
		f.fetched[id]++
		result.Records[id] = source.Record{ID: id, Payload: []byte("payload-" + id)}
	}
	return result, nil
}

// FetchCount returns how many times an id was successfully fetched.
func (f *FakeSource) FetchCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetched[id]
}

// FetchedIDs returns every id fetched successfully at least once.
func (f *FakeSource) FetchedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.fetched))
	for id := range f.fetched {
		ids = append(ids, id)
	}
	return ids
}

// Batches returns a copy of every batch submitted to FetchBatch.
func (f *FakeSource) Batches() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.batches))
	copy(out, f.batches)
	return out
}

// ListCalls returns how many times ListPage was invoked.
func (f *FakeSource) ListCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}
