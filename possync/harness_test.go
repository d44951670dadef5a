// Copyright 2025 Babd BTC
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/babdbtc/cashu-pos-sub001/posrelay"
)

// newTestStore opens an in-memory store. MaxOpenConns(1) keeps the whole
// pool on one in-memory database.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db)
	require.NoError(t, err)
	return store
}

// fakeRelay is an in-memory relay with injectable faults. It reproduces
// the transport's store-and-forward semantics: duplicate event ids are
// acked, and redeliver copies an event back into the feed under a new
// sequence to simulate at-least-once delivery.
type fakeRelay struct {
	mu          sync.Mutex
	events      []posrelay.Event
	seq         int64
	failPublish bool
	failFetch   bool
	pageSize    int // server-side page cap when the filter asks for none
}

func (r *fakeRelay) setPageSize(n int) {
	r.mu.Lock()
	r.pageSize = n
	r.mu.Unlock()
}

func (r *fakeRelay) setFailPublish(fail bool) {
	r.mu.Lock()
	r.failPublish = fail
	r.mu.Unlock()
}

func (r *fakeRelay) setFailFetch(fail bool) {
	r.mu.Lock()
	r.failFetch = fail
	r.mu.Unlock()
}

func (r *fakeRelay) Publish(ctx context.Context, ev *posrelay.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failPublish {
		return &TransportUnavailableError{Op: "publish", Err: fmt.Errorf("injected publish failure")}
	}
	for i := range r.events {
		if r.events[i].ID == ev.ID {
			return nil // duplicate id acked
		}
	}
	r.seq++
	stored := *ev
	stored.Seq = r.seq
	r.events = append(r.events, stored)
	return nil
}

func (r *fakeRelay) FetchSince(ctx context.Context, networkID string, filter posrelay.FetchFilter) (*posrelay.FetchPage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failFetch {
		return nil, &TransportUnavailableError{Op: "fetch", Err: fmt.Errorf("injected fetch failure")}
	}

	limit := filter.Limit
	if limit == 0 {
		limit = r.pageSize
	}
	page := &posrelay.FetchPage{NextAfter: filter.After}
	for i := range r.events {
		ev := r.events[i]
		if ev.NetworkID != networkID || ev.Seq <= filter.After {
			continue
		}
		if filter.Recipient == "" && ev.Recipient != "" {
			continue
		}
		if filter.Recipient != "" && ev.Recipient != filter.Recipient {
			continue
		}
		if len(filter.Types) > 0 && !containsType(filter.Types, ev.Type) {
			continue
		}
		page.Events = append(page.Events, ev)
		if limit > 0 && len(page.Events) == limit {
			page.HasMore = true
			break
		}
	}
	if n := len(page.Events); n > 0 {
		page.NextAfter = page.Events[n-1].Seq
	}
	return page, nil
}

// redeliver duplicates a stored event under a new sequence number.
func (r *fakeRelay) redeliver(eventID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.events {
		if r.events[i].ID == eventID {
			dup := r.events[i]
			r.seq++
			dup.Seq = r.seq
			r.events = append(r.events, dup)
			return
		}
	}
}

func (r *fakeRelay) eventCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *fakeRelay) eventsOfType(eventType string) []posrelay.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []posrelay.Event
	for i := range r.events {
		if r.events[i].Type == eventType {
			out = append(out, r.events[i])
		}
	}
	return out
}

func containsType(types []string, t string) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}

// recordingWallet captures custody deposits for balance assertions.
type recordingWallet struct {
	mu     sync.Mutex
	tokens []string
	fail   bool
}

func (w *recordingWallet) AddProofs(ctx context.Context, token, mintURL string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return fmt.Errorf("injected wallet failure")
	}
	w.tokens = append(w.tokens, token)
	return nil
}

func (w *recordingWallet) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.tokens)
}
