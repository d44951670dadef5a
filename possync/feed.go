// Copyright 2025 Babd BTC
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"context"

	"github.com/babdbtc/cashu-pos-sub001/posrelay"
)

// Feed is a restartable, pull-based sequence of relay events. It backfills
// from FetchSince until the feed is drained, then waits on the live push
// channel when one is available. Consumers see each event id at most once
// per Feed instance; durable exactly-once tracking stays with the engines.
//
// Feed exists so engine logic and tests consume events on demand instead of
// reacting to push callbacks.
type Feed struct {
	transport  Transport
	subscriber Subscriber
	networkID  string
	filter     posrelay.FetchFilter

	buf  []posrelay.Event
	live <-chan posrelay.Event
	seen map[string]struct{}
}

// NewFeed creates a feed over a transport. subscriber may be nil, in which
// case Next returns ErrFeedDrained once the backlog is exhausted.
func NewFeed(transport Transport, subscriber Subscriber, networkID string, filter posrelay.FetchFilter) *Feed {
	return &Feed{
		transport:  transport,
		subscriber: subscriber,
		networkID:  networkID,
		filter:     filter,
		seen:       make(map[string]struct{}),
	}
}

// ErrFeedDrained reports that a fetch-only feed has no more events.
type drainedError struct{}

func (drainedError) Error() string { return "feed drained" }

// ErrFeedDrained is returned by Next when a fetch-only feed is exhausted.
var ErrFeedDrained = drainedError{}

// Next returns the next event. It pulls pages from the relay as needed and
// blocks on the live channel when the backlog is drained. The cursor
// advances in memory only; callers persist their own durable cursors.
func (f *Feed) Next(ctx context.Context) (*posrelay.Event, error) {
	for {
		if len(f.buf) > 0 {
			ev := f.buf[0]
			f.buf = f.buf[1:]
			if f.skip(&ev) {
				continue
			}
			return &ev, nil
		}

		page, err := f.transport.FetchSince(ctx, f.networkID, f.filter)
		if err != nil {
			return nil, err
		}
		if len(page.Events) > 0 {
			f.buf = page.Events
			f.filter.After = page.NextAfter
			continue
		}

		if f.subscriber == nil {
			return nil, ErrFeedDrained
		}
		if f.live == nil {
			live, err := f.subscriber.Subscribe(ctx, f.networkID)
			if err != nil {
				return nil, err
			}
			f.live = live
			// Re-fetch once after subscribing to cover the gap between
			// the last page and the subscription start.
			continue
		}

		select {
		case ev, open := <-f.live:
			if !open {
				// Connection dropped; fall back to fetch and resubscribe.
				f.live = nil
				continue
			}
			if ev.Seq > f.filter.After {
				f.filter.After = ev.Seq
			}
			if f.skip(&ev) {
				continue
			}
			return &ev, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// skip filters duplicates and events outside the feed's type/recipient
// filter (live pushes are not pre-filtered by type).
func (f *Feed) skip(ev *posrelay.Event) bool {
	if _, dup := f.seen[ev.ID]; dup {
		return true
	}
	if len(f.filter.Types) > 0 {
		match := false
		for _, t := range f.filter.Types {
			if ev.Type == t {
				match = true
				break
			}
		}
		if !match {
			return true
		}
	}
	if f.filter.Recipient == "" && ev.Recipient != "" {
		return true
	}
	if f.filter.Recipient != "" && ev.Recipient != "" && ev.Recipient != f.filter.Recipient {
		return true
	}
	f.seen[ev.ID] = struct{}{}
	return false
}
