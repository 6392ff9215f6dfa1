// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/constellation/structs"
)

// eventBuffer is an append-only linked buffer of event batches shared by
// all subscribers. Writers append at the tail; each subscriber follows the
// links at its own pace. Old items beyond the size limit are dropped by
// advancing the head, which only unlinks them from the buffer; a slow
// subscriber still holding an item can keep following links until it
// catches up.
type eventBuffer struct {
	size *atomic.Int64
	max  int64

	mu   sync.Mutex
	head *bufferItem
	tail *bufferItem
}

func newEventBuffer(size int64) *eventBuffer {
	sentinel := newBufferItem(&structs.Events{})
	b := &eventBuffer{
		size: new(atomic.Int64),
		max:  size,
		head: sentinel,
		tail: sentinel,
	}
	return b
}

// Append adds a batch of events to the tail and wakes blocked subscribers.
func (b *eventBuffer) Append(events *structs.Events) {
	b.mu.Lock()
	defer b.mu.Unlock()

	item := newBufferItem(events)
	b.tail.link.next.Store(item)
	close(b.tail.link.nextCh)
	b.tail = item

	if b.size.Add(1) > b.max {
		next := b.head.link.next.Load().(*bufferItem)
		b.head = next
		b.size.Add(-1)
	}
}

// Head returns the item subscribers should start from. New subscribers see
// only events appended after they subscribe.
func (b *eventBuffer) Head() *bufferItem {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tail
}

// bufferItem is one node of the buffer. Events is immutable once the item
// is linked in.
type bufferItem struct {
	Events *structs.Events
	link   *bufferLink
}

type bufferLink struct {
	next   atomic.Value // *bufferItem
	nextCh chan struct{}
}

func newBufferItem(events *structs.Events) *bufferItem {
	return &bufferItem{
		Events: events,
		link:   &bufferLink{nextCh: make(chan struct{})},
	}
}

// Next blocks until the successor item exists, the context ends, or
// forceClose is closed.
func (i *bufferItem) Next(ctx context.Context, forceClose <-chan struct{}) (*bufferItem, error) {
	if next, ok := i.link.next.Load().(*bufferItem); ok {
		return next, nil
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-forceClose:
		return nil, errors.New("subscription closed")
	case <-i.link.nextCh:
	}

	next := i.link.next.Load().(*bufferItem)
	return next, nil
}

// NextNoBlock returns the successor item or nil without blocking.
func (i *bufferItem) NextNoBlock() *bufferItem {
	if next, ok := i.link.next.Load().(*bufferItem); ok {
		return next
	}
	return nil
}
