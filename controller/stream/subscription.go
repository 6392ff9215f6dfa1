// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package stream

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/hashicorp/constellation/structs"
)

const (
	// subscriptionStateOpen is the default state of a subscription. An
	// open subscription may receive new events.
	subscriptionStateOpen uint32 = 0

	// subscriptionStateClosed indicates that the subscription was closed
	// and will not receive new events. The subscriber must issue a new
	// Subscribe request.
	subscriptionStateClosed uint32 = 1
)

// ErrSubscriptionClosed signals the subscription was closed by the broker.
// The subscriber should Unsubscribe, then re-Subscribe.
var ErrSubscriptionClosed = errors.New("subscription closed by server, client should resubscribe")

// AllKeys subscribes a topic to every key.
const AllKeys = "*"

// SubscribeRequest selects which events a subscription receives: a map of
// topic to keys, where AllKeys (or an empty map) matches everything.
type SubscribeRequest struct {
	Topics map[structs.Topic][]string
}

// Subscription is one subscriber's view of the event stream.
type Subscription struct {
	// state must be accessed atomically: 0 open, 1 closed.
	state uint32

	req *SubscribeRequest

	// currentItem is the buffer position; mutated by calls to Next.
	currentItem *bufferItem

	// forceClosed is closed when the broker force closes the
	// subscription, canceling Next.
	forceClosed chan struct{}

	// unsub frees broker resources when the subscription is no longer
	// needed. Idempotent and safe for concurrent use.
	unsub func()
}

func newSubscription(req *SubscribeRequest, item *bufferItem, unsub func()) *Subscription {
	return &Subscription{
		req:         req,
		currentItem: item,
		forceClosed: make(chan struct{}),
		unsub:       unsub,
	}
}

// Next blocks until a batch containing at least one matching event is
// available, returning the filtered batch.
func (s *Subscription) Next(ctx context.Context) (structs.Events, error) {
	if atomic.LoadUint32(&s.state) == subscriptionStateClosed {
		return structs.Events{}, ErrSubscriptionClosed
	}

	for {
		next, err := s.currentItem.Next(ctx, s.forceClosed)
		switch {
		case err != nil && atomic.LoadUint32(&s.state) == subscriptionStateClosed:
			return structs.Events{}, ErrSubscriptionClosed
		case err != nil:
			return structs.Events{}, err
		}
		s.currentItem = next

		events := filter(s.req, next.Events.Events)
		if len(events) == 0 {
			continue
		}
		return structs.Events{Index: next.Events.Index, Events: events}, nil
	}
}

// NextNoBlock returns any already buffered matching events without
// blocking, or nil when caught up.
func (s *Subscription) NextNoBlock() ([]structs.Event, error) {
	if atomic.LoadUint32(&s.state) == subscriptionStateClosed {
		return nil, ErrSubscriptionClosed
	}

	for {
		next := s.currentItem.NextNoBlock()
		if next == nil {
			return nil, nil
		}
		s.currentItem = next

		events := filter(s.req, next.Events.Events)
		if len(events) == 0 {
			continue
		}
		return events, nil
	}
}

// Unsubscribe closes the subscription and releases broker resources.
func (s *Subscription) Unsubscribe() {
	s.unsub()
}

func (s *Subscription) forceClose() {
	if atomic.CompareAndSwapUint32(&s.state, subscriptionStateOpen, subscriptionStateClosed) {
		close(s.forceClosed)
	}
}

// filter returns the subset of events the request selects.
func filter(req *SubscribeRequest, events []structs.Event) []structs.Event {
	if len(events) == 0 || len(req.Topics) == 0 {
		return events
	}

	var result []structs.Event
	for _, event := range events {
		keys, ok := req.Topics[event.Topic]
		if !ok {
			keys, ok = req.Topics[structs.TopicAll]
		}
		if !ok {
			continue
		}
		for _, key := range keys {
			if key == AllKeys || key == event.Key {
				result = append(result, event)
				break
			}
		}
	}
	return result
}
