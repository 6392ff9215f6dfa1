// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package stream provides the controller's in-process typed event bus: a
// single shared buffer of indexed event batches fanned out to any number
// of topic filtered subscriptions. Delivery is at-least-once; subscribers
// are expected to be idempotent, and a slow or failed subscriber never
// affects the others.
package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/hashicorp/constellation/structs"
)

// DefaultEventBufferSize is the number of event batches retained for
// subscribers that fall behind.
const DefaultEventBufferSize = 100

// EventBrokerCfg configures a broker.
type EventBrokerCfg struct {
	EventBufferSize int64
	Logger          hclog.Logger
}

// EventBroker fans published events out to subscriptions.
type EventBroker struct {
	logger hclog.Logger

	eventBuf *eventBuffer

	// nextIndex stamps batches published through PublishEvents.
	nextIndex atomic.Uint64

	publishCh chan *structs.Events

	subscriptions *subscriptions
}

// NewEventBroker returns a running broker. It shuts down and closes all
// subscriptions when ctx is canceled.
func NewEventBroker(ctx context.Context, cfg EventBrokerCfg) *EventBroker {
	if cfg.EventBufferSize == 0 {
		cfg.EventBufferSize = DefaultEventBufferSize
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}

	b := &EventBroker{
		logger:    cfg.Logger.Named("event_broker"),
		eventBuf:  newEventBuffer(cfg.EventBufferSize),
		publishCh: make(chan *structs.Events, 64),
		subscriptions: &subscriptions{
			byID: make(map[uint64]*Subscription),
		},
	}

	go b.handleUpdates(ctx)
	return b
}

// Publish appends a pre-indexed batch of events to the stream.
func (b *EventBroker) Publish(events *structs.Events) {
	if len(events.Events) == 0 {
		return
	}
	b.publishCh <- events
}

// PublishEvents stamps the given events with the next stream index and a
// publication timestamp, then publishes them as one batch. It returns the
// assigned index.
func (b *EventBroker) PublishEvents(events ...structs.Event) uint64 {
	if len(events) == 0 {
		return b.nextIndex.Load()
	}
	index := b.nextIndex.Add(1)
	now := time.Now().UTC()
	for i := range events {
		events[i].Index = index
		if events[i].Timestamp.IsZero() {
			events[i].Timestamp = now
		}
	}
	b.Publish(&structs.Events{Index: index, Events: events})
	return index
}

// Subscribe returns a new subscription positioned at the current tail of
// the stream.
func (b *EventBroker) Subscribe(req *SubscribeRequest) (*Subscription, error) {
	head := b.eventBuf.Head()

	id := b.subscriptions.nextID()
	sub := newSubscription(req, head, func() {
		b.subscriptions.remove(id)
	})
	b.subscriptions.add(id, sub)
	return sub, nil
}

// CloseAll force closes every subscription.
func (b *EventBroker) CloseAll() {
	b.subscriptions.closeAll()
}

func (b *EventBroker) handleUpdates(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			b.CloseAll()
			return
		case update := <-b.publishCh:
			b.eventBuf.Append(update)
		}
	}
}

// subscriptions tracks active subscriptions so the broker can force close
// them on shutdown.
type subscriptions struct {
	mu     sync.Mutex
	lastID uint64
	byID   map[uint64]*Subscription
}

func (s *subscriptions) nextID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastID++
	return s.lastID
}

func (s *subscriptions) add(id uint64, sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[id] = sub
}

func (s *subscriptions) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.byID[id]; ok {
		sub.forceClose()
		delete(s.byID, id)
	}
}

func (s *subscriptions) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sub := range s.byID {
		sub.forceClose()
		delete(s.byID, id)
	}
}
