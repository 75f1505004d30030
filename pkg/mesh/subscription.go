package mesh

import (
	"sync"
	"sync/atomic"

	"github.com/graceos/grace/core/pkg/contracts"
)

// SlowConsumerPolicy decides what happens when a subscription's queue is
// full at publish time.
type SlowConsumerPolicy string

const (
	// DropOldest discards the queue head to make room.
	DropOldest SlowConsumerPolicy = "drop_oldest"
	// Block makes the publisher wait for space. Only safe for trusted
	// internal publishers.
	Block SlowConsumerPolicy = "block"
	// Disconnect cancels the subscription and announces it on
	// mesh.subscription_dropped.
	Disconnect SlowConsumerPolicy = "disconnect"
)

func (p SlowConsumerPolicy) valid() bool {
	switch p {
	case DropOldest, Block, Disconnect:
		return true
	}
	return false
}

// SubscribeOptions tune one subscription. Zero values select the defaults:
// the mesh's queue capacity and drop_oldest.
type SubscribeOptions struct {
	QueueCap     int
	SlowConsumer SlowConsumerPolicy
}

// Subscription is one consumer's bounded, serially-delivered event queue.
// Events() is closed after Unsubscribe, a disconnect-policy overflow, or
// mesh shutdown; buffered events drain first.
type Subscription struct {
	id      string
	pattern string
	policy  SlowConsumerPolicy

	ch   chan contracts.Event
	done chan struct{}

	cancelOnce sync.Once
	closeOnce  sync.Once

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// ID returns the subscription's unique handle.
func (s *Subscription) ID() string { return s.id }

// Pattern returns the topic pattern this subscription matches.
func (s *Subscription) Pattern() string { return s.pattern }

// Events is the delivery channel. Within a subscription, events arrive
// strictly in publish order.
func (s *Subscription) Events() <-chan contracts.Event { return s.ch }

// Done is closed when the subscription is canceled.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Delivered counts events enqueued to this subscription.
func (s *Subscription) Delivered() uint64 { return s.delivered.Load() }

// Dropped counts events discarded under drop_oldest.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// cancel marks the subscription dead and wakes any publisher blocked on
// its full queue. Safe without the publish lock.
func (s *Subscription) cancel() {
	s.cancelOnce.Do(func() { close(s.done) })
}

// closeChan closes the delivery channel. The caller must hold the mesh
// publish lock so no send is in flight.
func (s *Subscription) closeChan() {
	s.closeOnce.Do(func() { close(s.ch) })
}

func (s *Subscription) canceled() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
