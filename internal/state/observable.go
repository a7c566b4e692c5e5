package state

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/roach88/docstate/internal/ident"
)

// Default batching parameters: a batch is flushed automatically once this
// much time has passed since the previous flush or this many events are
// pending, whichever comes first.
const (
	DefaultBatchWindow    = 16 * time.Millisecond
	DefaultBatchMaxEvents = 100
)

// SubscriptionID identifies a subscription within one observable.
type SubscriptionID uint64

// Subscription receives the events matching its filter, in Notify order.
type Subscription struct {
	id     SubscriptionID
	filter SubscriptionFilter
	obs    *ChangeObservable
	box    *mailbox
}

// ID returns the subscription id.
func (s *Subscription) ID() SubscriptionID { return s.id }

// Filter returns the subscription's filter.
func (s *Subscription) Filter() SubscriptionFilter { return s.filter }

// Recv blocks for the next event. It returns ErrSubscriptionClosed once the
// subscription is closed and every delivered event has been read.
func (s *Subscription) Recv(ctx context.Context) (ChangeEvent, error) {
	return s.box.pop(ctx)
}

// TryRecv returns the next delivered event without blocking.
func (s *Subscription) TryRecv() (ChangeEvent, bool) {
	return s.box.tryPop()
}

// Pending returns the number of delivered but unread events.
func (s *Subscription) Pending() int {
	return s.box.len()
}

// Events streams delivered events on a channel until ctx is done or the
// subscription is closed and drained. The channel is closed on exit.
func (s *Subscription) Events(ctx context.Context) <-chan ChangeEvent {
	out := make(chan ChangeEvent)
	go func() {
		defer close(out)
		for {
			ev, err := s.box.pop(ctx)
			if err != nil {
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.obs.remove(s.id)
	s.box.close()
}

// ChangeObservable fans committed changes out to filtered subscriptions.
//
// Notify buffers events; FlushBatch delivers everything buffered before
// it was called. Delivery holds flushMu for the whole take-and-deliver
// pass, so two flushes never interleave and per-subscription order equals
// Notify order.
type ChangeObservable struct {
	mu     sync.RWMutex
	subs   map[SubscriptionID]*Subscription
	ids    *Clock
	closed bool

	batchMu   sync.Mutex
	pending   []ChangeEvent
	lastFlush time.Time

	flushMu sync.Mutex

	window    time.Duration
	maxEvents int
	now       NowFunc
	logger    *slog.Logger
}

// ObservableOption configures a ChangeObservable.
type ObservableOption func(*ChangeObservable)

// WithBatchWindow sets the time-based flush threshold. Zero or negative
// means every Notify flushes immediately.
func WithBatchWindow(d time.Duration) ObservableOption {
	return func(o *ChangeObservable) { o.window = d }
}

// WithBatchMaxEvents sets the size-based flush threshold.
func WithBatchMaxEvents(n int) ObservableOption {
	return func(o *ChangeObservable) {
		if n > 0 {
			o.maxEvents = n
		}
	}
}

// WithObservableClock sets the time source used for batching decisions.
func WithObservableClock(now NowFunc) ObservableOption {
	return func(o *ChangeObservable) {
		if now != nil {
			o.now = now
		}
	}
}

// WithObservableLogger sets the logger.
func WithObservableLogger(l *slog.Logger) ObservableOption {
	return func(o *ChangeObservable) {
		if l != nil {
			o.logger = l
		}
	}
}

// NewChangeObservable creates an observable with no subscriptions.
func NewChangeObservable(opts ...ObservableOption) *ChangeObservable {
	o := &ChangeObservable{
		subs:      make(map[SubscriptionID]*Subscription),
		ids:       NewClock(),
		window:    DefaultBatchWindow,
		maxEvents: DefaultBatchMaxEvents,
		now:       systemNow,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.lastFlush = o.now()
	return o
}

// Subscribe registers a subscription for filter.
// Subscribing to a closed observable returns an already-closed subscription.
func (o *ChangeObservable) Subscribe(filter SubscriptionFilter) *Subscription {
	sub := &Subscription{
		id:     SubscriptionID(o.ids.Next()),
		filter: filter,
		obs:    o,
		box:    newMailbox(),
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		sub.box.close()
		return sub
	}
	o.subs[sub.id] = sub
	o.logger.Debug("subscribed", "subscription", uint64(sub.id), "filter", filter.String())
	return sub
}

// SubscribeDocument is Subscribe(DocumentFilter(id)).
func (o *ChangeObservable) SubscribeDocument(id ident.DocumentID) *Subscription {
	return o.Subscribe(DocumentFilter(id))
}

// SubscribePath validates pattern and subscribes with a PathFilter.
func (o *ChangeObservable) SubscribePath(id ident.DocumentID, pattern string) (*Subscription, error) {
	f, err := PathFilter(id, pattern)
	if err != nil {
		return nil, err
	}
	return o.Subscribe(f), nil
}

// Unsubscribe removes and closes a subscription.
func (o *ChangeObservable) Unsubscribe(id SubscriptionID) error {
	sub := o.remove(id)
	if sub == nil {
		return NewSubscriptionNotFoundError(id)
	}
	sub.box.close()
	return nil
}

func (o *ChangeObservable) remove(id SubscriptionID) *Subscription {
	o.mu.Lock()
	defer o.mu.Unlock()
	sub, ok := o.subs[id]
	if !ok {
		return nil
	}
	delete(o.subs, id)
	return sub
}

// Notify buffers ev and flushes if a batch threshold is reached.
func (o *ChangeObservable) Notify(ev ChangeEvent) {
	o.batchMu.Lock()
	o.pending = append(o.pending, ev)
	due := len(o.pending) >= o.maxEvents || o.now().Sub(o.lastFlush) >= o.window
	o.batchMu.Unlock()

	if due {
		o.FlushBatch()
	}
}

// FlushBatch delivers every buffered event to the matching subscriptions.
// Subscriptions closed mid-delivery are skipped.
func (o *ChangeObservable) FlushBatch() {
	o.flushMu.Lock()
	defer o.flushMu.Unlock()

	o.batchMu.Lock()
	events := o.pending
	o.pending = nil
	o.lastFlush = o.now()
	o.batchMu.Unlock()

	if len(events) == 0 {
		return
	}

	subs := o.snapshot()
	delivered := 0
	for _, ev := range events {
		for _, sub := range subs {
			if sub.filter.Matches(ev) && sub.box.push(ev) {
				delivered++
			}
		}
	}
	o.logger.Debug("batch flushed", "events", len(events), "deliveries", delivered)
}

// PendingEvents returns the number of buffered, undelivered events.
func (o *ChangeObservable) PendingEvents() int {
	o.batchMu.Lock()
	defer o.batchMu.Unlock()
	return len(o.pending)
}

// SubscriptionCount returns the number of live subscriptions.
func (o *ChangeObservable) SubscriptionCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.subs)
}

// Clear closes and removes every subscription. The observable stays usable.
func (o *ChangeObservable) Clear() {
	o.mu.Lock()
	subs := o.subs
	o.subs = make(map[SubscriptionID]*Subscription)
	o.mu.Unlock()

	for _, sub := range subs {
		sub.box.close()
	}
}

// Close flushes pending events, then closes every subscription. Later
// subscriptions are born closed.
func (o *ChangeObservable) Close() {
	o.FlushBatch()
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.Clear()
}

// snapshot returns live subscriptions ordered by id.
func (o *ChangeObservable) snapshot() []*Subscription {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*Subscription, 0, len(o.subs))
	for _, s := range o.subs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
