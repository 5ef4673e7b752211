package realtime

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
)

// Handler receives dispatched messages.
type Handler func(Message)

// Subscription is the handle returned by On and Once.
type Subscription struct {
	d         *dispatcher
	handler   Handler
	eventType string
	id        uint64
	once      bool
	fired     atomic.Bool
	removed   atomic.Bool
}

// EventType returns the subscribed type, or Wildcard.
func (s *Subscription) EventType() string {
	return s.eventType
}

// Unsubscribe removes the handler. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.d == nil {
		return
	}
	s.d.remove(s)
}

// dispatcher is the event type to subscriber registry.
type dispatcher struct {
	logger  *slog.Logger
	onPanic func(eventType string, err error)
	subs    map[string][]*Subscription
	nextID  uint64
	mu      sync.RWMutex
}

func newDispatcher(logger *slog.Logger, onPanic func(string, error)) *dispatcher {
	return &dispatcher{
		logger:  logger,
		onPanic: onPanic,
		subs:    make(map[string][]*Subscription),
	}
}

func (d *dispatcher) add(eventType string, h Handler, once bool) *Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	sub := &Subscription{d: d, eventType: eventType, handler: h, once: once, id: d.nextID}
	d.subs[eventType] = append(d.subs[eventType], sub)
	return sub
}

func (d *dispatcher) remove(sub *Subscription) {
	if !sub.removed.CompareAndSwap(false, true) {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	list := d.subs[sub.eventType]
	i := slices.Index(list, sub)
	if i < 0 {
		return
	}
	list = slices.Delete(slices.Clone(list), i, i+1)
	if len(list) == 0 {
		delete(d.subs, sub.eventType)
		return
	}
	d.subs[sub.eventType] = list
}

func (d *dispatcher) removeAll(eventType string) int {
	d.mu.Lock()
	list := d.subs[eventType]
	delete(d.subs, eventType)
	d.mu.Unlock()
	for _, sub := range list {
		sub.removed.Store(true)
	}
	return len(list)
}

func (d *dispatcher) count(eventType string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs[eventType])
}

// dispatch runs the handlers for msg.Type in registration order, then the
// wildcard handlers. It returns how many handlers ran.
func (d *dispatcher) dispatch(msg Message) int {
	d.mu.RLock()
	specific := d.subs[msg.Type]
	wildcard := d.subs[Wildcard]
	d.mu.RUnlock()

	ran := 0
	for _, list := range [][]*Subscription{specific, wildcard} {
		for _, sub := range list {
			if sub.removed.Load() {
				continue
			}
			if sub.once {
				if !sub.fired.CompareAndSwap(false, true) {
					continue
				}
				d.remove(sub)
			}
			d.invoke(sub, msg)
			ran++
		}
	}
	return ran
}

func (d *dispatcher) invoke(sub *Subscription, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("handler panic: %v", r)
			d.logger.Error("event handler panicked", "type", msg.Type, "subscription", sub.eventType, "panic", r)
			if d.onPanic != nil {
				d.onPanic(msg.Type, err)
			}
		}
	}()
	sub.handler(msg)
}
