// Package eventbus is an in-process publish/subscribe bus keyed by event
// type. Handlers subscribed to T also receive *T and vice versa.
package eventbus

import (
	"reflect"
	"sync"

	"go.uber.org/zap"
)

// Handler is a function that handles an event.
type Handler func(event interface{})

type EventBus struct {
	handlers map[reflect.Type][]Handler
	mu       sync.RWMutex
	inflight sync.WaitGroup
	logger   *zap.Logger
}

func New(logger *zap.Logger) *EventBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventBus{
		handlers: make(map[reflect.Type][]Handler),
		logger:   logger,
	}
}

// Subscribe registers a handler for the type of eventType.
func (e *EventBus) Subscribe(eventType interface{}, handler Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t := reflect.TypeOf(eventType)
	e.handlers[t] = append(e.handlers[t], handler)
}

// SubscribeFunc registers a typed handler of the form func(EventType).
func (e *EventBus) SubscribeFunc(handler interface{}) {
	hv := reflect.ValueOf(handler)
	ht := hv.Type()
	if ht.Kind() != reflect.Func || ht.NumIn() != 1 {
		panic("eventbus: handler must be a func with exactly one argument")
	}
	want := ht.In(0)

	wrapped := func(event interface{}) {
		ev := reflect.ValueOf(event)
		switch {
		case ev.Type().AssignableTo(want):
			hv.Call([]reflect.Value{ev})
		case ev.Kind() == reflect.Ptr && ev.Elem().Type().AssignableTo(want):
			hv.Call([]reflect.Value{ev.Elem()})
		case want.Kind() == reflect.Ptr && reflect.PointerTo(ev.Type()).AssignableTo(want):
			ptr := reflect.New(ev.Type())
			ptr.Elem().Set(ev)
			hv.Call([]reflect.Value{ptr})
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[want] = append(e.handlers[want], wrapped)
}

type delivery struct {
	handler Handler
	event   interface{}
}

// deliveries resolves the handlers of event, including those registered for
// its pointer or element type.
func (e *EventBus) deliveries(event interface{}) []delivery {
	e.mu.RLock()
	defer e.mu.RUnlock()

	t := reflect.TypeOf(event)
	var out []delivery
	for _, h := range e.handlers[t] {
		out = append(out, delivery{h, event})
	}
	if t.Kind() == reflect.Ptr {
		elem := reflect.ValueOf(event).Elem().Interface()
		for _, h := range e.handlers[t.Elem()] {
			out = append(out, delivery{h, elem})
		}
	} else if hs := e.handlers[reflect.PointerTo(t)]; len(hs) > 0 {
		ptr := reflect.New(t)
		ptr.Elem().Set(reflect.ValueOf(event))
		for _, h := range hs {
			out = append(out, delivery{h, ptr.Interface()})
		}
	}
	return out
}

func (e *EventBus) run(d delivery) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("eventbus.handler_panic",
				zap.String("event_type", reflect.TypeOf(d.event).String()),
				zap.Any("panic", r))
		}
	}()
	d.handler(d.event)
}

// Publish delivers event to every subscriber on its own goroutine.
func (e *EventBus) Publish(event interface{}) {
	for _, d := range e.deliveries(event) {
		e.inflight.Add(1)
		go func(d delivery) {
			defer e.inflight.Done()
			e.run(d)
		}(d)
	}
}

// PublishSync delivers event to every subscriber before returning.
func (e *EventBus) PublishSync(event interface{}) {
	for _, d := range e.deliveries(event) {
		e.run(d)
	}
}

// Wait blocks until every handler started by Publish has returned.
func (e *EventBus) Wait() {
	e.inflight.Wait()
}

func (e *EventBus) HasSubscribers(eventType interface{}) bool {
	return e.SubscriberCount(eventType) > 0
}

func (e *EventBus) SubscriberCount(eventType interface{}) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.handlers[reflect.TypeOf(eventType)])
}
