package resource

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/outofforest/coap/observe"
	"github.com/outofforest/coap/wire"
)

// ValueConfig is the configuration of value resource.
type ValueConfig struct {
	Path                     string
	Observable               bool
	ConfirmableNotifications bool
	MaxAge                   time.Duration
	ReadOnly                 bool
}

// Value is an in-memory resource holding single value. It is represented as text/plain or
// application/json.
type Value[T any] struct {
	config ValueConfig

	mu      sync.RWMutex
	value   T
	subject observe.Subject
}

var _ Resource = &Value[int]{}

// NewValue creates value resource.
func NewValue[T any](config ValueConfig, initial T) *Value[T] {
	return &Value[T]{
		config: config,
		value:  initial,
	}
}

// Get returns the value.
func (v *Value[T]) Get() T {
	v.mu.RLock()
	defer v.mu.RUnlock()

	return v.value
}

// Set stores the value and notifies observers.
func (v *Value[T]) Set(value T) {
	v.mu.Lock()
	v.value = value
	v.mu.Unlock()

	v.subject.Notify()
}

// Update modifies the value atomically and notifies observers.
func (v *Value[T]) Update(fn func(T) T) T {
	v.mu.Lock()
	v.value = fn(v.value)
	value := v.value
	v.mu.Unlock()

	v.subject.Notify()
	return value
}

// Path returns path of the resource.
func (v *Value[T]) Path() string {
	return v.config.Path
}

// Observable reports whether resource might be observed.
func (v *Value[T]) Observable() bool {
	return v.config.Observable
}

// ConfirmableNotifications reports whether notifications are confirmable.
func (v *Value[T]) ConfirmableNotifications() bool {
	return v.config.ConfirmableNotifications
}

// MaxAge returns max age of the representation.
func (v *Value[T]) MaxAge() time.Duration {
	return v.config.MaxAge
}

// Representation encodes the value.
func (v *Value[T]) Representation(format wire.ContentFormat) ([]byte, wire.ContentFormat, error) {
	value := v.Get()

	switch format {
	case wire.TextPlain, wire.NoContentFormat:
		return []byte(fmt.Sprint(value)), wire.TextPlain, nil
	case wire.JSON:
		payload, err := json.Marshal(value)
		if err != nil {
			return nil, 0, errors.WithStack(err)
		}
		return payload, wire.JSON, nil
	default:
		return nil, 0, errors.Wrapf(ErrUnsupportedFormat, "format %d", format)
	}
}

// Handle serves PUT storing JSON-encoded value.
func (v *Value[T]) Handle(_ context.Context, req *wire.Message) (*wire.Message, error) {
	if req.Code != wire.PUT || v.config.ReadOnly {
		return wire.NewResponse(wire.MethodNotAllowed), nil
	}

	var value T
	switch req.Options.ContentFormat {
	case wire.JSON:
		if err := json.Unmarshal(req.Payload, &value); err != nil {
			resp := wire.NewResponse(wire.BadRequest)
			resp.Options.ContentFormat = wire.TextPlain
			resp.Payload = []byte(err.Error())
			return resp, nil
		}
	case wire.TextPlain, wire.NoContentFormat:
		s, ok := any(&value).(*string)
		if !ok {
			return wire.NewResponse(wire.UnsupportedMediaType), nil
		}
		*s = string(req.Payload)
	default:
		return wire.NewResponse(wire.UnsupportedMediaType), nil
	}

	v.Set(value)
	return wire.NewResponse(wire.Changed), nil
}

// Subscribe registers function called on every change.
func (v *Value[T]) Subscribe(fn func()) func() {
	return v.subject.Subscribe(fn)
}
