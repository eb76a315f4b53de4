package bridge

import (
	"encoding/json"
	"fmt"
	"path"
	"reflect"
	"sync"
)

// Payload is an encoded message: a registered type name plus its JSON body.
type Payload struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Built-in payload type names.
const (
	TypeString = "string"
	TypeBytes  = "bytes"
	TypeNumber = "number"
	TypeBool   = "bool"
	TypeObject = "object"
	TypeArray  = "array"
	TypeBounce = "bridge.bounce"
)

// DefaultAllowList admits the built-in types only.
var DefaultAllowList = []string{TypeString, TypeBytes, TypeNumber, TypeBool, TypeObject, TypeArray, "bridge.*"}

type decodeFunc func(json.RawMessage) (any, error)

// Codec maps payload type names to decoders. Types are registered
// explicitly at startup; decoding refuses any name that is not both
// registered and admitted by the allow-list.
type Codec struct {
	allow []string

	mu       sync.RWMutex
	decoders map[string]decodeFunc
	names    map[reflect.Type]string
}

// NewCodec returns a codec with the built-in types registered. A nil or
// empty allow list falls back to DefaultAllowList. Patterns use path.Match
// syntax, so "app.*" admits "app.Ping".
func NewCodec(allow []string) *Codec {
	if len(allow) == 0 {
		allow = DefaultAllowList
	}
	c := &Codec{allow: append([]string(nil), allow...), decoders: map[string]decodeFunc{}, names: map[reflect.Type]string{}}
	Register[string](c, TypeString)
	Register[[]byte](c, TypeBytes)
	Register[float64](c, TypeNumber)
	Register[bool](c, TypeBool)
	Register[map[string]any](c, TypeObject)
	Register[[]any](c, TypeArray)
	Register[Bounce](c, TypeBounce)
	return c
}

// Register binds name to T for both encoding and decoding.
func Register[T any](c *Codec, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decoders[name] = func(raw json.RawMessage) (any, error) {
		var v T
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, err
			}
		}
		return v, nil
	}
	c.names[reflect.TypeFor[T]()] = name
}

// AllowList returns the configured allow-list patterns.
func (c *Codec) AllowList() []string { return append([]string(nil), c.allow...) }

// Allowed reports whether name matches the allow-list.
func (c *Codec) Allowed(name string) bool {
	for _, p := range c.allow {
		if ok, err := path.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}

// Encode wraps v in a Payload under its registered type name.
func (c *Codec) Encode(v any) (Payload, error) {
	switch n := v.(type) {
	case int:
		v = float64(n)
	case int32:
		v = float64(n)
	case int64:
		v = float64(n)
	case float32:
		v = float64(n)
	}
	if v == nil {
		return Payload{}, fmt.Errorf("encode: nil message")
	}
	c.mu.RLock()
	name, ok := c.names[reflect.TypeOf(v)]
	c.mu.RUnlock()
	if !ok {
		return Payload{}, fmt.Errorf("encode: unregistered type %T", v)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return Payload{}, fmt.Errorf("encode %s: %w", name, err)
	}
	return Payload{Type: name, Data: b}, nil
}

// Decode restores the value carried by p.
func (c *Codec) Decode(p Payload) (any, error) {
	if !c.Allowed(p.Type) {
		return nil, fmt.Errorf("%w: %q", ErrTypeNotAllowed, p.Type)
	}
	c.mu.RLock()
	dec, ok := c.decoders[p.Type]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q is not registered", ErrTypeNotAllowed, p.Type)
	}
	v, err := dec(p.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrProtocolViolation, p.Type, err)
	}
	return v, nil
}
