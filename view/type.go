package view

import (
	"sync"
	"time"

	"github.com/spf13/cast"
)

// Codec converts one attribute value between its wire shape and its record
// shape. Decode is used on writes, Encode on reads. Both must accept nil.
type Codec interface {
	// Name identifies the codec in descriptor configuration.
	Name() string
	// Decode converts a wire value into the record value.
	Decode(v interface{}) (interface{}, error)
	// Encode converts a record value into the wire value.
	Encode(v interface{}) (interface{}, error)
}

var (
	// String is a text attribute.
	String Codec = stringCodec{}
	// Int is a 64-bit integer attribute.
	Int Codec = intCodec{}
	// Float is a 64-bit float attribute.
	Float Codec = floatCodec{}
	// Bool is a boolean attribute.
	Bool Codec = boolCodec{}
	// Time is a timestamp attribute carried as RFC 3339 text on the wire.
	Time Codec = timeCodec{}
	// JSON passes values through untouched.
	JSON Codec = jsonCodec{}
)

type stringCodec struct{}

func (stringCodec) Name() string { return "string" }

func (stringCodec) Decode(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	return cast.ToStringE(v)
}

func (stringCodec) Encode(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	return cast.ToStringE(v)
}

type intCodec struct{}

func (intCodec) Name() string { return "int" }

func (intCodec) Decode(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	return cast.ToInt64E(v)
}

func (intCodec) Encode(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	return cast.ToInt64E(v)
}

type floatCodec struct{}

func (floatCodec) Name() string { return "float" }

func (floatCodec) Decode(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	return cast.ToFloat64E(v)
}

func (floatCodec) Encode(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	return cast.ToFloat64E(v)
}

type boolCodec struct{}

func (boolCodec) Name() string { return "bool" }

func (boolCodec) Decode(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	return cast.ToBoolE(v)
}

func (boolCodec) Encode(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	return cast.ToBoolE(v)
}

type timeCodec struct{}

func (timeCodec) Name() string { return "time" }

func (timeCodec) Decode(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	t, err := cast.ToTimeE(v)
	if err != nil {
		return nil, err
	}
	return t.UTC(), nil
}

func (timeCodec) Encode(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	t, err := cast.ToTimeE(v)
	if err != nil {
		return nil, err
	}
	return t.UTC().Format(time.RFC3339Nano), nil
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Decode(v interface{}) (interface{}, error) { return v, nil }

func (jsonCodec) Encode(v interface{}) (interface{}, error) { return v, nil }

var (
	codecsMu sync.RWMutex
	codecs   = map[string]Codec{
		String.Name(): String,
		Int.Name():    Int,
		Float.Name():  Float,
		Bool.Name():   Bool,
		Time.Name():   Time,
		JSON.Name():   JSON,
	}
)

// RegisterCodec makes a codec resolvable by name in descriptor
// configuration. Registering the same name twice panics.
func RegisterCodec(c Codec) {
	codecsMu.Lock()
	defer codecsMu.Unlock()
	if _, ok := codecs[c.Name()]; ok {
		panic("view: codec already registered: " + c.Name())
	}
	codecs[c.Name()] = c
}

// LookupCodec resolves a codec by name.
func LookupCodec(name string) (Codec, bool) {
	codecsMu.RLock()
	defer codecsMu.RUnlock()
	c, ok := codecs[name]
	return c, ok
}
