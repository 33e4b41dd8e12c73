// Package config layers configuration sources (YAML files, environment) into
// one key/value store and decodes it into tagged structs.
package config

import (
	"encoding"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/mitchellh/mapstructure"
)

// Store is a nested key/value structure that sources write into.
type Store interface {
	Set(path []string, v any) error
}

// Source applies its values to a Store.
type Source interface {
	Apply(Store) error
}

// SourceFunc adapts a function to Source.
type SourceFunc func(Store) error

func (f SourceFunc) Apply(s Store) error { return f(s) }

type Manager struct {
	store Map
}

// Read applies srcs in order; later sources override earlier ones.
func Read(srcs ...Source) (*Manager, error) {
	store := make(Map)
	for _, src := range srcs {
		if err := src.Apply(store); err != nil {
			return nil, err
		}
	}
	return &Manager{store: store}, nil
}

// Unmarshal decodes the merged values into v using `config` struct tags.
// Strings are coerced to durations and encoding.TextUnmarshaler fields.
func (m *Manager) Unmarshal(v any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "config",
		Result:           v,
		WeaklyTypedInput: true,
		DecodeHook: composeDecodeHooks(
			textUnmarshalerHookFunc(),
			timeDurationHookFunc(),
		),
	})
	if err != nil {
		return err
	}
	return dec.Decode(map[string]any(m.store))
}

// EmptyPathError occurs when a source sets a value without a key.
type EmptyPathError struct {
	Value any
}

func (e EmptyPathError) Error() string {
	return fmt.Sprintf("config: value %v set without a key", e.Value)
}

// UnexpectedKeyValueTypeError occurs when a key is used both as a leaf and
// as a section.
type UnexpectedKeyValueTypeError struct {
	Key string
}

func (e UnexpectedKeyValueTypeError) Error() string {
	return fmt.Sprintf("config: %s is a value, not a section", e.Key)
}

var errInvalidDecodeCondition = errors.New("invalid decode condition")

// TypeCoercionError occurs when a value cannot be coerced to the type of the
// field it is decoded into.
type TypeCoercionError struct {
	from  reflect.Value
	to    reflect.Value
	Cause error
}

func (e TypeCoercionError) Error() string {
	return fmt.Sprintf("config: cannot coerce %s to %s: %s", e.from.Type(), e.to.Type(), e.Cause)
}

func (e TypeCoercionError) Unwrap() error {
	return e.Cause
}

func composeDecodeHooks(hs ...mapstructure.DecodeHookFunc) mapstructure.DecodeHookFuncValue {
	return func(f, t reflect.Value) (any, error) {
		for _, h := range hs {
			v, err := mapstructure.DecodeHookExec(h, f, t)
			if err == nil {
				return v, nil
			}
			if errors.Is(err, errInvalidDecodeCondition) {
				continue
			}
			return nil, TypeCoercionError{from: f, to: t, Cause: err}
		}
		return f.Interface(), nil
	}
}

func textUnmarshalerHookFunc() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if f.Kind() != reflect.String {
			return nil, errInvalidDecodeCondition
		}
		result := reflect.New(t).Interface()
		u, ok := result.(encoding.TextUnmarshaler)
		if !ok {
			return nil, errInvalidDecodeCondition
		}
		if err := u.UnmarshalText([]byte(data.(string))); err != nil {
			return nil, err
		}
		return result, nil
	}
}

func timeDurationHookFunc() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if t != reflect.TypeOf(time.Duration(0)) {
			return nil, errInvalidDecodeCondition
		}
		switch f.Kind() {
		case reflect.String:
			return time.ParseDuration(data.(string))
		case reflect.Int:
			return time.Duration(int64(data.(int))), nil
		default:
			return nil, errInvalidDecodeCondition
		}
	}
}
