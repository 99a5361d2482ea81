package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/golobby/cast"
	"gopkg.in/yaml.v3"
)

// ErrInvalidDuration is returned for values that are neither a Go duration
// string nor a number of seconds.
var ErrInvalidDuration = errors.New("invalid duration")

// Duration is a time.Duration that decodes from "1m30s" style strings or
// from a plain number of seconds, in every supported file format.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalText encodes d as a duration string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText accepts "5s" or "5" (seconds).
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// UnmarshalJSON accepts a duration string or a number of seconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	v, err := ParseDuration(raw)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// UnmarshalYAML accepts a duration string or a number of seconds.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("%w: line %d is not a scalar", ErrInvalidDuration, node.Line)
	}
	v, err := ParseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// UnmarshalTOML accepts a duration string or a number of seconds.
func (d *Duration) UnmarshalTOML(data any) error {
	v, err := ParseDuration(data)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

var float64Type = reflect.TypeFor[float64]()

// ParseDuration converts v to a duration. Strings are parsed with
// time.ParseDuration, falling back to a number of seconds; numbers are
// seconds.
func ParseDuration(v any) (time.Duration, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case time.Duration:
		return x, nil
	case Duration:
		return x.Std(), nil
	case int:
		return time.Duration(x) * time.Second, nil
	case int64:
		return time.Duration(x) * time.Second, nil
	case uint64:
		return time.Duration(x) * time.Second, nil
	case float64:
		return time.Duration(x * float64(time.Second)), nil
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0, nil
		}
		if d, err := time.ParseDuration(s); err == nil {
			return d, nil
		}
		secs, err := cast.FromType(s, float64Type)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, x)
		}
		return time.Duration(reflect.ValueOf(secs).Float() * float64(time.Second)), nil
	}
	return 0, fmt.Errorf("%w: %v (%T)", ErrInvalidDuration, v, v)
}
