package model

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Options is the open key/value map passed through to the runner as its
// execution environment. Values are restricted to primitives.
type Options map[string]any

// NormalizeOptions validates that every value is a string, integer, float
// or bool. JSON numbers decoded as float64 that hold an integral value are
// converted to int64 so they render without a fractional part.
func NormalizeOptions(in map[string]any) (Options, error) {
	out := make(Options, len(in))
	for k, v := range in {
		switch val := v.(type) {
		case string, bool, int, int32, int64:
			out[k] = val
		case float64:
			if val == math.Trunc(val) && math.Abs(val) < 1<<53 {
				out[k] = int64(val)
			} else {
				out[k] = val
			}
		case json.Number:
			if i, err := val.Int64(); err == nil {
				out[k] = i
			} else if f, err := val.Float64(); err == nil {
				out[k] = f
			} else {
				return nil, fmt.Errorf("option %q: invalid number %q", k, val.String())
			}
		case nil:
			return nil, fmt.Errorf("option %q: null value", k)
		default:
			return nil, fmt.Errorf("option %q: unsupported type %T", k, v)
		}
	}
	return out, nil
}

// MergeOptions overlays task options on top of script defaults.
func MergeOptions(defaults map[string]string, task map[string]any) Options {
	out := make(Options, len(defaults)+len(task))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range task {
		out[k] = v
	}
	return out
}

// Environment renders the options as KEY=VALUE strings, sorted by key.
func (o Options) Environment() []string {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+formatOption(o[k]))
	}
	return env
}

func formatOption(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprint(val)
	}
}
