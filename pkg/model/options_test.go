package model

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
)

func TestNormalizeOptions(t *testing.T) {
	var decoded map[string]any
	if err := json.Unmarshal([]byte(`{"TIMEOUT": 1, "RATIO": 0.5, "NAME": "x", "DRY": true}`), &decoded); err != nil {
		t.Fatal(err)
	}

	opts, err := NormalizeOptions(decoded)
	if err != nil {
		t.Fatalf("NormalizeOptions: %v", err)
	}
	if v, ok := opts["TIMEOUT"].(int64); !ok || v != 1 {
		t.Errorf("TIMEOUT = %#v, want int64(1)", opts["TIMEOUT"])
	}
	if v, ok := opts["RATIO"].(float64); !ok || v != 0.5 {
		t.Errorf("RATIO = %#v, want 0.5", opts["RATIO"])
	}
}

func TestNormalizeOptions_RejectsNested(t *testing.T) {
	tests := []map[string]any{
		{"A": map[string]any{"b": 1}},
		{"A": []any{1, 2}},
		{"A": nil},
	}
	for _, in := range tests {
		if _, err := NormalizeOptions(in); err == nil {
			t.Errorf("NormalizeOptions(%v) succeeded, want error", in)
		}
	}
}

func TestMergeOptions_TaskOverridesDefaults(t *testing.T) {
	got := MergeOptions(map[string]string{"TIMEOUT": "1", "MODE": "fast"}, map[string]any{"TIMEOUT": int64(30)})
	want := Options{"TIMEOUT": int64(30), "MODE": "fast"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("MergeOptions = %v, want %v", got, want)
	}
}

func TestOptions_Environment(t *testing.T) {
	env := Options{"B": true, "A": int64(1), "C": "x", "D": 2.5}.Environment()
	want := "A=1,B=true,C=x,D=2.5"
	if got := strings.Join(env, ","); got != want {
		t.Errorf("Environment = %q, want %q", got, want)
	}
}
