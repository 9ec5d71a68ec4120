package expr

import (
	"reflect"
	"testing"
	"time"
)

func TestInterpolate_ExactSingleTemplateReturnsTypedValue(t *testing.T) {
	e := New()
	ctx := &ExecutionContext{Input: map[string]interface{}{"x": float64(1)}}

	got, err := e.Interpolate("{{ $input.x }}", ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != float64(1) {
		t.Fatalf("expected typed value 1, got %#v", got)
	}
}

func TestInterpolate_MixedTextReturnsString(t *testing.T) {
	e := New()
	ctx := &ExecutionContext{Input: map[string]interface{}{"x": float64(1)}}

	got, err := e.Interpolate("value is {{ $input.x }}!", ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "value is 1!" {
		t.Fatalf("expected interpolated string, got %#v", got)
	}
}

func TestInterpolate_MissingPathReturnsEmptyString(t *testing.T) {
	e := New()
	ctx := &ExecutionContext{Input: map[string]interface{}{}}

	got, err := e.Interpolate("{{ $input.missing }}", ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "" {
		t.Fatalf("expected empty string for missing path, got %#v", got)
	}
}

func TestInterpolate_UnknownRootIsError(t *testing.T) {
	e := New()
	ctx := &ExecutionContext{}

	if _, err := e.Interpolate("{{ $bogus.x }}", ctx); err == nil {
		t.Fatal("expected error for unknown root scope")
	}
}

func TestInterpolate_NodeOutputRoundTrip(t *testing.T) {
	e := New()
	output := map[string]interface{}{"y": float64(1), "items": []interface{}{"a", "b", "c"}}
	ctx := &ExecutionContext{
		NodeOutputs: map[string]map[string]interface{}{"u": output},
	}

	got, err := e.Interpolate(`{{ $node["u"].json }}`, ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(got, output) {
		t.Fatalf("expected round-trip output %#v, got %#v", output, got)
	}

	last, err := e.Interpolate(`{{ $node["u"].json.items[-1] }}`, ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if last != "c" {
		t.Fatalf("expected last item 'c', got %#v", last)
	}
}

func TestInterpolate_EnvAndExecutionAndVarsScopes(t *testing.T) {
	e := New()
	started := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ctx := &ExecutionContext{
		Env:         map[string]string{"REGION": "us-east-1"},
		ExecutionID: "exec-1",
		StartedAt:   started,
		Vars:        map[string]interface{}{"retries": float64(3)},
	}

	if got, _ := e.Interpolate("{{ $env.REGION }}", ctx); got != "us-east-1" {
		t.Fatalf("expected env lookup, got %#v", got)
	}
	if got, _ := e.Interpolate("{{ $execution.id }}", ctx); got != "exec-1" {
		t.Fatalf("expected execution id, got %#v", got)
	}
	if got, _ := e.Interpolate("{{ $vars.retries }}", ctx); got != float64(3) {
		t.Fatalf("expected vars lookup, got %#v", got)
	}
}

func TestInterpolate_RecursesIntoMapsAndSlices(t *testing.T) {
	e := New()
	ctx := &ExecutionContext{Input: map[string]interface{}{"x": float64(7)}}

	template := map[string]interface{}{
		"a": "{{ $input.x }}",
		"b": []interface{}{"{{ $input.x }}", "plain"},
	}

	got, err := e.Interpolate(template, ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m := got.(map[string]interface{})
	if m["a"] != float64(7) {
		t.Fatalf("expected nested map value to resolve, got %#v", m["a"])
	}
	arr := m["b"].([]interface{})
	if arr[0] != float64(7) || arr[1] != "plain" {
		t.Fatalf("expected nested slice values to resolve, got %#v", arr)
	}
}
