package graph

import "testing"

// fakeHandlers is a minimal HandlerInfo double, grounded on the teacher's
// hand-rolled-mock test style (common/compiler/ir_test.go) rather than
// testify, since this is a pure-function unit test.
type fakeHandlers struct {
	categories map[string]string
	handles    map[string][]string
}

func (f *fakeHandlers) Lookup(nodeType string) (string, []string, bool) {
	cat, ok := f.categories[nodeType]
	if !ok {
		return "", nil, false
	}
	return cat, f.handles[nodeType], true
}

func (f *fakeHandlers) ValidateConfig(nodeType string, config map[string]interface{}) (string, string, bool) {
	return "", "", true
}

func newFakeHandlers() *fakeHandlers {
	return &fakeHandlers{
		categories: map[string]string{
			"manualTrigger": "trigger",
			"setFields":     "transform",
			"condition":     "branching",
			"output":        "output",
			"loop":          "loop",
			"loopEnd":       "loopEnd",
		},
		handles: map[string][]string{
			"condition": {"true", "false"},
		},
	}
}

func TestValidate_SimpleSequential(t *testing.T) {
	g := &Graph{
		Nodes: map[string]*Node{
			"t": {ID: "t", Type: "manualTrigger"},
			"s": {ID: "s", Type: "setFields"},
			"o": {ID: "o", Type: "output"},
		},
		Edges: []*Edge{
			{ID: "e1", Source: "t", Target: "s", Type: EdgeSuccess},
			{ID: "e2", Source: "s", Target: "o", Type: EdgeSuccess},
		},
	}

	v := NewValidator(newFakeHandlers())
	skipped, verr := v.Validate(g)
	if len(verr.NodeDiagnostics) != 0 {
		t.Fatalf("unexpected validation errors: %v", verr)
	}
	if len(skipped) != 0 {
		t.Fatalf("expected no skipped nodes, got %v", skipped)
	}
}

func TestValidate_UnregisteredType(t *testing.T) {
	g := &Graph{
		Nodes: map[string]*Node{
			"t": {ID: "t", Type: "manualTrigger"},
			"x": {ID: "x", Type: "doesNotExist"},
		},
		Edges: []*Edge{
			{ID: "e1", Source: "t", Target: "x", Type: EdgeSuccess},
		},
	}

	v := NewValidator(newFakeHandlers())
	_, verr := v.Validate(g)
	if len(verr.NodeDiagnostics) == 0 {
		t.Fatal("expected validation error for unregistered node type")
	}
}

func TestValidate_NoTrigger(t *testing.T) {
	g := &Graph{
		Nodes: map[string]*Node{
			"s": {ID: "s", Type: "setFields"},
		},
	}
	v := NewValidator(newFakeHandlers())
	_, verr := v.Validate(g)
	if len(verr.NodeDiagnostics) == 0 {
		t.Fatal("expected validation error for graph with no trigger")
	}
}

func TestValidate_UnreachableNodeIsSkippedNotRejected(t *testing.T) {
	g := &Graph{
		Nodes: map[string]*Node{
			"t":   {ID: "t", Type: "manualTrigger"},
			"o":   {ID: "o", Type: "output"},
			"dead": {ID: "dead", Type: "setFields"},
		},
		Edges: []*Edge{
			{ID: "e1", Source: "t", Target: "o", Type: EdgeSuccess},
		},
	}
	v := NewValidator(newFakeHandlers())
	skipped, verr := v.Validate(g)
	if len(verr.NodeDiagnostics) != 0 {
		t.Fatalf("unexpected validation errors: %v", verr)
	}
	if !skipped["dead"] {
		t.Fatalf("expected dead node to be marked skipped, got %v", skipped)
	}
}

func TestValidate_CycleRejectedUnlessSanctionedByLoop(t *testing.T) {
	g := &Graph{
		Nodes: map[string]*Node{
			"t": {ID: "t", Type: "manualTrigger"},
			"a": {ID: "a", Type: "setFields"},
			"b": {ID: "b", Type: "setFields"},
		},
		Edges: []*Edge{
			{ID: "e1", Source: "t", Target: "a", Type: EdgeSuccess},
			{ID: "e2", Source: "a", Target: "b", Type: EdgeSuccess},
			{ID: "e3", Source: "b", Target: "a", Type: EdgeSuccess},
		},
	}
	v := NewValidator(newFakeHandlers())
	_, verr := v.Validate(g)
	if len(verr.NodeDiagnostics) == 0 {
		t.Fatal("expected a cycle validation error")
	}
}

func TestValidate_SanctionedLoopBackEdge(t *testing.T) {
	g := &Graph{
		Nodes: map[string]*Node{
			"t":  {ID: "t", Type: "manualTrigger"},
			"lp": {ID: "lp", Type: "loop", Loop: &LoopSpec{ItemsExpr: "{{ $input.items }}", LoopEndNodeID: "le", Bound: 1}},
			"b":  {ID: "b", Type: "setFields"},
			"le": {ID: "le", Type: "loopEnd"},
		},
		Edges: []*Edge{
			{ID: "e1", Source: "t", Target: "lp", Type: EdgeSuccess},
			{ID: "e2", Source: "lp", Target: "b", Type: EdgeSuccess},
			{ID: "e3", Source: "b", Target: "le", Type: EdgeSuccess},
			{ID: "e4", Source: "le", Target: "lp", Type: EdgeSuccess},
		},
	}
	v := NewValidator(newFakeHandlers())
	_, verr := v.Validate(g)
	if len(verr.NodeDiagnostics) != 0 {
		t.Fatalf("unexpected validation errors for sanctioned loop back-edge: %v", verr)
	}
}
