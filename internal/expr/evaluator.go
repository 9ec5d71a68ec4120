// Package expr implements the engine's Expression Evaluator (C1): `{{ }}`
// template interpolation over the four execution-context scopes described
// in spec §4.1.
//
// Grounded on cmd/workflow-runner/resolver/resolver.go's recursive
// string/map/array walk and `${...}` regex-interpolation idiom, and on
// cmd/workflow-runner/condition/evaluator.go's compiled-expression cache
// pattern (applied here to parsed path segments rather than CEL programs).
// Field extraction into a node's JSON output reuses tidwall/gjson, mirroring
// the teacher's `gjson.GetBytes` use for `$nodes.id.field` resolution.
package expr

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

// ExecutionContext is the scoped object model expressions resolve against.
type ExecutionContext struct {
	Input       map[string]interface{}
	NodeOutputs map[string]map[string]interface{} // nodeID -> output
	Env         map[string]string                 // whitelisted env vars
	ExecutionID string
	StartedAt   time.Time
	Vars        map[string]interface{}

	// Loop is non-nil when evaluating inside a loop body, exposing
	// $loop.index and $loop.item to the current iteration's nodes.
	Loop *LoopScope
}

// LoopScope exposes the current loop iteration to $loop.* expressions.
type LoopScope struct {
	Index int
	Item  interface{}
}

var templatePattern = regexp.MustCompile(`\{\{\s*(.*?)\s*\}\}`)

// Evaluator interpolates templates, caching parsed path segments per raw
// expression string so repeated evaluation across NodeRuns in the same
// Execution doesn't re-tokenize.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string][]pathSegment
}

// New constructs an Evaluator.
func New() *Evaluator {
	return &Evaluator{cache: make(map[string][]pathSegment)}
}

// Interpolate recurses into template (string, map, or slice) and resolves
// every `{{ expr }}` occurrence against ctx. Other scalar types pass through
// unchanged.
func (e *Evaluator) Interpolate(template interface{}, ctx *ExecutionContext) (interface{}, error) {
	switch v := template.(type) {
	case string:
		return e.interpolateString(v, ctx)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, val := range v {
			resolved, err := e.Interpolate(val, ctx)
			if err != nil {
				return nil, fmt.Errorf("key %s: %w", k, err)
			}
			out[k] = resolved
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, val := range v {
			resolved, err := e.Interpolate(val, ctx)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return template, nil
	}
}

// interpolateString handles a single string value per the "exact single
// template returns typed value, otherwise string" rule in spec §4.1.
func (e *Evaluator) interpolateString(s string, ctx *ExecutionContext) (interface{}, error) {
	matches := templatePattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	if isExactSingleTemplate(s, matches) {
		expr := s[matches[0][2]:matches[0][3]]
		return e.evaluate(expr, ctx)
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		start, end := m[0], m[1]
		exprStart, exprEnd := m[2], m[3]
		b.WriteString(s[last:start])

		val, err := e.evaluate(s[exprStart:exprEnd], ctx)
		if err != nil {
			return nil, err
		}
		b.WriteString(stringify(val))
		last = end
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

func isExactSingleTemplate(s string, matches [][]int) bool {
	if len(matches) != 1 {
		return false
	}
	return strings.TrimSpace(s) == s[matches[0][0]:matches[0][1]]
}

func stringify(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}

// evaluate resolves one expression (without surrounding `{{ }}`) against ctx.
func (e *Evaluator) evaluate(expr string, ctx *ExecutionContext) (interface{}, error) {
	segs, err := e.parse(expr)
	if err != nil {
		return nil, err
	}
	if len(segs) == 0 {
		return nil, fmt.Errorf("empty expression")
	}

	root := segs[0]
	switch root.field {
	case "input":
		return walk(ctx.Input, segs[1:]), nil
	case "node":
		return e.evaluateNodeRef(segs[1:], ctx)
	case "env":
		if len(segs) < 2 {
			return nil, fmt.Errorf("$env requires a variable name")
		}
		val, ok := ctx.Env[segs[1].field]
		if !ok {
			return "", nil
		}
		return val, nil
	case "execution":
		if len(segs) < 2 {
			return nil, fmt.Errorf("$execution requires a field name")
		}
		switch segs[1].field {
		case "id":
			return ctx.ExecutionID, nil
		case "startedAt":
			return ctx.StartedAt.Format(time.RFC3339), nil
		default:
			return "", nil
		}
	case "vars":
		if len(segs) < 2 {
			return nil, fmt.Errorf("$vars requires a variable name")
		}
		return walk(ctx.Vars, segs[1:]), nil
	case "loop":
		if ctx.Loop == nil || len(segs) < 2 {
			return "", nil
		}
		switch segs[1].field {
		case "index":
			return ctx.Loop.Index, nil
		case "item":
			return ctx.Loop.Item, nil
		default:
			return "", nil
		}
	default:
		return nil, fmt.Errorf("unknown expression root %q", root.field)
	}
}

// evaluateNodeRef handles `$node["<id>"].json.<path>`.
func (e *Evaluator) evaluateNodeRef(rest []pathSegment, ctx *ExecutionContext) (interface{}, error) {
	if len(rest) == 0 || rest[0].kind != segIndexString {
		return nil, fmt.Errorf(`$node reference must be of the form $node["id"]`)
	}
	nodeID := rest[0].stringIndex
	output, ok := ctx.NodeOutputs[nodeID]
	if !ok {
		return "", nil
	}

	rest = rest[1:]
	if len(rest) == 0 {
		return output, nil
	}
	if rest[0].field != "json" {
		return nil, fmt.Errorf(`$node["%s"] must be followed by .json`, nodeID)
	}
	rest = rest[1:]
	if len(rest) == 0 {
		return output, nil
	}

	raw, err := json.Marshal(output)
	if err != nil {
		return nil, fmt.Errorf("marshal node %s output: %w", nodeID, err)
	}

	gpath, err := toGjsonPath(raw, rest)
	if err != nil {
		return nil, err
	}
	result := gjson.GetBytes(raw, gpath)
	if !result.Exists() {
		return "", nil
	}
	return result.Value(), nil
}

// toGjsonPath renders path segments into gjson's dotted path syntax,
// resolving negative array indices ([-1] == last element) into a concrete
// positive index by first querying the array length with gjson.
func toGjsonPath(raw []byte, segs []pathSegment) (string, error) {
	var parts []string
	prefix := ""
	for _, s := range segs {
		switch s.kind {
		case segField:
			parts = append(parts, s.field)
		case segIndex:
			idx := s.index
			if idx < 0 {
				lenPath := strings.Join(append(append([]string{}, parts...)), ".") + ".#"
				length := gjson.GetBytes(raw, lenPath).Int()
				idx = int(length) + idx
				if idx < 0 {
					return "", fmt.Errorf("negative array index out of range")
				}
			}
			parts = append(parts, strconv.Itoa(idx))
		default:
			return "", fmt.Errorf("unsupported path segment in $node reference")
		}
	}
	_ = prefix
	return strings.Join(parts, "."), nil
}

// walk traverses a generic map/slice value using path segments, used for
// the $input/$vars scopes which are plain in-memory maps (no JSON
// round-trip needed).
func walk(root interface{}, segs []pathSegment) interface{} {
	cur := root
	for _, s := range segs {
		switch s.kind {
		case segField:
			m, ok := cur.(map[string]interface{})
			if !ok {
				return ""
			}
			v, ok := m[s.field]
			if !ok {
				return ""
			}
			cur = v
		case segIndex:
			arr, ok := cur.([]interface{})
			if !ok {
				return ""
			}
			idx := s.index
			if idx < 0 {
				idx = len(arr) + idx
			}
			if idx < 0 || idx >= len(arr) {
				return ""
			}
			cur = arr[idx]
		default:
			return ""
		}
	}
	return cur
}

type segKind int

const (
	segField segKind = iota
	segIndex
	segIndexString
)

type pathSegment struct {
	kind        segKind
	field       string
	index       int
	stringIndex string
}

// parse tokenizes an expression into root + path segments. Supports
// `$root`, `.field`, `[123]`, `[-1]`, and `["quoted"]`.
func (e *Evaluator) parse(expr string) ([]pathSegment, error) {
	e.mu.RLock()
	if cached, ok := e.cache[expr]; ok {
		e.mu.RUnlock()
		return cached, nil
	}
	e.mu.RUnlock()

	segs, err := tokenize(expr)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expr] = segs
	e.mu.Unlock()
	return segs, nil
}

func tokenize(expr string) ([]pathSegment, error) {
	expr = strings.TrimSpace(expr)
	if !strings.HasPrefix(expr, "$") {
		return nil, fmt.Errorf("expression must start with a scope sigil ($input, $node, $env, $execution, $vars, $loop)")
	}

	var segs []pathSegment
	i := 1
	n := len(expr)
	readField := func() string {
		start := i
		for i < n && expr[i] != '.' && expr[i] != '[' {
			i++
		}
		return expr[start:i]
	}

	root := readField()
	segs = append(segs, pathSegment{kind: segField, field: root})

	for i < n {
		switch expr[i] {
		case '.':
			i++
			f := readField()
			if f == "" {
				return nil, fmt.Errorf("empty field segment in expression %q", expr)
			}
			segs = append(segs, pathSegment{kind: segField, field: f})
		case '[':
			end := strings.IndexByte(expr[i:], ']')
			if end < 0 {
				return nil, fmt.Errorf("unterminated [ in expression %q", expr)
			}
			inner := expr[i+1 : i+end]
			i += end + 1
			if strings.HasPrefix(inner, `"`) || strings.HasPrefix(inner, "'") {
				inner = strings.Trim(inner, `"'`)
				segs = append(segs, pathSegment{kind: segIndexString, stringIndex: inner})
			} else {
				idx, err := strconv.Atoi(inner)
				if err != nil {
					return nil, fmt.Errorf("invalid array index %q in expression %q", inner, expr)
				}
				segs = append(segs, pathSegment{kind: segIndex, index: idx})
			}
		default:
			return nil, fmt.Errorf("unexpected character %q in expression %q", expr[i], expr)
		}
	}

	return segs, nil
}

// ClearCache empties the parsed-path cache. Exposed for tests.
func (e *Evaluator) ClearCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = make(map[string][]pathSegment)
}
