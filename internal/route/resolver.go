// Package route implements the pattern-compiled route resolver: path
// templates with literal and parameter segments, a static/dynamic
// lookup table, and atomic full-table reload.
package route

import (
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
)

// Pattern is a compiled path template. Parameter segments use the
// ":name" marker; a pattern with no parameters takes the static
// fast path.
type Pattern struct {
	// Template is the original path template, e.g. "/api/users/:id".
	Template string

	// segments is the split template, empty segments discarded.
	segments []string

	// ParamNames lists parameter names in segment order.
	ParamNames []string

	// Static is true when the pattern has no parameter segments.
	Static bool

	// Handler is the resolved handler reference attached at build time.
	Handler any
}

// Compile parses a template into a Pattern. Duplicate parameter names
// within one template are rejected.
func Compile(template string, handler any) (*Pattern, error) {
	const op = "route.Compile"

	segments := splitPath(template)

	var paramNames []string
	seen := make(map[string]bool)
	for _, seg := range segments {
		if !strings.HasPrefix(seg, ":") {
			continue
		}
		name := seg[1:]
		if name == "" {
			return nil, fmt.Errorf("%s: %q: empty parameter name", op, template)
		}
		if seen[name] {
			return nil, fmt.Errorf("%s: %q: duplicate parameter %q", op, template, name)
		}
		seen[name] = true
		paramNames = append(paramNames, name)
	}

	return &Pattern{
		Template:   template,
		segments:   segments,
		ParamNames: paramNames,
		Static:     len(paramNames) == 0,
		Handler:    handler,
	}, nil
}

// signature identifies a pattern's match shape: literal segments as-is,
// parameter segments collapsed to ":". Two templates with the same
// signature match the same paths, so the table keeps only the last.
func (p *Pattern) signature() string {
	parts := make([]string, len(p.segments))
	for i, seg := range p.segments {
		if strings.HasPrefix(seg, ":") {
			parts[i] = ":"
		} else {
			parts[i] = seg
		}
	}
	return strings.Join(parts, "/")
}

// match binds path segments against the pattern. It returns the bound
// parameters and true on a segment-wise match.
func (p *Pattern) match(segments []string) (map[string]string, bool) {
	if len(segments) != len(p.segments) {
		return nil, false
	}

	var params map[string]string
	for i, want := range p.segments {
		if strings.HasPrefix(want, ":") {
			if params == nil {
				params = make(map[string]string, len(p.ParamNames))
			}
			params[want[1:]] = segments[i]
			continue
		}
		if want != segments[i] {
			return nil, false
		}
	}
	return params, true
}

// Entry pairs a template with its handler for table building.
type Entry struct {
	Template string
	Handler  any
}

// Table is an immutable snapshot of compiled patterns. Static patterns
// live in a hash map for O(1) exact lookup; dynamic patterns are tried
// in insertion order.
type Table struct {
	static  map[string]*Pattern
	dynamic []*Pattern
}

// BuildTable compiles entries in order. Entries with an identical match
// shape are last-write-wins, keeping the earlier table position.
func BuildTable(entries []Entry) (*Table, error) {
	t := &Table{static: make(map[string]*Pattern)}

	dynIndex := make(map[string]int)
	for _, e := range entries {
		p, err := Compile(e.Template, e.Handler)
		if err != nil {
			return nil, err
		}
		if p.Static {
			t.static[strings.Join(p.segments, "/")] = p
			continue
		}
		sig := p.signature()
		if i, ok := dynIndex[sig]; ok {
			t.dynamic[i] = p
			continue
		}
		dynIndex[sig] = len(t.dynamic)
		t.dynamic = append(t.dynamic, p)
	}
	return t, nil
}

// Templates returns every template in the table, static first.
func (t *Table) Templates() []string {
	out := make([]string, 0, len(t.static)+len(t.dynamic))
	for _, p := range t.static {
		out = append(out, p.Template)
	}
	for _, p := range t.dynamic {
		out = append(out, p.Template)
	}
	return out
}

// Match is a successful resolution.
type Match struct {
	Handler any
	Params  map[string]string
	Pattern *Pattern
}

// Resolver resolves request paths against the current table snapshot.
// Replace swaps whole snapshots atomically; readers observe either the
// old or the new table, never a partial merge.
type Resolver struct {
	table atomic.Pointer[Table]
}

// NewResolver creates a Resolver holding an empty table.
func NewResolver() *Resolver {
	r := &Resolver{}
	r.table.Store(&Table{static: make(map[string]*Pattern)})
	return r
}

// Replace installs a new table snapshot. In-flight resolutions keep
// their old handler references.
func (r *Resolver) Replace(t *Table) {
	r.table.Store(t)
}

// Snapshot returns the current table.
func (r *Resolver) Snapshot() *Table {
	return r.table.Load()
}

// Resolve matches path against the current snapshot. Percent-decoding
// happens once, before matching; segments compare byte-wise.
func (r *Resolver) Resolve(path string) (*Match, bool) {
	if decoded, err := url.PathUnescape(path); err == nil {
		path = decoded
	}
	segments := splitPath(path)

	t := r.table.Load()

	if p, ok := t.static[strings.Join(segments, "/")]; ok {
		return &Match{Handler: p.Handler, Pattern: p}, true
	}

	for _, p := range t.dynamic {
		if params, ok := p.match(segments); ok {
			return &Match{Handler: p.Handler, Params: params, Pattern: p}, true
		}
	}
	return nil, false
}

// splitPath splits on "/" and discards empty segments.
func splitPath(path string) []string {
	parts := strings.Split(path, "/")
	segments := parts[:0:len(parts)]
	for _, s := range parts {
		if s != "" {
			segments = append(segments, s)
		}
	}
	return segments
}
