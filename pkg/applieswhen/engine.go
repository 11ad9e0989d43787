// Package applieswhen compiles and evaluates the scope expressions
// attached to rules. Expressions are CEL predicates over three bound
// names: "subject" (the fact bundle being checked), "refs" (satisfaction
// of other concepts, keyed by slug) and "now" (the evaluation instant).
//
// The package also extracts the concept slugs an expression references,
// which is what DEPENDS_ON edges in the reference graph are built from.
package applieswhen

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
)

// Subject is the fact bundle an applies-when expression evaluates over.
type Subject struct {
	// Attributes is bound as "subject". Expressions should guard optional
	// fields with has().
	Attributes map[string]any
	// Refs reports which other concepts the subject already satisfies,
	// keyed by concept slug. Referenced slugs missing from the map
	// evaluate to false.
	Refs map[string]bool
	// Now is bound as "now". The wall clock is used when zero.
	Now time.Time
}

type compiled struct {
	prg  cel.Program
	refs []string
}

// Engine compiles applies-when expressions once and caches the programs.
// Safe for concurrent use.
type Engine struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]compiled
}

// NewEngine builds the evaluation environment.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("subject", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("refs", cel.MapType(cel.StringType, cel.BoolType)),
		cel.Variable("now", cel.TimestampType),
	)
	if err != nil {
		return nil, fmt.Errorf("create applies-when environment: %w", err)
	}
	return &Engine{env: env, cache: make(map[string]compiled)}, nil
}

// Validate compiles the expression and checks that it produces a boolean
// and references concepts only through literal keys. An empty expression
// is valid and means the rule applies unconditionally.
func (e *Engine) Validate(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return nil
	}
	_, err := e.compiled(expr)
	return err
}

// References returns the distinct concept slugs the expression depends
// on, sorted. An empty expression references nothing.
func (e *Engine) References(expr string) ([]string, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, nil
	}
	c, err := e.compiled(expr)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), c.refs...), nil
}

// Evaluate runs the expression against a subject. An empty expression
// always applies.
func (e *Engine) Evaluate(expr string, sub Subject) (bool, error) {
	if strings.TrimSpace(expr) == "" {
		return true, nil
	}
	c, err := e.compiled(expr)
	if err != nil {
		return false, err
	}

	now := sub.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	attrs := sub.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}

	out, _, err := c.prg.Eval(map[string]any{
		"subject": attrs,
		"refs":    refsWithAliases(sub.Refs, c.refs),
		"now":     now,
	})
	if err != nil {
		return false, fmt.Errorf("evaluate applies-when: %w", err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("applies-when produced %T, want bool", out.Value())
	}
	return b, nil
}

func (e *Engine) compiled(expr string) (compiled, error) {
	e.mu.RLock()
	c, hit := e.cache[expr]
	e.mu.RUnlock()
	if hit {
		return c, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	// Double check under the write lock.
	if c, hit = e.cache[expr]; hit {
		return c, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return compiled{}, fmt.Errorf("compile applies-when: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return compiled{}, fmt.Errorf("applies-when must produce bool, got %s", ast.OutputType())
	}

	refs, err := extractReferences(ast)
	if err != nil {
		return compiled{}, err
	}

	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return compiled{}, fmt.Errorf("build applies-when program: %w", err)
	}

	c = compiled{prg: prg, refs: refs}
	e.cache[expr] = c
	return c, nil
}

// refsWithAliases fills in the map handed to CEL. Each slug is present
// under both its hyphenated and underscored spelling so that the
// refs.some_concept select form and the refs["some-concept"] index form
// see the same value, and every referenced slug gets a default.
func refsWithAliases(provided map[string]bool, referenced []string) map[string]bool {
	out := make(map[string]bool, 2*(len(provided)+len(referenced)))
	for slug, v := range provided {
		out[slug] = v
		out[strings.ReplaceAll(slug, "-", "_")] = v
	}
	for _, slug := range referenced {
		if _, ok := out[slug]; !ok {
			out[slug] = false
		}
		under := strings.ReplaceAll(slug, "-", "_")
		if _, ok := out[under]; !ok {
			out[under] = false
		}
	}
	return out
}
