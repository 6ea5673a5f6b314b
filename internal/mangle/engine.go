// Package mangle keeps a Datalog journal of what FormNERD detected and filled, with rules
// callers can query.
package mangle

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"formnerd-mcp-server/internal/config"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	_ "github.com/google/mangle/builtin"
	"github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"
	"go.uber.org/zap"
)

//go:embed schema/forms.mg
var builtinSchema string

// Fact is one journal entry.
type Fact struct {
	Predicate string        `json:"predicate"`
	Args      []interface{} `json:"args"`
	Timestamp time.Time     `json:"timestamp"`
}

// QueryResult binds query variables to values.
type QueryResult map[string]interface{}

// Engine wraps a Mangle program and fact store.
type Engine struct {
	cfg    config.MangleConfig
	logger *zap.Logger

	mu          sync.RWMutex
	sources     []string
	programInfo *analysis.ProgramInfo
	store       factstore.FactStore

	// facts is a bounded buffer of everything added, indexed by predicate.
	facts []Fact
	index map[string][]int
}

// NewEngine builds an engine with the built-in rules and, when configured, an extra
// schema file.
func NewEngine(cfg config.MangleConfig, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		cfg:    cfg,
		logger: logger.Named("mangle"),
		facts:  make([]Fact, 0, cfg.FactBufferLimit),
		index:  make(map[string][]int),
		store:  factstore.NewSimpleInMemoryStore(),
	}
	if !cfg.Enable {
		return e, nil
	}

	if !cfg.DisableBuiltin {
		e.sources = append(e.sources, builtinSchema)
	}
	if cfg.SchemaPath != "" {
		data, err := os.ReadFile(cfg.SchemaPath)
		if err != nil {
			return nil, fmt.Errorf("read schema: %w", err)
		}
		e.sources = append(e.sources, string(data))
	}
	if len(e.sources) > 0 {
		if err := e.analyze(e.sources); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// analyze parses and checks the combined program. Caller holds e.mu or owns e.
func (e *Engine) analyze(sources []string) error {
	unit, err := parse.Unit(strings.NewReader(strings.Join(sources, "\n")))
	if err != nil {
		return fmt.Errorf("parse schema: %w", err)
	}
	info, err := analysis.AnalyzeOneUnit(unit, make(map[ast.PredicateSym]ast.Decl))
	if err != nil {
		return fmt.Errorf("analyze schema: %w", err)
	}
	e.programInfo = info
	return nil
}

// LoadSchema adds the rules of a schema file to the program.
func (e *Engine) LoadSchema(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read schema: %w", err)
	}
	return e.AddRule(string(data))
}

// AddRule adds rules to the running program and re-derives.
func (e *Engine) AddRule(source string) error {
	if !e.cfg.Enable {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	sources := append(append([]string{}, e.sources...), source)
	if err := e.analyze(sources); err != nil {
		return err
	}
	e.sources = sources
	return e.evalLocked()
}

func (e *Engine) evalLocked() error {
	if e.programInfo == nil {
		return nil
	}
	if err := engine.EvalProgram(e.programInfo, e.store); err != nil {
		return fmt.Errorf("eval program: %w", err)
	}
	return nil
}

// AddFacts appends facts to the buffer and the store, then re-derives.
func (e *Engine) AddFacts(ctx context.Context, facts []Fact) error {
	if !e.cfg.Enable || len(facts) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	base := len(e.facts)
	e.facts = append(e.facts, facts...)
	if e.cfg.FactBufferLimit > 0 && len(e.facts) > e.cfg.FactBufferLimit {
		e.facts = e.facts[len(e.facts)-e.cfg.FactBufferLimit:]
		e.rebuildIndex()
	} else {
		for i, f := range facts {
			e.index[f.Predicate] = append(e.index[f.Predicate], base+i)
		}
	}

	for _, f := range facts {
		e.store.Add(factToAtom(f))
	}

	if err := e.evalLocked(); err != nil {
		e.logger.Warn("evaluation failed", zap.Int("facts", len(facts)), zap.Error(err))
		return fmt.Errorf("eval after insert: %w", err)
	}
	return nil
}

// Query runs a single-atom query such as `required_unfilled(S, F)` and returns the
// variable bindings of every match. Matching falls back to the buffer when the store has
// nothing for the predicate.
func (e *Engine) Query(ctx context.Context, query string) ([]QueryResult, error) {
	if !e.Ready() {
		return nil, fmt.Errorf("engine not ready")
	}
	query = strings.TrimSpace(query)
	if !strings.HasSuffix(query, ".") {
		query += "."
	}
	unit, err := parse.Unit(bytes.NewReader([]byte(query)))
	if err != nil {
		return nil, fmt.Errorf("parse query: %w", err)
	}
	if len(unit.Clauses) == 0 {
		return nil, fmt.Errorf("no query found")
	}
	atom := unit.Clauses[0].Head

	e.mu.RLock()
	defer e.mu.RUnlock()

	results := make([]QueryResult, 0)
	err = e.store.GetFacts(atom, func(fact ast.Atom) error {
		if r, ok := bind(atom.Args, fact.Args); ok {
			results = append(results, r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query execution: %w", err)
	}
	if len(results) == 0 {
		results = append(results, e.queryBuffer(atom.Predicate.Symbol, atom.Args)...)
	}
	return results, nil
}

// bind matches query terms against fact terms. Constants must be equal.
func bind(query, fact []ast.BaseTerm) (QueryResult, bool) {
	r := make(QueryResult)
	for i, q := range query {
		if i >= len(fact) {
			break
		}
		switch term := q.(type) {
		case ast.Variable:
			if term.Symbol != "_" {
				r[term.Symbol] = convertConstant(fact[i])
			}
		case ast.Constant:
			if fmt.Sprint(convertConstant(term)) != fmt.Sprint(convertConstant(fact[i])) {
				return nil, false
			}
		}
	}
	return r, true
}

func (e *Engine) queryBuffer(predicate string, args []ast.BaseTerm) []QueryResult {
	results := make([]QueryResult, 0)
	for _, idx := range e.index[predicate] {
		f := e.facts[idx]
		if len(f.Args) < len(args) {
			continue
		}
		terms := make([]ast.BaseTerm, len(f.Args))
		for i, a := range f.Args {
			terms[i] = toConstant(a)
		}
		if r, ok := bind(args, terms); ok {
			results = append(results, r)
		}
	}
	return results
}

// Evaluate re-derives and returns every fact of predicate, base or derived.
func (e *Engine) Evaluate(ctx context.Context, predicate string) ([]Fact, error) {
	if !e.Ready() {
		return nil, fmt.Errorf("engine not ready")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.evalLocked(); err != nil {
		return nil, err
	}

	arity := -1
	for sym := range e.programInfo.Decls {
		if sym.Symbol == predicate {
			arity = sym.Arity
			break
		}
	}
	if arity < 0 {
		return nil, fmt.Errorf("unknown predicate %q", predicate)
	}

	args := make([]ast.BaseTerm, arity)
	for i := range args {
		args[i] = ast.Variable{Symbol: fmt.Sprintf("V%d", i)}
	}
	query := ast.Atom{Predicate: ast.PredicateSym{Symbol: predicate, Arity: arity}, Args: args}

	now := time.Now()
	facts := make([]Fact, 0)
	err := e.store.GetFacts(query, func(atom ast.Atom) error {
		facts = append(facts, atomToFact(atom, now))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get facts: %w", err)
	}
	return facts, nil
}

// FactsByPredicate returns buffered facts of one predicate.
func (e *Engine) FactsByPredicate(predicate string) []Fact {
	e.mu.RLock()
	defer e.mu.RUnlock()

	indices := e.index[predicate]
	out := make([]Fact, 0, len(indices))
	for _, idx := range indices {
		out = append(out, e.facts[idx])
	}
	return out
}

// Facts returns a copy of the buffer.
func (e *Engine) Facts() []Fact {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Fact, len(e.facts))
	copy(out, e.facts)
	return out
}

// Ready reports whether queries can run.
func (e *Engine) Ready() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg.Enable && e.programInfo != nil
}

// Enabled reports whether the journal accepts facts.
func (e *Engine) Enabled() bool { return e.cfg.Enable }

func factToAtom(f Fact) ast.Atom {
	args := make([]ast.BaseTerm, len(f.Args))
	for i, a := range f.Args {
		args[i] = toConstant(a)
	}
	return ast.Atom{Predicate: ast.PredicateSym{Symbol: f.Predicate, Arity: len(args)}, Args: args}
}

func atomToFact(atom ast.Atom, ts time.Time) Fact {
	args := make([]interface{}, len(atom.Args))
	for i, a := range atom.Args {
		args[i] = convertConstant(a)
	}
	return Fact{Predicate: atom.Predicate.Symbol, Args: args, Timestamp: ts}
}

func toConstant(v interface{}) ast.Constant {
	switch val := v.(type) {
	case string:
		return ast.String(val)
	case int:
		return ast.Number(int64(val))
	case int64:
		return ast.Number(val)
	case float64:
		return ast.Float64(val)
	case bool:
		if val {
			return ast.String("true")
		}
		return ast.String("false")
	default:
		return ast.String(fmt.Sprintf("%v", v))
	}
}

func convertConstant(t ast.BaseTerm) interface{} {
	c, ok := t.(ast.Constant)
	if !ok {
		return fmt.Sprintf("%v", t)
	}
	switch c.Type {
	case ast.StringType:
		v, _ := c.StringValue()
		return v
	case ast.NumberType:
		return c.NumberValue
	case ast.Float64Type:
		if v, err := c.Float64Value(); err == nil {
			return v
		}
	}
	return c.String()
}

func (e *Engine) rebuildIndex() {
	e.index = make(map[string][]int)
	for i, f := range e.facts {
		e.index[f.Predicate] = append(e.index[f.Predicate], i)
	}
}
