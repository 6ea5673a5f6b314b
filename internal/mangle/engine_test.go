package mangle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"formnerd-mcp-server/internal/config"
	"formnerd-mcp-server/internal/form"
)

func newTestEngine(t *testing.T, limit int) *Engine {
	t.Helper()
	engine, err := NewEngine(config.MangleConfig{Enable: true, FactBufferLimit: limit}, nil)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	if !engine.Ready() {
		t.Fatal("engine not ready with built-in rules")
	}
	return engine
}

func checkoutForms() []form.Form {
	action := "/pay"
	return []form.Form{{
		ID:     "form-0",
		Action: &action,
		Fields: []form.Field{
			{ID: "form-0-field-0", Kind: form.KindEmail, Name: "email", Required: true},
			{ID: "form-0-field-1", Kind: form.KindText, Name: "coupon"},
			{ID: "form-0-field-2", Kind: form.KindFile, Name: "receipt"},
		},
	}}
}

func TestEngineBuiltinRules(t *testing.T) {
	engine := newTestEngine(t, 1000)
	ctx := context.Background()

	if err := engine.AddFacts(ctx, DetectionFacts("s1", checkoutForms())); err != nil {
		t.Fatalf("AddFacts failed: %v", err)
	}

	unfilled, err := engine.Query(ctx, "required_unfilled(S, F)")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(unfilled) != 1 || unfilled[0]["F"] != "form-0-field-0" {
		t.Fatalf("expected one unfilled required field, got %v", unfilled)
	}

	ready, err := engine.Evaluate(ctx, "form_ready")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(ready) != 0 {
		t.Fatalf("form should be blocked, got %v", ready)
	}

	unfillable, err := engine.Query(ctx, "unfillable(S, F)")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(unfillable) != 1 || unfillable[0]["F"] != "form-0-field-2" {
		t.Fatalf("expected file field to be unfillable, got %v", unfillable)
	}

	if err := engine.AddFacts(ctx, []Fact{FillFact("s1", "form-0-field-0", "a@b.co", nil)}); err != nil {
		t.Fatalf("AddFacts failed: %v", err)
	}

	ready, err = engine.Evaluate(ctx, "form_ready")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(ready) != 1 || ready[0].Args[1] != "form-0" {
		t.Fatalf("expected form-0 ready after fill, got %v", ready)
	}
}

func TestEngineSessionsAreSeparate(t *testing.T) {
	engine := newTestEngine(t, 1000)
	ctx := context.Background()

	facts := append(DetectionFacts("s1", checkoutForms()), DetectionFacts("s2", checkoutForms())...)
	facts = append(facts, FillFact("s1", "form-0-field-0", "x", nil))
	if err := engine.AddFacts(ctx, facts); err != nil {
		t.Fatalf("AddFacts failed: %v", err)
	}

	results, err := engine.Query(ctx, `required_unfilled("s2", F)`)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected s2 to still be unfilled, got %v", results)
	}

	results, err = engine.Query(ctx, `required_unfilled("s1", F)`)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected s1 to be filled, got %v", results)
	}
}

func TestFillFactKinds(t *testing.T) {
	tests := []struct {
		name  string
		value string
		err   error
		want  string
	}{
		{"filled", "x", nil, PredFieldFilled},
		{"cleared", "", nil, PredFieldCleared},
		{"failed", "x", errors.New("boom"), PredFieldFillFail},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := FillFact("s", "f", tt.value, tt.err)
			if f.Predicate != tt.want {
				t.Errorf("expected %s, got %s", tt.want, f.Predicate)
			}
			for _, arg := range f.Args {
				if arg == "x" {
					t.Error("fill values must not be journaled")
				}
			}
		})
	}
}

func TestEngineValidationFacts(t *testing.T) {
	engine := newTestEngine(t, 1000)
	ctx := context.Background()

	facts := []Fact{
		ValidationFact("s1", "form-0-field-0", form.Invalid("Invalid email address")),
		ValidationFact("s1", "form-0-field-1", form.ValidationResult{Valid: true}),
	}
	if err := engine.AddFacts(ctx, facts); err != nil {
		t.Fatalf("AddFacts failed: %v", err)
	}

	results, err := engine.Query(ctx, "invalid_field(S, F, E)")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(results) != 1 || results[0]["E"] != "Invalid email address" {
		t.Fatalf("unexpected invalid_field results: %v", results)
	}
}

func TestEngineDisabled(t *testing.T) {
	engine, err := NewEngine(config.MangleConfig{Enable: false, FactBufferLimit: 1000}, nil)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	if err := engine.AddFacts(context.Background(), []Fact{{Predicate: "test", Args: []interface{}{"arg"}}}); err != nil {
		t.Errorf("AddFacts should succeed when disabled: %v", err)
	}
	if len(engine.Facts()) != 0 {
		t.Error("disabled engine must not buffer facts")
	}
	if engine.Ready() {
		t.Error("disabled engine cannot answer queries")
	}
	if _, err := engine.Query(context.Background(), "filled(S, F)"); err == nil {
		t.Error("expected query to fail on a disabled engine")
	}
	if err := engine.AddRule("garbage"); err != nil {
		t.Errorf("AddRule should be a no-op when disabled: %v", err)
	}
}

func TestEngineWithoutBuiltinRules(t *testing.T) {
	engine, err := NewEngine(config.MangleConfig{Enable: true, DisableBuiltin: true}, nil)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	if engine.Ready() {
		t.Fatal("engine without any program should not be ready")
	}

	if err := engine.AddRule("Decl field_filled(Session, Field).\nDecl seen(Field).\nseen(F) :- field_filled(_, F)."); err != nil {
		t.Fatalf("AddRule failed: %v", err)
	}
	if !engine.Ready() {
		t.Fatal("engine should be ready once a rule is added")
	}
	if err := engine.AddFacts(context.Background(), []Fact{FillFact("s", "f1", "v", nil)}); err != nil {
		t.Fatalf("AddFacts failed: %v", err)
	}
	seen, err := engine.Evaluate(context.Background(), "seen")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(seen) != 1 || seen[0].Args[0] != "f1" {
		t.Fatalf("unexpected seen facts: %v", seen)
	}
}

func TestEngineSchemaFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "extra.mg")
	rule := "Decl email_field(Session, Field).\nemail_field(S, F) :- field_detected(S, F, _, \"email\", _, _).\n"
	if err := os.WriteFile(path, []byte(rule), 0644); err != nil {
		t.Fatalf("write schema: %v", err)
	}

	engine, err := NewEngine(config.MangleConfig{Enable: true, SchemaPath: path}, nil)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	if err := engine.AddFacts(context.Background(), DetectionFacts("s", checkoutForms())); err != nil {
		t.Fatalf("AddFacts failed: %v", err)
	}
	results, err := engine.Query(context.Background(), "email_field(S, F)")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected one email field, got %v", results)
	}
}

func TestEngineSchemaErrors(t *testing.T) {
	if _, err := NewEngine(config.MangleConfig{Enable: true, SchemaPath: "/nonexistent/forms.mg"}, nil); err == nil {
		t.Error("expected error for a missing schema file")
	}

	engine := newTestEngine(t, 10)
	if err := engine.AddRule("this is not ( datalog"); err == nil {
		t.Error("expected parse error")
	}
	if err := engine.LoadSchema("/nonexistent/extra.mg"); err == nil {
		t.Error("expected read error")
	}
	if _, err := engine.Query(context.Background(), "((("); err == nil {
		t.Error("expected query parse error")
	}
	if _, err := engine.Evaluate(context.Background(), "no_such_predicate"); err == nil {
		t.Error("expected unknown predicate error")
	}
}

func TestEngineBufferLimit(t *testing.T) {
	engine := newTestEngine(t, 3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		f := Fact{Predicate: PredFieldCleared, Args: []interface{}{"s", i}, Timestamp: time.Now()}
		if err := engine.AddFacts(ctx, []Fact{f}); err != nil {
			t.Fatalf("AddFacts failed: %v", err)
		}
	}

	buffered := engine.Facts()
	if len(buffered) != 3 {
		t.Fatalf("expected buffer of 3, got %d", len(buffered))
	}
	if buffered[0].Args[1] != 2 {
		t.Errorf("expected oldest facts evicted, first is %v", buffered[0].Args)
	}
	if got := len(engine.FactsByPredicate(PredFieldCleared)); got != 3 {
		t.Errorf("expected index to follow eviction, got %d", got)
	}
	if got := len(engine.FactsByPredicate("missing")); got != 0 {
		t.Errorf("expected no facts for unknown predicate, got %d", got)
	}
}

func TestEngineQueryBufferFallback(t *testing.T) {
	engine := newTestEngine(t, 100)
	ctx := context.Background()

	facts := []Fact{
		{Predicate: "custom_event", Args: []interface{}{"s", "click", int64(3)}, Timestamp: time.Now()},
		{Predicate: "custom_event", Args: []interface{}{"s", "focus", int64(4)}, Timestamp: time.Now()},
	}
	if err := engine.AddFacts(ctx, facts); err != nil {
		t.Fatalf("AddFacts failed: %v", err)
	}

	results, err := engine.Query(ctx, `custom_event(S, "focus", N)`)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(results) != 1 || results[0]["N"] != int64(4) {
		t.Fatalf("unexpected results: %v", results)
	}
}

func TestEngineAddFactsCancelled(t *testing.T) {
	engine := newTestEngine(t, 100)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := engine.AddFacts(ctx, []Fact{FillFact("s", "f", "v", nil)}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestToConstantRoundTrip(t *testing.T) {
	tests := []struct {
		in   interface{}
		want interface{}
	}{
		{"text", "text"},
		{42, int64(42)},
		{int64(7), int64(7)},
		{1.5, 1.5},
		{true, "true"},
		{false, "false"},
		{[]int{1}, "[1]"},
	}
	for _, tt := range tests {
		if got := convertConstant(toConstant(tt.in)); got != tt.want {
			t.Errorf("toConstant(%v): expected %v (%T), got %v (%T)", tt.in, tt.want, tt.want, got, got)
		}
	}
}
