package expr

// Scope is the variable context an expression is evaluated against.
// Executions implement it; timers without a live execution use Empty.
type Scope interface {
	// Variables returns the variables visible to expressions. Callers must not mutate it.
	Variables() map[string]any
	// ActivityID identifies the activity the scope is positioned at ("" if none).
	ActivityID() string
}

// MapScope is a Scope backed by a plain map.
type MapScope struct {
	Activity string
	Vars     map[string]any
}

func (s MapScope) Variables() map[string]any { return s.Vars }
func (s MapScope) ActivityID() string        { return s.Activity }

type emptyScope struct{}

func (emptyScope) Variables() map[string]any { return nil }
func (emptyScope) ActivityID() string        { return "" }

// Empty is a stateless scope with no variables: any expression referencing a
// variable fails to evaluate against it.
var Empty Scope = emptyScope{}
