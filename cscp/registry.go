package cscp

// HandlerFunc implements one user-registered or reserved CSCP verb. It
// returns the SUCCESS message/payload/meta triple, or an error which the
// Dispatcher maps onto a non-SUCCESS VerbResult.
type HandlerFunc func(req Request) (message string, payload any, meta map[string]any, err error)

// GuardFunc implements a `_<verb>_is_allowed` predicate: if registered for
// a verb and it returns false, the verb is rejected with ResultInvalid
// without the handler ever running (spec.md §4.4 step 3).
type GuardFunc func(req Request) bool

// entry is one registered command: its handler, optional guard, and the
// one-line summary surfaced by get_commands.
type entry struct {
	handler HandlerFunc
	guard   GuardFunc
	summary string
}

// Registry is the explicit command table of spec.md §9 ("Replace [method
// introspection] with explicit registration: at startup, each satellite
// calls registry.add_command(name, handler, guard?)").
type Registry struct {
	commands map[string]entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{commands: map[string]entry{}}
}

// AddCommand registers handler under name (case-insensitive by convention;
// callers should pass already-lowercased names), with an optional guard.
func (r *Registry) AddCommand(name, summary string, handler HandlerFunc, guard GuardFunc) {
	r.commands[name] = entry{handler: handler, guard: guard, summary: summary}
}

// lookup returns the registered entry for name, if any.
func (r *Registry) lookup(name string) (entry, bool) {
	e, ok := r.commands[name]
	return e, ok
}

// Summaries returns the name -> one-line-summary map used by get_commands.
func (r *Registry) Summaries() map[string]string {
	out := make(map[string]string, len(r.commands))
	for name, e := range r.commands {
		out[name] = e.summary
	}
	return out
}

// Count returns the number of registered commands.
func (r *Registry) Count() int {
	return len(r.commands)
}
