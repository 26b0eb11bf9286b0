package utils

// CallbackGuard tracks whether a client callback is currently executing. The allocator consults it at
// every public entry point, since heap state is mid-update while a callback runs.
type CallbackGuard struct {
	depth int
}

// Run executes fn with the guard raised
func (g *CallbackGuard) Run(fn func()) {
	g.depth++
	defer func() {
		g.depth--
	}()

	fn()
}

// Active returns true while a callback started through Run has not returned
func (g *CallbackGuard) Active() bool {
	return g.depth > 0
}
