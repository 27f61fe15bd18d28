package overair

import "sync"

// RestartFunc performs the actual host restart. Injected so the install path
// never reaches back into host machinery directly.
type RestartFunc func()

// RestartGate lets the host defer restarts during sensitive operations. It
// has two states: allowed, where requests run immediately, and blocked,
// where the most recent request is held until Allow is called.
type RestartGate struct {
	log Logger

	mu      sync.Mutex
	blocked bool
	pending RestartFunc
}

// NewRestartGate returns a gate in the allowed state.
func NewRestartGate(log Logger) *RestartGate {
	return &RestartGate{log: log}
}

// Disallow blocks restart requests until Allow is called.
func (g *RestartGate) Disallow() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.blocked = true
}

// Allow unblocks the gate and runs the held request, if any.
func (g *RestartGate) Allow() {
	g.mu.Lock()
	g.blocked = false
	action := g.pending
	g.pending = nil
	g.mu.Unlock()

	if action != nil {
		if g.log != nil {
			g.log.Info("Restart gate reopened, running deferred restart")
		}
		action()
	}
}

// Request runs the action immediately when the gate is open, or holds it
// until Allow otherwise. A newer request replaces a held one. Returns
// whether the action ran immediately.
func (g *RestartGate) Request(action RestartFunc) bool {
	g.mu.Lock()
	if g.blocked {
		g.pending = action
		g.mu.Unlock()
		if g.log != nil {
			g.log.Info("Restart requested while gate is blocked, deferring")
		}
		return false
	}
	g.mu.Unlock()

	action()
	return true
}

// Blocked reports whether the gate currently holds restart requests.
func (g *RestartGate) Blocked() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.blocked
}
