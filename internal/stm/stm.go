// Package stm implements the generic state-machine runner the SOCKS5
// protocol driver rides on: a dense table of states, each with optional
// arrival/departure/read/write/block handlers, transitioning on whatever
// state identifier the fired handler returns.
//
// Unlike the teacher's C-derived runner (which indexes a table by raw
// integer and panics on an out-of-range entry), State here is a typed,
// compiler-checked enum per state machine instantiation, and table density
// is a precondition validated once at construction rather than at every
// dispatch.
package stm

import "fmt"

// State identifies one state in a Table. Concrete state machines define
// their own named constants of this type starting at 0.
type State int

// Entry is one state's handler set. Any handler may be nil, in which case
// the corresponding event is a no-op for that state and the machine stays
// put. OnRead/OnWrite/OnBlock return the next state; returning the current
// state is a plain no-transition event.
type Entry[Ctx any] struct {
	OnArrival   func(ctx Ctx)
	OnDeparture func(ctx Ctx)
	OnRead      func(ctx Ctx) State
	OnWrite     func(ctx Ctx) State
	OnBlock     func(ctx Ctx, payload any) State
	// Terminal marks a state as DONE/ERROR-like: once entered, the machine
	// must never leave it. The surrounding loop is expected to tear the
	// connection down instead of dispatching further events, but Table
	// guards against a handler bug sending one more transition anyway.
	Terminal bool
}

// Table is a validated, dense state table: entry i is the Entry for
// State(i). Construct with NewTable; the zero value is not usable.
type Table[Ctx any] struct {
	entries []Entry[Ctx]
	initial State
}

// NewTable validates that entries is non-empty and that initial lies within
// bounds, then returns a ready-to-use Table. Density falls out of using a
// slice: entry i always describes State(i), so there is no separate
// "identifier" field to get out of sync with its position.
func NewTable[Ctx any](entries []Entry[Ctx], initial State) (*Table[Ctx], error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("stm: table must have at least one state")
	}
	if int(initial) < 0 || int(initial) >= len(entries) {
		return nil, fmt.Errorf("stm: initial state %d out of bounds [0,%d)", initial, len(entries))
	}
	return &Table[Ctx]{entries: entries, initial: initial}, nil
}

// IsTerminal reports whether s is a terminal state in this table.
func (t *Table[Ctx]) IsTerminal(s State) bool { return t.entries[s].Terminal }

// Machine runs one instance of a Table against one Ctx (typically a
// pointer to the owning connection). A Machine is not safe for concurrent
// use; the proxy core drives it only from the single event-loop goroutine.
type Machine[Ctx any] struct {
	table   *Table[Ctx]
	ctx     Ctx
	current State
	started bool
}

// New creates a Machine over table, bound to ctx. The initial state's
// arrival hook does not fire until the first dispatched event, per the
// runner contract in the design: "on the first event delivered, the runner
// fires the initial state's arrival hook."
func New[Ctx any](table *Table[Ctx], ctx Ctx) *Machine[Ctx] {
	return &Machine[Ctx]{table: table, ctx: ctx, current: table.initial}
}

// Current returns the machine's current state.
func (m *Machine[Ctx]) Current() State { return m.current }

// IsTerminal reports whether the machine is currently in a terminal state.
func (m *Machine[Ctx]) IsTerminal() bool { return m.table.IsTerminal(m.current) }

func (m *Machine[Ctx]) ensureStarted() {
	if m.started {
		return
	}
	m.started = true
	if arr := m.table.entries[m.current].OnArrival; arr != nil {
		arr(m.ctx)
	}
}

func (m *Machine[Ctx]) transition(next State) {
	if next == m.current {
		return
	}
	if m.table.IsTerminal(m.current) {
		panic(fmt.Sprintf("stm: illegal transition out of terminal state %d to %d", m.current, next))
	}
	if dep := m.table.entries[m.current].OnDeparture; dep != nil {
		dep(m.ctx)
	}
	m.current = next
	if arr := m.table.entries[m.current].OnArrival; arr != nil {
		arr(m.ctx)
	}
}

// DispatchRead fires the current state's read handler, if any, and applies
// whatever transition it requests.
func (m *Machine[Ctx]) DispatchRead() {
	m.ensureStarted()
	h := m.table.entries[m.current].OnRead
	if h == nil {
		return
	}
	m.transition(h(m.ctx))
}

// DispatchWrite fires the current state's write handler, if any, and
// applies whatever transition it requests.
func (m *Machine[Ctx]) DispatchWrite() {
	m.ensureStarted()
	h := m.table.entries[m.current].OnWrite
	if h == nil {
		return
	}
	m.transition(h(m.ctx))
}

// DispatchBlock fires the current state's block handler (the completion of
// a cross-thread operation, e.g. a DNS answer) with the given payload, and
// applies whatever transition it requests.
func (m *Machine[Ctx]) DispatchBlock(payload any) {
	m.ensureStarted()
	h := m.table.entries[m.current].OnBlock
	if h == nil {
		return
	}
	m.transition(h(m.ctx, payload))
}
