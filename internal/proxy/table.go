package proxy

import (
	"github.com/google/uuid"

	"github.com/vantage-io/socks5d/internal/mux"
	"github.com/vantage-io/socks5d/internal/stm"
)

// buildTable assembles the dense phase table once, at Core construction
// time, and every Connection's Machine runs against the same *stm.Table.
func buildTable() (*stm.Table[*Connection], error) {
	entries := make([]stm.Entry[*Connection], phaseCount)

	entries[PhaseGreeting] = stm.Entry[*Connection]{
		OnArrival: func(c *Connection) { c.clientReg.SetInterest(mux.Read) },
		OnRead:    (*Connection).onGreetingRead,
	}
	entries[PhaseFlush] = stm.Entry[*Connection]{
		OnArrival: func(c *Connection) { c.clientReg.SetInterest(mux.Write) },
		OnWrite:   (*Connection).onFlushWrite,
	}
	entries[PhaseAuth] = stm.Entry[*Connection]{
		OnArrival: func(c *Connection) { c.clientReg.SetInterest(mux.Read) },
		OnRead:    (*Connection).onAuthRead,
	}
	entries[PhaseRequest] = stm.Entry[*Connection]{
		OnArrival: func(c *Connection) { c.clientReg.SetInterest(mux.Read) },
		OnRead:    (*Connection).onRequestRead,
	}
	entries[PhaseResolve] = stm.Entry[*Connection]{
		OnArrival: func(c *Connection) { c.clientReg.SetInterest(mux.Read) },
		OnRead:    func(c *Connection) stm.State { return c.onEarlyClientRead() },
		OnBlock:   func(c *Connection, payload any) stm.State { return c.onResolveBlock(payload) },
	}
	entries[PhaseConnect] = stm.Entry[*Connection]{
		OnArrival: func(c *Connection) { c.clientReg.SetInterest(mux.Read) },
		OnRead: func(c *Connection) stm.State {
			if c.activeFD == c.clientFD {
				return c.onEarlyClientRead()
			}
			return c.onConnectReady()
		},
		OnWrite: func(c *Connection) stm.State { return c.onConnectReady() },
	}
	entries[PhaseRelay] = stm.Entry[*Connection]{
		OnArrival: func(c *Connection) { c.recomputeInterest() },
		OnRead:    (*Connection).onRelayRead,
		OnWrite:   (*Connection).onRelayWrite,
	}
	entries[PhaseDone] = stm.Entry[*Connection]{
		OnArrival: func(c *Connection) { c.teardown() },
		Terminal:  true,
	}
	entries[PhaseError] = stm.Entry[*Connection]{
		OnArrival: func(c *Connection) { c.teardown() },
		Terminal:  true,
	}

	return stm.NewTable(entries, PhaseGreeting)
}

// The four mux-facing entry points. Each stamps activeFD so a phase whose
// OnRead/OnWrite is shared by both the client and origin descriptors
// (PhaseConnect, PhaseRelay) can tell which one fired, then dispatches
// exactly once — these are the only places Connection ever calls into its
// own Machine; every handler above returns its next state directly
// instead of dispatching again, since Table.transition only applies the
// state a handler returns once that handler itself has returned.
func (c *Connection) onClientReadable(_ *mux.Registration) {
	c.activeFD = c.clientFD
	c.machine.DispatchRead()
}

func (c *Connection) onClientWritable(_ *mux.Registration) {
	c.activeFD = c.clientFD
	c.machine.DispatchWrite()
}

func (c *Connection) dispatchOriginRead(_ *mux.Registration) {
	c.activeFD = c.originFD
	c.machine.DispatchRead()
}

func (c *Connection) dispatchOriginWrite(_ *mux.Registration) {
	c.activeFD = c.originFD
	c.machine.DispatchWrite()
}

// teardown closes whatever fds this connection still owns and removes it
// from the core's bookkeeping. Idempotent: the phase machine guarantees
// PhaseDone/PhaseError are entered at most once (Terminal forbids leaving
// them, and transition() is a no-op when next == current), but teardown
// itself also guards on torndown since both Unregister and Close callbacks
// can in principle observe the same connection during selector shutdown.
func (c *Connection) teardown() {
	if c.torndown {
		return
	}
	c.torndown = true

	if c.dnsToken != (uuid.UUID{}) {
		delete(c.core.pending, c.dnsToken)
	}
	delete(c.core.conns, c.clientFD)

	c.core.sel.Unregister(c.clientFD)
	if c.originFD >= 0 {
		c.core.sel.Unregister(c.originFD)
	}

	if c.relayOpened {
		c.core.metrics.ConnectionClosed()
	}
	if c.lastErr != nil {
		c.core.log.Debug("connection closed", "phase", phaseName(c.machine.Current()), "err", c.lastErr.Error())
	}
}
