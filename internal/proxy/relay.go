package proxy

import (
	socks5d "github.com/vantage-io/socks5d"
	"github.com/vantage-io/socks5d/internal/mux"
	"github.com/vantage-io/socks5d/internal/stm"
)

// recomputeInterest derives each socket's interest mask from its pause
// state and the buffer it would write from, and applies it. Called after
// every relay-phase read or write rather than threaded through every call
// site, so backpressure bookkeeping lives in one place.
func (c *Connection) recomputeInterest() {
	if c.clientReg != nil {
		mask := mux.Mask(0)
		if !c.clientReadPaused && !c.clientEOF {
			mask |= mux.Read
		}
		if c.o2c.CanRead() {
			mask |= mux.Write
		}
		c.clientReg.SetInterest(mask)
	}
	if c.originReg != nil {
		mask := mux.Mask(0)
		if !c.originReadPaused && !c.originEOF {
			mask |= mux.Read
		}
		if c.c2o.CanRead() {
			mask |= mux.Write
		}
		c.originReg.SetInterest(mask)
	}
}

// updatePauseFlags stops reading from a side once its destination buffer
// is full (P-BACKPRESSURE): a full c2o pauses client reads, a full o2c
// pauses origin reads. Draining past the high point resumes reading the
// very next time recomputeInterest runs.
func (c *Connection) updatePauseFlags() {
	c.clientReadPaused = !c.c2o.CanWrite()
	c.originReadPaused = !c.o2c.CanWrite()
}

// relayStep opportunistically drains both directions, updates
// backpressure state, and decides whether either side has gone quiet for
// good.
func (c *Connection) relayStep() stm.State {
	toOrigin, err := c.drain(c.originFD, c.c2o)
	c.recordBytes(toOrigin)
	if err != nil {
		return c.teardownRelay("RELAY", socks5d.ReasonFatalIO, err)
	}
	toClient, err := c.drain(c.clientFD, c.o2c)
	c.recordBytes(toClient)
	if err != nil {
		return c.teardownRelay("RELAY", socks5d.ReasonFatalIO, err)
	}

	c.updatePauseFlags()
	c.recomputeInterest()

	if c.clientEOF && !c.c2o.CanRead() {
		return c.teardownRelay("RELAY", socks5d.ReasonPeerClose, nil)
	}
	if c.originEOF && !c.o2c.CanRead() {
		return c.teardownRelay("RELAY", socks5d.ReasonPeerClose, nil)
	}
	return PhaseRelay
}

func (c *Connection) teardownRelay(op string, reason socks5d.Reason, err error) stm.State {
	if reason == socks5d.ReasonPeerClose && err == nil {
		return PhaseDone
	}
	return c.errorOut(op, reason, err)
}

// onRelayRead handles readiness on whichever fd triggered it — activeFD
// disambiguates, since both client and origin share the RELAY phase.
func (c *Connection) onRelayRead() stm.State {
	if c.activeFD == c.clientFD {
		eof, err := c.fill(c.clientFD, c.c2o)
		if err != nil {
			return c.teardownRelay("RELAY", socks5d.ReasonFatalIO, err)
		}
		c.clientEOF = eof
	} else {
		eof, err := c.fill(c.originFD, c.o2c)
		if err != nil {
			return c.teardownRelay("RELAY", socks5d.ReasonFatalIO, err)
		}
		c.originEOF = eof
	}
	return c.relayStep()
}

// onRelayWrite just re-runs the step: whichever side became writable will
// have its pending buffer drained.
func (c *Connection) onRelayWrite() stm.State {
	return c.relayStep()
}
