package proxy

import (
	"net"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	socks5d "github.com/vantage-io/socks5d"
	"github.com/vantage-io/socks5d/internal/mux"
	"github.com/vantage-io/socks5d/internal/ring"
	"github.com/vantage-io/socks5d/internal/socks5"
	"github.com/vantage-io/socks5d/internal/stm"
)

// bufferSize bounds both per-direction staging rings. It comfortably
// covers the largest setup-phase message (a 262-byte CONNECT request with
// a full domain name) and gives the relay phase a generous window before
// a slow peer triggers backpressure.
const bufferSize = 32 * 1024

// Connection is one client's SOCKS5 session: its two sockets, the staging
// buffers that decouple their read and write readiness, the wire parsers,
// and the phase machine driving all of it. Touched only by the event-loop
// goroutine — never synchronized, by design.
type Connection struct {
	core *Core

	clientFD  int
	originFD  int
	clientReg *mux.Registration
	originReg *mux.Registration

	machine *stm.Machine[*Connection]
	// activeFD names which descriptor's readiness triggered the dispatch
	// currently unwinding. Phases where both connection's fds share a
	// phase (REQUEST_CONNECT, RELAY) consult it to tell client-side
	// readiness from origin-side readiness.
	activeFD int

	// c2o carries bytes the client sent, destined for the origin: a
	// scratch parse buffer before an origin fd exists, then the live
	// client->origin relay path once RELAY begins.
	c2o *ring.Buffer
	// o2c carries every client-bound byte: method/auth/request replies
	// during setup, then origin->client relay bytes during RELAY.
	o2c *ring.Buffer

	greeting *socks5.GreetingParser
	auth     *socks5.AuthParser
	request  *socks5.RequestParser

	username      string
	authenticated bool

	candidates   []net.IP
	candidateIdx int
	triedAny     bool
	dnsToken     uuid.UUID

	// afterFlush is where PhaseFlush goes once o2c is fully drained to
	// the client; set by whichever setup phase queued the reply.
	afterFlush stm.State
	lastErr    *socks5d.Error

	clientEOF        bool
	originEOF        bool
	clientReadPaused bool
	originReadPaused bool

	relayOpened bool

	lastActivity time.Time
	torndown     bool
}

func newConnection(core *Core, clientFD int) *Connection {
	c := &Connection{
		core:         core,
		clientFD:     clientFD,
		originFD:     -1,
		c2o:          ring.New(bufferSize),
		o2c:          ring.New(bufferSize),
		greeting:     socks5.NewGreetingParser(),
		auth:         socks5.NewAuthParser(),
		request:      socks5.NewRequestParser(),
		lastActivity: time.Now(),
	}
	c.machine = stm.New(core.table, c)
	return c
}

// fill reads as much as is currently available on fd into buf, stopping at
// EAGAIN, a short read, or capacity. eof is true only on an orderly
// zero-byte read (the peer closed its write side).
func (c *Connection) fill(fd int, buf *ring.Buffer) (eof bool, err error) {
	for buf.CanWrite() {
		span := buf.WritableSpan()
		n, rerr := unix.Read(fd, span)
		if n > 0 {
			buf.AdvanceWrite(n)
			c.lastActivity = time.Now()
		}
		switch rerr {
		case nil:
			if n == 0 {
				return true, nil
			}
			if n < len(span) {
				return false, nil
			}
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return false, nil
		default:
			return false, rerr
		}
	}
	return false, nil
}

// drain writes as much of buf's readable span to fd as the socket will
// currently accept, stopping at EAGAIN or exhaustion. written reports how
// many bytes were actually delivered to fd, for byte-counted metrics.
func (c *Connection) drain(fd int, buf *ring.Buffer) (written int, err error) {
	for buf.CanRead() {
		span := buf.ReadableSpan()
		n, werr := unix.Write(fd, span)
		if n > 0 {
			buf.AdvanceRead(n)
			c.lastActivity = time.Now()
			written += n
		}
		switch werr {
		case nil:
			if n == 0 {
				return written, nil
			}
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return written, nil
		default:
			return written, werr
		}
	}
	return written, nil
}

// beginFlush attempts to drain o2c to the client immediately. If it fully
// drains, the phase machine can skip PhaseFlush and go straight to
// afterFlush; otherwise it parks in PhaseFlush until the client socket is
// writable again.
func (c *Connection) beginFlush() stm.State {
	if _, err := c.drain(c.clientFD, c.o2c); err != nil {
		return c.errorOut("FLUSH", socks5d.ReasonFatalIO, err)
	}
	if c.o2c.CanRead() {
		return PhaseFlush
	}
	return c.afterFlush
}

// replyAndClose queues a CONNECT reply carrying code and the zero address,
// then tears the connection down once the client has received it.
func (c *Connection) replyAndClose(code byte) stm.State {
	reply := socks5.EncodeReply(code, socks5.ATYPIPv4, []byte{0, 0, 0, 0}, 0)
	n := copy(c.o2c.WritableSpan(), reply)
	c.o2c.AdvanceWrite(n)
	c.afterFlush = PhaseError
	return c.beginFlush()
}

func (c *Connection) errorOut(op string, reason socks5d.Reason, err error) stm.State {
	if err != nil {
		c.lastErr = socks5d.Wrap(op, reason, err)
	} else {
		c.lastErr = socks5d.New(op, reason, "connection terminated")
	}
	return PhaseError
}

// idleFor reports how long the connection has gone without client or
// origin activity, for the core's idle-timeout sweep.
func (c *Connection) idleFor(now time.Time) time.Duration {
	return now.Sub(c.lastActivity)
}

// recordBytes feeds n bytes of relayed traffic into both the global byte
// counter and the authenticated user's per-user counter. A no-auth session
// still counts toward the global total but has no username to attribute it
// to.
func (c *Connection) recordBytes(n int) {
	if n <= 0 {
		return
	}
	c.core.metrics.AddBytes(uint64(n))
	if c.username != "" {
		c.core.store.UpdateMetrics(c.username, uint64(n))
	}
}
