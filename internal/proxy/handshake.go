package proxy

import (
	"net"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	socks5d "github.com/vantage-io/socks5d"
	"github.com/vantage-io/socks5d/internal/dnsoffload"
	"github.com/vantage-io/socks5d/internal/mux"
	"github.com/vantage-io/socks5d/internal/netutil"
	"github.com/vantage-io/socks5d/internal/socks5"
	"github.com/vantage-io/socks5d/internal/stm"
)

// onGreetingRead parses the method-selection request off the client
// socket, picks a method per the configured auth policy, and queues the
// two-byte reply.
func (c *Connection) onGreetingRead() stm.State {
	eof, err := c.fill(c.clientFD, c.c2o)
	if err != nil {
		return c.errorOut("HANDSHAKE_READ", socks5d.ReasonFatalIO, err)
	}

	consumed, done, perr := c.greeting.Feed(c.c2o.ReadableSpan())
	c.c2o.AdvanceRead(consumed)
	if perr != nil {
		// A version mismatch means the stream isn't trustworthy SOCKS
		// framing; no reply is owed.
		return c.errorOut("HANDSHAKE_READ", socks5d.ReasonParser, perr)
	}
	if !done {
		if eof {
			return c.errorOut("HANDSHAKE_READ", socks5d.ReasonPeerClose, nil)
		}
		return PhaseGreeting
	}

	method := socks5.SelectMethod(c.greeting.Methods, c.core.authEnabled, c.core.preferPassword)
	n := copy(c.o2c.WritableSpan(), []byte{socks5.Version, method})
	c.o2c.AdvanceWrite(n)

	switch method {
	case socks5.MethodNoAcceptable:
		c.afterFlush = PhaseError
	case socks5.MethodUserPass:
		c.afterFlush = PhaseAuth
	default:
		c.afterFlush = PhaseRequest
	}
	return c.beginFlush()
}

// onFlushWrite drains o2c to the client, staying in PhaseFlush until the
// socket accepts the rest, then advances to whichever phase queued it.
func (c *Connection) onFlushWrite() stm.State {
	if _, err := c.drain(c.clientFD, c.o2c); err != nil {
		return c.errorOut("FLUSH", socks5d.ReasonFatalIO, err)
	}
	if c.o2c.CanRead() {
		return PhaseFlush
	}
	return c.afterFlush
}

// onAuthRead parses the RFC 1929 username/password sub-negotiation and
// checks it against the user store.
func (c *Connection) onAuthRead() stm.State {
	eof, err := c.fill(c.clientFD, c.c2o)
	if err != nil {
		return c.errorOut("AUTH_READ", socks5d.ReasonFatalIO, err)
	}

	consumed, done, perr := c.auth.Feed(c.c2o.ReadableSpan())
	c.c2o.AdvanceRead(consumed)
	if perr != nil {
		return c.errorOut("AUTH_READ", socks5d.ReasonParser, perr)
	}
	if !done {
		if eof {
			return c.errorOut("AUTH_READ", socks5d.ReasonPeerClose, nil)
		}
		return PhaseAuth
	}

	ok := c.core.store.Authenticate(string(c.auth.Username), string(c.auth.Password))
	status := socks5.AuthStatusFailure
	if ok {
		status = socks5.AuthStatusSuccess
		c.username = string(c.auth.Username)
		c.authenticated = true
	}
	n := copy(c.o2c.WritableSpan(), []byte{socks5.AuthVersion, status})
	c.o2c.AdvanceWrite(n)

	if ok {
		c.afterFlush = PhaseRequest
	} else {
		c.afterFlush = PhaseError
	}
	return c.beginFlush()
}

// onRequestRead parses the CONNECT request and kicks off address
// resolution: immediate candidate attempts for literal addresses, an
// asynchronous DNS round trip for domain names.
func (c *Connection) onRequestRead() stm.State {
	eof, err := c.fill(c.clientFD, c.c2o)
	if err != nil {
		return c.errorOut("REQUEST_READ", socks5d.ReasonFatalIO, err)
	}

	consumed, done, perr := c.request.Feed(c.c2o.ReadableSpan())
	c.c2o.AdvanceRead(consumed)
	if perr != nil {
		if perr == socks5.ErrUnsupportedATYP {
			return c.replyAndClose(socks5.ReplyAddressTypeNotSupported)
		}
		return c.errorOut("REQUEST_READ", socks5d.ReasonParser, perr)
	}
	if !done {
		if eof {
			return c.errorOut("REQUEST_READ", socks5d.ReasonPeerClose, nil)
		}
		return PhaseRequest
	}

	if c.request.Cmd != socks5.CmdConnect {
		return c.replyAndClose(socks5.ReplyCommandNotSupported)
	}

	if c.request.ATYP == socks5.ATYPDomain {
		return c.beginResolve()
	}
	return c.beginConnectLiteral()
}

// beginConnectLiteral seeds the candidate list with the single literal
// address the client sent and starts attempting it.
func (c *Connection) beginConnectLiteral() stm.State {
	ip := append([]byte(nil), c.request.Addr...)
	c.candidates = []net.IP{net.IP(ip)}
	c.candidateIdx = 0
	return c.attemptCandidates()
}

// beginResolve hands the domain name off to the DNS offload worker and
// parks in PhaseResolve until the answer arrives over the self-pipe.
func (c *Connection) beginResolve() stm.State {
	token := uuid.New()
	req := dnsoffload.Request{Host: c.request.Destination(), Token: token}
	if err := c.core.dns.Submit(req); err != nil {
		return c.replyAndClose(socks5.ReplyGeneralFailure)
	}
	c.dnsToken = token
	c.core.pending[token] = c
	return PhaseResolve
}

// onResolveBlock fires once the DNS offload worker's answer for this
// connection's token arrives.
func (c *Connection) onResolveBlock(payload any) stm.State {
	resp := payload.(dnsoffload.Response)
	if resp.Err != nil || len(resp.Addrs) == 0 {
		return c.replyAndClose(socks5.ReplyHostUnreachable)
	}
	c.candidates = resp.Addrs
	c.candidateIdx = 0
	return c.attemptCandidates()
}

// onEarlyClientRead detects the client hanging up while the server is
// still resolving or connecting, so the connection isn't left parked on a
// destination nobody wants anymore.
func (c *Connection) onEarlyClientRead() stm.State {
	eof, err := c.fill(c.clientFD, c.c2o)
	if err != nil {
		delete(c.core.pending, c.dnsToken)
		return c.errorOut("REQUEST_RESOLVE", socks5d.ReasonFatalIO, err)
	}
	if eof {
		delete(c.core.pending, c.dnsToken)
		return c.errorOut("REQUEST_RESOLVE", socks5d.ReasonPeerClose, nil)
	}
	return c.machine.Current()
}

// attemptCandidates tries each remaining resolved address in turn. A
// synchronous success or a parked non-blocking connect both return
// directly; only once every candidate has failed does it give up.
func (c *Connection) attemptCandidates() stm.State {
	for c.candidateIdx < len(c.candidates) {
		ip := c.candidates[c.candidateIdx]
		c.candidateIdx++
		c.triedAny = true

		fd, inProgress, err := netutil.Connect(ip, int(c.request.Port))
		if err != nil {
			continue
		}

		mask := mux.Mask(0)
		if inProgress {
			mask = mux.Write
		}
		reg, rerr := c.core.sel.Register(fd, mux.Handler{
			OnRead:  c.dispatchOriginRead,
			OnWrite: c.dispatchOriginWrite,
			OnClose: func(reg *mux.Registration) { unix.Close(reg.FD) },
		}, mask, c)
		if rerr != nil {
			unix.Close(fd)
			continue
		}
		c.originFD = fd
		c.originReg = reg

		if inProgress {
			return PhaseConnect
		}
		return c.completeConnect()
	}

	if c.triedAny {
		return c.replyAndClose(socks5.ReplyConnectionRefused)
	}
	return c.replyAndClose(socks5.ReplyHostUnreachable)
}

// onConnectReady fires when the parked non-blocking connect resolves,
// either because the origin socket became writable or because epoll
// surfaced an error/hangup on it.
func (c *Connection) onConnectReady() stm.State {
	if err := netutil.SocketError(c.originFD); err != nil {
		c.core.sel.Unregister(c.originFD)
		c.originFD = -1
		c.originReg = nil
		return c.attemptCandidates()
	}
	return c.completeConnect()
}

// completeConnect builds and queues the success reply, echoing the
// origin-side local address the kernel picked as BND.ADDR/BND.PORT.
func (c *Connection) completeConnect() stm.State {
	atyp := socks5.ATYPIPv4
	addr := []byte{0, 0, 0, 0}
	var port uint16
	if localIP, localPort, err := netutil.LocalAddr(c.originFD); err == nil {
		port = uint16(localPort)
		if ip4 := localIP.To4(); ip4 != nil {
			addr = ip4
		} else {
			atyp = socks5.ATYPIPv6
			addr = localIP.To16()
		}
	}

	reply := socks5.EncodeReply(socks5.ReplySucceeded, atyp, addr, port)
	n := copy(c.o2c.WritableSpan(), reply)
	c.o2c.AdvanceWrite(n)

	c.core.store.LogConnection(c.username, c.request.Destination(), c.request.Port)
	c.core.metrics.ConnectionOpened()
	c.relayOpened = true

	c.afterFlush = PhaseRelay
	return c.beginFlush()
}
