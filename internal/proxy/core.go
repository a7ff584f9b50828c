package proxy

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/vantage-io/socks5d/internal/dnsoffload"
	"github.com/vantage-io/socks5d/internal/logging"
	"github.com/vantage-io/socks5d/internal/metrics"
	"github.com/vantage-io/socks5d/internal/mux"
	"github.com/vantage-io/socks5d/internal/netutil"
	"github.com/vantage-io/socks5d/internal/stm"
	"github.com/vantage-io/socks5d/internal/userstore"
)

// Config carries the policy knobs the proxy core needs that originate
// from the command line rather than from protocol state.
type Config struct {
	AuthEnabled    bool
	PreferPassword bool
	IdleTimeout    time.Duration
	DNSQueueDepth  int
}

// Core owns the listening socket and every live Connection, and is the
// Dispatcher the DNS offload worker calls back into.
type Core struct {
	sel     *mux.Selector
	dns     *dnsoffload.Offload
	store   *userstore.Store
	metrics *metrics.Metrics
	log     *logging.Logger
	table   *stm.Table[*Connection]

	authEnabled    bool
	preferPassword bool
	idleTimeout    time.Duration

	listenFD int
	listening bool
	conns     map[int]*Connection
	pending   map[uuid.UUID]*Connection
}

// New builds a Core. The DNS offload worker is constructed internally so
// its Dispatcher can close over the Core's own pending-token table.
func New(sel *mux.Selector, store *userstore.Store, m *metrics.Metrics, log *logging.Logger, cfg Config) (*Core, error) {
	if log == nil {
		log = logging.Default()
	}
	table, err := buildTable()
	if err != nil {
		return nil, fmt.Errorf("proxy: build table: %w", err)
	}

	core := &Core{
		sel:            sel,
		store:          store,
		metrics:        m,
		log:            log.With("component", "proxy"),
		table:          table,
		authEnabled:    cfg.AuthEnabled,
		preferPassword: cfg.PreferPassword,
		idleTimeout:    cfg.IdleTimeout,
		listenFD:       -1,
		conns:          make(map[int]*Connection),
		pending:        make(map[uuid.UUID]*Connection),
	}

	dns, err := dnsoffload.New(sel, cfg.DNSQueueDepth, core.dispatchDNS)
	if err != nil {
		return nil, fmt.Errorf("proxy: start dns offload: %w", err)
	}
	core.dns = dns
	return core, nil
}

// Listen binds and starts accepting connections on addr.
func (core *Core) Listen(addr string) error {
	fd, err := netutil.ListenTCP(addr)
	if err != nil {
		return fmt.Errorf("proxy: listen %s: %w", addr, err)
	}
	_, err = core.sel.Register(fd, mux.Handler{OnRead: core.acceptLoop}, mux.Read, core)
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("proxy: register listener: %w", err)
	}
	core.listenFD = fd
	core.listening = true
	core.log.Info("listening", "addr", addr)
	return nil
}

func (core *Core) acceptLoop(_ *mux.Registration) {
	for {
		fd, err := netutil.Accept(core.listenFD)
		if err != nil {
			if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
				core.log.Warn("accept failed", "error", err)
			}
			return
		}

		c := newConnection(core, fd)
		reg, rerr := core.sel.Register(fd, mux.Handler{
			OnRead:  c.onClientReadable,
			OnWrite: c.onClientWritable,
			OnClose: func(reg *mux.Registration) { unix.Close(reg.FD) },
		}, mux.Read, c)
		if rerr != nil {
			core.log.Warn("register accepted connection failed", "error", rerr)
			unix.Close(fd)
			continue
		}
		c.clientReg = reg
		core.conns[fd] = c
	}
}

// dispatchDNS is the dnsoffload.Dispatcher: it looks the response's token
// up in the pending table and, if the waiting connection is still around,
// feeds the response into its Machine's block handler. A token with no
// match means the connection already tore itself down (client hung up
// mid-resolve) and the late answer is simply dropped.
func (core *Core) dispatchDNS(resp dnsoffload.Response) {
	c, ok := core.pending[resp.Token]
	if !ok {
		return
	}
	delete(core.pending, resp.Token)
	c.machine.DispatchBlock(resp)
}

// SweepIdle tears down any connection that has gone longer than the
// configured idle timeout without client or origin activity. Called
// periodically by the owning command's main loop.
func (core *Core) SweepIdle() {
	if core.idleTimeout <= 0 {
		return
	}
	now := time.Now()
	var stale []*Connection
	for _, c := range core.conns {
		if c.idleFor(now) > core.idleTimeout {
			stale = append(stale, c)
		}
	}
	for _, c := range stale {
		c.lastErr = nil
		c.teardown()
	}
}

// ConnectionCount returns the number of connections currently tracked,
// regardless of phase.
func (core *Core) ConnectionCount() int { return len(core.conns) }

// Close tears down every live connection and the listener, then stops the
// DNS offload worker.
func (core *Core) Close() error {
	for _, c := range core.conns {
		c.teardown()
	}
	if core.listening {
		core.sel.Unregister(core.listenFD)
		core.listening = false
	}
	return core.dns.Close(core.sel)
}
