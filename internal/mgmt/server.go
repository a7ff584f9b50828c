package mgmt

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/vantage-io/socks5d/internal/logging"
	"github.com/vantage-io/socks5d/internal/metrics"
	"github.com/vantage-io/socks5d/internal/mux"
	"github.com/vantage-io/socks5d/internal/netutil"
	"github.com/vantage-io/socks5d/internal/ring"
	"github.com/vantage-io/socks5d/internal/userstore"
)

// bufferSize sizes each connection's read/write staging rings. Frames are
// capped at MaxPayload plus a small header, so one buffer comfortably
// holds a full frame without forcing callers to reassemble across reads.
const bufferSize = MaxPayload + 64

// Server runs the management protocol's listener and every accepted
// connection on the caller's mux.Selector — spec.md §4.6's "takes the
// selector as argument", so the admin surface shares the SOCKS5 listener's
// single event loop rather than running one of its own.
type Server struct {
	sel     *mux.Selector
	store   *userstore.Store
	metrics *metrics.Metrics
	log     *logging.Logger

	listenFD int
	listening bool
	conns    map[int]*conn
}

// NewServer constructs a Server. Call Listen to start accepting.
func NewServer(sel *mux.Selector, store *userstore.Store, m *metrics.Metrics, log *logging.Logger) *Server {
	if log == nil {
		log = logging.Default()
	}
	return &Server{
		sel:     sel,
		store:   store,
		metrics: m,
		log:     log.With("component", "mgmt"),
		conns:   make(map[int]*conn),
	}
}

// Listen binds addr and registers the listening socket on the selector.
func (s *Server) Listen(addr string) error {
	fd, err := netutil.ListenTCP(addr)
	if err != nil {
		return err
	}
	s.listenFD = fd
	s.listening = true
	_, err = s.sel.Register(fd, mux.Handler{OnRead: s.acceptLoop}, mux.Read, nil)
	return err
}

// Close unregisters and closes the listener and every open connection.
func (s *Server) Close() error {
	for fd := range s.conns {
		_ = s.sel.Unregister(fd)
	}
	if s.listening {
		s.listening = false
		err := s.sel.Unregister(s.listenFD)
		unix.Close(s.listenFD)
		return err
	}
	return nil
}

func (s *Server) acceptLoop(_ *mux.Registration) {
	for {
		fd, err := netutil.Accept(s.listenFD)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			s.log.Warn("accept failed", "error", err)
			return
		}
		c := &conn{
			fd:     fd,
			srv:    s,
			in:     ring.New(bufferSize),
			out:    ring.New(bufferSize),
			auth:   NewAuthParser(),
			stage:  connStageAuth,
			frame:  NewFrameParser(),
		}
		reg, err := s.sel.Register(fd, mux.Handler{
			OnRead:  c.onReadable,
			OnWrite: c.onWritable,
			OnClose: c.onClosed,
		}, mux.Read, c)
		if err != nil {
			s.log.Warn("register accepted connection failed", "error", err)
			unix.Close(fd)
			continue
		}
		c.reg = reg
		s.conns[fd] = c
	}
}

type connStage int

const (
	connStageAuth connStage = iota
	connStageCommand
)

// conn is one management-protocol client: an auth handshake followed by a
// loop of command/response frames.
type conn struct {
	fd  int
	srv *Server
	reg *mux.Registration

	in  *ring.Buffer
	out *ring.Buffer

	stage    connStage
	auth     *AuthParser
	frame    *FrameParser
	username string
}

func (c *conn) onReadable(reg *mux.Registration) {
	for {
		n, err := unix.Read(c.fd, c.in.WritableSpan())
		if n > 0 {
			c.in.AdvanceWrite(n)
			if !c.process() {
				return
			}
			continue
		}
		if err == nil || n == 0 {
			c.fail()
			return
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		if err == unix.EINTR {
			continue
		}
		c.srv.log.Debug("mgmt read error", "fd", c.fd, "error", err)
		c.fail()
		return
	}
}

// process consumes as much of the staged input as parses cleanly,
// returning false if the connection was closed as a side effect (a
// malformed auth or command frame, or rejected credentials).
func (c *conn) process() bool {
	for {
		span := c.in.ReadableSpan()
		if len(span) == 0 {
			return true
		}
		switch c.stage {
		case connStageAuth:
			consumed, done, err := c.auth.Feed(span)
			c.in.AdvanceRead(consumed)
			if err != nil {
				c.sendAuthStatus(StatusAuthFailed)
				c.fail()
				return false
			}
			if !done {
				if consumed == 0 {
					return true
				}
				continue
			}
			ok := c.srv.store.Authenticate(string(c.auth.Username), string(c.auth.Password))
			if !ok {
				c.sendAuthStatus(StatusAuthFailed)
				c.fail()
				return false
			}
			c.username = string(c.auth.Username)
			c.stage = connStageCommand
			c.sendAuthStatus(StatusOK)
		case connStageCommand:
			consumed, done, err := c.frame.Feed(span)
			c.in.AdvanceRead(consumed)
			if err != nil {
				c.sendResponse(StatusInvalidArgs, nil)
				c.fail()
				return false
			}
			if !done {
				if consumed == 0 {
					return true
				}
				continue
			}
			cmd, payload := c.frame.Command, c.frame.Payload
			c.frame = NewFrameParser()
			status, resp := c.dispatch(cmd, payload)
			c.sendResponse(status, resp)
		}
	}
}

func (c *conn) dispatch(cmd Command, payload []byte) (Status, []byte) {
	if !KnownCommand(cmd) {
		return StatusInvalidCmd, nil
	}
	if u, ok := c.srv.store.GetUser(c.username); !ok || !u.Active {
		return StatusPermissionDenied, nil
	}
	if RequiresAdmin(cmd) && !c.srv.store.IsAdmin(c.username) {
		return StatusPermissionDenied, nil
	}
	switch cmd {
	case CmdGetMetrics:
		snap := c.srv.metrics.Get()
		return StatusOK, EncodeMetricsResponse(uint64(snap.Total), uint64(snap.Current), uint64(snap.Bytes), snap.StartTime)
	case CmdListUsers:
		return StatusOK, EncodeListUsersResponse(c.srv.store.ListUsers())
	case CmdGetUser:
		username, err := DecodeUsernameRequest(payload)
		if err != nil {
			return StatusInvalidArgs, nil
		}
		u, ok := c.srv.store.GetUser(username)
		if !ok {
			return StatusUserNotFound, nil
		}
		return StatusOK, EncodeGetUserResponse(u)
	case CmdAddUser:
		username, password, role, err := DecodeAddUserRequest(payload)
		if err != nil {
			return StatusInvalidArgs, nil
		}
		if err := c.srv.store.AddUser(username, password, role); err != nil {
			if errors.Is(err, userstore.ErrUserExists) {
				return StatusUserExists, nil
			}
			return StatusError, nil
		}
		return StatusOK, nil
	case CmdDelUser:
		username, err := DecodeUsernameRequest(payload)
		if err != nil {
			return StatusInvalidArgs, nil
		}
		if err := c.srv.store.DelUser(username); err != nil {
			return StatusUserNotFound, nil
		}
		return StatusOK, nil
	case CmdListConnections:
		return StatusOK, EncodeListConnectionsResponse(c.srv.store.RecentConnections(0))
	case CmdChangePassword:
		username, password, err := DecodeChangePasswordRequest(payload)
		if err != nil {
			return StatusInvalidArgs, nil
		}
		if err := c.srv.store.ChangePassword(username, password); err != nil {
			return StatusUserNotFound, nil
		}
		return StatusOK, nil
	case CmdChangeRole:
		username, role, err := DecodeChangeRoleRequest(payload)
		if err != nil {
			return StatusInvalidArgs, nil
		}
		if err := c.srv.store.ChangeRole(username, role); err != nil {
			return StatusUserNotFound, nil
		}
		return StatusOK, nil
	default:
		return StatusInvalidCmd, nil
	}
}

func (c *conn) sendAuthStatus(status Status) {
	c.queue(EncodeAuthResponse(status))
}

func (c *conn) sendResponse(status Status, payload []byte) {
	c.queue(EncodeResponse(status, payload))
}

func (c *conn) queue(frame []byte) {
	n := copy(c.out.WritableSpan(), frame)
	c.out.AdvanceWrite(n)
	if n < len(frame) {
		c.srv.log.Warn("mgmt response dropped, output buffer full", "fd", c.fd)
	}
	_ = c.reg.SetInterest(mux.Read | mux.Write)
	c.onWritable(c.reg)
}

func (c *conn) onWritable(reg *mux.Registration) {
	for c.out.Len() > 0 {
		n, err := unix.Write(c.fd, c.out.ReadableSpan())
		if n > 0 {
			c.out.AdvanceRead(n)
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		if err == unix.EINTR {
			continue
		}
		c.fail()
		return
	}
	_ = reg.SetInterest(mux.Read)
}

func (c *conn) fail() {
	delete(c.srv.conns, c.fd)
	_ = c.srv.sel.Unregister(c.fd)
}

func (c *conn) onClosed(_ *mux.Registration) {
	delete(c.srv.conns, c.fd)
	unix.Close(c.fd)
}
