// Package dnsoffload implements the asynchronous DNS resolver: a single
// background worker goroutine drains a bounded request queue, performs a
// blocking hostname lookup, and signals completion back into the
// single-threaded event loop over a self-pipe registered with the
// multiplexer — never through a channel select the loop would have to poll,
// since the loop only ever blocks inside mux.Selector.Select.
//
// The spec this offload is modeled on literally writes a response pointer
// across the pipe. Go discourages passing raw pointers through a kernel
// pipe (unsafe.Pointer round-tripped through an OS fd isn't something the
// runtime's garbage collector can reason about), so the payload itself
// travels over a buffered Go channel; the pipe write is purely the wakeup
// that lets the event loop's epoll_wait return promptly instead of polling.
package dnsoffload

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/vantage-io/socks5d/internal/logging"
	"github.com/vantage-io/socks5d/internal/mux"
)

// ErrQueueFull is returned by Submit when the request queue is at
// capacity. The caller (REQUEST_RESOLVE) must reply with a resolution
// failure in this case rather than blocking the event loop.
var ErrQueueFull = errors.New("dnsoffload: request queue full")

// DefaultQueueCapacity matches the spec's recommended DNS queue depth.
const DefaultQueueCapacity = 100

// Request is a single resolution job: a hostname plus the opaque token the
// caller uses to correlate the eventual Response back to its connection.
type Request struct {
	Host  string
	Token uuid.UUID
}

// Response carries either a resolved address list or an error, tagged with
// the same token the Request carried.
type Response struct {
	Token uuid.UUID
	Addrs []net.IP
	Err   error
}

// Dispatcher routes a completed Response to whatever submitted the
// matching Request. The proxy core implements this by looking the token up
// in its connection table and calling the connection's state machine block
// handler.
type Dispatcher func(resp Response)

// Offload owns the worker goroutine, its request queue, and the self-pipe
// wired into the multiplexer.
type Offload struct {
	reqCh      chan Request
	outbox     chan Response
	dispatch   Dispatcher
	log        *logging.Logger
	pipeRead   int
	pipeWrite  int
	reg        *mux.Registration
	wg         sync.WaitGroup
	stopCh     chan struct{}
	lookupHost func(ctx context.Context, host string) ([]net.IP, error)
}

// New creates an Offload with the given queue capacity, registers its
// self-pipe read end with sel under Read interest, and starts the worker
// goroutine. dispatch is called on the event-loop goroutine (from within
// sel.Select) once per completed resolution.
func New(sel *mux.Selector, capacity int, dispatch Dispatcher) (*Offload, error) {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	fds, err := unix.Pipe2(unix.O_NONBLOCK | unix.O_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("dnsoffload: pipe2: %w", err)
	}

	o := &Offload{
		reqCh:      make(chan Request, capacity),
		outbox:     make(chan Response, capacity),
		dispatch:   dispatch,
		log:        logging.Default().With("component", "dnsoffload"),
		pipeRead:   fds[0],
		pipeWrite:  fds[1],
		stopCh:     make(chan struct{}),
		lookupHost: func(ctx context.Context, host string) ([]net.IP, error) {
			return net.DefaultResolver.LookupIP(ctx, "ip", host)
		},
	}

	reg, err := sel.Register(o.pipeRead, mux.Handler{OnRead: o.handlePipeReadable}, mux.Read, o)
	if err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, fmt.Errorf("dnsoffload: register self-pipe: %w", err)
	}
	o.reg = reg

	o.wg.Add(1)
	go o.run()
	return o, nil
}

// Submit enqueues req for resolution. It never blocks: if the queue is at
// capacity it fails synchronously with ErrQueueFull.
func (o *Offload) Submit(req Request) error {
	select {
	case o.reqCh <- req:
		return nil
	default:
		return ErrQueueFull
	}
}

func (o *Offload) run() {
	defer o.wg.Done()
	for {
		select {
		case req := <-o.reqCh:
			o.resolve(req)
		case <-o.stopCh:
			// Drain whatever was already queued before shutting down; no
			// new Submit calls are expected to race this once the caller
			// has initiated Close, but a best-effort drain keeps behavior
			// deterministic even if one slips through.
			for {
				select {
				case req := <-o.reqCh:
					o.resolve(req)
				default:
					return
				}
			}
		}
	}
}

func (o *Offload) resolve(req Request) {
	addrs, err := o.lookupHost(context.Background(), req.Host)
	o.complete(Response{Token: req.Token, Addrs: addrs, Err: err})
}

// complete hands a finished Response to the outbox and wakes the event
// loop with a single byte on the self-pipe. If the outbox is full (the
// event loop has fallen far behind, or is shutting down) the response is
// dropped rather than blocking the worker forever — the spec's "failed
// pipe write frees the response server-side" in Go terms: nothing to free
// explicitly, but nothing must be leaked onto a goroutine that never
// drains either.
func (o *Offload) complete(resp Response) {
	select {
	case o.outbox <- resp:
	default:
		o.log.Warn("dropping DNS response, outbox full", "token", resp.Token)
		return
	}
	if _, err := unix.Write(o.pipeWrite, []byte{1}); err != nil {
		o.log.Warn("self-pipe write failed, response already queued in outbox", "error", err)
	}
}

// handlePipeReadable is the multiplexer's read callback for the self-pipe.
// It drains every wakeup byte currently available and delivers the
// matching outbox entries to dispatch, on the event-loop goroutine.
func (o *Offload) handlePipeReadable(_ *mux.Registration) {
	buf := make([]byte, 256)
	for {
		n, err := unix.Read(o.pipeRead, buf)
		if n <= 0 || err != nil {
			return
		}
		for i := 0; i < n; i++ {
			select {
			case resp := <-o.outbox:
				o.dispatch(resp)
			default:
				return
			}
		}
	}
}

// Close stops the worker, waits for it to exit, then tears down the
// self-pipe. It follows the shutdown order the spec prescribes: signal the
// worker, join it, then unregister and close the reader end.
func (o *Offload) Close(sel *mux.Selector) error {
	close(o.stopCh)
	o.wg.Wait()

	unix.Close(o.pipeWrite)
	if sel != nil {
		_ = sel.Unregister(o.pipeRead)
	}
	return unix.Close(o.pipeRead)
}
