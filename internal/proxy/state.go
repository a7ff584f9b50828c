// Package proxy is the core of socks5d: the per-connection SOCKS5 state
// machine driven by the mux.Selector event loop, wired to the ring-staged
// I/O, the socks5 wire parsers, the DNS offload worker, and the external
// user store / metrics collaborators.
package proxy

import "github.com/vantage-io/socks5d/internal/stm"

// Phase is the connection phase alphabet: greeting, a generic reply-flush
// phase shared by every setup step, authentication, request parsing,
// address resolution, outbound connect, and relay.
const (
	PhaseGreeting stm.State = iota
	PhaseFlush
	PhaseAuth
	PhaseRequest
	PhaseResolve
	PhaseConnect
	PhaseRelay
	PhaseDone
	PhaseError

	phaseCount
)

var phaseNames = map[stm.State]string{
	PhaseGreeting: "HANDSHAKE",
	PhaseFlush:    "FLUSH",
	PhaseAuth:     "AUTH",
	PhaseRequest:  "REQUEST",
	PhaseResolve:  "REQUEST_RESOLVE",
	PhaseConnect:  "REQUEST_CONNECT",
	PhaseRelay:    "RELAY",
	PhaseDone:     "DONE",
	PhaseError:    "ERROR",
}

func phaseName(p stm.State) string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return "UNKNOWN"
}
