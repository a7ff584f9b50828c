package socks5

import "errors"

var (
	ErrBadVersion = errors.New("socks5: unsupported protocol version")
	ErrNoMethods  = errors.New("socks5: nmethods must be at least 1")
)

type greetingStage int

const (
	greetingVersion greetingStage = iota
	greetingNMethods
	greetingMethods
	greetingDone
)

// GreetingParser incrementally parses the RFC 1928 method-selection
// request: version, nmethods, then nmethods method bytes.
type GreetingParser struct {
	stage    greetingStage
	nMethods int
	Methods  []byte
}

// NewGreetingParser returns a parser ready to consume a fresh greeting.
func NewGreetingParser() *GreetingParser { return &GreetingParser{} }

// Feed consumes as many leading bytes of data as the parser currently
// needs. consumed is always <= len(data). done is true once a complete,
// well-formed greeting has been parsed (Methods is then final) or once a
// protocol violation was detected, in which case err is non-nil and the
// caller should route to the ERROR phase without sending a method-selection
// reply (a version mismatch means the rest of the stream is not trustworthy
// SOCKS framing at all).
func (p *GreetingParser) Feed(data []byte) (consumed int, done bool, err error) {
	i := 0
	for i < len(data) {
		switch p.stage {
		case greetingVersion:
			if data[i] != Version {
				return i + 1, true, ErrBadVersion
			}
			p.stage = greetingNMethods
			i++
		case greetingNMethods:
			p.nMethods = int(data[i])
			i++
			if p.nMethods < 1 {
				return i, true, ErrNoMethods
			}
			p.Methods = make([]byte, 0, p.nMethods)
			p.stage = greetingMethods
		case greetingMethods:
			p.Methods = append(p.Methods, data[i])
			i++
			if len(p.Methods) == p.nMethods {
				p.stage = greetingDone
				return i, true, nil
			}
		case greetingDone:
			return i, true, nil
		}
	}
	return i, p.stage == greetingDone, nil
}

// Done reports whether the greeting has been fully parsed.
func (p *GreetingParser) Done() bool { return p.stage == greetingDone }
