package socks5

import "errors"

var (
	ErrAuthBadVersion   = errors.New("socks5: unsupported auth sub-negotiation version")
	ErrAuthEmptyUser    = errors.New("socks5: empty username")
	ErrAuthEmptyPass    = errors.New("socks5: empty password")
)

type authStage int

const (
	authVersion authStage = iota
	authULen
	authUser
	authPLen
	authPass
	authDone
)

// AuthParser incrementally parses the RFC 1929 username/password
// sub-negotiation request: version, ulen, username, plen, password. Both
// length-prefixed fields must be non-empty.
type AuthParser struct {
	stage                authStage
	uLen, pLen           int
	Username, Password   []byte
}

// NewAuthParser returns a parser ready to consume a fresh auth request.
func NewAuthParser() *AuthParser { return &AuthParser{} }

// Feed behaves like GreetingParser.Feed: consumes a prefix of data, reports
// how much it used, and signals completion or a protocol violation.
func (p *AuthParser) Feed(data []byte) (consumed int, done bool, err error) {
	i := 0
	for i < len(data) {
		switch p.stage {
		case authVersion:
			if data[i] != AuthVersion {
				return i + 1, true, ErrAuthBadVersion
			}
			p.stage = authULen
			i++
		case authULen:
			p.uLen = int(data[i])
			i++
			if p.uLen < 1 {
				return i, true, ErrAuthEmptyUser
			}
			p.Username = make([]byte, 0, p.uLen)
			p.stage = authUser
		case authUser:
			p.Username = append(p.Username, data[i])
			i++
			if len(p.Username) == p.uLen {
				p.stage = authPLen
			}
		case authPLen:
			p.pLen = int(data[i])
			i++
			if p.pLen < 1 {
				return i, true, ErrAuthEmptyPass
			}
			p.Password = make([]byte, 0, p.pLen)
			p.stage = authPass
		case authPass:
			p.Password = append(p.Password, data[i])
			i++
			if len(p.Password) == p.pLen {
				p.stage = authDone
				return i, true, nil
			}
		case authDone:
			return i, true, nil
		}
	}
	return i, p.stage == authDone, nil
}

// Done reports whether the auth request has been fully parsed.
func (p *AuthParser) Done() bool { return p.stage == authDone }
