package mgmt

import (
	"encoding/binary"
	"errors"
)

var (
	ErrAuthBadVersion  = errors.New("mgmt: unsupported auth frame version")
	ErrFrameBadVersion = errors.New("mgmt: unsupported command frame version")
	ErrPayloadTooLarge = errors.New("mgmt: payload exceeds maximum frame size")
)

// MaxPayload bounds a single frame's payload, matching the 2048/8192 byte
// fixed buffers original_source/src/admin/admin_protocol.h declares for
// request/response data — large enough for a few hundred user or
// connection-log rows without an attacker driving unbounded allocation.
const MaxPayload = 8192

type authStage int

const (
	authStageVersion authStage = iota
	authStageULen
	authStageUser
	authStageLen2
	authStagePass
	authStageDone
)

// AuthParser incrementally assembles one ⟨version, ulen, user, plen,
// pass⟩ auth frame, byte at a time or in arbitrary chunks — the same
// Feed-based shape internal/socks5's parsers use.
type AuthParser struct {
	stage    authStage
	uLen     int
	pLen     int
	Username []byte
	Password []byte
}

func NewAuthParser() *AuthParser {
	return &AuthParser{}
}

func (p *AuthParser) Done() bool { return p.stage == authStageDone }

func (p *AuthParser) Feed(data []byte) (consumed int, done bool, err error) {
	for consumed < len(data) {
		b := data[consumed]
		switch p.stage {
		case authStageVersion:
			if b != Version {
				return consumed, false, ErrAuthBadVersion
			}
			p.stage = authStageULen
			consumed++
		case authStageULen:
			p.uLen = int(b)
			p.Username = make([]byte, 0, p.uLen)
			consumed++
			if p.uLen == 0 {
				p.stage = authStageLen2
			} else {
				p.stage = authStageUser
			}
		case authStageUser:
			need := p.uLen - len(p.Username)
			n := min(need, len(data)-consumed)
			p.Username = append(p.Username, data[consumed:consumed+n]...)
			consumed += n
			if len(p.Username) == p.uLen {
				p.stage = authStageLen2
			}
		case authStageLen2:
			p.pLen = int(b)
			p.Password = make([]byte, 0, p.pLen)
			consumed++
			if p.pLen == 0 {
				p.stage = authStageDone
				return consumed, true, nil
			}
			p.stage = authStagePass
		case authStagePass:
			need := p.pLen - len(p.Password)
			n := min(need, len(data)-consumed)
			p.Password = append(p.Password, data[consumed:consumed+n]...)
			consumed += n
			if len(p.Password) == p.pLen {
				p.stage = authStageDone
				return consumed, true, nil
			}
		}
	}
	return consumed, false, nil
}

// EncodeAuthRequest serializes an auth frame for a management client.
func EncodeAuthRequest(username, password string) []byte {
	out := make([]byte, 0, 2+len(username)+1+len(password))
	out = append(out, Version, byte(len(username)))
	out = append(out, username...)
	out = append(out, byte(len(password)))
	out = append(out, password...)
	return out
}

// EncodeAuthResponse serializes ⟨version, status⟩.
func EncodeAuthResponse(status Status) []byte {
	return []byte{Version, byte(status)}
}

type frameStage int

const (
	frameStageVersion frameStage = iota
	frameStageCommand
	frameStageLenHi
	frameStageLenLo
	frameStagePayload
	frameStageDone
)

// FrameParser incrementally assembles one ⟨version, command, uint16 BE
// length, payload⟩ command frame.
type FrameParser struct {
	stage   frameStage
	length  int
	Command Command
	Payload []byte
}

func NewFrameParser() *FrameParser {
	return &FrameParser{}
}

func (p *FrameParser) Done() bool { return p.stage == frameStageDone }

func (p *FrameParser) Feed(data []byte) (consumed int, done bool, err error) {
	for consumed < len(data) {
		b := data[consumed]
		switch p.stage {
		case frameStageVersion:
			if b != Version {
				return consumed, false, ErrFrameBadVersion
			}
			p.stage = frameStageCommand
			consumed++
		case frameStageCommand:
			p.Command = Command(b)
			p.stage = frameStageLenHi
			consumed++
		case frameStageLenHi:
			p.length = int(b) << 8
			p.stage = frameStageLenLo
			consumed++
		case frameStageLenLo:
			p.length |= int(b)
			consumed++
			if p.length > MaxPayload {
				return consumed, false, ErrPayloadTooLarge
			}
			p.Payload = make([]byte, 0, p.length)
			if p.length == 0 {
				p.stage = frameStageDone
				return consumed, true, nil
			}
			p.stage = frameStagePayload
		case frameStagePayload:
			need := p.length - len(p.Payload)
			n := min(need, len(data)-consumed)
			p.Payload = append(p.Payload, data[consumed:consumed+n]...)
			consumed += n
			if len(p.Payload) == p.length {
				p.stage = frameStageDone
				return consumed, true, nil
			}
		}
	}
	return consumed, false, nil
}

// EncodeFrame serializes a ⟨version, command, length, payload⟩ request
// frame for a management client.
func EncodeFrame(cmd Command, payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	out[0] = Version
	out[1] = byte(cmd)
	binary.BigEndian.PutUint16(out[2:4], uint16(len(payload)))
	copy(out[4:], payload)
	return out
}

// EncodeResponse serializes a ⟨version, status, length, payload⟩ response
// frame.
func EncodeResponse(status Status, payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	out[0] = Version
	out[1] = byte(status)
	binary.BigEndian.PutUint16(out[2:4], uint16(len(payload)))
	copy(out[4:], payload)
	return out
}
