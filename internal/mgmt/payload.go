package mgmt

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/vantage-io/socks5d/internal/userstore"
)

var ErrMalformedPayload = errors.New("mgmt: malformed payload")

// Metrics payloads.

// EncodeMetricsResponse serializes a metrics snapshot as
// ⟨total uint64, current uint64, bytes uint64, uptimeSeconds uint64⟩ BE.
func EncodeMetricsResponse(total, current, bytes uint64, start time.Time) []byte {
	out := make([]byte, 32)
	binary.BigEndian.PutUint64(out[0:8], total)
	binary.BigEndian.PutUint64(out[8:16], current)
	binary.BigEndian.PutUint64(out[16:24], bytes)
	binary.BigEndian.PutUint64(out[24:32], uint64(time.Since(start).Seconds()))
	return out
}

func DecodeMetricsResponse(payload []byte) (total, current, bytes, uptime uint64, err error) {
	if len(payload) != 32 {
		return 0, 0, 0, 0, ErrMalformedPayload
	}
	return binary.BigEndian.Uint64(payload[0:8]),
		binary.BigEndian.Uint64(payload[8:16]),
		binary.BigEndian.Uint64(payload[16:24]),
		binary.BigEndian.Uint64(payload[24:32]),
		nil
}

// User payloads.

func roleByte(r userstore.Role) byte {
	if r == userstore.RoleAdmin {
		return 1
	}
	return 0
}

func byteRole(b byte) userstore.Role {
	if b == 1 {
		return userstore.RoleAdmin
	}
	return userstore.RoleUser
}

// encodeUserRecord appends ⟨ulen, user, role, active, bytesTransferred
// uint64, connectionCount uint64, lastSeen unix uint64⟩ to dst.
func encodeUserRecord(dst []byte, u userstore.UserRecord) []byte {
	dst = append(dst, byte(len(u.Username)))
	dst = append(dst, u.Username...)
	dst = append(dst, roleByte(u.Role))
	active := byte(0)
	if u.Active {
		active = 1
	}
	dst = append(dst, active)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], u.BytesTransferred)
	dst = append(dst, buf[:]...)
	binary.BigEndian.PutUint64(buf[:], u.ConnectionCount)
	dst = append(dst, buf[:]...)
	binary.BigEndian.PutUint64(buf[:], uint64(u.LastSeen.Unix()))
	dst = append(dst, buf[:]...)
	return dst
}

func decodeUserRecord(payload []byte) (userstore.UserRecord, []byte, error) {
	if len(payload) < 1 {
		return userstore.UserRecord{}, nil, ErrMalformedPayload
	}
	uLen := int(payload[0])
	payload = payload[1:]
	if len(payload) < uLen+1+1+24 {
		return userstore.UserRecord{}, nil, ErrMalformedPayload
	}
	username := string(payload[:uLen])
	payload = payload[uLen:]
	role := byteRole(payload[0])
	active := payload[1] == 1
	payload = payload[2:]
	bytesTransferred := binary.BigEndian.Uint64(payload[0:8])
	connCount := binary.BigEndian.Uint64(payload[8:16])
	lastSeen := time.Unix(int64(binary.BigEndian.Uint64(payload[16:24])), 0)
	payload = payload[24:]
	return userstore.UserRecord{
		Username:         username,
		Role:             role,
		Active:           active,
		BytesTransferred: bytesTransferred,
		ConnectionCount:  connCount,
		LastSeen:         lastSeen,
	}, payload, nil
}

// EncodeListUsersResponse serializes ⟨count uint16 BE, record...⟩.
func EncodeListUsersResponse(users []userstore.UserRecord) []byte {
	out := make([]byte, 2)
	binary.BigEndian.PutUint16(out, uint16(len(users)))
	for _, u := range users {
		out = encodeUserRecord(out, u)
	}
	return out
}

func DecodeListUsersResponse(payload []byte) ([]userstore.UserRecord, error) {
	if len(payload) < 2 {
		return nil, ErrMalformedPayload
	}
	count := int(binary.BigEndian.Uint16(payload[0:2]))
	payload = payload[2:]
	out := make([]userstore.UserRecord, 0, count)
	for i := 0; i < count; i++ {
		u, rest, err := decodeUserRecord(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
		payload = rest
	}
	return out, nil
}

// EncodeGetUserResponse serializes a single user record.
func EncodeGetUserResponse(u userstore.UserRecord) []byte {
	return encodeUserRecord(nil, u)
}

func DecodeGetUserResponse(payload []byte) (userstore.UserRecord, error) {
	u, _, err := decodeUserRecord(payload)
	return u, err
}

// EncodeGetUserRequest/EncodeDelUserRequest serialize ⟨ulen, user⟩.
func EncodeGetUserRequest(username string) []byte {
	out := make([]byte, 1, 1+len(username))
	out[0] = byte(len(username))
	return append(out, username...)
}

var EncodeDelUserRequest = EncodeGetUserRequest

func DecodeUsernameRequest(payload []byte) (string, error) {
	if len(payload) < 1 || len(payload) < 1+int(payload[0]) {
		return "", ErrMalformedPayload
	}
	uLen := int(payload[0])
	return string(payload[1 : 1+uLen]), nil
}

// EncodeAddUserRequest serializes ⟨ulen, user, plen, pass, role⟩.
func EncodeAddUserRequest(username, password string, role userstore.Role) []byte {
	out := make([]byte, 0, 2+len(username)+len(password)+1)
	out = append(out, byte(len(username)))
	out = append(out, username...)
	out = append(out, byte(len(password)))
	out = append(out, password...)
	out = append(out, roleByte(role))
	return out
}

func DecodeAddUserRequest(payload []byte) (username, password string, role userstore.Role, err error) {
	if len(payload) < 1 {
		return "", "", "", ErrMalformedPayload
	}
	uLen := int(payload[0])
	payload = payload[1:]
	if len(payload) < uLen+1 {
		return "", "", "", ErrMalformedPayload
	}
	username = string(payload[:uLen])
	payload = payload[uLen:]
	pLen := int(payload[0])
	payload = payload[1:]
	if len(payload) < pLen+1 {
		return "", "", "", ErrMalformedPayload
	}
	password = string(payload[:pLen])
	role = byteRole(payload[pLen])
	return username, password, role, nil
}

// EncodeChangePasswordRequest serializes ⟨ulen, user, plen, pass⟩.
func EncodeChangePasswordRequest(username, password string) []byte {
	out := make([]byte, 0, 2+len(username)+len(password))
	out = append(out, byte(len(username)))
	out = append(out, username...)
	out = append(out, byte(len(password)))
	out = append(out, password...)
	return out
}

func DecodeChangePasswordRequest(payload []byte) (username, password string, err error) {
	if len(payload) < 1 {
		return "", "", ErrMalformedPayload
	}
	uLen := int(payload[0])
	payload = payload[1:]
	if len(payload) < uLen+1 {
		return "", "", ErrMalformedPayload
	}
	username = string(payload[:uLen])
	payload = payload[uLen:]
	pLen := int(payload[0])
	payload = payload[1:]
	if len(payload) < pLen {
		return "", "", ErrMalformedPayload
	}
	return username, string(payload[:pLen]), nil
}

// EncodeChangeRoleRequest serializes ⟨ulen, user, role⟩.
func EncodeChangeRoleRequest(username string, role userstore.Role) []byte {
	out := make([]byte, 0, 1+len(username)+1)
	out = append(out, byte(len(username)))
	out = append(out, username...)
	out = append(out, roleByte(role))
	return out
}

func DecodeChangeRoleRequest(payload []byte) (username string, role userstore.Role, err error) {
	if len(payload) < 1 {
		return "", "", ErrMalformedPayload
	}
	uLen := int(payload[0])
	payload = payload[1:]
	if len(payload) < uLen+1 {
		return "", "", ErrMalformedPayload
	}
	return string(payload[:uLen]), byteRole(payload[uLen]), nil
}

// Connection log payloads.

// EncodeListConnectionsResponse serializes ⟨count uint16 BE, entry...⟩
// where each entry is ⟨16-byte UUID, ulen, user, dlen, dest, port uint16
// BE, timestamp unix uint64 BE⟩.
func EncodeListConnectionsResponse(entries []userstore.ConnectionLogEntry) []byte {
	out := make([]byte, 2)
	binary.BigEndian.PutUint16(out, uint16(len(entries)))
	var buf [8]byte
	for _, e := range entries {
		id, _ := e.ID.MarshalBinary()
		out = append(out, id...)
		out = append(out, byte(len(e.Username)))
		out = append(out, e.Username...)
		out = append(out, byte(len(e.Destination)))
		out = append(out, e.Destination...)
		binary.BigEndian.PutUint16(buf[:2], e.Port)
		out = append(out, buf[:2]...)
		binary.BigEndian.PutUint64(buf[:], uint64(e.Timestamp.Unix()))
		out = append(out, buf[:]...)
	}
	return out
}
