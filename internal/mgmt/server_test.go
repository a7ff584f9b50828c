//go:build linux

package mgmt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/vantage-io/socks5d/internal/metrics"
	"github.com/vantage-io/socks5d/internal/mux"
	"github.com/vantage-io/socks5d/internal/netutil"
	"github.com/vantage-io/socks5d/internal/userstore"
)

func newTestServer(t *testing.T) (*Server, *mux.Selector, int, *userstore.Store) {
	t.Helper()
	sel, err := mux.New(1024)
	require.NoError(t, err)
	t.Cleanup(func() { sel.Close() })

	store := userstore.New(10)
	store.SeedUser("root", "toor", userstore.RoleAdmin)
	store.SeedUser("guest", "guest", userstore.RoleUser)

	m := metrics.New()
	srv := NewServer(sel, store, m, nil)
	require.NoError(t, srv.Listen("127.0.0.1:0"))
	t.Cleanup(func() { srv.Close() })

	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				sel.Select(10)
			}
		}
	}()

	ip, port, err := netutil.LocalAddr(srv.listenFD)
	require.NoError(t, err)
	clientFD, _, err := netutil.Connect(ip, port)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(clientFD) })

	return srv, sel, clientFD, store
}

func readExact(t *testing.T, fd int, n int) []byte {
	t.Helper()
	out := make([]byte, 0, n)
	deadline := time.Now().Add(2 * time.Second)
	for len(out) < n {
		buf := make([]byte, n-len(out))
		got, err := unix.Read(fd, buf)
		if got > 0 {
			out = append(out, buf[:got]...)
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK || got == 0 {
			if time.Now().After(deadline) {
				t.Fatalf("timed out reading %d bytes, got %d", n, len(out))
			}
			time.Sleep(2 * time.Millisecond)
			continue
		}
		require.NoError(t, err)
	}
	return out
}

func authenticate(t *testing.T, fd int, user, pass string) {
	t.Helper()
	_, err := unix.Write(fd, EncodeAuthRequest(user, pass))
	require.NoError(t, err)
	resp := readExact(t, fd, 2)
	require.Equal(t, Version, int(resp[0]))
	require.Equal(t, byte(StatusOK), resp[1])
}

func sendCommand(t *testing.T, fd int, cmd Command, payload []byte) (Status, []byte) {
	t.Helper()
	_, err := unix.Write(fd, EncodeFrame(cmd, payload))
	require.NoError(t, err)
	header := readExact(t, fd, 4)
	length := int(header[2])<<8 | int(header[3])
	var body []byte
	if length > 0 {
		body = readExact(t, fd, length)
	}
	return Status(header[1]), body
}

func TestAuthThenGetMetrics(t *testing.T) {
	_, _, clientFD, _ := newTestServer(t)
	authenticate(t, clientFD, "root", "toor")

	status, payload := sendCommand(t, clientFD, CmdGetMetrics, nil)
	assert.Equal(t, StatusOK, status)
	total, current, bytes, _, err := DecodeMetricsResponse(payload)
	require.NoError(t, err)
	assert.EqualValues(t, 0, total)
	assert.EqualValues(t, 0, current)
	assert.EqualValues(t, 0, bytes)
}

func TestBadCredentialsRejected(t *testing.T) {
	_, _, clientFD, _ := newTestServer(t)
	_, err := unix.Write(clientFD, EncodeAuthRequest("root", "wrong"))
	require.NoError(t, err)
	resp := readExact(t, clientFD, 2)
	assert.Equal(t, byte(StatusAuthFailed), resp[1])
}

func TestNonAdminCannotAddUser(t *testing.T) {
	_, _, clientFD, _ := newTestServer(t)
	authenticate(t, clientFD, "guest", "guest")

	status, _ := sendCommand(t, clientFD, CmdAddUser, EncodeAddUserRequest("new", "pw", userstore.RoleUser))
	assert.Equal(t, StatusPermissionDenied, status)
}

func TestAdminCanAddAndGetUser(t *testing.T) {
	_, _, clientFD, store := newTestServer(t)
	authenticate(t, clientFD, "root", "toor")

	status, _ := sendCommand(t, clientFD, CmdAddUser, EncodeAddUserRequest("heidi", "pw", userstore.RoleUser))
	require.Equal(t, StatusOK, status)
	_, ok := store.GetUser("heidi")
	assert.True(t, ok)

	status, payload := sendCommand(t, clientFD, CmdGetUser, EncodeGetUserRequest("heidi"))
	require.Equal(t, StatusOK, status)
	u, err := DecodeGetUserResponse(payload)
	require.NoError(t, err)
	assert.Equal(t, "heidi", u.Username)
}

func TestDemotedAdminLosesPrivilegeMidSession(t *testing.T) {
	_, _, clientFD, store := newTestServer(t)
	authenticate(t, clientFD, "root", "toor")

	status, _ := sendCommand(t, clientFD, CmdAddUser, EncodeAddUserRequest("first", "pw", userstore.RoleUser))
	require.Equal(t, StatusOK, status, "root starts as admin and can add a user")

	require.NoError(t, store.ChangeRole("root", userstore.RoleUser))

	status, _ = sendCommand(t, clientFD, CmdAddUser, EncodeAddUserRequest("second", "pw", userstore.RoleUser))
	assert.Equal(t, StatusPermissionDenied, status, "a demoted admin's still-open session must lose admin commands immediately")
	_, ok := store.GetUser("second")
	assert.False(t, ok)
}

func TestAddUserDuplicateReportsExists(t *testing.T) {
	_, _, clientFD, _ := newTestServer(t)
	authenticate(t, clientFD, "root", "toor")

	status, _ := sendCommand(t, clientFD, CmdAddUser, EncodeAddUserRequest("guest", "pw", userstore.RoleUser))
	assert.Equal(t, StatusUserExists, status)
}

func TestUnknownCommandReportsInvalid(t *testing.T) {
	_, _, clientFD, _ := newTestServer(t)
	authenticate(t, clientFD, "root", "toor")

	status, _ := sendCommand(t, clientFD, Command(0xAA), nil)
	assert.Equal(t, StatusInvalidCmd, status)
}
