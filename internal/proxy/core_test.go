//go:build linux

package proxy

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantage-io/socks5d/internal/metrics"
	"github.com/vantage-io/socks5d/internal/mux"
	"github.com/vantage-io/socks5d/internal/netutil"
	"github.com/vantage-io/socks5d/internal/socks5"
	"github.com/vantage-io/socks5d/internal/userstore"
)

func newTestCore(t *testing.T, cfg Config) (*Core, string) {
	t.Helper()
	sel, err := mux.New(4096)
	require.NoError(t, err)
	t.Cleanup(func() { sel.Close() })

	store := userstore.New(10)
	store.SeedUser("alice", "wonderland", userstore.RoleUser)

	if cfg.DNSQueueDepth == 0 {
		cfg.DNSQueueDepth = 16
	}
	core, err := New(sel, store, metrics.New(), nil, cfg)
	require.NoError(t, err)
	require.NoError(t, core.Listen("127.0.0.1:0"))
	t.Cleanup(func() { core.Close() })

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

	ip, port, err := netutil.LocalAddr(core.listenFD)
	require.NoError(t, err)
	return core, net.JoinHostPort(ip.String(), strconv.Itoa(port))
}

// echoServer starts a tiny TCP listener that echoes back whatever it
// receives, standing in for a destination the proxy is asked to CONNECT
// to. Returns its address; the listener is closed by t.Cleanup.
func echoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				buf := make([]byte, 4096)
				for {
					n, err := conn.Read(buf)
					if n > 0 {
						conn.Write(buf[:n])
					}
					if err != nil {
						return
					}
				}
			}()
		}
	}()
	return ln.Addr().String()
}

func readFull(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := ioReadFull(conn, buf)
	require.NoError(t, err)
	return buf
}

func ioReadFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func greet(t *testing.T, conn net.Conn, methods ...byte) byte {
	t.Helper()
	req := append([]byte{socks5.Version, byte(len(methods))}, methods...)
	_, err := conn.Write(req)
	require.NoError(t, err)
	resp := readFull(t, conn, 2)
	require.Equal(t, byte(socks5.Version), resp[0])
	return resp[1]
}

func connectRequest(t *testing.T, conn net.Conn, destAddr string) byte {
	t.Helper()
	host, portStr, err := net.SplitHostPort(destAddr)
	require.NoError(t, err)
	portN, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	port := uint16(portN)

	ip := net.ParseIP(host).To4()
	require.NotNil(t, ip)

	req := []byte{socks5.Version, socks5.CmdConnect, 0x00, socks5.ATYPIPv4}
	req = append(req, ip...)
	req = append(req, byte(port>>8), byte(port))
	_, err = conn.Write(req)
	require.NoError(t, err)

	header := readFull(t, conn, 4)
	require.Equal(t, byte(socks5.Version), header[0])
	code := header[1]
	atyp := header[3]
	switch atyp {
	case socks5.ATYPIPv4:
		readFull(t, conn, 4+2)
	case socks5.ATYPIPv6:
		readFull(t, conn, 16+2)
	}
	return code
}

func TestNoAuthConnectAndRelay(t *testing.T) {
	core, addr := newTestCore(t, Config{AuthEnabled: false})
	_ = core
	dest := echoServer(t)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	method := greet(t, conn, socks5.MethodNoAuth)
	require.Equal(t, byte(socks5.MethodNoAuth), method)

	code := connectRequest(t, conn, dest)
	require.Equal(t, byte(socks5.ReplySucceeded), code)

	_, err = conn.Write([]byte("hello"))
	require.NoError(t, err)
	got := readFull(t, conn, 5)
	assert.Equal(t, "hello", string(got))
}

func TestRelayTrafficUpdatesMetrics(t *testing.T) {
	core, addr := newTestCore(t, Config{AuthEnabled: true, PreferPassword: true})
	dest := echoServer(t)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	greet(t, conn, socks5.MethodUserPass)
	req := []byte{socks5.AuthVersion, 5}
	req = append(req, []byte("alice")...)
	req = append(req, 10)
	req = append(req, []byte("wonderland")...)
	_, err = conn.Write(req)
	require.NoError(t, err)
	resp := readFull(t, conn, 2)
	require.Equal(t, socks5.AuthStatusSuccess, resp[1])

	code := connectRequest(t, conn, dest)
	require.Equal(t, byte(socks5.ReplySucceeded), code)

	payload := []byte("metered payload")
	_, err = conn.Write(payload)
	require.NoError(t, err)
	got := readFull(t, conn, len(payload))
	require.Equal(t, payload, got)

	require.Eventually(t, func() bool {
		return core.metrics.Get().Bytes > 0
	}, 2*time.Second, 10*time.Millisecond, "AddBytes must be fed from the relay path")

	user, ok := core.store.GetUser("alice")
	require.True(t, ok)
	assert.Greater(t, user.BytesTransferred, uint64(0), "UpdateMetrics must be fed from the relay path")
}

func TestUnsupportedCommandRejected(t *testing.T) {
	_, addr := newTestCore(t, Config{AuthEnabled: false})
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	method := greet(t, conn, socks5.MethodNoAuth)
	require.Equal(t, byte(socks5.MethodNoAuth), method)

	req := []byte{socks5.Version, socks5.CmdBind, 0x00, socks5.ATYPIPv4, 127, 0, 0, 1, 0, 80}
	_, err = conn.Write(req)
	require.NoError(t, err)
	header := readFull(t, conn, 4)
	assert.Equal(t, byte(socks5.ReplyCommandNotSupported), header[1])
}

func TestUnreachableDestinationRefused(t *testing.T) {
	_, addr := newTestCore(t, Config{AuthEnabled: false})

	// Bind and immediately close to get a guaranteed-refusing port.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := ln.Addr().String()
	require.NoError(t, ln.Close())

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	greet(t, conn, socks5.MethodNoAuth)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	code := connectRequest(t, conn, deadAddr)
	assert.Equal(t, byte(socks5.ReplyConnectionRefused), code)
}

func TestPasswordAuthRequiredRejectsBadCreds(t *testing.T) {
	_, addr := newTestCore(t, Config{AuthEnabled: true, PreferPassword: true})
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	method := greet(t, conn, socks5.MethodNoAuth, socks5.MethodUserPass)
	require.Equal(t, byte(socks5.MethodUserPass), method)

	req := []byte{socks5.AuthVersion, 5}
	req = append(req, []byte("alice")...)
	req = append(req, 5)
	req = append(req, []byte("wrong")...)
	_, err = conn.Write(req)
	require.NoError(t, err)

	resp := readFull(t, conn, 2)
	assert.Equal(t, socks5.AuthStatusFailure, resp[1])

	// Server closes after a failed auth; a subsequent read should observe EOF.
	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	_, rerr := conn.Read(buf)
	assert.Error(t, rerr)
}

func TestPasswordAuthSucceedsThenConnects(t *testing.T) {
	_, addr := newTestCore(t, Config{AuthEnabled: true, PreferPassword: true})
	dest := echoServer(t)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	greet(t, conn, socks5.MethodUserPass)

	req := []byte{socks5.AuthVersion, 5}
	req = append(req, []byte("alice")...)
	req = append(req, 10)
	req = append(req, []byte("wonderland")...)
	_, err = conn.Write(req)
	require.NoError(t, err)
	resp := readFull(t, conn, 2)
	require.Equal(t, socks5.AuthStatusSuccess, resp[1])

	code := connectRequest(t, conn, dest)
	assert.Equal(t, byte(socks5.ReplySucceeded), code)
}
