//go:build linux

package dnsoffload

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantage-io/socks5d/internal/mux"
)

func TestResolveSuccessDeliversResponse(t *testing.T) {
	sel, err := mux.New(1024)
	require.NoError(t, err)
	defer sel.Close()

	delivered := make(chan Response, 1)
	off, err := New(sel, 4, func(r Response) { delivered <- r })
	require.NoError(t, err)
	defer off.Close(sel)

	want := []net.IP{net.ParseIP("93.184.216.34")}
	off.lookupHost = func(ctx context.Context, host string) ([]net.IP, error) {
		assert.Equal(t, "example.com", host)
		return want, nil
	}

	token := uuid.New()
	require.NoError(t, off.Submit(Request{Host: "example.com", Token: token}))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		require.NoError(t, sel.Select(50))
		select {
		case resp := <-delivered:
			assert.Equal(t, token, resp.Token)
			assert.Equal(t, want, resp.Addrs)
			assert.NoError(t, resp.Err)
			return
		default:
		}
	}
	t.Fatal("timed out waiting for DNS completion to be dispatched")
}

func TestResolveFailureDeliversError(t *testing.T) {
	sel, err := mux.New(1024)
	require.NoError(t, err)
	defer sel.Close()

	delivered := make(chan Response, 1)
	off, err := New(sel, 4, func(r Response) { delivered <- r })
	require.NoError(t, err)
	defer off.Close(sel)

	boom := assertError("nxdomain")
	off.lookupHost = func(ctx context.Context, host string) ([]net.IP, error) { return nil, boom }

	token := uuid.New()
	require.NoError(t, off.Submit(Request{Host: "nope.invalid", Token: token}))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		require.NoError(t, sel.Select(50))
		select {
		case resp := <-delivered:
			assert.Equal(t, token, resp.Token)
			assert.ErrorIs(t, resp.Err, boom)
			return
		default:
		}
	}
	t.Fatal("timed out waiting for DNS failure to be dispatched")
}

func TestSubmitFailsSynchronouslyWhenQueueFull(t *testing.T) {
	sel, err := mux.New(1024)
	require.NoError(t, err)
	defer sel.Close()

	off, err := New(sel, 1, func(r Response) {})
	require.NoError(t, err)
	defer off.Close(sel)

	// Block the worker on the first job so the queue backs up.
	release := make(chan struct{})
	off.lookupHost = func(ctx context.Context, host string) ([]net.IP, error) {
		<-release
		return nil, nil
	}

	require.NoError(t, off.Submit(Request{Host: "a", Token: uuid.New()}))
	require.NoError(t, off.Submit(Request{Host: "b", Token: uuid.New()})) // fills the size-1 buffer while "a" is in flight
	err = off.Submit(Request{Host: "c", Token: uuid.New()})
	assert.ErrorIs(t, err, ErrQueueFull)

	close(release)
}

type assertError string

func (e assertError) Error() string { return string(e) }
