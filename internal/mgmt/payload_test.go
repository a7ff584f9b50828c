package mgmt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantage-io/socks5d/internal/userstore"
)

func TestMetricsResponseRoundTrip(t *testing.T) {
	start := time.Now().Add(-5 * time.Minute)
	payload := EncodeMetricsResponse(10, 3, 4096, start)
	total, current, bytes, uptime, err := DecodeMetricsResponse(payload)
	require.NoError(t, err)
	assert.EqualValues(t, 10, total)
	assert.EqualValues(t, 3, current)
	assert.EqualValues(t, 4096, bytes)
	assert.InDelta(t, 300, uptime, 2)
}

func TestListUsersResponseRoundTrip(t *testing.T) {
	users := []userstore.UserRecord{
		{Username: "alice", Role: userstore.RoleUser, Active: true, BytesTransferred: 1, ConnectionCount: 2},
		{Username: "bob", Role: userstore.RoleAdmin, Active: false},
	}
	payload := EncodeListUsersResponse(users)
	got, err := DecodeListUsersResponse(payload)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "alice", got[0].Username)
	assert.Equal(t, userstore.RoleUser, got[0].Role)
	assert.True(t, got[0].Active)
	assert.EqualValues(t, 1, got[0].BytesTransferred)
	assert.Equal(t, "bob", got[1].Username)
	assert.Equal(t, userstore.RoleAdmin, got[1].Role)
	assert.False(t, got[1].Active)
}

func TestGetUserResponseRoundTrip(t *testing.T) {
	u := userstore.UserRecord{Username: "carol", Role: userstore.RoleAdmin, Active: true, ConnectionCount: 7}
	payload := EncodeGetUserResponse(u)
	got, err := DecodeGetUserResponse(payload)
	require.NoError(t, err)
	assert.Equal(t, "carol", got.Username)
	assert.EqualValues(t, 7, got.ConnectionCount)
}

func TestUsernameRequestRoundTrip(t *testing.T) {
	payload := EncodeGetUserRequest("dave")
	got, err := DecodeUsernameRequest(payload)
	require.NoError(t, err)
	assert.Equal(t, "dave", got)
}

func TestAddUserRequestRoundTrip(t *testing.T) {
	payload := EncodeAddUserRequest("erin", "pw", userstore.RoleAdmin)
	username, password, role, err := DecodeAddUserRequest(payload)
	require.NoError(t, err)
	assert.Equal(t, "erin", username)
	assert.Equal(t, "pw", password)
	assert.Equal(t, userstore.RoleAdmin, role)
}

func TestChangePasswordRequestRoundTrip(t *testing.T) {
	payload := EncodeChangePasswordRequest("frank", "newpw")
	username, password, err := DecodeChangePasswordRequest(payload)
	require.NoError(t, err)
	assert.Equal(t, "frank", username)
	assert.Equal(t, "newpw", password)
}

func TestChangeRoleRequestRoundTrip(t *testing.T) {
	payload := EncodeChangeRoleRequest("gina", userstore.RoleUser)
	username, role, err := DecodeChangeRoleRequest(payload)
	require.NoError(t, err)
	assert.Equal(t, "gina", username)
	assert.Equal(t, userstore.RoleUser, role)
}

func TestListConnectionsResponseEncodesCount(t *testing.T) {
	entries := []userstore.ConnectionLogEntry{
		{Username: "alice", Destination: "example.com", Port: 443, Timestamp: time.Now()},
	}
	payload := EncodeListConnectionsResponse(entries)
	require.Len(t, payload, 2+16+1+5+1+11+2+8)
}

func TestDecodeMalformedPayloadsReportError(t *testing.T) {
	_, err := DecodeUsernameRequest(nil)
	assert.ErrorIs(t, err, ErrMalformedPayload)

	_, _, _, err = DecodeAddUserRequest([]byte{5, 'a'})
	assert.ErrorIs(t, err, ErrMalformedPayload)

	_, err = DecodeListUsersResponse([]byte{0})
	assert.ErrorIs(t, err, ErrMalformedPayload)
}
