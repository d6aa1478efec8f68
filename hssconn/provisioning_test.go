package hssconn

import (
	"context"
	"testing"

	"github.com/homestead/hsscache/core"
	"github.com/homestead/hsscache/provstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// No live Postgres in this test environment: these cases exercise only the
// code paths that return without opening a database connection.

func TestHsProvSendMultimediaAuthRejectsAka(t *testing.T) {
	conn := NewHsProvHssConnection(provstore.New(provstore.Config{}), "sip:scscf.example.com", nil, nil)

	var got *MultimediaAuthAnswer
	req := &MultimediaAuthRequest{Impi: "alice@ex.com", Scheme: SchemeAka}
	require.NoError(t, conn.SendMultimediaAuth(context.Background(), req, func(ans *MultimediaAuthAnswer, err error) {
		require.NoError(t, err)
		got = ans
	}))
	require.NotNil(t, got)
	assert.Equal(t, core.UnknownAuthScheme, got.Code)
}

func TestHsProvSendUserAuthIsImmediateSuccess(t *testing.T) {
	conn := NewHsProvHssConnection(provstore.New(provstore.Config{}), "sip:scscf.example.com", nil, nil)

	var got *UserAuthAnswer
	req := &UserAuthRequest{Impi: "alice@ex.com", Impu: "sip:alice@ex.com"}
	require.NoError(t, conn.SendUserAuth(context.Background(), req, func(ans *UserAuthAnswer, err error) {
		require.NoError(t, err)
		got = ans
	}))
	require.NotNil(t, got)
	assert.Equal(t, core.OK, got.Code)
	assert.Equal(t, "sip:scscf.example.com", got.ServerName)
}

func TestHsProvSendServerAssignmentDeregisterIsImmediateSuccess(t *testing.T) {
	conn := NewHsProvHssConnection(provstore.New(provstore.Config{}), "sip:scscf.example.com", nil, nil)

	var got *ServerAssignmentAnswer
	req := &ServerAssignmentRequest{Impi: "alice@ex.com", Impu: "sip:alice@ex.com", AssignmentType: SaUserDeregistration}
	require.NoError(t, conn.SendServerAssignment(context.Background(), req, func(ans *ServerAssignmentAnswer, err error) {
		require.NoError(t, err)
		got = ans
	}))
	require.NotNil(t, got)
	assert.Equal(t, core.OK, got.Code)
}

func TestHsProvSendLocationInfoUnavailableWithNoHosts(t *testing.T) {
	conn := NewHsProvHssConnection(provstore.New(provstore.Config{}), "sip:scscf.example.com", nil, nil)

	var got *LocationInfoAnswer
	req := &LocationInfoRequest{Impu: "sip:alice@ex.com"}
	require.NoError(t, conn.SendLocationInfo(context.Background(), req, func(ans *LocationInfoAnswer, err error) {
		require.NoError(t, err)
		got = ans
	}))
	require.NotNil(t, got)
	assert.Equal(t, core.ServerUnavailable, got.Code)
}
