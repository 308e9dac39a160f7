package services

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectRequiresCredential(t *testing.T) {
	_, err := Connect(ConnectParams{Host: "test-host", Username: "u"})
	require.ErrorIs(t, err, ErrAuthRequired)
}

func TestConnectRejectsBadPrivateKey(t *testing.T) {
	// Credential validation happens before any network attempt.
	_, err := Connect(ConnectParams{
		Host:       "test-host",
		Username:   "u",
		PrivateKey: "not a pem key",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse private key")
}

func TestConnectRefusedCollapsesToError(t *testing.T) {
	// Grab a port that nothing listens on.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().(*net.TCPAddr)
	l.Close()

	_, err = Connect(ConnectParams{
		Host:         "127.0.0.1",
		Port:         addr.Port,
		Username:     "u",
		Password:     "p",
		ReadyTimeout: time.Second,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect")
}

func TestConnectTimesOutOnSilentHost(t *testing.T) {
	// A listener that accepts but never speaks SSH.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	start := time.Now()
	_, err = Connect(ConnectParams{
		Host:         "127.0.0.1",
		Port:         l.Addr().(*net.TCPAddr).Port,
		Username:     "u",
		Password:     "p",
		ReadyTimeout: 500 * time.Millisecond,
	})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestBuildAuthMethods(t *testing.T) {
	methods, err := buildAuthMethods(ConnectParams{Password: "secret"})
	require.NoError(t, err)
	assert.Len(t, methods, 1)

	_, err = buildAuthMethods(ConnectParams{})
	assert.ErrorIs(t, err, ErrAuthRequired)
}
