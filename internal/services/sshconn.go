package services

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
)

// DefaultConnectTimeout bounds the initial dial when the caller does not
// supply a readyTimeout.
const DefaultConnectTimeout = 15 * time.Second

// ErrAuthRequired is returned before any network attempt when neither a
// password nor a private key is supplied.
var ErrAuthRequired = errors.New("either a password or a private key is required")

type ConnectParams struct {
	Host         string
	Port         int
	Username     string
	Password     string
	PrivateKey   string // PEM encoded
	Passphrase   string
	ReadyTimeout time.Duration
}

// ShellSession is the subset of *ssh.Session the shell bridge drives.
type ShellSession interface {
	RequestPty(term string, h, w int, modes ssh.TerminalModes) error
	StdinPipe() (io.WriteCloser, error)
	StdoutPipe() (io.Reader, error)
	StderrPipe() (io.Reader, error)
	Shell() error
	SendRequest(name string, wantReply bool, payload []byte) (bool, error)
	Close() error
}

// Conn is the subset of *ssh.Client a session owns exclusively.
type Conn interface {
	NewShellSession() (ShellSession, error)
	Wait() error
	Close() error
}

// DialFunc opens an SSH transport. The handler takes it as a dependency so
// tests can substitute a fake without dialing anything.
type DialFunc func(ConnectParams) (Conn, error)

type clientConn struct {
	*ssh.Client
}

func (c clientConn) NewShellSession() (ShellSession, error) {
	sess, err := c.Client.NewSession()
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Connect dials the remote host and waits for the transport to become ready.
// Host key verification is intentionally not enforced.
func Connect(p ConnectParams) (Conn, error) {
	authMethods, err := buildAuthMethods(p)
	if err != nil {
		return nil, err
	}

	if p.Port <= 0 {
		p.Port = 22
	}
	timeout := p.ReadyTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	config := &ssh.ClientConfig{
		User:            p.Username,
		Auth:            authMethods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}

	// The deadline covers the SSH handshake, not just the TCP dial, so a host
	// that accepts the connection but never speaks SSH cannot hold us here.
	addr := fmt.Sprintf("%s:%d", p.Host, p.Port)
	netConn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	netConn.SetDeadline(time.Now().Add(timeout))

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, config)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	netConn.SetDeadline(time.Time{})

	slog.Info("SSH connection established", "host", addr, "user", p.Username)
	return clientConn{ssh.NewClient(sshConn, chans, reqs)}, nil
}

func buildAuthMethods(p ConnectParams) ([]ssh.AuthMethod, error) {
	switch {
	case p.PrivateKey != "":
		var signer ssh.Signer
		var err error
		if p.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(p.PrivateKey), []byte(p.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(p.PrivateKey))
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	case p.Password != "":
		return []ssh.AuthMethod{ssh.Password(p.Password)}, nil
	default:
		return nil, ErrAuthRequired
	}
}
