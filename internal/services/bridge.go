package services

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/gofiber/contrib/websocket"
	"golang.org/x/crypto/ssh"
)

const (
	defaultTermType = "xterm-256color"
	defaultCols     = 80
	defaultRows     = 24

	defaultPixelWidth  = 800
	defaultPixelHeight = 600
)

// TerminalSocket is the WebSocket surface the bridge writes to.
// *websocket.Conn satisfies it.
type TerminalSocket interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Shell is a session's pseudo-terminal channel plus the set of sockets it
// fans out to. At most one Shell exists per session.
type Shell struct {
	session *Session
	sess    ShellSession
	stdin   io.WriteCloser

	mu          sync.Mutex
	sockets     map[TerminalSocket]*sync.Mutex // per-socket write lock
	stdinClosed bool
	closed      bool
}

// OpenOrReuseShell returns the session's shell, creating it on first use.
// Creation is single-flighted so concurrent first attaches end up sharing
// exactly one channel. A session that closes while the shell is being opened
// reports ErrSessionClosed instead of leaking the fresh channel.
func (s *Session) OpenOrReuseShell() (*Shell, error) {
	v, err, _ := s.sf.Do("shell", func() (interface{}, error) {
		if s.closed.Load() {
			return nil, ErrSessionClosed
		}
		s.mu.Lock()
		sh := s.shell
		s.mu.Unlock()
		if sh != nil {
			return sh, nil
		}

		sh, err := s.openShell()
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		s.shell = sh
		closed := s.closed.Load()
		s.mu.Unlock()

		// Close may have snapshotted a nil shell while we were dialing; it
		// will never see this one, so tear it down ourselves.
		if closed {
			sh.shutdown(ReasonTerminated)
			return nil, ErrSessionClosed
		}
		return sh, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Shell), nil
}

func (s *Session) openShell() (*Shell, error) {
	sess, err := s.conn.NewShellSession()
	if err != nil {
		return nil, fmt.Errorf("failed to open shell channel: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty(defaultTermType, defaultRows, defaultCols, modes); err != nil {
		sess.Close()
		return nil, fmt.Errorf("failed to request pty: %w", err)
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	if err := sess.Shell(); err != nil {
		sess.Close()
		return nil, fmt.Errorf("failed to start shell: %w", err)
	}

	sh := &Shell{
		session: s,
		sess:    sess,
		stdin:   stdin,
		sockets: make(map[TerminalSocket]*sync.Mutex),
	}

	slog.Info("Shell opened", "session", s.ID, "host", s.Host)

	go sh.pump(stdout, true)
	go sh.pump(stderr, false)

	return sh, nil
}

// Attach binds a socket to the shell's output fan-out. A socket attached to
// a shell that already shut down is closed immediately.
func (sh *Shell) Attach(sock TerminalSocket) {
	sh.mu.Lock()
	if sh.closed {
		sh.mu.Unlock()
		sock.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ReasonShellExited))
		sock.Close()
		return
	}
	sh.sockets[sock] = &sync.Mutex{}
	sh.mu.Unlock()
	sh.session.touch()
}

// Detach unbinds a socket. When the last socket goes away the shell's stdin
// is closed, signalling EOF to the remote process; the session itself stays
// registered and can be attached again until it is terminated or the remote
// side closes first.
func (sh *Shell) Detach(sock TerminalSocket) {
	sh.mu.Lock()
	if _, ok := sh.sockets[sock]; !ok {
		sh.mu.Unlock()
		return
	}
	delete(sh.sockets, sock)
	closeStdin := len(sh.sockets) == 0 && !sh.stdinClosed && !sh.closed
	if closeStdin {
		sh.stdinClosed = true
	}
	sh.mu.Unlock()

	if closeStdin {
		sh.stdin.Close()
	}
	sh.session.touch()
}

func (sh *Shell) socketCount() int {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return len(sh.sockets)
}

// HandleInput routes one inbound frame. Binary frames are raw keystrokes.
// Text frames that decode as a resize command adjust the PTY window and are
// consumed; any other text, including JSON that is not a resize command, is
// written through to the shell as keystrokes.
func (sh *Shell) HandleInput(binary bool, msg []byte) {
	sh.session.touch()

	if !binary {
		if req, ok := parseResize(msg); ok {
			sh.resize(req)
			return
		}
	}

	sh.session.bytesSent.Add(int64(len(msg)))
	if _, err := sh.stdin.Write(msg); err != nil {
		slog.Debug("Shell stdin write failed", "session", sh.session.ID, "error", err)
	}
}

type resizeRequest struct {
	Type   string `json:"type"`
	Cols   int    `json:"cols"`
	Rows   int    `json:"rows"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

func parseResize(msg []byte) (resizeRequest, bool) {
	var req resizeRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		return resizeRequest{}, false
	}
	if req.Type != "resize" || req.Cols <= 0 || req.Rows <= 0 {
		return resizeRequest{}, false
	}
	if req.Width <= 0 {
		req.Width = defaultPixelWidth
	}
	if req.Height <= 0 {
		req.Height = defaultPixelHeight
	}
	return req, true
}

func (sh *Shell) resize(req resizeRequest) {
	payload := ssh.Marshal(struct {
		Cols, Rows, Width, Height uint32
	}{
		uint32(req.Cols), uint32(req.Rows), uint32(req.Width), uint32(req.Height),
	})
	if _, err := sh.sess.SendRequest("window-change", false, payload); err != nil {
		slog.Debug("Window change failed", "session", sh.session.ID, "error", err)
	}
}

// pump copies remote output to every attached socket, preserving byte order
// within the stream. The stdout pump owns shell lifetime: when it ends, the
// shell has exited and the whole session is torn down.
func (sh *Shell) pump(r io.Reader, primary bool) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			sh.session.bytesReceived.Add(int64(n))
			sh.broadcast(buf[:n])
		}
		if err != nil {
			if primary {
				sh.session.Close(ReasonShellExited)
			}
			return
		}
	}
}

func (sh *Shell) broadcast(data []byte) {
	type target struct {
		sock TerminalSocket
		wmu  *sync.Mutex
	}

	sh.mu.Lock()
	targets := make([]target, 0, len(sh.sockets))
	for sock, wmu := range sh.sockets {
		targets = append(targets, target{sock, wmu})
	}
	sh.mu.Unlock()

	for _, t := range targets {
		t.wmu.Lock()
		err := t.sock.WriteMessage(websocket.BinaryMessage, data)
		t.wmu.Unlock()
		if err != nil {
			sh.Detach(t.sock)
			t.sock.Close()
		}
	}
}

// shutdown closes every attached socket with a normal-closure frame carrying
// the teardown reason, then releases the channel. Only Session.Close calls it.
func (sh *Shell) shutdown(reason string) {
	sh.mu.Lock()
	if sh.closed {
		sh.mu.Unlock()
		return
	}
	sh.closed = true
	type target struct {
		sock TerminalSocket
		wmu  *sync.Mutex
	}
	targets := make([]target, 0, len(sh.sockets))
	for sock, wmu := range sh.sockets {
		targets = append(targets, target{sock, wmu})
	}
	sh.sockets = make(map[TerminalSocket]*sync.Mutex)
	closeStdin := !sh.stdinClosed
	sh.stdinClosed = true
	sh.mu.Unlock()

	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	for _, t := range targets {
		t.wmu.Lock()
		t.sock.WriteMessage(websocket.CloseMessage, closeMsg)
		t.wmu.Unlock()
		t.sock.Close()
	}

	if closeStdin {
		sh.stdin.Close()
	}
	sh.sess.Close()
}
