// Package ptypump runs the full-duplex forwarding loop between a remote
// PTY channel and the UI: startup command injection, resize, and close.
package ptypump

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	cryptossh "golang.org/x/crypto/ssh"

	"github.com/jordandevai/driftcode-backend/internal/sshcore/sshtypes"
	"github.com/jordandevai/driftcode-backend/internal/trace"
)

const (
	mailboxCapacity = 100
	initialCols     = 80
	initialRows     = 24
	initialWidthPx  = 640
	initialHeightPx = 480
	cdDelay         = 100 * time.Millisecond
	startupCmdDelay = 50 * time.Millisecond
)

// OutputSink receives PTY output to forward to the UI.
type OutputSink func(terminalID string, data []byte)

type commandKind int

const (
	cmdWrite commandKind = iota
	cmdResize
	cmdClose
)

type command struct {
	kind commandKind
	data []byte
	cols int
	rows int
}

// Pump owns a remote PTY channel and a bounded command mailbox.
type Pump struct {
	terminalID   string
	connectionID string
	session      *cryptossh.Session
	stdin        io.WriteCloser
	stdout       io.Reader
	stderr       io.Reader
	cmdCh        chan command
	done         chan struct{}
}

// CreateRequest describes a new PTY.
type CreateRequest struct {
	TerminalID     string
	ConnectionID   string
	WorkingDir     string
	StartupCommand string
	Sink           OutputSink
}

// Create opens a session-class channel, requests a PTY (xterm-256color,
// 80x24 / 640x480) and a shell, then spawns the pump task.
func Create(client *cryptossh.Client, req CreateRequest) (*Pump, *sshtypes.SshError) {
	session, err := client.NewSession()
	if err != nil {
		return nil, sshtypes.Newf(sshtypes.KindChannelError, "open pty session: %v", err)
	}

	modes := cryptossh.TerminalModes{
		cryptossh.ECHO:          1,
		cryptossh.TTY_OP_ISPEED: 14400,
		cryptossh.TTY_OP_OSPEED: 14400,
	}
	if err := requestPty(session, "xterm-256color", initialCols, initialRows, modes); err != nil {
		session.Close()
		return nil, sshtypes.Newf(sshtypes.KindChannelError, "request pty: %v", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, sshtypes.Newf(sshtypes.KindChannelError, "pty stdin pipe: %v", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, sshtypes.Newf(sshtypes.KindChannelError, "pty stdout pipe: %v", err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return nil, sshtypes.Newf(sshtypes.KindChannelError, "pty stderr pipe: %v", err)
	}

	if err := session.Shell(); err != nil {
		session.Close()
		return nil, sshtypes.Newf(sshtypes.KindChannelError, "request shell: %v", err)
	}

	p := &Pump{
		terminalID:   req.TerminalID,
		connectionID: req.ConnectionID,
		session:      session,
		stdin:        stdin,
		stdout:       stdout,
		stderr:       stderr,
		cmdCh:        make(chan command, mailboxCapacity),
		done:         make(chan struct{}),
	}

	go p.run(req.WorkingDir, req.StartupCommand, req.Sink)
	return p, nil
}

// requestPty sends the pty-req for the channel with explicit pixel
// dimensions; Session.RequestPty always zeroes them.
func requestPty(session *cryptossh.Session, term string, cols, rows int, modes cryptossh.TerminalModes) error {
	var modeList []byte
	for opcode, value := range modes {
		modeList = append(modeList, opcode)
		modeList = binary.BigEndian.AppendUint32(modeList, value)
	}
	modeList = append(modeList, 0) // tty_OP_END

	req := struct {
		Term     string
		Columns  uint32
		Rows     uint32
		Width    uint32
		Height   uint32
		Modelist string
	}{
		Term:     term,
		Columns:  uint32(cols),
		Rows:     uint32(rows),
		Width:    initialWidthPx,
		Height:   initialHeightPx,
		Modelist: string(modeList),
	}

	ok, err := session.SendRequest("pty-req", true, cryptossh.Marshal(&req))
	if err == nil && !ok {
		err = errors.New("pty-req rejected by server")
	}
	return err
}

// shellEscape wraps s in single quotes, escaping any embedded single quote.
func shellEscape(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func (p *Pump) run(workingDir, startupCommand string, sink OutputSink) {
	defer close(p.done)
	defer trace.Recover(nil)

	if workingDir != "" {
		time.Sleep(cdDelay)
		cd := fmt.Sprintf("cd %s\n", shellEscape(workingDir))
		if _, err := p.stdin.Write([]byte(cd)); err != nil {
			trace.Emit("pty", "startup_cd", "failed to set initial directory", ptr(err.Error()), true)
		}
	}
	if startupCommand != "" {
		time.Sleep(startupCmdDelay)
		cmd := startupCommand
		if !strings.HasSuffix(cmd, "\n") {
			cmd += "\n"
		}
		if _, err := p.stdin.Write([]byte(cmd)); err != nil {
			trace.Emit("pty", "startup_command", "failed to send startup command", ptr(err.Error()), true)
		}
	}

	readCh := make(chan readResult)
	go pumpReader(p.stdout, readCh, p.done)
	go pumpReader(p.stderr, readCh, p.done)

	for {
		select {
		case r, ok := <-readCh:
			if !ok || r.err != nil {
				return
			}
			if len(r.data) > 0 && sink != nil {
				sink(p.terminalID, r.data)
			}
		case cmd, ok := <-p.cmdCh:
			if !ok {
				p.shutdown()
				return
			}
			switch cmd.kind {
			case cmdWrite:
				if _, err := p.stdin.Write(cmd.data); err != nil {
					trace.Emit("pty", "write", "error writing to pty", ptr(err.Error()), true)
					p.stdin.Close()
					return
				}
			case cmdResize:
				if err := p.session.WindowChange(cmd.rows, cmd.cols); err != nil {
					trace.Emit("pty", "resize", "pty window change failed", ptr(err.Error()), true)
				}
			case cmdClose:
				p.shutdown()
				return
			}
		}
	}
}

func (p *Pump) shutdown() {
	_ = p.stdin.Close()
	_ = p.session.Close()
}

type readResult struct {
	data []byte
	err  error
}

// pumpReader forwards channel output to the run loop until EOF or until
// the pump is done, so a reader blocked mid-send does not outlive it.
func pumpReader(r io.Reader, out chan<- readResult, done <-chan struct{}) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case out <- readResult{data: data}:
			case <-done:
				return
			}
		}
		if err != nil {
			select {
			case out <- readResult{err: err}:
			case <-done:
			}
			return
		}
	}
}

func ptr(s string) *string { return &s }

// Write enqueues bytes to send to the PTY.
func (p *Pump) Write(data []byte) error {
	select {
	case p.cmdCh <- command{kind: cmdWrite, data: data}:
		return nil
	case <-p.done:
		return fmt.Errorf("pty pump for %s is closed", p.terminalID)
	}
}

// Resize enqueues a window-change request.
func (p *Pump) Resize(cols, rows int) error {
	select {
	case p.cmdCh <- command{kind: cmdResize, cols: cols, rows: rows}:
		return nil
	case <-p.done:
		return fmt.Errorf("pty pump for %s is closed", p.terminalID)
	}
}

// Close enqueues a close command. It does not block on the pump having
// actually exited.
func (p *Pump) Close() error {
	select {
	case p.cmdCh <- command{kind: cmdClose}:
	case <-p.done:
	}
	return nil
}

// Done is closed once the pump's run loop has exited.
func (p *Pump) Done() <-chan struct{} { return p.done }

func (p *Pump) ConnectionID() string { return p.connectionID }
func (p *Pump) TerminalID() string   { return p.terminalID }
