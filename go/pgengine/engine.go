// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pgengine implements a non-blocking PostgreSQL protocol engine.
//
// The engine owns a raw socket and two byte buffers. Callers drive it
// from a readiness loop: ConnectPoll advances the startup handshake and
// reports which direction the socket must next be ready in; Flush and
// ConsumeInput move bytes during the command phase; GetResult yields
// decoded results. Blocking variants (Exec, Prepare, DescribePrepared)
// run a full round trip and stall the calling goroutine for its
// duration.
package pgengine

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/multigres/pgasync/go/pgwire"
)

// ConnStatus is the connection-level state of the engine.
type ConnStatus int

const (
	// ConnStarted means the handshake is in progress.
	ConnStarted ConnStatus = iota
	// ConnOK means the connection is ready for queries.
	ConnOK
	// ConnBad means the connection failed or was finished.
	ConnBad
)

// PollingStatus is the answer of ConnectPoll: which readiness direction
// the handshake needs next, or a terminal outcome.
type PollingStatus int

const (
	// PollingFailed means the handshake failed; see ErrorMessage.
	PollingFailed PollingStatus = iota
	// PollingReading means the handshake needs the socket readable.
	PollingReading
	// PollingWriting means the handshake needs the socket writable.
	PollingWriting
	// PollingOK means the connection is established.
	PollingOK
)

// connectPhase tracks handshake progress.
type connectPhase int

const (
	phaseTCPConnect connectPhase = iota
	phaseSSLResponse
	phaseHandshake
	phaseReady
	phaseClosed
)

const (
	readChunkSize = 8 * 1024

	// tlsIODeadline emulates non-blocking I/O on a TLS connection: reads
	// and writes give up after this long instead of returning EAGAIN.
	tlsIODeadline = 10 * time.Millisecond
)

// errWouldBlock marks an I/O attempt that found the socket not ready.
var errWouldBlock = errors.New("operation would block")

// Engine drives one PostgreSQL connection.
type Engine struct {
	opts *ConnectOptions

	fd int
	sa unix.Sockaddr

	status   ConnStatus
	phase    connectPhase
	deadline time.Time
	errMsg   string

	outbuf []byte
	inbuf  []byte

	// sawEOF records that the server closed its end; buffered messages
	// are still parsed before the failure is surfaced.
	sawEOF bool

	// TLS plumbing; nil on cleartext connections.
	file    *os.File
	netConn net.Conn
	tlsConn *tls.Conn

	scram *scramClient

	serverParams map[string]string
	backendPID   uint32
	secretKey    uint32
	txnStatus    byte

	// Command pipeline state.
	cur      *Result
	results  []*Result
	done     bool
	inFlight bool

	noticeReceiver  func(*serverError)
	noticeProcessor func(string)
}

// StartConnect creates the socket and initiates a non-blocking connect.
// The returned engine is in ConnStarted state; drive it with
// ConnectPoll until PollingOK or PollingFailed.
func StartConnect(opts *ConnectOptions) (*Engine, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	addr, err := netip.ParseAddr(opts.HostAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid host address %q: %w", opts.HostAddr, err)
	}

	family := unix.AF_INET
	var sa unix.Sockaddr
	if addr.Is4() || addr.Is4In6() {
		sa4 := &unix.SockaddrInet4{Port: opts.Port}
		sa4.Addr = addr.Unmap().As4()
		sa = sa4
	} else {
		family = unix.AF_INET6
		sa6 := &unix.SockaddrInet6{Port: opts.Port}
		sa6.Addr = addr.As16()
		sa = sa6
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("unable to create socket: %w", err)
	}

	e := &Engine{
		opts:         opts,
		fd:           fd,
		sa:           sa,
		status:       ConnStarted,
		phase:        phaseTCPConnect,
		serverParams: make(map[string]string),
	}
	if opts.ConnectTimeout > 0 {
		e.deadline = time.Now().Add(opts.ConnectTimeout)
	}

	if err := unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return nil, fmt.Errorf("unable to connect to %s: %w", opts.HostAddr, err)
	}
	return e, nil
}

// Socket returns the engine's socket descriptor, or -1 after Finish.
func (e *Engine) Socket() int {
	return e.fd
}

// Status reports the connection-level state.
func (e *Engine) Status() ConnStatus {
	return e.status
}

// ErrorMessage returns the most recent failure text.
func (e *Engine) ErrorMessage() string {
	return e.errMsg
}

// BackendPID returns the server process id received during startup.
func (e *Engine) BackendPID() uint32 {
	return e.backendPID
}

// ServerParameter returns a parameter reported by the server, such as
// server_version or client_encoding.
func (e *Engine) ServerParameter(name string) string {
	return e.serverParams[name]
}

// SetNoticeReceiver replaces the handler for server notices. The
// default discards them.
func (e *Engine) SetNoticeReceiver(fn func(severity, message string)) {
	if fn == nil {
		e.noticeReceiver = nil
		return
	}
	e.noticeReceiver = func(se *serverError) {
		fn(se.severity, se.message)
	}
}

// SetNoticeProcessor replaces the handler for raw notice text. The
// default discards it.
func (e *Engine) SetNoticeProcessor(fn func(text string)) {
	e.noticeProcessor = fn
}

// Finish tears the connection down and releases the socket. Idempotent.
func (e *Engine) Finish() {
	if e.phase == phaseClosed {
		return
	}
	if e.phase == phaseReady {
		// Best-effort Terminate; the server drops the session either way.
		e.outbuf = append(e.outbuf, pgwire.Bare(pgwire.MsgTerminate)...)
		_ = e.writeOut()
	}
	e.phase = phaseClosed
	e.status = ConnBad
	if e.tlsConn != nil {
		_ = e.tlsConn.Close()
		e.tlsConn = nil
		e.netConn = nil
	}
	if e.file != nil {
		// The os.File wraps the engine's own descriptor; closing it
		// closes e.fd.
		_ = e.file.Close()
		e.file = nil
		e.fd = -1
	}
	if e.fd >= 0 {
		unix.Close(e.fd)
		e.fd = -1
	}
	e.outbuf = nil
	e.inbuf = nil
}

// ConnectPoll advances the startup handshake one step. Call it once
// after StartConnect and again on every readiness notification until it
// returns PollingOK or PollingFailed.
func (e *Engine) ConnectPoll() PollingStatus {
	if e.status == ConnBad {
		return PollingFailed
	}
	if !e.deadline.IsZero() && time.Now().After(e.deadline) {
		return e.failPoll(errors.New("connection timeout"))
	}

	if e.phase == phaseTCPConnect {
		err := unix.Connect(e.fd, e.sa)
		switch err {
		case nil, unix.EISCONN:
			if e.useSSL() {
				e.appendSSLRequest()
				e.phase = phaseSSLResponse
			} else {
				e.appendStartup()
				e.phase = phaseHandshake
			}
		case unix.EALREADY, unix.EINPROGRESS, unix.EAGAIN:
			return PollingWriting
		default:
			return e.failPoll(fmt.Errorf("unable to connect to %s: %w", e.opts.HostAddr, err))
		}
	}

	if err := e.writeOut(); err != nil {
		return e.failPoll(err)
	}
	if len(e.outbuf) > 0 {
		return PollingWriting
	}

	switch e.phase {
	case phaseSSLResponse:
		b, ok, err := e.readSSLResponse()
		if err != nil {
			return e.failPoll(err)
		}
		if !ok {
			return PollingReading
		}
		switch b {
		case 'S':
			if err := e.startTLS(); err != nil {
				return e.failPoll(err)
			}
		case 'N':
			return e.failPoll(errors.New("server does not support SSL"))
		default:
			return e.failPoll(fmt.Errorf("unexpected SSL response: %c", b))
		}
		e.appendStartup()
		e.phase = phaseHandshake
		if err := e.writeOut(); err != nil {
			return e.failPoll(err)
		}
		if len(e.outbuf) > 0 {
			return PollingWriting
		}
		return PollingReading

	case phaseHandshake:
		if err := e.readIn(); err != nil {
			return e.failPoll(err)
		}
		for {
			msgType, body, ok := e.nextMessage()
			if !ok {
				break
			}
			done, err := e.handleStartupMessage(msgType, body)
			if err != nil {
				return e.failPoll(err)
			}
			if done {
				e.phase = phaseReady
				e.status = ConnOK
				return PollingOK
			}
		}
		if e.sawEOF {
			return e.failPoll(errServerClosed())
		}
		if err := e.writeOut(); err != nil {
			return e.failPoll(err)
		}
		if len(e.outbuf) > 0 {
			return PollingWriting
		}
		return PollingReading

	case phaseReady:
		return PollingOK
	}

	return e.failPoll(fmt.Errorf("invalid handshake phase %d", e.phase))
}

// ResetPoll is the reset-phase twin of ConnectPoll, used when an
// established connection is being re-negotiated during teardown.
func (e *Engine) ResetPoll() PollingStatus {
	return e.ConnectPoll()
}

func (e *Engine) useSSL() bool {
	return e.opts.SSLMode == SSLModeRequire || e.opts.SSLMode == SSLModeVerifyFull
}

func (e *Engine) failPoll(err error) PollingStatus {
	e.errMsg = err.Error()
	e.status = ConnBad
	return PollingFailed
}

// appendSSLRequest queues the SSLRequest packet.
func (e *Engine) appendSSLRequest() {
	w := pgwire.NewWriter()
	w.Uint32(pgwire.SSLRequestCode)
	e.outbuf = append(e.outbuf, w.Packet()...)
}

// appendStartup queues the startup packet.
func (e *Engine) appendStartup() {
	w := pgwire.NewWriter()
	w.Uint32(pgwire.ProtocolVersionNumber)
	w.CString("user")
	w.CString(e.opts.User)
	if e.opts.Database != "" {
		w.CString("database")
		w.CString(e.opts.Database)
	}
	w.Byte(0)
	e.outbuf = append(e.outbuf, w.Packet()...)
}

// readSSLResponse reads the single-byte answer to an SSLRequest.
func (e *Engine) readSSLResponse() (byte, bool, error) {
	var buf [1]byte
	n, err := unix.Read(e.fd, buf[:])
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("unable to read SSL response: %w", err)
	}
	if n == 0 {
		return 0, false, errors.New("server closed the connection unexpectedly")
	}
	return buf[0], true, nil
}

// startTLS upgrades the socket. The handshake runs blocking, bounded by
// the connect deadline; afterwards all I/O goes through the TLS
// connection with short deadlines emulating non-blocking operation.
func (e *Engine) startTLS() error {
	config, err := e.tlsClientConfig()
	if err != nil {
		return err
	}

	// net.FileConn duplicates the descriptor; both share one socket, so
	// readiness observed on e.fd applies to the TLS connection too.
	file := os.NewFile(uintptr(e.fd), "pgconn")
	if file == nil {
		return errors.New("unable to wrap socket for TLS")
	}
	netConn, err := net.FileConn(file)
	if err != nil {
		file.Close()
		return fmt.Errorf("unable to wrap socket for TLS: %w", err)
	}

	tlsConn := tls.Client(netConn, config)
	if !e.deadline.IsZero() {
		_ = tlsConn.SetDeadline(e.deadline)
	}
	if err := tlsConn.Handshake(); err != nil {
		netConn.Close()
		// file wraps e.fd itself; closing it releases the descriptor.
		file.Close()
		e.fd = -1
		return fmt.Errorf("TLS handshake failed: %w", err)
	}
	_ = tlsConn.SetDeadline(time.Time{})

	// file must stay open for the lifetime of the connection: closing
	// it would close e.fd.
	e.file = file
	e.netConn = netConn
	e.tlsConn = tlsConn
	return nil
}

// tlsClientConfig builds the TLS configuration from the staged
// certificate material paths.
func (e *Engine) tlsClientConfig() (*tls.Config, error) {
	config := &tls.Config{}

	if e.opts.SSLCert != "" || e.opts.SSLKey != "" {
		cert, err := tls.LoadX509KeyPair(e.opts.SSLCert, e.opts.SSLKey)
		if err != nil {
			return nil, fmt.Errorf("unable to load client certificate: %w", err)
		}
		config.Certificates = []tls.Certificate{cert}
	}

	switch e.opts.SSLMode {
	case SSLModeVerifyFull:
		pem, err := os.ReadFile(e.opts.SSLRootCert)
		if err != nil {
			return nil, fmt.Errorf("unable to read root certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("no certificates found in root bundle")
		}
		config.RootCAs = pool
		config.ServerName = e.opts.Host
	case SSLModeRequire:
		config.InsecureSkipVerify = true
	default:
		return nil, fmt.Errorf("unexpected ssl mode %q", e.opts.SSLMode)
	}

	return config, nil
}

// writeOut drains as much of the output buffer as the socket accepts.
func (e *Engine) writeOut() error {
	for len(e.outbuf) > 0 {
		n, err := e.transportWrite(e.outbuf)
		if n > 0 {
			e.outbuf = e.outbuf[n:]
		}
		if err == errWouldBlock {
			return nil
		}
		if err != nil {
			return fmt.Errorf("unable to flush data to server: %w", err)
		}
	}
	return nil
}

// readIn moves every readily available byte from the socket into the
// input buffer.
func (e *Engine) readIn() error {
	for {
		buf := make([]byte, readChunkSize)
		n, err := e.transportRead(buf)
		if n > 0 {
			e.inbuf = append(e.inbuf, buf[:n]...)
		}
		if err == errWouldBlock {
			return nil
		}
		if err != nil {
			return fmt.Errorf("unable to receive data from server: %w", err)
		}
		if n == 0 {
			e.sawEOF = true
			return nil
		}
	}
}

// errServerClosed is the failure reported once the input buffer is
// drained after the server hung up.
func errServerClosed() error {
	return errors.New("server closed the connection unexpectedly")
}

// nextMessage pops one complete framed message from the input buffer.
func (e *Engine) nextMessage() (byte, []byte, bool) {
	if len(e.inbuf) < 5 {
		return 0, nil, false
	}
	length := int(uint32(e.inbuf[1])<<24 | uint32(e.inbuf[2])<<16 | uint32(e.inbuf[3])<<8 | uint32(e.inbuf[4]))
	if length < pgwire.PacketHeaderSize {
		return 0, nil, false
	}
	total := 1 + length
	if len(e.inbuf) < total {
		return 0, nil, false
	}
	msgType := e.inbuf[0]
	body := e.inbuf[5:total]
	e.inbuf = e.inbuf[total:]
	return msgType, body, true
}

func (e *Engine) transportWrite(p []byte) (int, error) {
	if e.tlsConn != nil {
		_ = e.tlsConn.SetWriteDeadline(time.Now().Add(tlsIODeadline))
		n, err := e.tlsConn.Write(p)
		if err != nil && errors.Is(err, os.ErrDeadlineExceeded) {
			return n, errWouldBlock
		}
		return n, err
	}
	n, err := unix.Write(e.fd, p)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return 0, errWouldBlock
	}
	if n < 0 {
		n = 0
	}
	return n, err
}

func (e *Engine) transportRead(p []byte) (int, error) {
	if e.tlsConn != nil {
		_ = e.tlsConn.SetReadDeadline(time.Now().Add(tlsIODeadline))
		n, err := e.tlsConn.Read(p)
		if err != nil && errors.Is(err, os.ErrDeadlineExceeded) {
			if n > 0 {
				return n, nil
			}
			return 0, errWouldBlock
		}
		if err == nil && n == 0 {
			return 0, errWouldBlock
		}
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		return n, err
	}
	n, err := unix.Read(e.fd, p)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return 0, errWouldBlock
	}
	if n < 0 {
		n = 0
	}
	return n, err
}

// waitFd blocks until the socket is ready in the given direction. Used
// only by the blocking call paths.
func (e *Engine) waitFd(events int16) error {
	for {
		fds := []unix.PollFd{{Fd: int32(e.fd), Events: events}}
		_, err := unix.Poll(fds, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("poll failed: %w", err)
		}
		return nil
	}
}
