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

package pgconn

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/lib/pq/oid"

	"golang.org/x/sys/unix"

	"github.com/multigres/pgasync/go/dnsresolver"
	"github.com/multigres/pgasync/go/eventloop"
	"github.com/multigres/pgasync/go/pgengine"
	"github.com/multigres/pgasync/go/sqltypes"
)

// connStateEnum are the lifecycle states of one connection attempt.
type connStateEnum int

const (
	stateConnecting connStateEnum = iota
	stateConnected
	stateDisconnecting
)

// statusUnableToConnect is the poll status delivered when the socket
// went away underneath the poller mid-handshake.
const statusUnableToConnect = -9

// connState is the connection state machine. It owns the protocol
// engine, the duplicated socket descriptor and the poll registration
// for exactly one connection attempt; a reconnect builds a fresh one.
type connState struct {
	// conn is a non-owning back-reference, nulled during disconnect.
	conn *Connection

	state  connStateEnum
	engine *pgengine.Engine

	dnsRequestID dnsresolver.RequestID

	// fd is the duplicated close-on-exec descriptor registered with the
	// poll driver. Live iff the engine is non-nil.
	fd int

	driver    *pollDriver
	eventMask eventloop.Events

	executeHandler ExecuteHandler
	executing      bool
	requestID      RequestID

	connectTimer *eventloop.Timer

	// preparedStmtOIDs caches the server-declared parameter OIDs per
	// prepared statement, filled by prepare's describe round trip.
	preparedStmtOIDs map[string][]oid.Oid
}

// newConnState begins an asynchronous connection attempt: it arms the
// connect-timeout timer and issues the DNS lookup for the selected
// host. Everything else happens on loop callbacks.
func newConnState(conn *Connection) *connState {
	s := &connState{
		conn:             conn,
		state:            stateConnecting,
		fd:               -1,
		requestID:        InvalidRequestID,
		preparedStmtOIDs: make(map[string][]oid.Oid),
	}
	host := conn.options.Hosts[conn.hostIndex]

	s.connectTimer = conn.loop.NewTimer()
	s.connectTimer.Restart(conn.options.ConnectTimeout, func() {
		s.reconnect(errors.New("connection timeout"))
	})

	conn.resolver.Resolve(host, func(addresses []netip.Addr) {
		s.dnsRequestID = 0
		if s.conn == nil {
			return
		}
		if len(addresses) == 0 {
			s.reconnect(fmt.Errorf("unable to resolve host %q", host))
			return
		}
		s.connect(addresses[0])
	}, &s.dnsRequestID)

	return s
}

// connect issues the non-blocking connect for the resolved address and
// registers the socket with the poll driver.
func (s *connState) connect(address netip.Addr) {
	conn := s.conn
	opts := &pgengine.ConnectOptions{
		HostAddr:       address.String(),
		Port:           conn.options.Port,
		User:           conn.options.UserName,
		ConnectTimeout: conn.options.ConnectTimeout,
		SSLMode:        pgengine.SSLModeDisable,
	}
	if conn.options.DatabaseName != "" {
		opts.Database = conn.options.DatabaseName
	}
	if conn.options.SSLOptions.Allow {
		// The unresolved host name rides along for certificate name
		// verification.
		opts.Host = conn.options.Hosts[conn.hostIndex]
		opts.SSLCert = conn.ssl.certificate.Path()
		opts.SSLKey = conn.ssl.privateKey.Path()
		if conn.ssl.caBundle.Path() != "" {
			opts.SSLMode = pgengine.SSLModeVerifyFull
			opts.SSLRootCert = conn.ssl.caBundle.Path()
		} else {
			opts.SSLMode = pgengine.SSLModeRequire
		}
	} else {
		opts.Password = conn.options.Password
	}

	engine, err := pgengine.StartConnect(opts)
	if err != nil {
		s.reconnect(fmt.Errorf("connection to database failed. %w", err))
		return
	}
	s.engine = engine

	// Server notices are silenced; nothing upstream consumes them.
	engine.SetNoticeReceiver(func(severity, message string) {})
	engine.SetNoticeProcessor(func(text string) {})

	fd := engine.Socket()
	if fd < 0 {
		s.reconnect(errors.New("unable to get socket description"))
		return
	}
	dup, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		s.reconnect(errors.New("unable to duplicate socket description"))
		return
	}
	s.fd = dup
	if err := conn.options.SocketOptions.Apply(fd); err != nil {
		slog.Warn("unable to apply socket options", "connection", conn.id, "error", err)
	}

	driver, err := newPollDriver(conn.loop, s.fd)
	if err != nil {
		s.reconnect(err)
		return
	}
	s.driver = driver

	if err := s.pollConnection(); err != nil {
		s.reconnect(err)
	}
}

// onConnectionPoll is the readiness callback of the handshake phase.
func (s *connState) onConnectionPoll(status int, events eventloop.Events) {
	if status < 0 {
		if status == statusUnableToConnect {
			s.reconnect(fmt.Errorf("unable to connect to postgresql server. %s", s.engine.ErrorMessage()))
		} else {
			s.reconnect(fmt.Errorf("bad status %d", status))
		}
		return
	}
	if events&^(eventloop.Readable|eventloop.Writable) != 0 {
		s.reconnect(fmt.Errorf("unexpected event %d", events))
		return
	}

	if err := s.pollConnection(); err != nil {
		s.reconnect(err)
	}
}

// onCommandPoll is the readiness callback of the command phase.
func (s *connState) onCommandPoll(status int, events eventloop.Events) {
	if status < 0 {
		s.reconnect(fmt.Errorf("bad status %d", status))
		return
	}

	if err := s.pollCommands(events); err != nil {
		s.reconnect(err)
	}
}

// pollConnection advances the handshake one poll step and re-arms the
// driver with whatever direction the engine needs next.
func (s *connState) pollConnection() error {
	var rc pgengine.PollingStatus
	switch s.state {
	case stateConnecting:
		rc = s.engine.ConnectPoll()
	case stateDisconnecting:
		rc = s.engine.ResetPoll()
	default:
		return errors.New("invalid state")
	}

	var events eventloop.Events
	var cb eventloop.PollCallback
	callConnectedHandler := false

	switch rc {
	case pgengine.PollingReading:
		events = eventloop.Readable
		cb = s.onConnectionPoll
	case pgengine.PollingWriting:
		events = eventloop.Writable
		cb = s.onConnectionPoll
	case pgengine.PollingOK:
		s.connectTimer.Stop()
		s.state = stateConnected
		s.eventMask = eventloop.Readable | eventloop.Writable
		events = s.eventMask
		if s.conn != nil {
			callConnectedHandler = true
		}
		cb = s.onCommandPoll
	case pgengine.PollingFailed:
		return fmt.Errorf("polling failed. %s", s.engine.ErrorMessage())
	default:
		return errors.New("unknown poll status")
	}

	if err := s.driver.register(events, cb); err != nil {
		return err
	}

	if s.engine.Status() == pgengine.ConnOK && callConnectedHandler {
		if s.conn.connectedHandler != nil {
			if err := s.conn.connectedHandler(); err != nil {
				return err
			}
		}
	}
	return nil
}

// pollCommands services one readiness notification of the command
// phase and recomputes the interest mask.
func (s *connState) pollCommands(events eventloop.Events) error {
	mask := s.eventMask

	if events&eventloop.Writable != 0 {
		switch rc := s.engine.Flush(); rc {
		case 0:
			mask &^= eventloop.Writable
		case 1:
			mask |= eventloop.Readable | eventloop.Writable
		default:
			return fmt.Errorf("unable to flush data to server. %s", s.engine.ErrorMessage())
		}
	}

	if events&eventloop.Readable != 0 {
		if !s.engine.ConsumeInput() {
			return fmt.Errorf("unable to receive data from server. %s", s.engine.ErrorMessage())
		}

		if !s.engine.IsBusy() {
			if result := s.engine.GetResult(); result != nil {
				if result.Status != pgengine.StatusTuplesOK && result.Status != pgengine.StatusCommandOK {
					// Drain whatever else the cycle produced before
					// reporting the failure.
					for s.engine.GetResult() != nil {
					}
					s.finishRequest(fmt.Errorf("unable to execute. %s", result.ErrMessage), &sqltypes.Result{})
					return nil
				}
				if s.engine.GetResult() != nil {
					return errors.New("handling of more results is not supported")
				}
				s.finishRequest(nil, result.Recordset)
			}
		}
	}

	return s.updatePollEventmask(mask)
}

// updatePollEventmask re-arms the driver only when the union of needed
// directions changed.
func (s *connState) updatePollEventmask(mask eventloop.Events) error {
	if mask == s.eventMask {
		return nil
	}
	if err := s.driver.updateInterest(mask); err != nil {
		return fmt.Errorf("unable to start poll: %w", err)
	}
	s.eventMask = mask
	return nil
}

// finishRequest completes the in-flight asynchronous execution exactly
// once, clearing the busy state before the handler runs.
func (s *connState) finishRequest(err error, result *sqltypes.Result) {
	handler := s.executeHandler
	s.executing = false
	s.executeHandler = nil
	s.requestID = InvalidRequestID
	if handler != nil {
		handler(err, result, s.conn)
	}
}

// isBusy reports whether an asynchronous execution is in flight.
func (s *connState) isBusy() bool {
	return s.executing
}

// currentRequestID returns the id of the in-flight execution.
func (s *connState) currentRequestID() RequestID {
	return s.requestID
}

// currentExecuteHandler returns the in-flight completion handler.
func (s *connState) currentExecuteHandler() ExecuteHandler {
	return s.executeHandler
}

// execute runs a blocking parameterized query; results come back in
// binary format.
func (s *connState) execute(query string, data *QueryData, result *sqltypes.Result) error {
	if s.state != stateConnected {
		return errors.New("connection is currently disconnected")
	}
	if s.isBusy() {
		return errors.New("connection is busy")
	}

	res, err := s.engine.Exec(query, queryArgs(data))
	if err != nil {
		return fmt.Errorf("unable to execute query. %s", s.engine.ErrorMessage())
	}

	switch res.Status {
	case pgengine.StatusEmptyQuery, pgengine.StatusCommandOK:
		return nil
	case pgengine.StatusTuplesOK:
		if result != nil {
			*result = *res.Recordset
		}
		return nil
	case pgengine.StatusNonfatalError, pgengine.StatusBadResponse, pgengine.StatusFatalError:
		return fmt.Errorf("unable to execute query. %s", res.ErrMessage)
	default:
		return errors.New("unsupported query")
	}
}

// prepare creates a named prepared statement and caches the parameter
// OIDs the server declares for it.
func (s *connState) prepare(name, query string, types []oid.Oid) error {
	if s.state != stateConnected {
		return errors.New("connection is currently disconnected")
	}
	if s.isBusy() {
		return errors.New("connection is busy")
	}

	res, err := s.engine.Prepare(name, query, types)
	if err != nil {
		return fmt.Errorf("unable to execute query. %s", s.engine.ErrorMessage())
	}

	switch res.Status {
	case pgengine.StatusCommandOK:
		desc, err := s.engine.DescribePrepared(name)
		if err == nil && desc.Status == pgengine.StatusCommandOK {
			s.preparedStmtOIDs[name] = desc.ParamOIDs
		}
		return nil
	case pgengine.StatusNonfatalError, pgengine.StatusBadResponse, pgengine.StatusFatalError:
		return fmt.Errorf("unable to execute query. %s", res.ErrMessage)
	default:
		return errors.New("unsupported query")
	}
}

// executeAsync issues a non-blocking prepared-statement execution. All
// failures, preconditions included, are reported through the handler.
func (s *connState) executeAsync(preparedName string, data *QueryData, handler ExecuteHandler, requestID RequestID) {
	if s.state != stateConnected {
		handler(errors.New("connection is currently disconnected"), &sqltypes.Result{}, s.conn)
		return
	}
	if s.isBusy() {
		handler(errors.New("connection is busy"), &sqltypes.Result{}, s.conn)
		return
	}

	if data != nil && s.conn.options.CheckQueryParameters {
		if oids, ok := s.preparedStmtOIDs[preparedName]; ok {
			if data.Count() != len(oids) {
				handler(errors.New("wrong parameter count"), &sqltypes.Result{}, s.conn)
				return
			}
			for i, want := range oids {
				if got := data.Types()[i]; got != 0 && got != want {
					handler(fmt.Errorf("wrong parameter type %d for parameter %d. Must be %d.", got, i, want), &sqltypes.Result{}, s.conn)
					return
				}
			}
		}
	}

	if err := s.engine.SendQueryPrepared(preparedName, queryArgs(data)); err != nil {
		handler(fmt.Errorf("unable to execute query. %s", s.engine.ErrorMessage()), &sqltypes.Result{}, s.conn)
		return
	}

	s.executeHandler = handler
	s.requestID = requestID
	s.executing = true

	// The response needs readability; unsent bytes need writability.
	mask := s.eventMask | eventloop.Readable
	switch s.engine.Flush() {
	case 1:
		mask |= eventloop.Writable
	case -1:
		s.reconnect(fmt.Errorf("unable to flush data to server. %s", s.engine.ErrorMessage()))
		return
	}
	if err := s.updatePollEventmask(mask); err != nil {
		s.reconnect(err)
	}
}

// disconnect tears the attempt down: cancel DNS without delivering its
// callback, stop the connect timer, stop the poll, close the duplicated
// descriptor, finalize the engine, and release the state machine once
// the loop acknowledges the poll handle's closure.
func (s *connState) disconnect() {
	s.state = stateDisconnecting

	if s.conn == nil {
		return
	}
	conn := s.conn
	conn.state = nil
	s.conn = nil

	if s.dnsRequestID != 0 {
		conn.resolver.Cancel(s.dnsRequestID, false)
		s.dnsRequestID = 0
	}
	s.connectTimer.Stop()

	if s.engine != nil {
		if s.driver != nil {
			s.driver.stop()
		}
		if s.fd >= 0 {
			unix.Close(s.fd)
			s.fd = -1
		}
		s.engine.Finish()
		s.engine = nil
	}

	if s.driver != nil {
		driver := s.driver
		s.driver = nil
		driver.close(func() {
			s.release()
		})
	} else {
		s.release()
	}
}

// release drops the last references held by the state machine. Runs
// synchronously when no poll handle was ever allocated, otherwise on
// the loop's close acknowledgement.
func (s *connState) release() {
	s.executeHandler = nil
	s.requestID = InvalidRequestID
	s.executing = false
	s.preparedStmtOIDs = nil
}

// reconnect is the sole failure path once construction began: deliver
// the error to any in-flight execution, tear down, arm the reconnect
// timer when configured, and notify the disconnected handler.
func (s *connState) reconnect(err error) {
	conn := s.conn
	if s.executing {
		s.finishRequest(err, &sqltypes.Result{})
	}
	s.disconnect()
	if conn != nil {
		slog.Debug("postgresql connection lost", "connection", conn.id, "error", err)
		if conn.options.AutoReconnect {
			if rerr := conn.StartReconnectTimer(); rerr != nil {
				slog.Warn("unable to start reconnect timer", "connection", conn.id, "error", rerr)
			}
		}
		if conn.disconnectedHandler != nil {
			conn.disconnectedHandler(err)
		}
	}
}

// queryArgs converts QueryData to the engine's argument form.
func queryArgs(data *QueryData) *pgengine.QueryArgs {
	if data == nil {
		return nil
	}
	return &pgengine.QueryArgs{
		Values:  data.Values(),
		Formats: data.Formats(),
		Types:   data.Types(),
	}
}
