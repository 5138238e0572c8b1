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

// Package pgconn implements an asynchronous PostgreSQL client
// connection driven by a readiness event loop.
//
// A Connection is a persistent identity: it survives reconnects, owns
// the staged TLS material and the reconnect timer, and holds at most
// one connection state machine at a time. All methods must be called
// on the event loop goroutine; thread affinity equals loop affinity.
package pgconn

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq/oid"

	"github.com/multigres/pgasync/go/dnsresolver"
	"github.com/multigres/pgasync/go/eventloop"
	"github.com/multigres/pgasync/go/sqltypes"
)

// RequestID correlates an asynchronous execution with its completion.
type RequestID uint64

// InvalidRequestID is the zero request id; no completion carries it.
const InvalidRequestID RequestID = 0

// ConnectedHandler runs once per state machine when the handshake
// finishes. Returning an error tears the connection down again.
type ConnectedHandler func() error

// DisconnectedHandler runs once per connection attempt outcome: nil
// for a graceful close, an error otherwise.
type DisconnectedHandler func(err error)

// ExecuteHandler receives the completion of one asynchronous
// execution: either nil and a result, or an error and an empty result.
type ExecuteHandler func(err error, result *sqltypes.Result, conn *Connection)

// Connection is the public face of one logical PostgreSQL connection.
type Connection struct {
	loop     *eventloop.Loop
	resolver *dnsresolver.Resolver

	id        uuid.UUID
	options   Options
	hostIndex int

	connectedHandler    ConnectedHandler
	disconnectedHandler DisconnectedHandler

	reconnectTimer *eventloop.Timer

	ssl sslTemporaryFiles

	// state is nil whenever the connection is not attached to a
	// connection attempt.
	state *connState
}

// New creates a connection bound to the loop and resolver. It is inert
// until Initialize.
func New(loop *eventloop.Loop, resolver *dnsresolver.Resolver) *Connection {
	return &Connection{
		loop:           loop,
		resolver:       resolver,
		reconnectTimer: loop.NewTimer(),
	}
}

// ID returns the connection identity.
func (c *Connection) ID() uuid.UUID {
	return c.id
}

// Options returns the active configuration.
func (c *Connection) Options() Options {
	return c.options
}

// Initialize tears down any existing state, stores the configuration
// and handlers, stages the TLS material, and starts the first
// connection attempt.
func (c *Connection) Initialize(id uuid.UUID, options Options, hostIndex int, connected ConnectedHandler, disconnected DisconnectedHandler) error {
	c.Destroy()

	if hostIndex < 0 || hostIndex >= len(options.Hosts) {
		return fmt.Errorf("host index %d is out of range", hostIndex)
	}

	c.id = id
	c.options = options
	c.hostIndex = hostIndex
	c.connectedHandler = connected
	c.disconnectedHandler = disconnected

	if c.options.SSLOptions.Allow {
		if err := c.ssl.certificate.create(c.options.SSLOptions.CertificatePEMData); err != nil {
			return fmt.Errorf("unable to initialize postgresql connection: %w", err)
		}
		if err := c.ssl.privateKey.create(c.options.SSLOptions.PrivateKeyPEMData); err != nil {
			return fmt.Errorf("unable to initialize postgresql connection: %w", err)
		}
		if len(c.options.SSLOptions.TrustedCertificatesPEMData) > 0 {
			if err := c.ssl.caBundle.create(c.options.SSLOptions.TrustedCertificatesPEMData[0]); err != nil {
				return fmt.Errorf("unable to initialize postgresql connection: %w", err)
			}
		}
		if c.options.UserName == "" {
			cn, err := commonNameFromPEM(c.options.SSLOptions.CertificatePEMData)
			if err != nil {
				return fmt.Errorf("unable to initialize postgresql connection: %w", err)
			}
			c.options.UserName = cn
		}
	}

	c.state = newConnState(c)
	return nil
}

// Destroy gracefully tears down the connection: the reconnect timer is
// cancelled, any attached state machine is disconnected, and the
// disconnected handler observes a nil error.
func (c *Connection) Destroy() {
	c.reconnectTimer.Stop()
	if c.state != nil {
		c.state.disconnect()
		c.state = nil
		if c.disconnectedHandler != nil {
			c.disconnectedHandler(nil)
		}
	}
	c.connectedHandler = nil
	c.disconnectedHandler = nil
	c.options = Options{}
	c.id = uuid.Nil
	c.ssl.clear()
}

// IsValid reports whether a state machine is attached and connected.
func (c *Connection) IsValid() bool {
	return c.state != nil && c.state.state == stateConnected
}

// StartReconnectTimer schedules construction of a fresh state machine
// after the reconnect interval. No-op when the loop is not running.
func (c *Connection) StartReconnectTimer() error {
	if c.loop.State() != eventloop.Running {
		return nil
	}
	c.reconnectTimer.Restart(c.options.ReconnectInterval, func() {
		c.state = newConnState(c)
	})
	return nil
}

// Execute runs a blocking parameterized query. result, when non-nil,
// is cleared and filled with the returned rows.
func (c *Connection) Execute(query string, data *QueryData, result *sqltypes.Result) error {
	if result != nil {
		result.Clear()
	}
	if c.state == nil {
		return errors.New("connection is currently disconnected")
	}
	return c.state.execute(query, data, result)
}

// Prepare creates a named server-side prepared statement and caches
// the parameter OIDs the server declares for it.
func (c *Connection) Prepare(name, query string, types []oid.Oid) error {
	if c.state == nil {
		return errors.New("connection is currently disconnected")
	}
	return c.state.prepare(name, query, types)
}

// ExecuteAsync issues a non-blocking prepared-statement execution. The
// handler runs exactly once, on the loop goroutine.
func (c *Connection) ExecuteAsync(preparedName string, data *QueryData, handler ExecuteHandler, requestID RequestID) {
	if c.state == nil {
		handler(errors.New("connection is currently disconnected"), &sqltypes.Result{}, nil)
		return
	}
	c.state.executeAsync(preparedName, data, handler, requestID)
}

// CurrentRequestID returns the id of the in-flight asynchronous
// execution, or InvalidRequestID.
func (c *Connection) CurrentRequestID() RequestID {
	if c.state == nil {
		return InvalidRequestID
	}
	return c.state.currentRequestID()
}

// CurrentExecuteHandler returns the in-flight completion handler, or
// nil.
func (c *Connection) CurrentExecuteHandler() ExecuteHandler {
	if c.state == nil {
		return nil
	}
	return c.state.currentExecuteHandler()
}

// IsBusy reports whether an asynchronous execution is in flight.
func (c *Connection) IsBusy() bool {
	return c.state != nil && c.state.isBusy()
}
