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

// Package fakepgserver provides a fake PostgreSQL server for testing.
// It speaks the PostgreSQL wire protocol and returns pre-configured
// results keyed by query text. All methods are thread-safe.
package fakepgserver

import (
	"crypto/tls"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/lib/pq/oid"

	"github.com/multigres/pgasync/go/sqltypes"
)

// QuerySpec is the pre-configured behavior for one query text.
type QuerySpec struct {
	// ParamOIDs are the parameter type OIDs returned by Describe.
	ParamOIDs []oid.Oid

	// Result is returned on execution. A nil Result with an empty Err
	// produces a row-less CommandComplete tagged "SELECT 0".
	Result *sqltypes.Result

	// Err, when non-empty, makes execution fail with this message.
	Err string

	// DropOnExecute closes the TCP connection instead of answering the
	// Execute message, simulating a mid-query connection loss.
	DropOnExecute bool

	// HangOnExecute makes the server stop responding after the Execute
	// message until the server is closed.
	HangOnExecute bool
}

// Server is a fake PostgreSQL server.
type Server struct {
	t testing.TB

	listener  net.Listener
	tlsConfig *tls.Config
	address   string

	wg     sync.WaitGroup
	closed chan struct{}

	mu sync.Mutex

	// conns are the live client connections, force-closed on shutdown.
	conns map[net.Conn]struct{}

	// users maps user names to cleartext passwords; an absent entry
	// means trust authentication.
	users map[string]string

	// data maps tolower(query) to its configured behavior.
	data map[string]*QuerySpec

	// querylog keeps track of all executed queries.
	querylog []string
}

// New creates a fake server listening on a random local TCP port.
func New(t testing.TB) *Server {
	return newServer(t, nil)
}

// NewTLS creates a fake server that accepts SSLRequest negotiation and
// upgrades to TLS with the given configuration.
func NewTLS(t testing.TB, config *tls.Config) *Server {
	return newServer(t, config)
}

func newServer(t testing.TB, tlsConfig *tls.Config) *Server {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("fakepgserver: unable to listen: %v", err)
	}
	s := &Server{
		t:         t,
		listener:  listener,
		tlsConfig: tlsConfig,
		address:   listener.Addr().String(),
		closed:    make(chan struct{}),
		conns:     make(map[net.Conn]struct{}),
		users:     make(map[string]string),
		data:      make(map[string]*QuerySpec),
	}
	s.wg.Add(1)
	go s.acceptLoop()
	return s
}

// Addr returns the server's "host:port" address.
func (s *Server) Addr() string {
	return s.address
}

// Host returns the listen address.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.address)
	return host
}

// Port returns the listen port.
func (s *Server) Port() int {
	addr := s.listener.Addr().(*net.TCPAddr)
	return addr.Port
}

// SetUser requires cleartext password authentication for user.
func (s *Server) SetUser(user, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user] = password
}

// AddQuery registers the behavior for a query text.
func (s *Server) AddQuery(query string, spec *QuerySpec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[strings.ToLower(query)] = spec
}

// QueryLog returns the queries executed so far.
func (s *Server) QueryLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := make([]string, len(s.querylog))
	copy(log, s.querylog)
	return log
}

// Close shuts the listener down, force-closes live connections, and
// waits for the connection goroutines.
func (s *Server) Close() {
	close(s.closed)
	s.listener.Close()
	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
			}()
			s.serve(conn)
		}()
	}
}

func (s *Server) lookup(query string) *QuerySpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data[strings.ToLower(query)]
}

func (s *Server) logQuery(query string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.querylog = append(s.querylog, query)
}

func (s *Server) passwordFor(user string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	password, ok := s.users[user]
	return password, ok
}
