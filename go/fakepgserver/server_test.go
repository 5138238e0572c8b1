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

package fakepgserver

import (
	"bufio"
	"net"
	"testing"

	"github.com/lib/pq/oid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multigres/pgasync/go/pgwire"
	"github.com/multigres/pgasync/go/sqltypes"
)

// dialAndStartup opens a raw protocol session with trust auth.
func dialAndStartup(t *testing.T, s *Server) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", s.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	w := pgwire.NewWriter()
	w.Uint32(pgwire.ProtocolVersionNumber)
	w.CString("user")
	w.CString("tester")
	w.Byte(0)
	_, err = conn.Write(w.Packet())
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	for {
		msgType, body, err := pgwire.ReadMessage(reader)
		require.NoError(t, err)
		if msgType == pgwire.MsgReadyForQuery {
			require.Equal(t, byte(pgwire.TxnStatusIdle), body[0])
			return conn, reader
		}
	}
}

func TestSimpleQuery(t *testing.T) {
	s := New(t)
	defer s.Close()
	s.AddQuery("select name from users", &QuerySpec{
		Result: &sqltypes.Result{
			Fields:     []*sqltypes.Field{{Name: "name", DataTypeOid: oid.T_text}},
			Rows:       []*sqltypes.Row{{Values: []sqltypes.Value{sqltypes.Value("ada")}}},
			CommandTag: "SELECT 1",
		},
	})

	conn, reader := dialAndStartup(t, s)

	q := pgwire.NewWriter()
	q.CString("SELECT name FROM users")
	_, err := conn.Write(q.Frame(pgwire.MsgQuery))
	require.NoError(t, err)

	var types []byte
	var rowValue string
	for {
		msgType, body, err := pgwire.ReadMessage(reader)
		require.NoError(t, err)
		types = append(types, msgType)
		if msgType == pgwire.MsgDataRow {
			r := pgwire.NewReader(body)
			n, err := r.Int16()
			require.NoError(t, err)
			require.EqualValues(t, 1, n)
			v, err := r.Datum()
			require.NoError(t, err)
			rowValue = string(v)
		}
		if msgType == pgwire.MsgReadyForQuery {
			break
		}
	}

	assert.Equal(t, []byte{
		pgwire.MsgRowDescription,
		pgwire.MsgDataRow,
		pgwire.MsgCommandComplete,
		pgwire.MsgReadyForQuery,
	}, types)
	assert.Equal(t, "ada", rowValue)
	assert.Equal(t, []string{"SELECT name FROM users"}, s.QueryLog())
}

func TestSimpleQueryError(t *testing.T) {
	s := New(t)
	defer s.Close()
	s.AddQuery("select broken", &QuerySpec{Err: "syntax error"})

	conn, reader := dialAndStartup(t, s)

	q := pgwire.NewWriter()
	q.CString("SELECT broken")
	_, err := conn.Write(q.Frame(pgwire.MsgQuery))
	require.NoError(t, err)

	sawError := false
	for {
		msgType, _, err := pgwire.ReadMessage(reader)
		require.NoError(t, err)
		if msgType == pgwire.MsgErrorResponse {
			sawError = true
		}
		if msgType == pgwire.MsgReadyForQuery {
			break
		}
	}
	assert.True(t, sawError)
}
