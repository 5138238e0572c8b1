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

package pgengine

import (
	"testing"
	"time"

	"github.com/lib/pq/oid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"golang.org/x/sys/unix"

	"github.com/multigres/pgasync/go/fakepgserver"
	"github.com/multigres/pgasync/go/sqltypes"
)

// driveHandshake advances ConnectPoll with plain blocking polls until
// the handshake resolves, standing in for the readiness loop.
func driveHandshake(t *testing.T, e *Engine) PollingStatus {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	rc := e.ConnectPoll()
	for rc == PollingReading || rc == PollingWriting {
		if time.Now().After(deadline) {
			t.Fatal("handshake did not resolve in time")
		}
		events := int16(unix.POLLIN)
		if rc == PollingWriting {
			events = unix.POLLOUT
		}
		fds := []unix.PollFd{{Fd: int32(e.Socket()), Events: events}}
		_, err := unix.Poll(fds, 1000)
		require.NoError(t, err)
		rc = e.ConnectPoll()
	}
	return rc
}

func connectTestEngine(t *testing.T, server *fakepgserver.Server, opts *ConnectOptions) *Engine {
	t.Helper()
	if opts == nil {
		opts = &ConnectOptions{}
	}
	if opts.HostAddr == "" {
		opts.HostAddr = server.Host()
		opts.Port = server.Port()
	}
	if opts.User == "" {
		opts.User = "tester"
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.SSLMode == "" {
		opts.SSLMode = SSLModeDisable
	}

	e, err := StartConnect(opts)
	require.NoError(t, err)
	t.Cleanup(e.Finish)

	require.Equal(t, PollingOK, driveHandshake(t, e), "handshake failed: %s", e.ErrorMessage())
	require.Equal(t, ConnOK, e.Status())
	return e
}

func TestEngineHandshakeTrust(t *testing.T) {
	server := fakepgserver.New(t)
	defer server.Close()

	e := connectTestEngine(t, server, nil)
	assert.Equal(t, uint32(4242), e.BackendPID())
	assert.Equal(t, "16.3", e.ServerParameter("server_version"))
}

func TestEngineHandshakeCleartextPassword(t *testing.T) {
	server := fakepgserver.New(t)
	defer server.Close()
	server.SetUser("tester", "sesame")

	e := connectTestEngine(t, server, &ConnectOptions{Password: "sesame"})
	assert.Equal(t, ConnOK, e.Status())
}

func TestEngineHandshakeWrongPassword(t *testing.T) {
	server := fakepgserver.New(t)
	defer server.Close()
	server.SetUser("tester", "sesame")

	opts := &ConnectOptions{
		HostAddr:       server.Host(),
		Port:           server.Port(),
		User:           "tester",
		Password:       "wrong",
		ConnectTimeout: 5 * time.Second,
		SSLMode:        SSLModeDisable,
	}
	e, err := StartConnect(opts)
	require.NoError(t, err)
	defer e.Finish()

	rc := driveHandshake(t, e)
	assert.Equal(t, PollingFailed, rc)
	assert.Contains(t, e.ErrorMessage(), "password authentication failed")
}

func TestEngineConnectRefused(t *testing.T) {
	opts := &ConnectOptions{
		HostAddr:       "127.0.0.1",
		Port:           1, // nothing listens here
		User:           "tester",
		ConnectTimeout: 2 * time.Second,
		SSLMode:        SSLModeDisable,
	}
	e, err := StartConnect(opts)
	require.NoError(t, err)
	defer e.Finish()

	rc := driveHandshake(t, e)
	assert.Equal(t, PollingFailed, rc)
	assert.NotEmpty(t, e.ErrorMessage())
}

func TestEngineExec(t *testing.T) {
	server := fakepgserver.New(t)
	defer server.Close()
	server.AddQuery("select now()", &fakepgserver.QuerySpec{
		Result: &sqltypes.Result{
			Fields: []*sqltypes.Field{{Name: "now", DataTypeOid: oid.T_timestamptz}},
			Rows:   []*sqltypes.Row{{Values: []sqltypes.Value{sqltypes.Value("2026-01-01")}}},
		},
	})

	e := connectTestEngine(t, server, nil)

	res, err := e.Exec("SELECT now()", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusTuplesOK, res.Status)
	require.Len(t, res.Recordset.Rows, 1)
	assert.Equal(t, sqltypes.Value("2026-01-01"), res.Recordset.Rows[0].Values[0])
}

func TestEngineExecServerError(t *testing.T) {
	server := fakepgserver.New(t)
	defer server.Close()
	server.AddQuery("select broken", &fakepgserver.QuerySpec{Err: "syntax error at or near \"broken\""})

	e := connectTestEngine(t, server, nil)

	res, err := e.Exec("SELECT broken", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusFatalError, res.Status)
	assert.Contains(t, res.ErrMessage, "syntax error")

	// The cycle closed at Sync; the engine must be reusable.
	server.AddQuery("select 1", &fakepgserver.QuerySpec{})
	res, err = e.Exec("SELECT 1", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCommandOK, res.Status)
}

func TestEnginePrepareAndDescribe(t *testing.T) {
	server := fakepgserver.New(t)
	defer server.Close()
	server.AddQuery("select $1::int", &fakepgserver.QuerySpec{
		ParamOIDs: []oid.Oid{oid.T_int4},
		Result: &sqltypes.Result{
			Fields: []*sqltypes.Field{{Name: "int4", DataTypeOid: oid.T_int4}},
		},
	})

	e := connectTestEngine(t, server, nil)

	res, err := e.Prepare("s1", "SELECT $1::int", []oid.Oid{oid.T_int4})
	require.NoError(t, err)
	assert.Equal(t, StatusCommandOK, res.Status)

	desc, err := e.DescribePrepared("s1")
	require.NoError(t, err)
	assert.Equal(t, StatusCommandOK, desc.Status)
	assert.Equal(t, []oid.Oid{oid.T_int4}, desc.ParamOIDs)
}

func TestEngineSendQueryPreparedPipeline(t *testing.T) {
	server := fakepgserver.New(t)
	defer server.Close()
	server.AddQuery("select $1::int", &fakepgserver.QuerySpec{
		ParamOIDs: []oid.Oid{oid.T_int4},
		Result: &sqltypes.Result{
			Fields: []*sqltypes.Field{{Name: "int4", DataTypeOid: oid.T_int4}},
			Rows:   []*sqltypes.Row{{Values: []sqltypes.Value{sqltypes.Value{0, 0, 0, 7}}}},
		},
	})

	e := connectTestEngine(t, server, nil)

	_, err := e.Prepare("s1", "SELECT $1::int", nil)
	require.NoError(t, err)

	args := &QueryArgs{
		Values:  [][]byte{{0, 0, 0, 7}},
		Formats: []int16{1},
		Types:   []oid.Oid{oid.T_int4},
	}
	require.NoError(t, e.SendQueryPrepared("s1", args))
	require.True(t, e.IsBusy())

	// Pump the readiness cycle by hand.
	deadline := time.Now().Add(5 * time.Second)
	for e.IsBusy() {
		require.False(t, time.Now().After(deadline), "response did not arrive")
		switch e.Flush() {
		case -1:
			t.Fatalf("flush failed: %s", e.ErrorMessage())
		case 1:
			fds := []unix.PollFd{{Fd: int32(e.Socket()), Events: unix.POLLOUT}}
			_, err := unix.Poll(fds, 1000)
			require.NoError(t, err)
			continue
		}
		fds := []unix.PollFd{{Fd: int32(e.Socket()), Events: unix.POLLIN}}
		_, err := unix.Poll(fds, 1000)
		require.NoError(t, err)
		require.True(t, e.ConsumeInput(), "consume failed: %s", e.ErrorMessage())
	}

	res := e.GetResult()
	require.NotNil(t, res)
	assert.Equal(t, StatusTuplesOK, res.Status)
	require.Len(t, res.Recordset.Rows, 1)
	assert.Nil(t, e.GetResult(), "a single-statement cycle has one result")
	assert.False(t, e.IsBusy())
}

func TestEngineRejectsOverlappingCommands(t *testing.T) {
	server := fakepgserver.New(t)
	defer server.Close()
	server.AddQuery("select 1", &fakepgserver.QuerySpec{})

	e := connectTestEngine(t, server, nil)

	require.NoError(t, e.SendQueryPrepared("s1", nil))
	require.Error(t, e.SendQueryPrepared("s1", nil))
	_, err := e.Exec("SELECT 1", nil)
	require.Error(t, err)
}

func TestEngineFinishIdempotent(t *testing.T) {
	server := fakepgserver.New(t)
	defer server.Close()

	e := connectTestEngine(t, server, nil)
	e.Finish()
	e.Finish()
	assert.Equal(t, ConnBad, e.Status())
	assert.Equal(t, -1, e.Socket())
}

func TestStartConnectValidation(t *testing.T) {
	_, err := StartConnect(&ConnectOptions{HostAddr: "", Port: 5432, User: "u"})
	require.Error(t, err)

	_, err = StartConnect(&ConnectOptions{HostAddr: "not-an-ip", Port: 5432, User: "u"})
	require.Error(t, err)

	_, err = StartConnect(&ConnectOptions{HostAddr: "127.0.0.1", Port: 0, User: "u"})
	require.Error(t, err)

	_, err = StartConnect(&ConnectOptions{HostAddr: "127.0.0.1", Port: 5432, User: "u", SSLMode: SSLModeVerifyFull})
	require.Error(t, err)
}
