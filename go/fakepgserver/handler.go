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
	"crypto/tls"
	"encoding/binary"
	"io"
	"net"
	"strconv"

	"github.com/multigres/pgasync/go/pgwire"
	"github.com/multigres/pgasync/go/sqltypes"
)

// session is the per-connection protocol state.
type session struct {
	server *Server
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer

	user string

	// statements maps prepared statement names to query text.
	statements map[string]string

	// boundStmt is the statement bound to the unnamed portal.
	boundStmt string

	// skipToSync suppresses responses after an error until Sync.
	skipToSync bool
}

// serve runs one client connection to completion.
func (s *Server) serve(conn net.Conn) {
	defer conn.Close()

	sess := &session{
		server:     s,
		conn:       conn,
		reader:     bufio.NewReader(conn),
		writer:     bufio.NewWriter(conn),
		statements: make(map[string]string),
	}
	if !sess.startup() {
		return
	}
	sess.commandLoop()
}

// startup consumes the startup packet (and SSL negotiation when
// configured), authenticates, and reports readiness.
func (sess *session) startup() bool {
	body, err := sess.readStartupPacket()
	if err != nil {
		return false
	}

	code := binary.BigEndian.Uint32(body)
	if code == pgwire.SSLRequestCode {
		if sess.server.tlsConfig == nil {
			if _, err := sess.conn.Write([]byte{'N'}); err != nil {
				return false
			}
		} else {
			if _, err := sess.conn.Write([]byte{'S'}); err != nil {
				return false
			}
			tlsConn := tls.Server(sess.conn, sess.server.tlsConfig)
			if err := tlsConn.Handshake(); err != nil {
				return false
			}
			sess.conn = tlsConn
			sess.reader = bufio.NewReader(tlsConn)
			sess.writer = bufio.NewWriter(tlsConn)
		}
		body, err = sess.readStartupPacket()
		if err != nil {
			return false
		}
		code = binary.BigEndian.Uint32(body)
	}

	if code != pgwire.ProtocolVersionNumber {
		return false
	}

	// Parameters are null-terminated key/value pairs after the version.
	reader := pgwire.NewReader(body[4:])
	for reader.Len() > 0 {
		key, err := reader.CString()
		if err != nil || key == "" {
			break
		}
		value, err := reader.CString()
		if err != nil {
			break
		}
		if key == "user" {
			sess.user = value
		}
	}

	if password, required := sess.server.passwordFor(sess.user); required {
		w := pgwire.NewWriter()
		w.Int32(pgwire.AuthCleartextPassword)
		sess.send(pgwire.MsgAuthenticationRequest, w)
		sess.flush()

		msgType, body, err := pgwire.ReadMessage(sess.reader)
		if err != nil || msgType != pgwire.MsgPasswordMsg {
			return false
		}
		got, err := pgwire.NewReader(body).CString()
		if err != nil || got != password {
			sess.sendError("28P01", "password authentication failed for user \""+sess.user+"\"")
			sess.flush()
			return false
		}
	}

	authOk := pgwire.NewWriter()
	authOk.Int32(pgwire.AuthOk)
	sess.send(pgwire.MsgAuthenticationRequest, authOk)

	status := pgwire.NewWriter()
	status.CString("server_version")
	status.CString("16.3")
	sess.send(pgwire.MsgParameterStatus, status)

	keyData := pgwire.NewWriter()
	keyData.Uint32(4242)
	keyData.Uint32(117)
	sess.send(pgwire.MsgBackendKeyData, keyData)

	sess.sendReadyForQuery()
	sess.flush()
	return true
}

// commandLoop serves protocol messages until the client goes away.
func (sess *session) commandLoop() {
	for {
		msgType, body, err := pgwire.ReadMessage(sess.reader)
		if err != nil {
			return
		}

		switch msgType {
		case pgwire.MsgTerminate:
			return

		case pgwire.MsgSync:
			sess.skipToSync = false
			sess.sendReadyForQuery()
			sess.flush()

		case pgwire.MsgParse:
			if sess.skipToSync {
				continue
			}
			reader := pgwire.NewReader(body)
			name, _ := reader.CString()
			query, _ := reader.CString()
			sess.statements[name] = query
			sess.send(pgwire.MsgParseComplete, nil)

		case pgwire.MsgBind:
			if sess.skipToSync {
				continue
			}
			reader := pgwire.NewReader(body)
			_, _ = reader.CString() // portal name
			stmtName, _ := reader.CString()
			sess.boundStmt = stmtName
			sess.send(pgwire.MsgBindComplete, nil)

		case pgwire.MsgDescribe:
			if sess.skipToSync {
				continue
			}
			reader := pgwire.NewReader(body)
			typ, _ := reader.Byte()
			name, _ := reader.CString()
			sess.describe(typ, name)

		case pgwire.MsgExecute:
			if sess.skipToSync {
				continue
			}
			if !sess.execute() {
				return
			}

		case pgwire.MsgClose:
			if sess.skipToSync {
				continue
			}
			sess.send(pgwire.MsgCloseComplete, nil)

		case pgwire.MsgQuery:
			reader := pgwire.NewReader(body)
			query, _ := reader.CString()
			sess.simpleQuery(query)

		case pgwire.MsgFlush:
			sess.flush()

		default:
			sess.sendError("0A000", "unsupported frontend message")
			sess.skipToSync = true
		}
	}
}

// describe answers Describe('S') with parameter and row metadata and
// Describe('P') with row metadata only.
func (sess *session) describe(typ byte, name string) {
	query := sess.statements[name]
	if typ == 'P' {
		query = sess.statements[sess.boundStmt]
	}
	spec := sess.server.lookup(query)

	if typ == 'S' {
		params := pgwire.NewWriter()
		if spec != nil {
			params.Int16(int16(len(spec.ParamOIDs)))
			for _, o := range spec.ParamOIDs {
				params.Uint32(uint32(o))
			}
		} else {
			params.Int16(0)
		}
		sess.send(pgwire.MsgParameterDescription, params)
	}

	if spec != nil && spec.Result != nil && len(spec.Result.Fields) > 0 {
		sess.sendRowDescription(spec.Result)
	} else {
		sess.send(pgwire.MsgNoData, nil)
	}
}

// execute answers the Execute message for the bound statement. Returns
// false when the connection must drop.
func (sess *session) execute() bool {
	query := sess.statements[sess.boundStmt]
	sess.server.logQuery(query)
	spec := sess.server.lookup(query)

	if spec != nil && spec.DropOnExecute {
		sess.flush()
		sess.conn.Close()
		return false
	}
	if spec != nil && spec.HangOnExecute {
		sess.flush()
		<-sess.server.closed
		return false
	}
	if spec != nil && spec.Err != "" {
		sess.sendError("42601", spec.Err)
		sess.skipToSync = true
		return true
	}

	if spec != nil && spec.Result != nil {
		for _, row := range spec.Result.Rows {
			sess.sendDataRow(row)
		}
		tag := spec.Result.CommandTag
		if tag == "" {
			tag = "SELECT " + strconv.Itoa(len(spec.Result.Rows))
		}
		sess.sendCommandComplete(tag)
	} else {
		sess.sendCommandComplete("SELECT 0")
	}
	return true
}

// simpleQuery answers a simple-protocol Query message.
func (sess *session) simpleQuery(query string) {
	sess.server.logQuery(query)
	spec := sess.server.lookup(query)

	switch {
	case query == "":
		sess.send(pgwire.MsgEmptyQueryResponse, nil)
	case spec != nil && spec.Err != "":
		sess.sendError("42601", spec.Err)
	case spec != nil && spec.Result != nil:
		if len(spec.Result.Fields) > 0 {
			sess.sendRowDescription(spec.Result)
		}
		for _, row := range spec.Result.Rows {
			sess.sendDataRow(row)
		}
		tag := spec.Result.CommandTag
		if tag == "" {
			tag = "SELECT " + strconv.Itoa(len(spec.Result.Rows))
		}
		sess.sendCommandComplete(tag)
	default:
		sess.sendCommandComplete("SELECT 0")
	}

	sess.sendReadyForQuery()
	sess.flush()
}

func (sess *session) sendRowDescription(result *sqltypes.Result) {
	w := pgwire.NewWriter()
	w.Int16(int16(len(result.Fields)))
	for _, f := range result.Fields {
		w.CString(f.Name)
		w.Uint32(f.TableOid)
		w.Int16(int16(f.TableAttributeNumber))
		w.Uint32(uint32(f.DataTypeOid))
		w.Int16(int16(f.DataTypeSize))
		w.Int32(f.TypeModifier)
		w.Int16(int16(f.Format))
	}
	sess.send(pgwire.MsgRowDescription, w)
}

func (sess *session) sendDataRow(row *sqltypes.Row) {
	w := pgwire.NewWriter()
	w.Int16(int16(len(row.Values)))
	for _, v := range row.Values {
		w.Datum(v)
	}
	sess.send(pgwire.MsgDataRow, w)
}

func (sess *session) sendCommandComplete(tag string) {
	w := pgwire.NewWriter()
	w.CString(tag)
	sess.send(pgwire.MsgCommandComplete, w)
}

func (sess *session) sendReadyForQuery() {
	w := pgwire.NewWriter()
	w.Byte(pgwire.TxnStatusIdle)
	sess.send(pgwire.MsgReadyForQuery, w)
}

func (sess *session) sendError(code, message string) {
	w := pgwire.NewWriter()
	w.Byte(pgwire.FieldSeverity)
	w.CString("ERROR")
	w.Byte(pgwire.FieldCode)
	w.CString(code)
	w.Byte(pgwire.FieldMessage)
	w.CString(message)
	w.Byte(0)
	sess.send(pgwire.MsgErrorResponse, w)
}

// send frames and buffers one message; a nil writer sends a bare
// message with no body.
func (sess *session) send(msgType byte, w *pgwire.Writer) {
	if w == nil {
		_, _ = sess.writer.Write(pgwire.Bare(msgType))
		return
	}
	_, _ = sess.writer.Write(w.Frame(msgType))
}

func (sess *session) flush() {
	_ = sess.writer.Flush()
}

// readStartupPacket reads a length-prefixed startup packet body.
func (sess *session) readStartupPacket() ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(sess.reader, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length < 8 || length > pgwire.MaxStartupPacketLength {
		return nil, io.ErrUnexpectedEOF
	}
	body := make([]byte, length-4)
	if _, err := io.ReadFull(sess.reader, body); err != nil {
		return nil, err
	}
	return body, nil
}
