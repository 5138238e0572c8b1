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
	"errors"
	"fmt"

	"github.com/lib/pq/oid"

	"golang.org/x/sys/unix"

	"github.com/multigres/pgasync/go/pgwire"
	"github.com/multigres/pgasync/go/sqltypes"
)

// QueryArgs carries the parameter values of one execution. Formats and
// Types run parallel to Values; empty Formats means all-text, empty
// Types means all-unspecified.
type QueryArgs struct {
	Values  [][]byte
	Formats []int16
	Types   []oid.Oid
}

// SendQueryPrepared queues a Bind/Describe/Execute/Sync cycle for the
// named prepared statement. Results arrive in binary format. No
// blocking I/O happens here: the caller's readiness loop moves the
// bytes via Flush and ConsumeInput.
func (e *Engine) SendQueryPrepared(name string, args *QueryArgs) error {
	if e.phase != phaseReady {
		return errors.New("connection is not ready")
	}
	if e.inFlight {
		return errors.New("another command is already in progress")
	}

	e.appendBind(name, args)
	e.appendDescribePortal()
	e.appendExecute()
	e.appendSync()

	e.inFlight = true
	e.done = false
	e.results = nil
	e.cur = nil

	// Opportunistic flush; leftovers wait for writability.
	if err := e.writeOut(); err != nil {
		e.errMsg = err.Error()
		e.inFlight = false
		return err
	}
	return nil
}

// Flush attempts to drain the output buffer. Returns 0 when everything
// was sent, 1 when bytes remain (wait for writability and call again),
// and -1 on failure.
func (e *Engine) Flush() int {
	if err := e.writeOut(); err != nil {
		e.errMsg = err.Error()
		return -1
	}
	if len(e.outbuf) > 0 {
		return 1
	}
	return 0
}

// ConsumeInput moves readily available bytes off the socket and parses
// them. Returns false on connection failure.
func (e *Engine) ConsumeInput() bool {
	if err := e.readIn(); err != nil {
		e.errMsg = err.Error()
		return false
	}
	if err := e.processInput(); err != nil {
		e.errMsg = err.Error()
		return false
	}
	if e.sawEOF && !e.done {
		e.errMsg = errServerClosed().Error()
		return false
	}
	return true
}

// IsBusy reports whether the in-flight command is still waiting for
// server data. When it returns false, GetResult will not block.
func (e *Engine) IsBusy() bool {
	return e.inFlight && !e.done
}

// GetResult pops the next completed result. It returns nil when the
// current command cycle has been fully drained, which also re-arms the
// engine for the next send.
func (e *Engine) GetResult() *Result {
	if len(e.results) > 0 {
		r := e.results[0]
		e.results = e.results[1:]
		return r
	}
	if e.done {
		e.inFlight = false
		e.done = false
	}
	return nil
}

// Exec runs a parameterized query as one blocking round trip, with
// binary result format. It stalls the calling goroutine until the
// server answers.
func (e *Engine) Exec(query string, args *QueryArgs) (*Result, error) {
	if e.phase != phaseReady {
		return nil, errors.New("connection is not ready")
	}
	if e.inFlight {
		return nil, errors.New("another command is already in progress")
	}

	var types []oid.Oid
	if args != nil {
		types = args.Types
	}
	e.appendParse("", query, types)
	e.appendBind("", args)
	e.appendDescribePortal()
	e.appendExecute()
	e.appendSync()

	return e.roundTrip()
}

// Prepare creates a named server-side prepared statement as one
// blocking round trip.
func (e *Engine) Prepare(name, query string, types []oid.Oid) (*Result, error) {
	if e.phase != phaseReady {
		return nil, errors.New("connection is not ready")
	}
	if e.inFlight {
		return nil, errors.New("another command is already in progress")
	}

	e.appendParse(name, query, types)
	e.appendSync()

	return e.roundTrip()
}

// DescribePrepared asks the server for the parameter OIDs and result
// fields of a named prepared statement, blocking until the answer.
func (e *Engine) DescribePrepared(name string) (*Result, error) {
	if e.phase != phaseReady {
		return nil, errors.New("connection is not ready")
	}
	if e.inFlight {
		return nil, errors.New("another command is already in progress")
	}

	w := pgwire.NewWriter()
	w.Byte('S')
	w.CString(name)
	e.outbuf = append(e.outbuf, w.Frame(pgwire.MsgDescribe)...)
	e.appendSync()

	return e.roundTrip()
}

// roundTrip flushes the queued cycle and reads until ReadyForQuery,
// returning the first result of the cycle.
func (e *Engine) roundTrip() (*Result, error) {
	e.inFlight = true
	e.done = false
	e.results = nil
	e.cur = nil

	for {
		if err := e.writeOut(); err != nil {
			return nil, e.failCommand(err)
		}
		if len(e.outbuf) == 0 {
			break
		}
		if err := e.waitFd(unix.POLLOUT); err != nil {
			return nil, e.failCommand(err)
		}
	}

	for !e.done {
		if err := e.waitFd(unix.POLLIN); err != nil {
			return nil, e.failCommand(err)
		}
		if err := e.readIn(); err != nil {
			return nil, e.failCommand(err)
		}
		if err := e.processInput(); err != nil {
			return nil, e.failCommand(err)
		}
		if e.sawEOF && !e.done {
			return nil, e.failCommand(errServerClosed())
		}
	}

	results := e.results
	e.results = nil
	e.inFlight = false
	e.done = false
	if len(results) == 0 {
		return nil, errors.New("server returned no result")
	}
	return results[0], nil
}

func (e *Engine) failCommand(err error) error {
	e.errMsg = err.Error()
	e.inFlight = false
	e.done = false
	return err
}

// processInput parses every complete message in the input buffer.
func (e *Engine) processInput() error {
	for {
		msgType, body, ok := e.nextMessage()
		if !ok {
			return nil
		}
		if err := e.processCommandMessage(msgType, body); err != nil {
			return err
		}
	}
}

// ensureCur starts accumulating a result for the current cycle.
func (e *Engine) ensureCur() *Result {
	if e.cur == nil {
		e.cur = &Result{
			Status:    StatusCommandOK,
			Recordset: &sqltypes.Result{},
		}
	}
	return e.cur
}

// finalizeCur moves the accumulating result to the completed queue.
func (e *Engine) finalizeCur() {
	if e.cur != nil {
		e.results = append(e.results, e.cur)
		e.cur = nil
	}
}

// processCommandMessage advances the command pipeline by one backend
// message.
func (e *Engine) processCommandMessage(msgType byte, body []byte) error {
	switch msgType {
	case pgwire.MsgParseComplete, pgwire.MsgBindComplete, pgwire.MsgCloseComplete:
		e.ensureCur()

	case pgwire.MsgParameterDescription:
		oids, err := parseParameterDescription(body)
		if err != nil {
			return err
		}
		e.ensureCur().ParamOIDs = oids

	case pgwire.MsgNoData:
		e.ensureCur()

	case pgwire.MsgRowDescription:
		if err := parseRowDescription(body, e.ensureCur().Recordset); err != nil {
			return err
		}

	case pgwire.MsgDataRow:
		row, err := parseDataRow(body)
		if err != nil {
			return err
		}
		cur := e.ensureCur()
		cur.Recordset.Rows = append(cur.Recordset.Rows, row)

	case pgwire.MsgCommandComplete:
		reader := pgwire.NewReader(body)
		tag, err := reader.CString()
		if err != nil {
			return fmt.Errorf("failed to read command tag: %w", err)
		}
		cur := e.ensureCur()
		cur.Recordset.CommandTag = tag
		cur.Recordset.RowsAffected = parseRowsAffected(tag)
		if len(cur.Recordset.Fields) > 0 {
			cur.Status = StatusTuplesOK
		} else {
			cur.Status = StatusCommandOK
		}
		e.finalizeCur()

	case pgwire.MsgEmptyQueryResponse:
		e.ensureCur().Status = StatusEmptyQuery
		e.finalizeCur()

	case pgwire.MsgPortalSuspended:
		e.ensureCur().Status = StatusTuplesOK
		e.finalizeCur()

	case pgwire.MsgErrorResponse:
		se := parseServerError(body)
		cur := e.ensureCur()
		cur.Status = StatusFatalError
		cur.ErrMessage = se.String()
		e.errMsg = se.String()
		e.finalizeCur()

	case pgwire.MsgNoticeResponse:
		e.deliverNotice(body)

	case pgwire.MsgParameterStatus:
		return e.handleParameterStatus(body)

	case pgwire.MsgNotificationResponse:
		// Listen/notify is not supported; drop the payload.

	case pgwire.MsgCopyInResponse:
		e.ensureCur().Status = StatusCopyIn
		e.finalizeCur()

	case pgwire.MsgCopyOutResponse:
		e.ensureCur().Status = StatusCopyOut
		e.finalizeCur()

	case pgwire.MsgCopyBothResponse:
		e.ensureCur().Status = StatusCopyBoth
		e.finalizeCur()

	case pgwire.MsgReadyForQuery:
		if len(body) >= 1 {
			e.txnStatus = body[0]
		}
		e.finalizeCur()
		e.done = true

	default:
		return fmt.Errorf("unexpected message type: %c (0x%02x)", msgType, msgType)
	}
	return nil
}

// appendParse queues a Parse message.
func (e *Engine) appendParse(name, query string, types []oid.Oid) {
	w := pgwire.NewWriter()
	w.CString(name)
	w.CString(query)
	w.Int16(int16(len(types)))
	for _, t := range types {
		w.Uint32(uint32(t))
	}
	e.outbuf = append(e.outbuf, w.Frame(pgwire.MsgParse)...)
}

// appendBind queues a Bind message for the unnamed portal with binary
// result format.
func (e *Engine) appendBind(stmtName string, args *QueryArgs) {
	w := pgwire.NewWriter()
	w.CString("") // unnamed portal
	w.CString(stmtName)

	if args == nil {
		w.Int16(0) // no parameter formats
		w.Int16(0) // no parameters
	} else {
		w.Int16(int16(len(args.Formats)))
		for _, f := range args.Formats {
			w.Int16(f)
		}
		w.Int16(int16(len(args.Values)))
		for _, v := range args.Values {
			w.Datum(v)
		}
	}

	// One result format code applying to all columns: binary.
	w.Int16(1)
	w.Int16(pgwire.FormatBinary)

	e.outbuf = append(e.outbuf, w.Frame(pgwire.MsgBind)...)
}

// appendDescribePortal queues a Describe for the unnamed portal so the
// response carries a RowDescription.
func (e *Engine) appendDescribePortal() {
	w := pgwire.NewWriter()
	w.Byte('P')
	w.CString("")
	e.outbuf = append(e.outbuf, w.Frame(pgwire.MsgDescribe)...)
}

// appendExecute queues an Execute for the unnamed portal, no row limit.
func (e *Engine) appendExecute() {
	w := pgwire.NewWriter()
	w.CString("")
	w.Int32(0)
	e.outbuf = append(e.outbuf, w.Frame(pgwire.MsgExecute)...)
}

// appendSync queues a Sync message, closing the cycle.
func (e *Engine) appendSync() {
	e.outbuf = append(e.outbuf, pgwire.Bare(pgwire.MsgSync)...)
}
