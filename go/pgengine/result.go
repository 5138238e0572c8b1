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
	"fmt"

	"github.com/lib/pq/oid"

	"github.com/multigres/pgasync/go/pgwire"
	"github.com/multigres/pgasync/go/sqltypes"
)

// ExecStatus classifies the outcome of one query cycle.
type ExecStatus int

const (
	// StatusEmptyQuery means the query string was empty.
	StatusEmptyQuery ExecStatus = iota
	// StatusCommandOK means a command completed without returning rows.
	StatusCommandOK
	// StatusTuplesOK means the query completed and returned rows.
	StatusTuplesOK
	// StatusCopyOut means the server started a copy-out stream.
	StatusCopyOut
	// StatusCopyIn means the server started a copy-in stream.
	StatusCopyIn
	// StatusBadResponse means the server's response was not understood.
	StatusBadResponse
	// StatusNonfatalError means the server reported a non-fatal error.
	StatusNonfatalError
	// StatusFatalError means the server rejected the query.
	StatusFatalError
	// StatusCopyBoth means the server started a copy-both stream.
	StatusCopyBoth
	// StatusSingleTuple means a row was returned in single-row mode.
	StatusSingleTuple
	// StatusPipelineSync marks a pipeline synchronization point.
	StatusPipelineSync
	// StatusPipelineAborted marks an aborted pipeline section.
	StatusPipelineAborted
)

// String returns the status name, mainly for error messages and logs.
func (s ExecStatus) String() string {
	switch s {
	case StatusEmptyQuery:
		return "EMPTY_QUERY"
	case StatusCommandOK:
		return "COMMAND_OK"
	case StatusTuplesOK:
		return "TUPLES_OK"
	case StatusCopyOut:
		return "COPY_OUT"
	case StatusCopyIn:
		return "COPY_IN"
	case StatusBadResponse:
		return "BAD_RESPONSE"
	case StatusNonfatalError:
		return "NONFATAL_ERROR"
	case StatusFatalError:
		return "FATAL_ERROR"
	case StatusCopyBoth:
		return "COPY_BOTH"
	case StatusSingleTuple:
		return "SINGLE_TUPLE"
	case StatusPipelineSync:
		return "PIPELINE_SYNC"
	case StatusPipelineAborted:
		return "PIPELINE_ABORTED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// Result is the outcome of one query cycle: a status, the decoded rows
// when the status carries them, the server error message when it does
// not, and the parameter OIDs when the cycle described a statement.
type Result struct {
	// Status classifies the outcome.
	Status ExecStatus

	// ErrMessage carries the server error text for error statuses.
	ErrMessage string

	// Recordset holds the decoded rows and fields.
	Recordset *sqltypes.Result

	// ParamOIDs holds the parameter type OIDs reported by a Describe.
	ParamOIDs []oid.Oid
}

// serverError is a decoded ErrorResponse or NoticeResponse.
type serverError struct {
	severity string
	code     string
	message  string
	detail   string
	hint     string
}

// String formats the error the way it is surfaced to callers.
func (e *serverError) String() string {
	if e.detail != "" {
		return fmt.Sprintf("%s: %s (SQLSTATE %s). %s", e.severity, e.message, e.code, e.detail)
	}
	return fmt.Sprintf("%s: %s (SQLSTATE %s)", e.severity, e.message, e.code)
}

// parseServerError decodes the fields of an ErrorResponse body.
func parseServerError(body []byte) *serverError {
	reader := pgwire.NewReader(body)
	e := &serverError{}
	for reader.Len() > 0 {
		fieldType, err := reader.Byte()
		if err != nil || fieldType == 0 {
			break
		}
		value, err := reader.CString()
		if err != nil {
			break
		}
		switch fieldType {
		case pgwire.FieldSeverity:
			e.severity = value
		case pgwire.FieldCode:
			e.code = value
		case pgwire.FieldMessage:
			e.message = value
		case pgwire.FieldDetail:
			e.detail = value
		case pgwire.FieldHint:
			e.hint = value
		}
	}
	return e
}

// parseRowDescription decodes a RowDescription body into result fields.
func parseRowDescription(body []byte, result *sqltypes.Result) error {
	reader := pgwire.NewReader(body)

	fieldCount, err := reader.Int16()
	if err != nil {
		return fmt.Errorf("failed to read field count: %w", err)
	}

	result.Fields = make([]*sqltypes.Field, fieldCount)
	for i := range fieldCount {
		field := &sqltypes.Field{}

		field.Name, err = reader.CString()
		if err != nil {
			return fmt.Errorf("failed to read field name: %w", err)
		}

		tableOID, err := reader.Uint32()
		if err != nil {
			return fmt.Errorf("failed to read table OID: %w", err)
		}
		field.TableOid = tableOID

		attrNum, err := reader.Int16()
		if err != nil {
			return fmt.Errorf("failed to read attribute number: %w", err)
		}
		field.TableAttributeNumber = int32(attrNum)

		dataTypeOID, err := reader.Uint32()
		if err != nil {
			return fmt.Errorf("failed to read data type OID: %w", err)
		}
		field.DataTypeOid = oid.Oid(dataTypeOID)

		dataTypeSize, err := reader.Int16()
		if err != nil {
			return fmt.Errorf("failed to read data type size: %w", err)
		}
		field.DataTypeSize = int32(dataTypeSize)

		typeMod, err := reader.Int32()
		if err != nil {
			return fmt.Errorf("failed to read type modifier: %w", err)
		}
		field.TypeModifier = typeMod

		formatCode, err := reader.Int16()
		if err != nil {
			return fmt.Errorf("failed to read format code: %w", err)
		}
		field.Format = int32(formatCode)

		result.Fields[i] = field
	}

	return nil
}

// parseDataRow decodes a DataRow body.
func parseDataRow(body []byte) (*sqltypes.Row, error) {
	reader := pgwire.NewReader(body)

	columnCount, err := reader.Int16()
	if err != nil {
		return nil, fmt.Errorf("failed to read column count: %w", err)
	}

	row := &sqltypes.Row{
		Values: make([]sqltypes.Value, columnCount),
	}
	for i := range columnCount {
		value, err := reader.Datum()
		if err != nil {
			return nil, fmt.Errorf("failed to read column value: %w", err)
		}
		row.Values[i] = value
	}

	return row, nil
}

// parseParameterDescription decodes a ParameterDescription body.
func parseParameterDescription(body []byte) ([]oid.Oid, error) {
	reader := pgwire.NewReader(body)

	paramCount, err := reader.Int16()
	if err != nil {
		return nil, fmt.Errorf("failed to read parameter count: %w", err)
	}

	oids := make([]oid.Oid, paramCount)
	for i := range paramCount {
		v, err := reader.Uint32()
		if err != nil {
			return nil, fmt.Errorf("failed to read parameter OID: %w", err)
		}
		oids[i] = oid.Oid(v)
	}

	return oids, nil
}

// parseRowsAffected extracts the row count from a command tag.
func parseRowsAffected(tag string) uint64 {
	// Command tags have formats like "SELECT 5", "INSERT 0 1",
	// "UPDATE 10". The last space-separated number is the count.
	var count uint64
	var num uint64
	inNumber := false

	for i := len(tag) - 1; i >= 0; i-- {
		c := tag[i]
		if c >= '0' && c <= '9' {
			if !inNumber {
				inNumber = true
				count = 0
				num = 1
			}
			count += uint64(c-'0') * num
			num *= 10
		} else if c == ' ' {
			if inNumber {
				return count
			}
		} else {
			break
		}
	}

	if inNumber {
		return count
	}
	return 0
}
