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

// Package sqltypes provides the result row containers handed to query
// completion handlers. The types preserve the NULL vs empty string
// distinction of the wire protocol.
package sqltypes

import "github.com/lib/pq/oid"

// Value represents a nullable column value.
// nil means NULL, []byte{} means empty string.
type Value []byte

// IsNull returns true if the value is NULL.
func (v Value) IsNull() bool {
	return v == nil
}

// Row represents a row with nullable column values.
type Row struct {
	// Values contains the column values. nil entry means NULL.
	Values []Value
}

// Field describes one column of a result set, as reported by the
// server's RowDescription message.
type Field struct {
	// Name is the column name.
	Name string

	// TableOid is the OID of the source table, or 0.
	TableOid uint32

	// TableAttributeNumber is the attribute number in the source table, or 0.
	TableAttributeNumber int32

	// DataTypeOid is the OID of the column's data type.
	DataTypeOid oid.Oid

	// DataTypeSize is the type's size in bytes, negative for variable width.
	DataTypeSize int32

	// TypeModifier is the type-specific modifier, -1 when not applicable.
	TypeModifier int32

	// Format is the format code of the values (0 text, 1 binary).
	Format int32
}

// Result represents a query result with nullable values.
type Result struct {
	// Fields describes the columns in the result set.
	Fields []*Field

	// RowsAffected is the number of rows affected (INSERT, UPDATE, DELETE, etc.)
	RowsAffected uint64

	// Rows contains the actual data rows.
	Rows []*Row

	// CommandTag is the PostgreSQL command tag for this result set.
	// Examples: "SELECT 42", "INSERT 0 5", "UPDATE 10", "DELETE 3"
	CommandTag string
}

// Clear resets the result to its zero state so the container can be
// reused across executions.
func (r *Result) Clear() {
	if r == nil {
		return
	}
	*r = Result{}
}

// IsEmpty returns true if the result carries no fields and no rows.
func (r *Result) IsEmpty() bool {
	return r == nil || (len(r.Fields) == 0 && len(r.Rows) == 0)
}
