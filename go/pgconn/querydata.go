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

	"github.com/lib/pq/oid"
)

// QueryData holds the parameters of one execution: raw values, their
// byte lengths, format codes (0 text, 1 binary) and declared type OIDs
// (0 for unspecified). Immutable once built.
type QueryData struct {
	values  [][]byte
	lengths []int
	formats []int16
	types   []oid.Oid
}

// NewQueryData builds a parameter set. All four sequences must have
// the same length, and each length entry must match its value.
func NewQueryData(values [][]byte, lengths []int, formats []int16, types []oid.Oid) (*QueryData, error) {
	n := len(values)
	if len(lengths) != n || len(formats) != n || len(types) != n {
		return nil, errors.New("parameter sequences must have the same length")
	}
	for i, v := range values {
		if v != nil && lengths[i] != len(v) {
			return nil, fmt.Errorf("length of parameter %d does not match its value", i)
		}
	}
	return &QueryData{
		values:  values,
		lengths: lengths,
		formats: formats,
		types:   types,
	}, nil
}

// Count returns the number of parameters.
func (d *QueryData) Count() int {
	return len(d.values)
}

// Values returns the raw parameter bytes.
func (d *QueryData) Values() [][]byte {
	return d.values
}

// Lengths returns the byte length of each value.
func (d *QueryData) Lengths() []int {
	return d.lengths
}

// Formats returns the per-parameter format codes.
func (d *QueryData) Formats() []int16 {
	return d.formats
}

// Types returns the declared parameter OIDs; 0 means unspecified.
func (d *QueryData) Types() []oid.Oid {
	return d.types
}
