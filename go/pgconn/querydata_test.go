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
	"testing"

	"github.com/lib/pq/oid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewQueryData(t *testing.T) {
	data, err := NewQueryData(
		[][]byte{{0, 0, 0, 7}, []byte("x")},
		[]int{4, 1},
		[]int16{1, 0},
		[]oid.Oid{oid.T_int4, oid.T_text},
	)
	require.NoError(t, err)

	assert.Equal(t, 2, data.Count())
	assert.Equal(t, []int{4, 1}, data.Lengths())
	assert.Equal(t, []int16{1, 0}, data.Formats())
	assert.Equal(t, []oid.Oid{oid.T_int4, oid.T_text}, data.Types())
}

func TestNewQueryDataLengthMismatch(t *testing.T) {
	_, err := NewQueryData(
		[][]byte{{1}},
		[]int{1, 2},
		[]int16{0},
		[]oid.Oid{0},
	)
	require.Error(t, err)
}

func TestNewQueryDataWrongValueLength(t *testing.T) {
	_, err := NewQueryData(
		[][]byte{{1, 2, 3}},
		[]int{4},
		[]int16{0},
		[]oid.Oid{0},
	)
	require.Error(t, err)
}

func TestNewQueryDataNullValue(t *testing.T) {
	// A nil value is NULL; its declared length is not checked against
	// the missing bytes.
	data, err := NewQueryData(
		[][]byte{nil},
		[]int{0},
		[]int16{1},
		[]oid.Oid{oid.T_int4},
	)
	require.NoError(t, err)
	assert.Equal(t, 1, data.Count())
}
