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

package pgwire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterFrameRoundTrip(t *testing.T) {
	w := NewWriter()
	w.CString("stmt")
	w.Int32(42)

	framed := w.Frame(MsgParse)
	assert.Equal(t, byte(MsgParse), framed[0])
	require.Len(t, framed, headerLen+w.Len())

	msgType, body, err := ReadMessage(bytes.NewReader(framed))
	require.NoError(t, err)
	assert.Equal(t, byte(MsgParse), msgType)
	assert.Equal(t, w.Bytes(), body)
}

func TestBare(t *testing.T) {
	framed := Bare(MsgSync)
	require.Len(t, framed, headerLen)

	msgType, body, err := ReadMessage(bytes.NewReader(framed))
	require.NoError(t, err)
	assert.Equal(t, byte(MsgSync), msgType)
	assert.Empty(t, body)
}

func TestWriterPacket(t *testing.T) {
	w := NewWriter()
	w.Uint32(ProtocolVersionNumber)
	w.CString("user")
	w.CString("u")
	w.Byte(0)

	packet := w.Packet()
	// A startup packet has no type byte; the length field counts
	// itself plus the body.
	assert.Len(t, packet, 4+w.Len())
	assert.Equal(t, uint32(len(packet)), uint32(packet[0])<<24|uint32(packet[1])<<16|uint32(packet[2])<<8|uint32(packet[3]))
}

func TestWriterReset(t *testing.T) {
	w := NewWriter()
	w.CString("first")
	w.Reset()
	w.Byte('x')

	assert.Equal(t, 1, w.Len())
	assert.Equal(t, []byte{'x'}, w.Bytes())
}

func TestReadMessageRejectsBadLength(t *testing.T) {
	// A declared length below the length field's own size is a
	// protocol violation.
	_, _, err := ReadMessage(bytes.NewReader([]byte{'X', 0, 0, 0, 2}))
	require.Error(t, err)
}

func TestReadMessageTruncated(t *testing.T) {
	w := NewWriter()
	w.CString("SELECT 1")
	framed := w.Frame(MsgQuery)

	_, _, err := ReadMessage(bytes.NewReader(framed[:headerLen+2]))
	require.Error(t, err)
}

func TestReaderCString(t *testing.T) {
	w := NewWriter()
	w.CString("hello")
	w.CString("")

	r := NewReader(w.Bytes())

	s, err := r.CString()
	require.NoError(t, err)
	assert.Equal(t, "hello", s)

	s, err = r.CString()
	require.NoError(t, err)
	assert.Equal(t, "", s)

	_, err = r.CString()
	assert.ErrorIs(t, err, ErrShortMessage)
}

func TestReaderDatum(t *testing.T) {
	w := NewWriter()
	w.Datum([]byte("value"))
	w.Datum(nil)
	w.Datum([]byte{})

	r := NewReader(w.Bytes())

	v, err := r.Datum()
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), v)

	v, err = r.Datum()
	require.NoError(t, err)
	assert.Nil(t, v, "length -1 must decode as NULL")

	v, err = r.Datum()
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Empty(t, v, "zero length must decode as empty, not NULL")
}

func TestReaderIntegers(t *testing.T) {
	w := NewWriter()
	w.Int16(-2)
	w.Uint32(0xDEADBEEF)
	w.Int32(-1)

	r := NewReader(w.Bytes())

	i16, err := r.Int16()
	require.NoError(t, err)
	assert.Equal(t, int16(-2), i16)

	u32, err := r.Uint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(0xDEADBEEF), u32)

	i32, err := r.Int32()
	require.NoError(t, err)
	assert.Equal(t, int32(-1), i32)

	assert.Zero(t, r.Len())
}

func TestReaderShortRead(t *testing.T) {
	r := NewReader([]byte{0x01})
	_, err := r.Uint32()
	assert.ErrorIs(t, err, ErrShortMessage)

	// The failed read must not consume the remaining byte.
	b, err := r.Byte()
	require.NoError(t, err)
	assert.Equal(t, byte(0x01), b)
}
