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
	"crypto/md5" //nolint:gosec // the protocol's legacy password scheme is defined over MD5
	"encoding/hex"
	"fmt"
	"slices"

	"github.com/multigres/pgasync/go/pgwire"
)

// handleStartupMessage processes one backend message of the startup
// phase. It returns done=true when ReadyForQuery arrives.
func (e *Engine) handleStartupMessage(msgType byte, body []byte) (bool, error) {
	switch msgType {
	case pgwire.MsgAuthenticationRequest:
		return false, e.handleAuthenticationRequest(body)

	case pgwire.MsgBackendKeyData:
		return false, e.handleBackendKeyData(body)

	case pgwire.MsgParameterStatus:
		return false, e.handleParameterStatus(body)

	case pgwire.MsgReadyForQuery:
		if len(body) < 1 {
			return false, fmt.Errorf("ready for query message too short")
		}
		e.txnStatus = body[0]
		return true, nil

	case pgwire.MsgErrorResponse:
		return false, fmt.Errorf("%s", parseServerError(body).String())

	case pgwire.MsgNoticeResponse:
		e.deliverNotice(body)
		return false, nil

	default:
		return false, fmt.Errorf("unexpected message type during startup: %c (0x%02x)", msgType, msgType)
	}
}

// handleAuthenticationRequest answers an AuthenticationRequest message,
// queueing the response into the output buffer.
func (e *Engine) handleAuthenticationRequest(body []byte) error {
	if len(body) < 4 {
		return fmt.Errorf("authentication message too short")
	}

	reader := pgwire.NewReader(body)
	authType, err := reader.Int32()
	if err != nil {
		return fmt.Errorf("failed to read auth type: %w", err)
	}

	switch authType {
	case pgwire.AuthOk:
		e.scram = nil
		return nil

	case pgwire.AuthCleartextPassword:
		e.appendPasswordMessage(e.opts.Password)
		return nil

	case pgwire.AuthMD5Password:
		salt, err := reader.Take(4)
		if err != nil {
			return fmt.Errorf("failed to read MD5 salt: %w", err)
		}
		e.appendPasswordMessage(md5Response(e.opts.User, e.opts.Password, salt))
		return nil

	case pgwire.AuthSASL:
		var mechanisms []string
		for reader.Len() > 0 {
			mech, err := reader.CString()
			if err != nil {
				return fmt.Errorf("failed to read SASL mechanism: %w", err)
			}
			if mech == "" {
				break
			}
			mechanisms = append(mechanisms, mech)
		}
		if !slices.Contains(mechanisms, saslMechanismSCRAM) {
			return fmt.Errorf("server does not support SCRAM-SHA-256 (available: %v)", mechanisms)
		}

		e.scram = newScramClient(e.opts.User, e.opts.Password)
		first, err := e.scram.clientFirst()
		if err != nil {
			return err
		}
		w := pgwire.NewWriter()
		w.CString(saslMechanismSCRAM)
		w.Int32(int32(len(first)))
		w.Raw(first)
		e.outbuf = append(e.outbuf, w.Frame(pgwire.MsgPasswordMsg)...)
		return nil

	case pgwire.AuthSASLContinue:
		if e.scram == nil {
			return fmt.Errorf("unexpected SASL continue")
		}
		serverData, err := reader.Take(reader.Len())
		if err != nil {
			return fmt.Errorf("failed to read server data: %w", err)
		}
		final, err := e.scram.clientFinal(string(serverData))
		if err != nil {
			return err
		}
		w := pgwire.NewWriter()
		w.Raw(final)
		e.outbuf = append(e.outbuf, w.Frame(pgwire.MsgPasswordMsg)...)
		return nil

	case pgwire.AuthSASLFinal:
		if e.scram == nil {
			return fmt.Errorf("unexpected SASL final")
		}
		serverData, err := reader.Take(reader.Len())
		if err != nil {
			return fmt.Errorf("failed to read server final data: %w", err)
		}
		return e.scram.verifyServerFinal(string(serverData))

	default:
		return fmt.Errorf("unsupported authentication method: %d", authType)
	}
}

// appendPasswordMessage queues a PasswordMessage.
func (e *Engine) appendPasswordMessage(password string) {
	w := pgwire.NewWriter()
	w.CString(password)
	e.outbuf = append(e.outbuf, w.Frame(pgwire.MsgPasswordMsg)...)
}

// md5Response answers an MD5 challenge. The wire format is the string
// "md5" followed by the hex digest of (inner digest + salt), where the
// inner digest is the hex MD5 of the password concatenated with the
// user name.
func md5Response(user, password string, salt []byte) string {
	inner := md5.Sum([]byte(password + user)) //nolint:gosec // see package import note
	salted := append([]byte(hex.EncodeToString(inner[:])), salt...)
	outer := md5.Sum(salted) //nolint:gosec // see package import note
	return "md5" + hex.EncodeToString(outer[:])
}

// handleBackendKeyData records the cancellation key data.
func (e *Engine) handleBackendKeyData(body []byte) error {
	if len(body) < 8 {
		return fmt.Errorf("backend key data message too short")
	}
	reader := pgwire.NewReader(body)

	processID, err := reader.Uint32()
	if err != nil {
		return fmt.Errorf("failed to read process ID: %w", err)
	}
	secretKey, err := reader.Uint32()
	if err != nil {
		return fmt.Errorf("failed to read secret key: %w", err)
	}

	e.backendPID = processID
	e.secretKey = secretKey
	return nil
}

// handleParameterStatus records a server parameter report.
func (e *Engine) handleParameterStatus(body []byte) error {
	reader := pgwire.NewReader(body)

	name, err := reader.CString()
	if err != nil {
		return fmt.Errorf("failed to read parameter name: %w", err)
	}
	value, err := reader.CString()
	if err != nil {
		return fmt.Errorf("failed to read parameter value: %w", err)
	}

	e.serverParams[name] = value
	return nil
}

// deliverNotice routes a NoticeResponse to the installed handlers.
func (e *Engine) deliverNotice(body []byte) {
	if e.noticeReceiver == nil && e.noticeProcessor == nil {
		return
	}
	se := parseServerError(body)
	if e.noticeReceiver != nil {
		e.noticeReceiver(se)
	}
	if e.noticeProcessor != nil {
		e.noticeProcessor(se.String())
	}
}
