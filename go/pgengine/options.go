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
	"time"
)

// SSLMode selects the TLS behavior of a connection.
type SSLMode string

const (
	// SSLModeDisable never negotiates TLS.
	SSLModeDisable SSLMode = "disable"
	// SSLModeRequire negotiates TLS but does not verify the server
	// certificate.
	SSLModeRequire SSLMode = "require"
	// SSLModeVerifyFull negotiates TLS, verifies the server certificate
	// against the configured root bundle, and checks the host name.
	SSLModeVerifyFull SSLMode = "verify-full"
)

// ConnectOptions is the keyword/value set of one connection attempt.
// HostAddr carries the already-resolved address; Host carries the
// unresolved name and is used for TLS server-name verification only.
type ConnectOptions struct {
	// HostAddr is the resolved IP address to connect to.
	HostAddr string

	// Host is the unresolved host name, used for certificate
	// verification under SSLModeVerifyFull.
	Host string

	// Port is the server port.
	Port int

	// User is the PostgreSQL user name.
	User string

	// Password is used for cleartext, MD5 and SCRAM authentication.
	Password string

	// Database is the database name; empty selects the server default.
	Database string

	// ConnectTimeout bounds the handshake, TLS included.
	ConnectTimeout time.Duration

	// SSLMode selects TLS behavior.
	SSLMode SSLMode

	// SSLCert and SSLKey are paths to the client certificate and key in
	// PEM format. Optional; when either is set, both are loaded as the
	// client key pair for require and verify-full modes.
	SSLCert string
	SSLKey  string

	// SSLRootCert is the path to the trusted root bundle; required for
	// verify-full mode.
	SSLRootCert string
}

// validate checks the option set before a connection attempt.
func (o *ConnectOptions) validate() error {
	if o.HostAddr == "" {
		return errors.New("host address is required")
	}
	if o.Port <= 0 || o.Port > 65535 {
		return errors.New("port is out of range")
	}
	if o.User == "" {
		return errors.New("user is required")
	}
	if o.SSLMode == SSLModeVerifyFull && o.SSLRootCert == "" {
		return errors.New("verify-full requires a root certificate")
	}
	return nil
}
