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
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"golang.org/x/sys/unix"
)

// SSLOptions carries the TLS material of a connection in PEM form. The
// bytes are staged into anonymous files before the handshake; they are
// never logged.
type SSLOptions struct {
	// Allow enables TLS. When set, Password is ignored and the client
	// authenticates with its certificate.
	Allow bool `mapstructure:"allow"`

	// CertificatePEMData is the client certificate.
	CertificatePEMData []byte `mapstructure:"certificate-pem-data"`

	// PrivateKeyPEMData is the client private key.
	PrivateKeyPEMData []byte `mapstructure:"private-key-pem-data"`

	// TrustedCertificatesPEMData are trusted roots; the first entry, if
	// any, is used for server verification (sslmode verify-full).
	TrustedCertificatesPEMData [][]byte `mapstructure:"trusted-certificates-pem-data"`
}

// SocketOptions is applied to the raw socket once the TCP connection
// exists.
type SocketOptions struct {
	// NoDelay disables Nagle's algorithm.
	NoDelay bool `mapstructure:"no-delay"`

	// KeepAlive enables TCP keepalive probes.
	KeepAlive bool `mapstructure:"keep-alive"`

	// KeepAliveIdle is the idle time before the first probe; zero keeps
	// the kernel default.
	KeepAliveIdle time.Duration `mapstructure:"keep-alive-idle"`

	// ReceiveBuffer and SendBuffer size the kernel socket buffers;
	// zero keeps the defaults.
	ReceiveBuffer int `mapstructure:"receive-buffer"`
	SendBuffer    int `mapstructure:"send-buffer"`
}

// Apply sets the configured options on fd. Failures are reported but
// leave the socket usable with defaults.
func (o *SocketOptions) Apply(fd int) error {
	if o.NoDelay {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
			return fmt.Errorf("unable to set TCP_NODELAY: %w", err)
		}
	}
	if o.KeepAlive {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
			return fmt.Errorf("unable to set SO_KEEPALIVE: %w", err)
		}
		if o.KeepAliveIdle > 0 {
			idle := int(o.KeepAliveIdle / time.Second)
			if idle < 1 {
				idle = 1
			}
			if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, idle); err != nil {
				return fmt.Errorf("unable to set TCP_KEEPIDLE: %w", err)
			}
		}
	}
	if o.ReceiveBuffer > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, o.ReceiveBuffer); err != nil {
			return fmt.Errorf("unable to set SO_RCVBUF: %w", err)
		}
	}
	if o.SendBuffer > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, o.SendBuffer); err != nil {
			return fmt.Errorf("unable to set SO_SNDBUF: %w", err)
		}
	}
	return nil
}

// Options is the immutable-for-lifetime configuration of a Connection.
type Options struct {
	// Hosts is the ordered candidate host list; one entry is selected
	// by the host index given to Initialize.
	Hosts []string `mapstructure:"hosts"`

	// Port is the server port.
	Port int `mapstructure:"port"`

	// DatabaseName selects the database; empty means the server default.
	DatabaseName string `mapstructure:"database-name"`

	// UserName is the PostgreSQL user. When TLS is enabled and the name
	// is empty it is derived from the client certificate's common name.
	UserName string `mapstructure:"user-name"`

	// Password is used for password authentication; ignored when TLS is
	// allowed.
	Password string `mapstructure:"password"`

	// ConnectTimeout bounds DNS resolution plus the handshake.
	ConnectTimeout time.Duration `mapstructure:"connect-timeout"`

	// ReconnectInterval is the delay before a reconnect attempt.
	ReconnectInterval time.Duration `mapstructure:"reconnect-interval"`

	// AutoReconnect arms the reconnect timer after a failure.
	AutoReconnect bool `mapstructure:"auto-reconnect"`

	// CheckQueryParameters validates declared parameter OIDs against
	// the server's describe results before sending.
	CheckQueryParameters bool `mapstructure:"check-query-parameters"`

	// SocketOptions is applied to the raw socket after connect.
	SocketOptions SocketOptions `mapstructure:"socket-options"`

	// SSLOptions carries the TLS material.
	SSLOptions SSLOptions `mapstructure:"ssl-options"`
}

// Default option values.
const (
	DefaultPort              = 5432
	DefaultConnectTimeout    = 10 * time.Second
	DefaultReconnectInterval = 5 * time.Second
)

// RegisterFlags registers the connection flags on fs and binds them to
// the viper instance.
func RegisterFlags(fs *pflag.FlagSet, v *viper.Viper) {
	fs.StringSlice("hosts", nil, "PostgreSQL host names, tried by index")
	fs.Int("port", DefaultPort, "PostgreSQL port")
	fs.String("database-name", "", "Database name (empty for server default)")
	fs.String("user-name", "", "User name")
	fs.String("password", "", "Password (ignored when TLS is enabled)")
	fs.Duration("connect-timeout", DefaultConnectTimeout, "Connect timeout covering DNS and handshake")
	fs.Duration("reconnect-interval", DefaultReconnectInterval, "Delay before reconnect attempts")
	fs.Bool("auto-reconnect", false, "Reconnect automatically after failures")
	fs.Bool("check-query-parameters", false, "Validate declared parameter OIDs against server describe results")

	for _, name := range []string{
		"hosts", "port", "database-name", "user-name", "password",
		"connect-timeout", "reconnect-interval", "auto-reconnect",
		"check-query-parameters",
	} {
		_ = v.BindPFlag(name, fs.Lookup(name))
	}
}

// LoadOptions decodes Options from a viper instance, with duration
// strings like "5s" accepted for the timeout fields.
func LoadOptions(v *viper.Viper) (Options, error) {
	opts := Options{
		Port:              DefaultPort,
		ConnectTimeout:    DefaultConnectTimeout,
		ReconnectInterval: DefaultReconnectInterval,
	}
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&opts, hook); err != nil {
		return Options{}, fmt.Errorf("unable to decode connection options: %w", err)
	}
	return opts, nil
}
