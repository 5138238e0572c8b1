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
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOptionsDefaults(t *testing.T) {
	opts, err := LoadOptions(viper.New())
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, opts.Port)
	assert.Equal(t, DefaultConnectTimeout, opts.ConnectTimeout)
	assert.Equal(t, DefaultReconnectInterval, opts.ReconnectInterval)
	assert.False(t, opts.AutoReconnect)
}

func TestLoadOptionsFromConfig(t *testing.T) {
	v := viper.New()
	v.Set("hosts", []string{"db1.internal", "db2.internal"})
	v.Set("port", 5433)
	v.Set("database-name", "orders")
	v.Set("user-name", "svc")
	v.Set("connect-timeout", "3s")
	v.Set("reconnect-interval", "250ms")
	v.Set("auto-reconnect", true)
	v.Set("check-query-parameters", true)

	opts, err := LoadOptions(v)
	require.NoError(t, err)

	assert.Equal(t, []string{"db1.internal", "db2.internal"}, opts.Hosts)
	assert.Equal(t, 5433, opts.Port)
	assert.Equal(t, "orders", opts.DatabaseName)
	assert.Equal(t, "svc", opts.UserName)
	assert.Equal(t, 3*time.Second, opts.ConnectTimeout)
	assert.Equal(t, 250*time.Millisecond, opts.ReconnectInterval)
	assert.True(t, opts.AutoReconnect)
	assert.True(t, opts.CheckQueryParameters)
}

func TestRegisterFlagsBinding(t *testing.T) {
	v := viper.New()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs, v)

	require.NoError(t, fs.Parse([]string{
		"--hosts", "db.internal",
		"--port", "15432",
		"--user-name", "svc",
		"--connect-timeout", "2s",
	}))

	opts, err := LoadOptions(v)
	require.NoError(t, err)
	assert.Equal(t, []string{"db.internal"}, opts.Hosts)
	assert.Equal(t, 15432, opts.Port)
	assert.Equal(t, "svc", opts.UserName)
	assert.Equal(t, 2*time.Second, opts.ConnectTimeout)
}
