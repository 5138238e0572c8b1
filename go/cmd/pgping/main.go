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

// pgping connects to a PostgreSQL server through the asynchronous
// connection core, runs a probe query, and reports the round trip.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/multigres/pgasync/go/dnsresolver"
	"github.com/multigres/pgasync/go/eventloop"
	"github.com/multigres/pgasync/go/pgconn"
	"github.com/multigres/pgasync/go/servenv"
	"github.com/multigres/pgasync/go/sqltypes"
)

func main() {
	v := viper.New()
	logger := servenv.NewLogger(v)

	var query string

	cmd := &cobra.Command{
		Use:   "pgping",
		Short: "Probe a PostgreSQL server through the async connection core",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger.SetupLogging()
			return run(v, query)
		},
	}
	cmd.Flags().StringVar(&query, "query", "SELECT 1", "Probe query to execute once connected")
	logger.RegisterFlags(cmd.Flags())
	pgconn.RegisterFlags(cmd.Flags(), v)

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(v *viper.Viper, query string) error {
	opts, err := pgconn.LoadOptions(v)
	if err != nil {
		return err
	}
	if len(opts.Hosts) == 0 {
		return fmt.Errorf("at least one host is required")
	}

	loop, err := eventloop.New()
	if err != nil {
		return err
	}
	defer loop.Close()

	resolver := dnsresolver.New(loop)
	conn := pgconn.New(loop, resolver)

	var pingErr error
	start := time.Now()

	connected := func() error {
		elapsed := time.Since(start)
		var result sqltypes.Result
		if err := conn.Execute(query, nil, &result); err != nil {
			pingErr = err
			loop.Stop()
			return nil
		}
		slog.Info("server answered",
			"connect", elapsed.String(),
			"roundtrip", time.Since(start).String(),
			"rows", len(result.Rows),
			"tag", result.CommandTag,
		)
		loop.Stop()
		return nil
	}
	disconnected := func(err error) {
		if err != nil {
			pingErr = err
		}
		loop.Stop()
	}

	loop.Post(func() {
		if err := conn.Initialize(uuid.New(), opts, 0, connected, disconnected); err != nil {
			pingErr = err
			loop.Stop()
		}
	})

	if err := loop.Run(); err != nil {
		return err
	}
	if pingErr != nil {
		return fmt.Errorf("ping failed: %w", pingErr)
	}
	return nil
}
