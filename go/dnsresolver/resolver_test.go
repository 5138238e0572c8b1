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

package dnsresolver

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multigres/pgasync/go/eventloop"
)

func newTestLoop(t *testing.T) *eventloop.Loop {
	t.Helper()
	lp, err := eventloop.New()
	require.NoError(t, err)
	t.Cleanup(lp.Close)
	return lp
}

// startDNSServer runs a miekg/dns UDP server answering "db.test." with
// a fixed A record.
func startDNSServer(t *testing.T) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	server := &dns.Server{
		PacketConn: pc,
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
			m := new(dns.Msg)
			m.SetReply(req)
			if len(req.Question) == 1 && req.Question[0].Qtype == dns.TypeA && req.Question[0].Name == "db.test." {
				rr, err := dns.NewRR("db.test. 60 IN A 192.0.2.10")
				if err == nil {
					m.Answer = append(m.Answer, rr)
				}
			}
			_ = w.WriteMsg(m)
		}),
	}
	go func() {
		_ = server.ActivateAndServe()
	}()
	t.Cleanup(func() {
		_ = server.Shutdown()
	})
	return pc.LocalAddr().String()
}

func TestResolveIPLiteral(t *testing.T) {
	lp := newTestLoop(t)
	r := NewWithNameservers(lp, nil)

	var got []netip.Addr
	var id RequestID
	r.Resolve("10.1.2.3", func(addresses []netip.Addr) {
		got = addresses
		lp.Stop()
	}, &id)
	require.NotZero(t, id)

	require.NoError(t, lp.Run())
	require.Len(t, got, 1)
	assert.Equal(t, netip.MustParseAddr("10.1.2.3"), got[0])
}

func TestResolveThroughNameserver(t *testing.T) {
	addr := startDNSServer(t)
	lp := newTestLoop(t)
	r := NewWithNameservers(lp, []string{addr})

	var got []netip.Addr
	r.Resolve("db.test", func(addresses []netip.Addr) {
		got = addresses
		lp.Stop()
	}, nil)

	require.NoError(t, lp.Run())
	require.Len(t, got, 1)
	assert.Equal(t, netip.MustParseAddr("192.0.2.10"), got[0])
}

func TestResolveUnknownHostDeliversEmpty(t *testing.T) {
	addr := startDNSServer(t)
	lp := newTestLoop(t)
	r := NewWithNameservers(lp, []string{addr})

	delivered := false
	var got []netip.Addr
	r.Resolve("missing.test", func(addresses []netip.Addr) {
		delivered = true
		got = addresses
		lp.Stop()
	}, nil)

	require.NoError(t, lp.Run())
	assert.True(t, delivered)
	assert.Empty(t, got)
}

func TestCancelWithoutFire(t *testing.T) {
	lp := newTestLoop(t)
	r := NewWithNameservers(lp, nil)

	var id RequestID
	r.Resolve("10.9.9.9", func(addresses []netip.Addr) {
		t.Error("callback must not fire after cancel without delivery")
	}, &id)
	r.Cancel(id, false)

	lp.NewTimer().Restart(30*time.Millisecond, lp.Stop)
	require.NoError(t, lp.Run())
}

func TestCancelWithDelivery(t *testing.T) {
	lp := newTestLoop(t)
	r := NewWithNameservers(lp, nil)

	calls := 0
	var got []netip.Addr
	var id RequestID
	r.Resolve("10.9.9.9", func(addresses []netip.Addr) {
		calls++
		got = addresses
	}, &id)
	r.Cancel(id, true)

	lp.NewTimer().Restart(30*time.Millisecond, lp.Stop)
	require.NoError(t, lp.Run())
	assert.Equal(t, 1, calls, "cancelled lookup must deliver exactly once")
	assert.Empty(t, got)
}

func TestCancelUnknownRequest(t *testing.T) {
	lp := newTestLoop(t)
	r := NewWithNameservers(lp, nil)
	r.Cancel(RequestID(12345), true)

	lp.NewTimer().Restart(10*time.Millisecond, lp.Stop)
	require.NoError(t, lp.Run())
}
