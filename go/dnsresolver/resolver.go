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

// Package dnsresolver provides asynchronous hostname resolution for
// event-loop consumers. Lookups run on their own goroutines; callbacks
// are always delivered on the loop goroutine. A pending lookup can be
// cancelled with or without delivering its callback.
package dnsresolver

import (
	"net/netip"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/multigres/pgasync/go/eventloop"
)

const (
	// resolvConfPath is the system resolver configuration.
	resolvConfPath = "/etc/resolv.conf"

	// queryTimeout bounds a single DNS exchange.
	queryTimeout = 5 * time.Second
)

// RequestID identifies a pending lookup. The zero value is invalid.
type RequestID uint64

// Callback receives the resolved addresses. An empty slice means the
// host did not resolve.
type Callback func(addresses []netip.Addr)

// Resolver performs asynchronous lookups for one event loop.
type Resolver struct {
	loop *eventloop.Loop

	mu          sync.Mutex
	nextID      RequestID
	pending     map[RequestID]*request
	nameservers []string
	configOnce  sync.Once
}

type request struct {
	cb        Callback
	cancelled bool
	deliver   bool
}

// New creates a resolver bound to the loop. Nameservers are read from
// /etc/resolv.conf on first use.
func New(loop *eventloop.Loop) *Resolver {
	return &Resolver{
		loop:    loop,
		pending: make(map[RequestID]*request),
	}
}

// NewWithNameservers creates a resolver that queries the given
// "host:port" servers instead of the system configuration.
func NewWithNameservers(loop *eventloop.Loop, nameservers []string) *Resolver {
	r := New(loop)
	r.nameservers = nameservers
	r.configOnce.Do(func() {})
	return r
}

// Resolve starts a lookup for host and stores the request id in out.
// The callback runs exactly once on the loop goroutine unless the
// request is cancelled without delivery.
func (r *Resolver) Resolve(host string, cb Callback, out *RequestID) {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.pending[id] = &request{cb: cb}
	r.mu.Unlock()
	if out != nil {
		*out = id
	}

	// IP literals skip the wire but still deliver asynchronously so the
	// caller observes one code path.
	if addr, err := netip.ParseAddr(host); err == nil {
		r.complete(id, []netip.Addr{addr})
		return
	}

	go r.lookup(id, host)
}

// Cancel aborts a pending lookup. With deliverCallback the callback
// still runs once, with an empty address list; without it the callback
// is suppressed entirely.
func (r *Resolver) Cancel(id RequestID, deliverCallback bool) {
	r.mu.Lock()
	req, ok := r.pending[id]
	if ok {
		req.cancelled = true
		req.deliver = deliverCallback
	}
	r.mu.Unlock()
	if ok && deliverCallback {
		r.complete(id, nil)
	}
}

// lookup queries A then AAAA records and completes the request.
func (r *Resolver) lookup(id RequestID, host string) {
	servers := r.servers()
	fqdn := dns.Fqdn(host)
	client := &dns.Client{Timeout: queryTimeout}

	var addrs []netip.Addr
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(fqdn, qtype)
		msg.RecursionDesired = true
		for _, server := range servers {
			in, _, err := client.Exchange(msg, server)
			if err != nil || in == nil {
				continue
			}
			for _, rr := range in.Answer {
				switch a := rr.(type) {
				case *dns.A:
					if addr, ok := netip.AddrFromSlice(a.A); ok {
						addrs = append(addrs, addr.Unmap())
					}
				case *dns.AAAA:
					if addr, ok := netip.AddrFromSlice(a.AAAA); ok {
						addrs = append(addrs, addr)
					}
				}
			}
			break
		}
	}

	r.complete(id, addrs)
}

// complete posts the callback to the loop, honoring cancellation.
func (r *Resolver) complete(id RequestID, addrs []netip.Addr) {
	r.loop.Post(func() {
		r.mu.Lock()
		req, ok := r.pending[id]
		if ok {
			delete(r.pending, id)
		}
		r.mu.Unlock()
		if !ok {
			return
		}
		if req.cancelled && !req.deliver {
			return
		}
		if req.cancelled {
			addrs = nil
		}
		req.cb(addrs)
	})
}

// servers returns the configured nameservers, loading the system
// configuration on first use.
func (r *Resolver) servers() []string {
	r.configOnce.Do(func() {
		config, err := dns.ClientConfigFromFile(resolvConfPath)
		if err != nil {
			return
		}
		r.mu.Lock()
		for _, server := range config.Servers {
			r.nameservers = append(r.nameservers, server+":"+config.Port)
		}
		r.mu.Unlock()
	})
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nameservers
}
