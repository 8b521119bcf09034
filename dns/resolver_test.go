/*
 * Copyright 2024 The jmpapi Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package dns

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeServer is a minimal UDP nameserver stand-in for tests: handle is
// invoked with the decoded query id/name/qtype and the originating
// socket, and decides what (if anything) to write back.
type fakeServer struct {
	conn   *net.UDPConn
	addr   *net.UDPAddr
	handle func(id uint16, name string, qtype uint16) []byte
}

func newFakeServer(t *testing.T, handle func(id uint16, name string, qtype uint16) []byte) *fakeServer {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	fs := &fakeServer{conn: conn, addr: conn.LocalAddr().(*net.UDPAddr), handle: handle}
	go fs.serve()
	t.Cleanup(func() { conn.Close() })
	return fs
}

func (fs *fakeServer) serve() {
	buf := make([]byte, 512)
	for {
		n, from, err := fs.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		msg, err := decodeMessage(buf[:n])
		if err != nil {
			continue
		}
		name, _, err := decodeName(buf[:n], 12)
		if err != nil {
			continue
		}
		qtype := getUint16(buf[n-4 : n-2])
		if resp := fs.handle(msg.id, name, qtype); resp != nil {
			_, _ = fs.conn.WriteToUDP(resp, from)
		}
	}
}

// aRecordResponse builds a well-formed response to a single-question A
// query, answering with ip and the given ttl.
func aRecordResponse(id uint16, queryName string, qtype uint16, ip net.IP, ttl uint32) []byte {
	buf := make([]byte, 12)
	putUint16(buf[0:2], id)
	putUint16(buf[2:4], 0x8180) // response, recursion available
	putUint16(buf[4:6], 1)      // qdcount
	putUint16(buf[6:8], 1)      // ancount

	nameBytes, _ := encodeName(queryName)
	buf = append(buf, nameBytes...)
	qtail := make([]byte, 4)
	putUint16(qtail[0:2], qtype)
	putUint16(qtail[2:4], classIN)
	buf = append(buf, qtail...)

	buf = append(buf, nameBytes...) // answer name (uncompressed, for simplicity)
	rrHead := make([]byte, 10)
	putUint16(rrHead[0:2], qtype)
	putUint16(rrHead[2:4], classIN)
	putUint16(rrHead[4:6], uint16(ttl>>16))
	putUint16(rrHead[6:8], uint16(ttl))
	v4 := ip.To4()
	putUint16(rrHead[8:10], uint16(len(v4)))
	buf = append(buf, rrHead...)
	buf = append(buf, v4...)
	return buf
}

func servfailResponse(id uint16) []byte {
	buf := make([]byte, 12)
	putUint16(buf[0:2], id)
	putUint16(buf[2:4], 0x8182) // response, rcode=2 SERVFAIL
	return buf
}

func TestResolveLiteralAddressShortCircuits(t *testing.T) {
	r, err := New()
	require.NoError(t, err)
	defer r.Close()

	addrs, err := r.Resolve(context.Background(), "127.0.0.1", false)
	require.NoError(t, err)
	require.Equal(t, []net.IP{net.ParseIP("127.0.0.1")}, addrs)
}

func TestResolveSucceedsAfterFirstServerFails(t *testing.T) {
	bad := newFakeServer(t, func(id uint16, name string, qtype uint16) []byte {
		return servfailResponse(id)
	})
	var good *fakeServer
	good = newFakeServer(t, func(id uint16, name string, qtype uint16) []byte {
		return aRecordResponse(id, name, qtype, net.ParseIP("1.2.3.4"), 60)
	})
	_ = good

	r, err := New()
	require.NoError(t, err)
	defer r.Close()
	require.NoError(t, r.AddNameserver(bad.addr.String(), true))
	require.NoError(t, r.AddNameserver(good.addr.String(), true))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	addrs, err := r.Resolve(ctx, "example.com", false)
	require.NoError(t, err)
	require.Equal(t, []net.IP{net.ParseIP("1.2.3.4").To4()}, addrs)

	// the failing nameserver's counter should have been incremented
	r.mu.Lock()
	failures := r.nameservers[0].failures
	r.mu.Unlock()
	require.Greater(t, failures, 0)
}

func TestResolveCachesSuccessfulAnswer(t *testing.T) {
	var calls int
	srv := newFakeServer(t, func(id uint16, name string, qtype uint16) []byte {
		calls++
		return aRecordResponse(id, name, qtype, net.ParseIP("5.6.7.8"), 3600)
	})

	r, err := New()
	require.NoError(t, err)
	defer r.Close()
	require.NoError(t, r.AddNameserver(srv.addr.String(), true))

	ctx := context.Background()
	_, err = r.Resolve(ctx, "cached.example", false)
	require.NoError(t, err)
	first := calls

	_, err = r.Resolve(ctx, "cached.example", false)
	require.NoError(t, err)
	require.Equal(t, first, calls, "second resolve within TTL must not hit the network")
}

func TestReverseEncodesPTRQuery(t *testing.T) {
	srv := newFakeServer(t, func(id uint16, name string, qtype uint16) []byte {
		require.Equal(t, TypePTR, qtype)
		require.Equal(t, "4.3.2.1.in-addr.arpa", name)
		buf := make([]byte, 12)
		putUint16(buf[0:2], id)
		putUint16(buf[2:4], 0x8180)
		putUint16(buf[4:6], 1)
		putUint16(buf[6:8], 1)
		nameBytes, _ := encodeName(name)
		buf = append(buf, nameBytes...)
		qtail := make([]byte, 4)
		putUint16(qtail[0:2], qtype)
		putUint16(qtail[2:4], classIN)
		buf = append(buf, qtail...)
		buf = append(buf, nameBytes...)
		target, _ := encodeName("host.example.")
		rrHead := make([]byte, 10)
		putUint16(rrHead[0:2], qtype)
		putUint16(rrHead[2:4], classIN)
		putUint16(rrHead[8:10], uint16(len(target)))
		buf = append(buf, rrHead...)
		buf = append(buf, target...)
		return buf
	})

	r, err := New()
	require.NoError(t, err)
	defer r.Close()
	require.NoError(t, r.AddNameserver(srv.addr.String(), true))

	names, err := r.Reverse(context.Background(), net.ParseIP("1.2.3.4"))
	require.NoError(t, err)
	require.Equal(t, []string{"host.example"}, names)
}

func TestDropFailedRemovesOnlySystemNameservers(t *testing.T) {
	r, err := New()
	require.NoError(t, err)
	defer r.Close()
	r.FailureThreshold = 1

	require.NoError(t, r.AddNameserver("10.0.0.1", true))
	require.NoError(t, r.AddNameserver("10.0.0.2", false))

	r.mu.Lock()
	r.nameservers[0].failures = 5
	r.nameservers[1].failures = 5
	r.mu.Unlock()

	r.DropFailed()

	r.mu.Lock()
	defer r.mu.Unlock()
	require.Len(t, r.nameservers, 1)
	require.False(t, r.nameservers[0].system)
}
