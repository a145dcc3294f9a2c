package connect

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/serverlessdb/poolproxy/internal/types"
)

func TestResolveAddrsPrefersHostAddrOverDNS(t *testing.T) {
	m := &HyperMechanism{Resolver: net.DefaultResolver}
	node := types.NodeConnInfo{Host: "this-host-name-is-never-looked-up.invalid", HostAddr: net.ParseIP("127.0.0.1")}

	addrs, err := m.resolveAddrs(context.Background(), node)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(addrs) != 1 || !addrs[0].Equal(net.ParseIP("127.0.0.1")) {
		t.Fatalf("expected the single pre-resolved address back verbatim, got %v", addrs)
	}
}

func TestDialCandidatesEmptyListIsInvalidInput(t *testing.T) {
	_, err := dialCandidates(context.Background(), nil, 5432, time.Second)
	if err == nil {
		t.Fatal("expected an error for an empty candidate list")
	}
	if err.Error() != "could not resolve any addresses" {
		t.Errorf("unexpected error message: %q", err.Error())
	}
}

func TestDialCandidatesFallsThroughToSecondAddress(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	go func() {
		c, err := ln.Accept()
		if err == nil {
			c.Close()
		}
	}()

	// 192.0.2.0/24 is the TEST-NET-1 documentation range (RFC 5737): never
	// routable, so whether the platform fails it fast (unreachable) or
	// only after the per-candidate timeout, the first candidate never
	// succeeds and dialCandidates must fall through to the second.
	addrs := []net.IP{net.ParseIP("192.0.2.1"), net.ParseIP("127.0.0.1")}

	conn, err := dialCandidates(context.Background(), addrs, port, 300*time.Millisecond)
	if err != nil {
		t.Fatalf("expected the second candidate to succeed, got %v", err)
	}
	conn.Close()
}

func TestDialCandidatesRefusedThenSucceeds(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	goodPort := ln.Addr().(*net.TCPAddr).Port

	refused, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	badPort := refused.Addr().(*net.TCPAddr).Port
	refused.Close()

	go func() {
		c, err := ln.Accept()
		if err == nil {
			c.Close()
		}
	}()

	_, err = dialCandidates(context.Background(), []net.IP{net.ParseIP("127.0.0.1")}, badPort, 500*time.Millisecond)
	if err == nil {
		t.Fatal("expected the refused port to fail")
	}

	conn, err := dialCandidates(context.Background(), []net.IP{net.ParseIP("127.0.0.1")}, goodPort, 500*time.Millisecond)
	if err != nil {
		t.Fatalf("expected the live listener to accept, got %v", err)
	}
	conn.Close()
}
