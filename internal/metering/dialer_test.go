package metering

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/dnscache"
)

func TestCachingDialerReachesLocalServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	}))
	defer srv.Close()

	client := &http.Client{Transport: newTransport(time.Minute), Timeout: 2 * time.Second}
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "ok" {
		t.Fatalf("body = %q", body)
	}
}

func TestCachingDialerRejectsBadAddress(t *testing.T) {
	d := &cachingDialer{resolver: &dnscache.Resolver{}, dialer: &net.Dialer{Timeout: time.Second}}
	if _, err := d.DialContext(context.Background(), "tcp", "missing-port"); err == nil {
		t.Fatal("expected error for address without port")
	}
}

func TestCachingDialerReportsRefusedConnections(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	d := &cachingDialer{resolver: &dnscache.Resolver{}, dialer: &net.Dialer{Timeout: time.Second}}
	if _, err := d.DialContext(context.Background(), "tcp", addr); err == nil {
		t.Fatal("expected dial error for closed port")
	}
}

func TestNewTransportWithoutCache(t *testing.T) {
	if tr := newTransport(-1); tr.DialContext == nil {
		t.Fatal("expected default dialer to be retained")
	}
}
