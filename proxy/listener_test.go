package proxy

import (
	"net"
	"testing"
)

func TestProxyProtocolListenerRecoversClientAddress(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()

	// The standard PROXY protocol v1 text header, written by whatever
	// load balancer sits in front of DebugProxy.
	const v1Header = "PROXY TCP4 203.0.113.9 198.51.100.1 51234 8080\r\n"

	go func() {
		_, _ = client.Write([]byte(v1Header))
		_, _ = client.Write([]byte("GET / HTTP/1.1\r\n\r\n"))
	}()

	wrapped, err := wrapProxyProtocol(server)
	if err != nil {
		t.Fatalf("wrapProxyProtocol: %v", err)
	}

	addr, ok := wrapped.RemoteAddr().(*net.TCPAddr)
	if !ok {
		t.Fatalf("expected *net.TCPAddr, got %T", wrapped.RemoteAddr())
	}
	if addr.IP.String() != "203.0.113.9" || addr.Port != 51234 {
		t.Errorf("got %s, want 203.0.113.9:51234", addr)
	}

	buf := make([]byte, len("GET / HTTP/1.1\r\n\r\n"))
	if _, err := wrapped.Read(buf); err != nil {
		t.Fatalf("Read after PROXY header: %v", err)
	}
	if string(buf) != "GET / HTTP/1.1\r\n\r\n" {
		t.Errorf("got %q", buf)
	}
}

func TestProxyProtocolListenerPassesThroughWithoutHeader(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()

	go func() {
		_, _ = client.Write([]byte("plain connection, no PROXY header"))
	}()

	wrapped, err := wrapProxyProtocol(server)
	if err != nil {
		t.Fatalf("wrapProxyProtocol: %v", err)
	}

	buf := make([]byte, len("plain connection, no PROXY header"))
	if _, err := wrapped.Read(buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf) != "plain connection, no PROXY header" {
		t.Errorf("got %q", buf)
	}
}
