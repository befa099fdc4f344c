package proxy

import (
	"bufio"
	"net"

	proxyproto "github.com/pires/go-proxyproto"
)

// ProxyProtocolListener wraps a net.Listener so that every accepted
// connection is first checked for a leading PROXY protocol header. When
// one is present, RemoteAddr on the returned connection reports the
// original client address instead of the address of whatever load
// balancer or PROXY-protocol-aware tier sits in front of DebugProxy; this
// is what ends up in a RequestRecord's ClientAddr and in the
// X-Forwarded-For chain built in headers.go. Connections with no PROXY
// header behave exactly as if this listener were not in use.
type ProxyProtocolListener struct {
	net.Listener
}

// NewProxyProtocolListener wraps l.
func NewProxyProtocolListener(l net.Listener) *ProxyProtocolListener {
	return &ProxyProtocolListener{Listener: l}
}

// Accept implements net.Listener.
func (l *ProxyProtocolListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return wrapProxyProtocol(conn)
}

// proxyProtocolConn embeds the underlying connection so every method
// other than Read and RemoteAddr passes straight through; only those two
// need to account for the parsed PROXY header and the buffered reader
// that parsing it leaves behind.
type proxyProtocolConn struct {
	net.Conn
	reader *bufio.Reader
	remote net.Addr
}

func wrapProxyProtocol(c net.Conn) (net.Conn, error) {
	reader := bufio.NewReader(c)

	header, err := proxyproto.Read(reader)
	switch err {
	case proxyproto.ErrNoProxyProtocol, proxyproto.ErrInvalidLength:
		// No PROXY header at the front of this connection; everything
		// read so far (nothing) stays in reader for the first real read.
		return &proxyProtocolConn{Conn: c, reader: reader}, nil
	case nil:
		return &proxyProtocolConn{
			Conn:   c,
			reader: reader,
			remote: header.SourceAddr,
		}, nil
	default:
		return nil, err
	}
}

func (c *proxyProtocolConn) Read(b []byte) (int, error) {
	return c.reader.Read(b)
}

func (c *proxyProtocolConn) RemoteAddr() net.Addr {
	if c.remote != nil {
		return c.remote
	}
	return c.Conn.RemoteAddr()
}
