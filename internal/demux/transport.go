package demux

import "net"

// Transport abstracts the single shared datagram socket the demultiplexer
// reads from and writes to. It exists so the runtime can be driven against
// an in-memory fake network (package internal/fakenet) in tests without
// opening real sockets, and so outgoing sends are free to happen
// concurrently from many dispatcher worker goroutines — an implementation
// must be safe for concurrent WriteTo calls, per spec section 5.
type Transport interface {
	// ReadFrom blocks until a datagram arrives, writing it into buf and
	// returning the number of bytes read and the sender's address string.
	ReadFrom(buf []byte) (n int, addr string, err error)
	// WriteTo sends b to addr. Safe for concurrent use.
	WriteTo(b []byte, addr string) error
	// LocalAddr returns the address this transport is bound to.
	LocalAddr() string
	// Close releases the underlying resources; a blocked ReadFrom returns an
	// error.
	Close() error
}

// udpTransport is the production Transport, a thin wrapper around a bound
// *net.UDPConn.
type udpTransport struct {
	conn *net.UDPConn
}

// ListenUDP binds a UDP socket at addr (host:port) and returns a Transport
// backed by it.
func ListenUDP(addr string) (Transport, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	return &udpTransport{conn: conn}, nil
}

func (u *udpTransport) ReadFrom(buf []byte) (int, string, error) {
	n, addr, err := u.conn.ReadFromUDP(buf)
	if addr == nil {
		return n, "", err
	}
	return n, addr.String(), err
}

func (u *udpTransport) WriteTo(b []byte, addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	_, err = u.conn.WriteToUDP(b, udpAddr)
	return err
}

func (u *udpTransport) LocalAddr() string {
	return u.conn.LocalAddr().String()
}

func (u *udpTransport) Close() error {
	return u.conn.Close()
}
