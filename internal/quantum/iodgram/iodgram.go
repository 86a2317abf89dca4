// Package iodgram defines the DatagramSocket capability the connection
// container and mediator use for I/O, plus its concrete UDP
// implementation. The capability is deliberately narrow — send, a
// channel of arrivals, local port/address — so the core protocol engine
// never touches net.UDPConn directly.
package iodgram

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// Datagram is one arrival delivered to the single-threaded dispatch loop
// that owns a socket.
type Datagram struct {
	// InboundAddr is the local address of the socket the datagram arrived
	// on (for a socket bound to a wildcard address, that wildcard address)
	// — container dispatch uses this to pin localAddress and detect
	// cross-interface confusion during a P2P handshake.
	InboundAddr *net.UDPAddr
	RemoteAddr  *net.UDPAddr
	Data        []byte
	ReceivedAt  time.Time
}

// DatagramSocket is the external collaborator the container and mediator
// depend on instead of net.UDPConn directly.
type DatagramSocket interface {
	// Send writes data to remoteAddr. localAddr is advisory (used by
	// multi-homed server sockets that bind to a wildcard address); a nil
	// localAddr sends from whatever the OS picks.
	Send(localAddr, remoteAddr *net.UDPAddr, data []byte) error
	// Datagrams is the channel a single dispatch goroutine selects on.
	Datagrams() <-chan Datagram
	LocalPort() int
	LocalAddr() *net.UDPAddr
	Close() error
}

const defaultReadBufferSize = 2 * 1024 * 1024
const defaultWriteBufferSize = 2 * 1024 * 1024
const maxDatagramSize = 2048

// UDPSocket is the real DatagramSocket, backed by a net.UDPConn. It owns
// exactly one background goroutine whose sole job is to turn ReadFromUDP
// calls into channel sends, so that everything downstream can stay on a
// single dispatch goroutine per connection.
type UDPSocket struct {
	conn *net.UDPConn
	addr *net.UDPAddr

	out chan Datagram

	mu     sync.Mutex
	closed bool
}

// Listen opens a UDP socket bound to address — used for server and
// mediator sockets, which may be shared across many peer connections.
func Listen(address string) (*UDPSocket, error) {
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("iodgram: resolve %q: %w", address, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("iodgram: listen %q: %w", address, err)
	}
	return newSocket(conn)
}

// Dial opens a UDP socket connected to remote — used for client-side
// connections, which own their socket exclusively.
func Dial(remote string) (*UDPSocket, error) {
	addr, err := net.ResolveUDPAddr("udp", remote)
	if err != nil {
		return nil, fmt.Errorf("iodgram: resolve %q: %w", remote, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("iodgram: dial %q: %w", remote, err)
	}
	return newSocket(conn)
}

func newSocket(conn *net.UDPConn) (*UDPSocket, error) {
	if err := conn.SetReadBuffer(defaultReadBufferSize); err != nil {
		conn.Close()
		return nil, fmt.Errorf("iodgram: set read buffer: %w", err)
	}
	if err := conn.SetWriteBuffer(defaultWriteBufferSize); err != nil {
		conn.Close()
		return nil, fmt.Errorf("iodgram: set write buffer: %w", err)
	}
	s := &UDPSocket{
		conn: conn,
		addr: conn.LocalAddr().(*net.UDPAddr),
		out:  make(chan Datagram, 256),
	}
	go s.readLoop()
	return s, nil
}

func (s *UDPSocket) readLoop() {
	buf := make([]byte, maxDatagramSize)
	for {
		n, remote, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			close(s.out)
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		s.out <- Datagram{
			InboundAddr: s.addr,
			RemoteAddr:  remote,
			Data:        data,
			ReceivedAt:  time.Now(),
		}
	}
}

func (s *UDPSocket) Send(localAddr, remoteAddr *net.UDPAddr, data []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return fmt.Errorf("iodgram: send on closed socket")
	}
	if remoteAddr == nil {
		_, err := s.conn.Write(data)
		return err
	}
	_, err := s.conn.WriteToUDP(data, remoteAddr)
	return err
}

func (s *UDPSocket) Datagrams() <-chan Datagram { return s.out }

func (s *UDPSocket) LocalPort() int { return s.addr.Port }

func (s *UDPSocket) LocalAddr() *net.UDPAddr { return s.addr }

func (s *UDPSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}
