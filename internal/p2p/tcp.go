package p2p

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	klog "github.com/Klingon-tech/klingnet-relay/internal/log"
)

// tcpKeepAlive is the keep-alive period for TCP peer connections.
const tcpKeepAlive = 30 * time.Second

// AcceptFunc receives each inbound connection.
type AcceptFunc func(conn net.Conn)

// Listener accepts TCP peer connections.
type Listener struct {
	ln     net.Listener
	accept AcceptFunc
	wg     sync.WaitGroup
}

// ListenTCP listens on addr ("host:port", port 0 picks one) and hands every
// accepted connection to accept. accept must not block.
func ListenTCP(addr string, accept AcceptFunc) (*Listener, error) {
	lc := net.ListenConfig{KeepAlive: tcpKeepAlive}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	l := &Listener{ln: ln, accept: accept}
	l.wg.Add(1)
	go l.serve()
	return l, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() string {
	return l.ln.Addr().String()
}

// Close stops accepting and waits for the accept loop to exit.
func (l *Listener) Close() error {
	err := l.ln.Close()
	l.wg.Wait()
	return err
}

func (l *Listener) serve() {
	defer l.wg.Done()
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				klog.P2P.Warn().Err(err).Msg("Accept failed")
			}
			return
		}
		l.accept(conn)
	}
}

// DialTCP connects to a "host:port" address.
func DialTCP(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{KeepAlive: tcpKeepAlive}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn, nil
}

// RemoteIdentity returns the identity trust scores use for a TCP peer:
// the remote IP without the port.
func RemoteIdentity(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
