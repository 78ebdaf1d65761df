package server

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"go.uber.org/zap"

	"github.com/route-beacon/bgp-beacon/internal/config"
	"github.com/route-beacon/bgp-beacon/internal/md5sig"
)

// connRouter resolves an accepted connection's source address to a peer.
type connRouter interface {
	routeConn(remote netip.Addr, conn net.Conn)
}

// listener accepts inbound BGP connections on one bound address and routes
// them by source address. Unknown sources are closed immediately.
type listener struct {
	lis    net.Listener
	router connRouter
	logger *zap.Logger
	wg     sync.WaitGroup
}

// bindListener opens the socket and pre-binds the MD5 keys of every
// password-protected peer, which must happen before any pre-handshake read.
func bindListener(addr string, peers []config.PeerConfig, router connRouter, logger *zap.Logger) (*listener, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("server: binding %s: %w", addr, err)
	}
	if err := applyMD5Keys(lis, peers); err != nil {
		lis.Close()
		return nil, err
	}
	return &listener{lis: lis, router: router, logger: logger.With(zap.String("listen", addr))}, nil
}

// applyMD5Keys installs per-remote TCP-MD5 keys on the listening socket.
func applyMD5Keys(lis net.Listener, peers []config.PeerConfig) error {
	var protected []config.PeerConfig
	for _, p := range peers {
		if p.Password != "" {
			protected = append(protected, p)
		}
	}
	if len(protected) == 0 {
		return nil
	}
	tcp, ok := lis.(*net.TCPListener)
	if !ok {
		return fmt.Errorf("server: md5 keys require a tcp listener")
	}
	raw, err := tcp.SyscallConn()
	if err != nil {
		return fmt.Errorf("server: raw listener access: %w", err)
	}
	var setErr error
	err = raw.Control(func(fd uintptr) {
		for _, p := range protected {
			if err := md5sig.Set(int(fd), p.Addr(), p.Password); err != nil {
				setErr = fmt.Errorf("server: md5 key for %s: %w", p.Address, err)
				return
			}
		}
	})
	if err != nil {
		return fmt.Errorf("server: listener control: %w", err)
	}
	return setErr
}

func (l *listener) run(ctx context.Context) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		<-ctx.Done()
		l.lis.Close()
	}()

	for {
		conn, err := l.lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				l.logger.Error("accept failed", zap.Error(err))
			}
			l.wg.Wait()
			return
		}
		remote, err := netip.ParseAddrPort(conn.RemoteAddr().String())
		if err != nil {
			conn.Close()
			continue
		}
		l.router.routeConn(remote.Addr().Unmap(), conn)
	}
}
