package control

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/netip"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/route-beacon/bgp-beacon/internal/fsm"
	"github.com/route-beacon/bgp-beacon/internal/metrics"
	"github.com/route-beacon/bgp-beacon/internal/server"
)

const requestTimeout = 30 * time.Second

// Server serves the control socket. Mutating commands are serialized
// through the supervisor; inspection commands read peer state through the
// peers' mailboxes.
type Server struct {
	sup        *server.Supervisor
	configPath string
	socketPath string
	logger     *zap.Logger
	shutdown   func()

	lis net.Listener
	wg  sync.WaitGroup
}

func NewServer(sup *server.Supervisor, configPath, socketPath string, shutdown func(), logger *zap.Logger) *Server {
	return &Server{
		sup:        sup,
		configPath: configPath,
		socketPath: socketPath,
		logger:     logger,
		shutdown:   shutdown,
	}
}

// Run binds the socket (removing a stale one) and serves until the context
// is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if _, err := os.Stat(s.socketPath); err == nil {
		os.Remove(s.socketPath)
	}
	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return err
	}
	s.lis = lis

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-ctx.Done()
		lis.Close()
		os.Remove(s.socketPath)
	}()

	s.logger.Info("control socket listening", zap.String("socket", s.socketPath))
	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return nil
			default:
				return err
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var req Request
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			// A malformed request is answered and the connection closed.
			conn.Write(errEnvelope(KindInvalidRequest, err.Error()))
			return
		}
		reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		outcome := s.dispatch(reqCtx, conn, &req)
		cancel()
		metrics.ControlRequestsTotal.WithLabelValues(req.Cmd, outcome).Inc()
	}
}

// dispatch answers one request and reports the outcome label for metrics.
func (s *Server) dispatch(ctx context.Context, conn net.Conn, req *Request) string {
	switch req.Cmd {
	case "ping", "start":
		conn.Write(okEnvelope(map[string]any{"pid": os.Getpid()}))
		return "ok"

	case "stop":
		conn.Write(okEnvelope(map[string]any{"stopping": true}))
		go s.shutdown()
		return "ok"

	case "reload":
		summary, err := s.sup.Reload(s.configPath)
		if err != nil {
			conn.Write(errEnvelope(KindRejected, err.Error()))
			return "rejected"
		}
		conn.Write(okEnvelope(map[string]any{"reload": summary}))
		return "ok"

	case "peer list":
		for _, st := range s.sup.PeerStatuses(ctx) {
			conn.Write(rowEnvelope(st))
		}
		conn.Write(endEnvelope)
		return "ok"

	case "peer show":
		peer, errOut := s.resolvePeer(conn, req.Addr)
		if peer == nil {
			return errOut
		}
		st, err := peer.Status(ctx)
		if err != nil {
			conn.Write(errEnvelope(KindInternal, err.Error()))
			return "error"
		}
		conn.Write(okEnvelope(map[string]any{"peer": st}))
		return "ok"

	case "peer reset":
		peer, errOut := s.resolvePeer(conn, req.Addr)
		if peer == nil {
			return errOut
		}
		soft := req.Mode == "soft"
		if err := peer.Reset(ctx, soft); err != nil {
			conn.Write(errEnvelope(KindRejected, err.Error()))
			return "rejected"
		}
		conn.Write(okEnvelope(map[string]any{"reset": req.Addr, "soft": soft}))
		return "ok"

	case "rib summary":
		conn.Write(okEnvelope(map[string]any{"rib": s.sup.RIBSummary(ctx)}))
		return "ok"

	case "rib in":
		peer, errOut := s.resolvePeer(conn, req.Addr)
		if peer == nil {
			return errOut
		}
		snap, err := peer.RIBIn(ctx)
		if err != nil {
			conn.Write(errEnvelope(KindInternal, err.Error()))
			return "error"
		}
		for family, entries := range snap {
			for _, e := range entries {
				conn.Write(rowEnvelope(map[string]any{
					"family":   family,
					"prefix":   e.Prefix.String(),
					"sequence": e.Sequence,
				}))
			}
		}
		conn.Write(endEnvelope)
		return "ok"

	case "rib out":
		peer, errOut := s.resolvePeer(conn, req.Addr)
		if peer == nil {
			return errOut
		}
		snap, err := peer.RIBOut(ctx)
		if err != nil {
			conn.Write(errEnvelope(KindInternal, err.Error()))
			return "error"
		}
		for family, entries := range snap {
			for _, e := range entries {
				row := map[string]any{
					"family":      family,
					"prefix":      e.Prefix.String(),
					"transmitted": e.Transmitted,
				}
				if e.NextHop.IsValid() {
					row["next_hop"] = e.NextHop.String()
				}
				conn.Write(rowEnvelope(row))
			}
		}
		conn.Write(endEnvelope)
		return "ok"

	case "archive status":
		conn.Write(okEnvelope(map[string]any{"archive": s.sup.ArchiveStatus()}))
		return "ok"

	case "archive rollover":
		if err := s.sup.ArchiveRollover(ctx); err != nil {
			conn.Write(errEnvelope(KindRejected, err.Error()))
			return "rejected"
		}
		conn.Write(okEnvelope(map[string]any{"rollover": true}))
		return "ok"

	case "archive snapshot":
		rel, err := s.sup.ArchiveSnapshot(ctx)
		if err != nil {
			conn.Write(errEnvelope(KindRejected, err.Error()))
			return "rejected"
		}
		conn.Write(okEnvelope(map[string]any{"snapshot": rel}))
		return "ok"

	case "archive retry":
		n, err := s.sup.ArchiveRetry()
		if err != nil {
			conn.Write(errEnvelope(KindRejected, err.Error()))
			return "rejected"
		}
		conn.Write(okEnvelope(map[string]any{"requeued": n}))
		return "ok"

	default:
		conn.Write(errEnvelope(KindUnknownCommand, "unknown command "+req.Cmd))
		return "unknown"
	}
}

// resolvePeer parses the addr argument and looks the peer up, writing the
// error envelope on failure.
func (s *Server) resolvePeer(conn net.Conn, addr string) (*fsm.Peer, string) {
	parsed, err := netip.ParseAddr(addr)
	if err != nil {
		conn.Write(errEnvelope(KindInvalidRequest, "invalid peer address "+addr))
		return nil, "invalid"
	}
	peer, err := s.sup.Peer(parsed)
	if err != nil {
		conn.Write(errEnvelope(KindNotFound, err.Error()))
		return nil, "not_found"
	}
	return peer, ""
}
