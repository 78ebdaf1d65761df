// Package server hosts the supervisor: the owner of the configuration
// snapshot, the peer FSM set, the archival pipeline and the listeners.
// Every mutating control command funnels through it.
package server

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/route-beacon/bgp-beacon/internal/archive"
	"github.com/route-beacon/bgp-beacon/internal/config"
	"github.com/route-beacon/bgp-beacon/internal/event"
	"github.com/route-beacon/bgp-beacon/internal/fsm"
	"github.com/route-beacon/bgp-beacon/internal/replication"
	"github.com/route-beacon/bgp-beacon/internal/rib"
	"github.com/route-beacon/bgp-beacon/internal/wire"
)

// Supervisor wires the daemon together and serializes lifecycle mutations.
type Supervisor struct {
	logger *zap.Logger
	bus    *event.Bus

	cfg atomic.Pointer[config.Config]

	mu        sync.Mutex
	peers     map[netip.Addr]*fsm.Peer
	listeners []*listener
	arch      *archive.Writer
	queue     *replication.Queue
	shipper   *replication.Shipper

	runCtx    context.Context
	runCancel context.CancelFunc
	tasks     sync.WaitGroup
}

// ReloadSummary reports what a configuration reload changed.
type ReloadSummary struct {
	Added     []string `json:"added"`
	Removed   []string `json:"removed"`
	Restarted []string `json:"restarted"`
	Prefixes  bool     `json:"prefixes_changed"`
}

func New(cfg *config.Config, logger *zap.Logger) *Supervisor {
	s := &Supervisor{
		logger: logger,
		bus:    event.NewBus(),
		peers:  make(map[netip.Addr]*fsm.Peer),
	}
	s.cfg.Store(cfg)
	return s
}

// Config returns the current immutable configuration snapshot.
func (s *Supervisor) Config() *config.Config { return s.cfg.Load() }

// Bus exposes the event broadcaster for control subscribers.
func (s *Supervisor) Bus() *event.Bus { return s.bus }

// announcements converts the configured prefixes into planner input.
func announcements(cfg *config.Config) []rib.Announcement {
	anns := make([]rib.Announcement, 0, len(cfg.Prefixes))
	for _, p := range cfg.Prefixes {
		prefix, err := netip.ParsePrefix(p.Network)
		if err != nil {
			continue
		}
		a := rib.Announcement{Prefix: prefix}
		if p.NextHop != "" {
			a.NextHop, _ = netip.ParseAddr(p.NextHop)
		}
		anns = append(anns, a)
	}
	return anns
}

// Start brings up the archival pipeline, the peers and the listeners.
func (s *Supervisor) Start(ctx context.Context) error {
	cfg := s.cfg.Load()
	s.runCtx, s.runCancel = context.WithCancel(ctx)

	if cfg.Archive.Enabled {
		queue, err := replication.Open(cfg.Archive.Path, cfg.Archive.Destinations)
		if err != nil {
			return err
		}
		s.queue = queue
		s.shipper = replication.NewShipper(queue, cfg.Archive.Path, cfg.Archive.Destinations, s.logger)
		s.tasks.Add(1)
		go func() {
			defer s.tasks.Done()
			s.shipper.Run(s.runCtx)
		}()
	}

	s.arch = archive.NewWriter(cfg.Archive, s.queue, s.logger)
	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		s.arch.Run(s.runCtx)
	}()

	anns := announcements(cfg)
	s.mu.Lock()
	for i := range cfg.Peers {
		pc := cfg.Peers[i]
		peer := fsm.NewPeer(pc, cfg.Global.ASN, cfg.RouterID(), anns, s.arch, s.bus, s.logger)
		s.peers[pc.Addr()] = peer
		peer.Start()
	}
	s.mu.Unlock()

	if cfg.Global.Listen {
		for _, addr := range cfg.Global.ListenAddrs {
			l, err := bindListener(addr, cfg.Peers, s, s.logger)
			if err != nil {
				s.logger.Error("listener bind failed", zap.String("addr", addr), zap.Error(err))
				continue
			}
			s.listeners = append(s.listeners, l)
			s.tasks.Add(1)
			go func() {
				defer s.tasks.Done()
				l.run(s.runCtx)
			}()
		}
	}

	s.logger.Info("supervisor started",
		zap.Int("peers", len(cfg.Peers)),
		zap.Bool("archive", cfg.Archive.Enabled),
	)
	return nil
}

// Stop tears every peer down with Cease/Administrative Shutdown and stops
// the background tasks.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	peers := make([]*fsm.Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.peers = make(map[netip.Addr]*fsm.Peer)
	s.mu.Unlock()

	for _, p := range peers {
		p.Stop(wire.NotifSubcodeAdminShutdown)
	}
	if s.runCancel != nil {
		s.runCancel()
	}
	s.tasks.Wait()
	if s.queue != nil {
		s.queue.Close()
	}
	s.logger.Info("supervisor stopped")
}

// routeConn implements connRouter: an accepted connection reaches the FSM of
// the matching configured peer or is closed.
func (s *Supervisor) routeConn(remote netip.Addr, conn net.Conn) {
	s.mu.Lock()
	peer, ok := s.peers[remote]
	s.mu.Unlock()
	if !ok {
		s.logger.Debug("connection from unknown source", zap.String("remote", remote.String()))
		conn.Close()
		return
	}
	peer.DeliverConn(conn)
}

// Reload validates a new configuration and applies the diff: removed peers
// are torn down, session-affecting changes restart the peer, new peers
// start, and prefix changes propagate as UPDATE deltas. A reload with an
// unchanged configuration is a no-op.
func (s *Supervisor) Reload(path string) (*ReloadSummary, error) {
	next, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	prev := s.cfg.Load()
	summary := &ReloadSummary{}

	s.mu.Lock()
	defer s.mu.Unlock()

	nextAnns := announcements(next)
	prevAnns := announcements(prev)
	summary.Prefixes = !announcementsEqual(prevAnns, nextAnns)

	// Tear down peers that disappeared from the configuration.
	for addr, peer := range s.peers {
		if next.FindPeer(addr) == nil {
			peer.Stop(wire.NotifSubcodeAdminReset)
			delete(s.peers, addr)
			summary.Removed = append(summary.Removed, addr.String())
		}
	}

	for i := range next.Peers {
		pc := next.Peers[i]
		addr := pc.Addr()
		existing, ok := s.peers[addr]
		switch {
		case !ok:
			peer := fsm.NewPeer(pc, next.Global.ASN, next.RouterID(), nextAnns, s.arch, s.bus, s.logger)
			s.peers[addr] = peer
			peer.Start()
			summary.Added = append(summary.Added, addr.String())
		case peerRestartNeeded(existing, &pc, prev, next):
			existing.Stop(wire.NotifSubcodeAdminReset)
			peer := fsm.NewPeer(pc, next.Global.ASN, next.RouterID(), nextAnns, s.arch, s.bus, s.logger)
			s.peers[addr] = peer
			peer.Start()
			summary.Restarted = append(summary.Restarted, addr.String())
		case summary.Prefixes:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := existing.ApplyAnnouncements(ctx, nextAnns); err != nil {
				s.logger.Warn("prefix delta failed", zap.String("peer", addr.String()), zap.Error(err))
			}
			cancel()
		}
	}

	// Inbound MD5 keys are bound to the listening socket; refresh them so
	// new or re-keyed peers authenticate before the next accept.
	for _, l := range s.listeners {
		if err := applyMD5Keys(l.lis, next.Peers); err != nil {
			s.logger.Warn("refreshing listener md5 keys", zap.Error(err))
		}
	}

	s.cfg.Store(next)
	s.logger.Info("configuration reloaded",
		zap.Int("added", len(summary.Added)),
		zap.Int("removed", len(summary.Removed)),
		zap.Int("restarted", len(summary.Restarted)),
		zap.Bool("prefixes_changed", summary.Prefixes),
	)
	return summary, nil
}

func peerRestartNeeded(existing *fsm.Peer, next *config.PeerConfig, prevCfg, nextCfg *config.Config) bool {
	prev := existing.Config()
	if prev.SessionAffecting(next) {
		return true
	}
	// A change of global identity affects every session.
	return prevCfg.Global.ASN != nextCfg.Global.ASN || prevCfg.Global.RouterID != nextCfg.Global.RouterID
}

func announcementsEqual(a, b []rib.Announcement) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[rib.Announcement]bool, len(a))
	for _, ann := range a {
		set[ann] = true
	}
	for _, ann := range b {
		if !set[ann] {
			return false
		}
	}
	return true
}

// Peer returns the FSM for a neighbor address.
func (s *Supervisor) Peer(addr netip.Addr) (*fsm.Peer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[addr]
	if !ok {
		return nil, fmt.Errorf("server: no peer %s", addr)
	}
	return p, nil
}

// PeerStatuses collects the status of every peer.
func (s *Supervisor) PeerStatuses(ctx context.Context) []fsm.PeerStatus {
	s.mu.Lock()
	peers := make([]*fsm.Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	statuses := make([]fsm.PeerStatus, 0, len(peers))
	for _, p := range peers {
		st, err := p.Status(ctx)
		if err != nil {
			continue
		}
		statuses = append(statuses, st)
	}
	return statuses
}

// ArchiveStatus merges writer and replication queue state.
func (s *Supervisor) ArchiveStatus() map[string]any {
	st := map[string]any{"writer": s.arch.Status()}
	if s.queue != nil {
		if counts, err := s.queue.Counts(); err == nil {
			st["replication"] = counts
		}
		if errs, err := s.queue.LastErrors(); err == nil && len(errs) > 0 {
			st["replication_errors"] = errs
		}
	}
	return st
}

// ArchiveRollover seals the open segments now.
func (s *Supervisor) ArchiveRollover(ctx context.Context) error {
	return s.arch.Rollover(ctx)
}

// ArchiveSnapshot dumps every established peer's Adj-RIB-In as a
// TABLE_DUMP_V2 segment.
func (s *Supervisor) ArchiveSnapshot(ctx context.Context) (string, error) {
	cfg := s.cfg.Load()

	s.mu.Lock()
	peers := make([]*fsm.Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	var snapPeers []archive.SnapshotPeer
	var routes []archive.SnapshotRoute
	for _, p := range peers {
		st, err := p.Status(ctx)
		if err != nil || st.State != "established" {
			continue
		}
		idx := uint16(len(snapPeers))
		remoteID := netip.MustParseAddr("0.0.0.0")
		if st.RemoteID != "" {
			remoteID = netip.MustParseAddr(st.RemoteID)
		}
		snapPeers = append(snapPeers, archive.SnapshotPeer{
			BGPID: remoteID,
			Addr:  p.Address(),
			AS:    st.RemoteAS,
		})
		in, err := p.RIBIn(ctx)
		if err != nil {
			continue
		}
		for _, entries := range in {
			for _, e := range entries {
				routes = append(routes, archive.SnapshotRoute{
					Prefix:         e.Prefix,
					PeerIndex:      idx,
					OriginatedTime: uint32(st.EstablishedAt),
					Sequence:       uint32(e.Sequence),
					PathAttrs:      encodeSnapshotAttrs(&e),
				})
			}
		}
	}
	return s.arch.WriteSnapshot(cfg.RouterID(), snapPeers, routes)
}

// encodeSnapshotAttrs renders the stored attribute bundle back to wire form
// for the RIB dump.
func encodeSnapshotAttrs(e *rib.InEntry) []byte {
	u := wire.Update{Attrs: e.Attrs}
	framed := u.Encode(true)
	// Strip the frame down to the path attribute bytes: header(19) +
	// withdrawn len(2) + attrs len(2) precede them, NLRI is empty.
	body := framed[wire.HeaderLen:]
	return body[4:]
}

// ArchiveRetry requeues failed replication jobs.
func (s *Supervisor) ArchiveRetry() (int64, error) {
	if s.queue == nil {
		return 0, fmt.Errorf("server: archive not enabled")
	}
	return s.queue.RetryFailed()
}

// RIBSummary aggregates table sizes across peers.
func (s *Supervisor) RIBSummary(ctx context.Context) map[string]any {
	statuses := s.PeerStatuses(ctx)
	established := 0
	received := 0
	advertised := 0
	for _, st := range statuses {
		if st.State == "established" {
			established++
		}
		received += st.RoutesReceived
		advertised += st.RoutesAdvertised
	}
	return map[string]any{
		"peers_total":       len(statuses),
		"peers_established": established,
		"routes_received":   received,
		"routes_advertised": advertised,
	}
}
