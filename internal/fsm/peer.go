// Package fsm implements the RFC 4271 per-peer state machine. Each peer runs
// as one goroutine owning its session, timers and RIBs; all outside access
// goes through the mailbox, which is the serialization point.
package fsm

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/route-beacon/bgp-beacon/internal/archive"
	"github.com/route-beacon/bgp-beacon/internal/config"
	"github.com/route-beacon/bgp-beacon/internal/event"
	"github.com/route-beacon/bgp-beacon/internal/metrics"
	"github.com/route-beacon/bgp-beacon/internal/rib"
	"github.com/route-beacon/bgp-beacon/internal/wire"
)

// State is the FSM state.
type State uint8

const (
	Disabled State = iota
	Idle
	Connect
	Active
	OpenSent
	OpenConfirm
	Established
)

func (s State) String() string {
	switch s {
	case Disabled:
		return "disabled"
	case Idle:
		return "idle"
	case Connect:
		return "connect"
	case Active:
		return "active"
	case OpenSent:
		return "openSent"
	case OpenConfirm:
		return "openConfirm"
	case Established:
		return "established"
	default:
		return "unknown"
	}
}

// MRTCode maps the state onto the MRT BGP4MP state-change code space.
func (s State) MRTCode() uint16 {
	switch s {
	case Connect:
		return archive.MRTStateConnect
	case Active:
		return archive.MRTStateActive
	case OpenSent:
		return archive.MRTStateOpenSent
	case OpenConfirm:
		return archive.MRTStateOpenConfirm
	case Established:
		return archive.MRTStateEstablished
	default:
		return archive.MRTStateIdle
	}
}

// ErrPeerStopped is returned by the mailbox API after the peer shut down.
var ErrPeerStopped = errors.New("fsm: peer stopped")

// ErrNoRouteRefresh rejects a soft reset toward a peer that never advertised
// the capability.
var ErrNoRouteRefresh = errors.New("fsm: peer did not negotiate route refresh")

// PeerStatus is the control-plane view of one peer.
type PeerStatus struct {
	Name             string   `json:"name,omitempty"`
	Address          string   `json:"address"`
	RemoteAS         uint32   `json:"remote_as"`
	LocalAS          uint32   `json:"local_as"`
	State            string   `json:"state"`
	Passive          bool     `json:"passive"`
	RemoteID         string   `json:"remote_id,omitempty"`
	HoldTime         int      `json:"hold_time_secs"`
	FourOctetAS      bool     `json:"four_octet_as"`
	RouteRefresh     bool     `json:"route_refresh"`
	Families         []string `json:"families,omitempty"`
	EstablishedAt    int64    `json:"established_at,omitempty"`
	LastError        string   `json:"last_error,omitempty"`
	MessagesIn       uint64   `json:"messages_in"`
	MessagesOut      uint64   `json:"messages_out"`
	RoutesReceived   int      `json:"routes_received"`
	RoutesAdvertised int      `json:"routes_advertised"`
}

type command interface{ isCommand() }

type cmdStatus struct {
	reply chan PeerStatus
}

type cmdRIBIn struct {
	reply chan map[string][]rib.InEntry
}

type cmdRIBOut struct {
	reply chan map[string][]rib.OutEntry
}

type cmdReset struct {
	soft  bool
	reply chan error
}

type cmdApplyAnnouncements struct {
	anns  []rib.Announcement
	reply chan error
}

func (cmdStatus) isCommand()             {}
func (cmdRIBIn) isCommand()              {}
func (cmdRIBOut) isCommand()             {}
func (cmdReset) isCommand()              {}
func (cmdApplyAnnouncements) isCommand() {}

// Peer is one configured neighbor and its FSM task.
type Peer struct {
	cfg     config.PeerConfig
	localAS uint32
	localID uint32
	logger  *zap.Logger
	arch    *archive.Writer
	bus     *event.Bus

	adjIn  *rib.AdjRIBIn
	adjOut *rib.AdjRIBOut
	anns   []rib.Announcement

	mailbox  chan command
	inConnCh chan net.Conn

	closeOnce   sync.Once
	closeCh     chan struct{}
	doneCh      chan struct{}
	stopSubcode uint8

	// everything below is owned by the run goroutine
	state       State
	sess        *session
	pendingConn net.Conn

	connectRetryTimer *time.Timer
	holdTimer         *time.Timer
	keepaliveTimer    *time.Timer
	idleHoldTimer     *time.Timer

	dialCancel context.CancelFunc
	dialCh     chan dialResult

	holdTime          time.Duration
	keepaliveInterval time.Duration
	remoteID          uint32
	fourOctet         bool
	rrNegotiated      bool
	families          []wire.Family

	lastError     string
	establishedAt time.Time
	msgsIn        uint64
	msgsOut       uint64
}

// NewPeer builds a peer FSM in Idle. routerID must be the local IPv4 BGP
// identifier.
func NewPeer(cfg config.PeerConfig, globalASN uint32, routerID netip.Addr,
	anns []rib.Announcement, arch *archive.Writer, bus *event.Bus, logger *zap.Logger) *Peer {

	id := routerID.As4()
	p := &Peer{
		cfg:      cfg,
		localAS:  cfg.EffectiveLocalAS(globalASN),
		localID:  uint32(id[0])<<24 | uint32(id[1])<<16 | uint32(id[2])<<8 | uint32(id[3]),
		logger:   logger.With(zap.String("peer", cfg.Address)),
		arch:     arch,
		bus:      bus,
		adjIn:    rib.NewAdjRIBIn(),
		adjOut:   rib.NewAdjRIBOut(),
		anns:     anns,
		mailbox:  make(chan command, 16),
		inConnCh: make(chan net.Conn),
		closeCh:  make(chan struct{}),
		doneCh:   make(chan struct{}),
		state:    Idle,
	}
	p.connectRetryTimer = newStoppedTimer()
	p.holdTimer = newStoppedTimer()
	p.keepaliveTimer = newStoppedTimer()
	p.idleHoldTimer = time.NewTimer(0) // no hold-down on first entry
	return p
}

func newStoppedTimer() *time.Timer {
	t := time.NewTimer(time.Hour)
	if !t.Stop() {
		<-t.C
	}
	return t
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	stopTimer(t)
	t.Reset(d)
}

// Start launches the FSM task.
func (p *Peer) Start() {
	go p.run()
}

// Stop tears the peer down, sending NOTIFICATION Cease with the given
// subcode when a session is up, and waits for the task to finish.
func (p *Peer) Stop(subcode uint8) {
	p.closeOnce.Do(func() {
		p.stopSubcode = subcode
		close(p.closeCh)
	})
	<-p.doneCh
}

// DeliverConn routes an accepted inbound connection to the FSM. The FSM
// closes it when the peer state does not admit a new connection.
func (p *Peer) DeliverConn(conn net.Conn) {
	select {
	case p.inConnCh <- conn:
	case <-p.doneCh:
		conn.Close()
	}
}

// Address returns the configured neighbor address.
func (p *Peer) Address() netip.Addr { return p.cfg.Addr() }

// Config returns the configuration generation this peer was built from.
func (p *Peer) Config() config.PeerConfig { return p.cfg }

func (p *Peer) send(cmd command) error {
	select {
	case p.mailbox <- cmd:
		return nil
	case <-p.doneCh:
		return ErrPeerStopped
	}
}

// Status reports the peer state through the mailbox, ordered after any
// in-flight message processing.
func (p *Peer) Status(ctx context.Context) (PeerStatus, error) {
	cmd := cmdStatus{reply: make(chan PeerStatus, 1)}
	if err := p.send(cmd); err != nil {
		return PeerStatus{}, err
	}
	select {
	case st := <-cmd.reply:
		return st, nil
	case <-p.doneCh:
		return PeerStatus{}, ErrPeerStopped
	case <-ctx.Done():
		return PeerStatus{}, ctx.Err()
	}
}

// RIBIn returns a point-in-time copy of the Adj-RIB-In per family.
func (p *Peer) RIBIn(ctx context.Context) (map[string][]rib.InEntry, error) {
	cmd := cmdRIBIn{reply: make(chan map[string][]rib.InEntry, 1)}
	if err := p.send(cmd); err != nil {
		return nil, err
	}
	select {
	case snap := <-cmd.reply:
		return snap, nil
	case <-p.doneCh:
		return nil, ErrPeerStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RIBOut returns a point-in-time copy of the Adj-RIB-Out per family.
func (p *Peer) RIBOut(ctx context.Context) (map[string][]rib.OutEntry, error) {
	cmd := cmdRIBOut{reply: make(chan map[string][]rib.OutEntry, 1)}
	if err := p.send(cmd); err != nil {
		return nil, err
	}
	select {
	case snap := <-cmd.reply:
		return snap, nil
	case <-p.doneCh:
		return nil, ErrPeerStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Reset performs an administrative reset: hard tears the session down with
// Cease/Administrative Reset, soft triggers a route-refresh exchange.
func (p *Peer) Reset(ctx context.Context, soft bool) error {
	cmd := cmdReset{soft: soft, reply: make(chan error, 1)}
	if err := p.send(cmd); err != nil {
		return err
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-p.doneCh:
		return ErrPeerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ApplyAnnouncements installs a new configured prefix set, emitting the
// UPDATE delta when the session is established.
func (p *Peer) ApplyAnnouncements(ctx context.Context, anns []rib.Announcement) error {
	cmd := cmdApplyAnnouncements{anns: anns, reply: make(chan error, 1)}
	if err := p.send(cmd); err != nil {
		return err
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-p.doneCh:
		return ErrPeerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// familyNames renders negotiated families for status output.
func familyNames(fams []wire.Family) []string {
	names := make([]string, 0, len(fams))
	for _, f := range fams {
		names = append(names, f.String())
	}
	return names
}

func (p *Peer) buildStatus() PeerStatus {
	st := PeerStatus{
		Name:             p.cfg.Name,
		Address:          p.cfg.Address,
		RemoteAS:         p.cfg.RemoteAS,
		LocalAS:          p.localAS,
		State:            p.state.String(),
		Passive:          p.cfg.Passive,
		HoldTime:         int(p.holdTime / time.Second),
		FourOctetAS:      p.fourOctet,
		RouteRefresh:     p.rrNegotiated,
		LastError:        p.lastError,
		MessagesIn:       p.msgsIn,
		MessagesOut:      p.msgsOut,
		RoutesReceived:   p.adjIn.Len(),
		RoutesAdvertised: p.adjOut.Len(),
	}
	if p.state == Established {
		st.EstablishedAt = p.establishedAt.Unix()
		st.Families = familyNames(p.families)
	}
	if p.remoteID != 0 {
		st.RemoteID = netip.AddrFrom4([4]byte{
			byte(p.remoteID >> 24), byte(p.remoteID >> 16),
			byte(p.remoteID >> 8), byte(p.remoteID),
		}).String()
	}
	return st
}

// handleCommand processes one mailbox command. It returns the follow-up
// state when the command forces a transition, or the current state.
func (p *Peer) handleCommand(cmd command) State {
	switch c := cmd.(type) {
	case cmdStatus:
		c.reply <- p.buildStatus()
	case cmdRIBIn:
		c.reply <- map[string][]rib.InEntry{
			wire.FamilyIPv4Unicast.String(): p.adjIn.Snapshot(wire.FamilyIPv4Unicast),
			wire.FamilyIPv6Unicast.String(): p.adjIn.Snapshot(wire.FamilyIPv6Unicast),
		}
	case cmdRIBOut:
		c.reply <- map[string][]rib.OutEntry{
			wire.FamilyIPv4Unicast.String(): p.adjOut.Snapshot(wire.FamilyIPv4Unicast),
			wire.FamilyIPv6Unicast.String(): p.adjOut.Snapshot(wire.FamilyIPv6Unicast),
		}
	case cmdReset:
		return p.handleReset(c)
	case cmdApplyAnnouncements:
		c.reply <- p.applyAnnouncements(c.anns)
	}
	return p.state
}

func (p *Peer) handleReset(c cmdReset) State {
	if c.soft {
		if p.state != Established {
			c.reply <- errors.New("fsm: peer not established")
			return p.state
		}
		if !p.rrNegotiated {
			c.reply <- ErrNoRouteRefresh
			return p.state
		}
		for _, fam := range p.families {
			rr := &wire.RouteRefresh{AFI: fam.AFI, SAFI: fam.SAFI}
			if err := p.sendMessage(rr.Encode(), wire.MsgTypeRouteRefresh); err != nil {
				c.reply <- err
				return p.state
			}
		}
		c.reply <- nil
		return p.state
	}

	// Hard reset: tear down with Cease/Administrative Reset and restart via
	// the connect-retry path.
	p.cancelDial()
	if p.sess != nil {
		p.teardown(&wire.Notification{Code: wire.NotifCodeCease, Subcode: wire.NotifSubcodeAdminReset}, "administrative reset")
	}
	c.reply <- nil
	if p.state == Idle || p.state == Disabled {
		return p.state
	}
	resetTimer(p.idleHoldTimer, time.Duration(p.cfg.ConnectRetrySecs)*time.Second)
	return Idle
}

func (p *Peer) applyAnnouncements(anns []rib.Announcement) error {
	p.anns = anns
	if p.state != Established {
		return nil
	}
	sess := p.sessionParams()

	// Withdraw entries that were transmitted and are no longer configured.
	configured := make(map[netip.Prefix]bool, len(anns))
	for _, a := range anns {
		configured[a.Prefix] = true
	}
	for _, fam := range []wire.Family{wire.FamilyIPv4Unicast, wire.FamilyIPv6Unicast} {
		var gone []netip.Prefix
		for _, e := range p.adjOut.Snapshot(fam) {
			if !configured[e.Prefix] {
				if p.adjOut.Remove(fam, e.Prefix) {
					gone = append(gone, e.Prefix)
				}
			}
		}
		for _, u := range rib.PlanWithdrawals(fam, gone) {
			if err := p.sendMessage(u.Encode(p.fourOctet), wire.MsgTypeUpdate); err != nil {
				return err
			}
		}
	}

	rib.Populate(p.adjOut, anns, sess)
	for _, u := range rib.PlanAnnouncements(p.adjOut, sess, p.adjOut.Families()) {
		if err := p.sendMessage(u.Encode(p.fourOctet), wire.MsgTypeUpdate); err != nil {
			return err
		}
	}
	p.updateRIBGauges()
	return nil
}

func (p *Peer) sessionParams() rib.SessionParams {
	params := rib.SessionParams{
		LocalAS:   p.localAS,
		FourOctet: p.fourOctet,
		Families:  p.families,
	}
	if p.sess != nil {
		if p.sess.localAddr.Is4() || p.sess.localAddr.Is4In6() {
			params.LocalV4 = p.sess.localAddr.Unmap()
		} else {
			params.LocalV6 = p.sess.localAddr
		}
	}
	return params
}

func (p *Peer) updateRIBGauges() {
	metrics.RIBRoutes.WithLabelValues(p.cfg.Address, "adj-rib-in").Set(float64(p.adjIn.Len()))
	metrics.RIBRoutes.WithLabelValues(p.cfg.Address, "adj-rib-out").Set(float64(p.adjOut.Len()))
}
