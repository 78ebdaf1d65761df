package fsm

import (
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/route-beacon/bgp-beacon/internal/archive"
	"github.com/route-beacon/bgp-beacon/internal/metrics"
	"github.com/route-beacon/bgp-beacon/internal/rib"
	"github.com/route-beacon/bgp-beacon/internal/wire"
)

// A long hold time is set while waiting for the peer's OPEN; RFC 4271
// suggests 4 minutes.
const longHoldTime = 4 * time.Minute

func (p *Peer) connectRetryInterval() time.Duration {
	return time.Duration(p.cfg.ConnectRetrySecs) * time.Second
}

func (p *Peer) run() {
	defer func() {
		p.cleanup()
		close(p.doneCh)
	}()
	for {
		var next State
		switch p.state {
		case Idle:
			next = p.idle()
		case Connect:
			next = p.connect()
		case Active:
			next = p.active()
		case OpenSent:
			next = p.openSent()
		case OpenConfirm:
			next = p.openConfirm()
		case Established:
			next = p.established()
		case Disabled:
			return
		}
		p.transition(next)
	}
}

func (p *Peer) transition(to State) {
	if to == p.state {
		return
	}
	from := p.state
	p.state = to
	p.publishStateChange(from, to)
}

func (p *Peer) cleanup() {
	p.cancelDial()
	if p.sess != nil {
		if p.state >= OpenSent {
			p.sendNotification(&wire.Notification{Code: wire.NotifCodeCease, Subcode: p.stopSubcode})
		}
		p.sess.close()
		p.sess = nil
	}
	if p.pendingConn != nil {
		p.pendingConn.Close()
		p.pendingConn = nil
	}
	for _, t := range []*time.Timer{p.connectRetryTimer, p.holdTimer, p.keepaliveTimer, p.idleHoldTimer} {
		stopTimer(t)
	}
	p.adjIn.Clear()
	p.adjOut.Clear()
	p.updateRIBGauges()
}

// adoptConn installs an accepted inbound connection as the current session
// and moves toward OpenSent via Active.
func (p *Peer) adoptConn(conn net.Conn) State {
	p.cancelDial()
	stopTimer(p.connectRetryTimer)
	p.sess = newSession(conn, false)
	return Active
}

// https://tools.ietf.org/html/rfc4271#section-8.2.2
//
// Idle waits out the hold-down (zero on first entry), then starts the
// ConnectRetryTimer and dials, or parks in Active for passive peers.
func (p *Peer) idle() State {
	for {
		select {
		case <-p.closeCh:
			return Disabled
		case cmd := <-p.mailbox:
			if next := p.handleCommand(cmd); next != p.state {
				return next
			}
		case conn := <-p.inConnCh:
			return p.adoptConn(conn)
		case <-p.idleHoldTimer.C:
			resetTimer(p.connectRetryTimer, p.connectRetryInterval())
			if p.cfg.Passive {
				return Active
			}
			p.dial()
			return Connect
		}
	}
}

// Connect waits for the outbound TCP attempt. Failure falls back to Active
// where the ConnectRetryTimer drives the next attempt.
func (p *Peer) connect() State {
	for {
		select {
		case <-p.closeCh:
			return Disabled
		case cmd := <-p.mailbox:
			if next := p.handleCommand(cmd); next != p.state {
				return next
			}
		case conn := <-p.inConnCh:
			return p.adoptConn(conn)
		case dr := <-p.dialCh:
			p.dialCancel = nil
			p.dialCh = nil
			if dr.err != nil {
				p.lastError = dr.err.Error()
				return Active
			}
			stopTimer(p.connectRetryTimer)
			p.sess = newSession(dr.conn, true)
			return p.sendOpen()
		case <-p.connectRetryTimer.C:
			p.cancelDial()
			resetTimer(p.connectRetryTimer, p.connectRetryInterval())
			p.dial()
		}
	}
}

// Active listens for an inbound connection (or an adopted one already in
// p.sess) and retries outbound on ConnectRetryTimer expiry.
func (p *Peer) active() State {
	if p.sess != nil {
		return p.sendOpen()
	}
	for {
		select {
		case <-p.closeCh:
			return Disabled
		case cmd := <-p.mailbox:
			if next := p.handleCommand(cmd); next != p.state {
				return next
			}
		case conn := <-p.inConnCh:
			return p.adoptConn(conn)
		case <-p.connectRetryTimer.C:
			resetTimer(p.connectRetryTimer, p.connectRetryInterval())
			if p.cfg.Passive {
				continue
			}
			p.dial()
			return Connect
		}
	}
}

// sendOpen emits our OPEN on the current session, arms the long hold timer
// and starts the reader.
func (p *Peer) sendOpen() State {
	caps := []wire.Capability{
		wire.NewMPCapability(wire.AFIIPv4, wire.SAFIUnicast),
		wire.NewMPCapability(wire.AFIIPv6, wire.SAFIUnicast),
	}
	if p.cfg.RouteRefresh {
		caps = append(caps, wire.NewRouteRefreshCapability())
	}
	open := wire.NewOpen(p.localAS, uint16(p.cfg.HoldTimeSecs), p.localID, caps)
	if err := p.sendMessage(open.Encode(), wire.MsgTypeOpen); err != nil {
		p.teardown(nil, err.Error())
		resetTimer(p.idleHoldTimer, p.connectRetryInterval())
		return Idle
	}
	resetTimer(p.holdTimer, longHoldTime)
	p.sess.startReading()
	return OpenSent
}

// noteInbound records and archives a received message before it is acted
// upon, preserving strict per-session ordering in the archival stream.
func (p *Peer) noteInbound(m inboundMsg) {
	p.msgsIn++
	metrics.MessagesTotal.WithLabelValues(p.cfg.Address, "in", msgTypeName(m.msg.Type())).Inc()
	p.publishMessageEvent(archive.EventMessageIn, m.raw)
}

// https://tools.ietf.org/html/rfc4271#page-63
func (p *Peer) openSent() State {
	for {
		select {
		case <-p.closeCh:
			return Disabled
		case cmd := <-p.mailbox:
			if next := p.handleCommand(cmd); next != p.state {
				return next
			}
		case conn := <-p.inConnCh:
			// Collision cannot be resolved before the peer's OPEN reveals its
			// identifier; hold one pending connection until then.
			if p.pendingConn != nil {
				conn.Close()
			} else {
				p.pendingConn = conn
			}
		case <-p.holdTimer.C:
			p.teardown(&wire.Notification{Code: wire.NotifCodeHoldTimerExpired}, "hold timer expired")
			resetTimer(p.idleHoldTimer, p.connectRetryInterval())
			return Idle
		case err := <-p.sess.readerErrCh:
			return p.handleReaderError(err, Active)
		case m := <-p.sess.readerMsgCh:
			p.noteInbound(m)
			switch msg := m.msg.(type) {
			case *wire.Open:
				return p.handleOpen(msg)
			case *wire.Notification:
				p.teardownOnNotification(msg)
				return Idle
			default:
				p.teardown(&wire.Notification{
					Code: wire.NotifCodeFSMErr,
					Data: []byte{m.msg.Type()},
				}, "unexpected message in openSent")
				resetTimer(p.idleHoldTimer, p.connectRetryInterval())
				return Idle
			}
		}
	}
}

// handleOpen validates the peer's OPEN, negotiates capabilities and moves to
// OpenConfirm, resolving a pending connection collision along the way.
func (p *Peer) handleOpen(o *wire.Open) State {
	if err := o.Validate(p.localID, p.cfg.RemoteAS); err != nil {
		if nerr, ok := err.(*wire.NotificationError); ok && nerr.Out {
			p.teardown(nerr.Notification, nerr.Error())
		} else {
			p.teardown(nil, err.Error())
		}
		resetTimer(p.idleHoldTimer, p.connectRetryInterval())
		return Idle
	}

	p.remoteID = o.BGPID
	p.fourOctet = o.HasCapability(wire.CapFourOctetAS)
	p.sess.fourOctet.Store(p.fourOctet)
	p.rrNegotiated = p.cfg.RouteRefresh && o.HasCapability(wire.CapRouteRefresh)

	p.families = nil
	for _, fam := range o.Families() {
		if fam == wire.FamilyIPv4Unicast || fam == wire.FamilyIPv6Unicast {
			p.families = append(p.families, fam)
		}
	}

	// Negotiated hold time is the min of both offers; zero disables the
	// hold and keepalive timers entirely.
	p.holdTime = time.Duration(o.HoldTime) * time.Second
	if local := time.Duration(p.cfg.HoldTimeSecs) * time.Second; local < p.holdTime {
		p.holdTime = local
	}

	if next := p.resolveCollision(); next != 0 {
		return next
	}

	if err := p.sendMessage((&wire.Keepalive{}).Encode(), wire.MsgTypeKeepalive); err != nil {
		p.teardown(nil, err.Error())
		resetTimer(p.idleHoldTimer, p.connectRetryInterval())
		return Idle
	}
	if p.holdTime != 0 {
		p.keepaliveInterval = p.holdTime / 3
		resetTimer(p.holdTimer, p.holdTime)
		resetTimer(p.keepaliveTimer, p.keepaliveInterval)
	} else {
		stopTimer(p.holdTimer)
		stopTimer(p.keepaliveTimer)
	}
	return OpenConfirm
}

// resolveCollision applies RFC 4271 §6.8 once the remote identifier is
// known: the connection initiated by the speaker with the numerically higher
// identifier survives. Returns 0 when the current session continues.
func (p *Peer) resolveCollision() State {
	if p.pendingConn == nil {
		return 0
	}
	pending := p.pendingConn
	p.pendingConn = nil

	if !p.sess.outbound || p.localID > p.remoteID {
		// Our current connection wins; the pending one is closed with
		// Cease/Connection Collision Resolution.
		sendNotificationOn(pending, &wire.Notification{
			Code:    wire.NotifCodeCease,
			Subcode: wire.NotifSubcodeConnectionCollision,
		})
		return 0
	}

	// The remote-initiated connection wins. Drop ours and restart the
	// handshake on the inbound one.
	p.teardown(&wire.Notification{
		Code:    wire.NotifCodeCease,
		Subcode: wire.NotifSubcodeConnectionCollision,
	}, "connection collision")
	p.sess = newSession(pending, false)
	return Active
}

// https://tools.ietf.org/html/rfc4271#page-67
func (p *Peer) openConfirm() State {
	for {
		select {
		case <-p.closeCh:
			return Disabled
		case cmd := <-p.mailbox:
			if next := p.handleCommand(cmd); next != p.state {
				return next
			}
		case conn := <-p.inConnCh:
			if next := p.collideInbound(conn); next != 0 {
				return next
			}
		case <-p.holdTimer.C:
			p.teardown(&wire.Notification{Code: wire.NotifCodeHoldTimerExpired}, "hold timer expired")
			resetTimer(p.idleHoldTimer, p.connectRetryInterval())
			return Idle
		case <-p.keepaliveTimer.C:
			if err := p.sendMessage((&wire.Keepalive{}).Encode(), wire.MsgTypeKeepalive); err != nil {
				p.teardown(nil, err.Error())
				resetTimer(p.idleHoldTimer, p.connectRetryInterval())
				return Idle
			}
			resetTimer(p.keepaliveTimer, p.keepaliveInterval)
		case err := <-p.sess.readerErrCh:
			return p.handleReaderError(err, Idle)
		case m := <-p.sess.readerMsgCh:
			p.noteInbound(m)
			switch msg := m.msg.(type) {
			case *wire.Keepalive:
				if p.holdTime != 0 {
					resetTimer(p.holdTimer, p.holdTime)
				}
				return Established
			case *wire.Notification:
				p.teardownOnNotification(msg)
				return Idle
			default:
				p.teardown(&wire.Notification{
					Code: wire.NotifCodeFSMErr,
					Data: []byte{m.msg.Type()},
				}, "unexpected message in openConfirm")
				resetTimer(p.idleHoldTimer, p.connectRetryInterval())
				return Idle
			}
		}
	}
}

// collideInbound handles an inbound connection while a session handshake or
// established session exists. Returns 0 when the current session continues.
func (p *Peer) collideInbound(conn net.Conn) State {
	if p.state == Established {
		conn.Close()
		return 0
	}
	if !p.sess.outbound || p.localID > p.remoteID {
		sendNotificationOn(conn, &wire.Notification{
			Code:    wire.NotifCodeCease,
			Subcode: wire.NotifSubcodeConnectionCollision,
		})
		return 0
	}
	p.teardown(&wire.Notification{
		Code:    wire.NotifCodeCease,
		Subcode: wire.NotifSubcodeConnectionCollision,
	}, "connection collision")
	p.sess = newSession(conn, false)
	return Active
}

// https://tools.ietf.org/html/rfc4271#page-71
func (p *Peer) established() State {
	p.establishedAt = time.Now()
	p.lastError = ""
	p.logger.Info("session established",
		zap.Uint32("remote_as", p.cfg.RemoteAS),
		zap.Duration("hold_time", p.holdTime),
	)

	// Walk the configured prefixes into the Adj-RIB-Out and announce.
	p.adjOut.Clear()
	sess := p.sessionParams()
	rib.Populate(p.adjOut, p.anns, sess)
	for _, u := range rib.PlanAnnouncements(p.adjOut, sess, p.adjOut.Families()) {
		if err := p.sendMessage(u.Encode(p.fourOctet), wire.MsgTypeUpdate); err != nil {
			p.teardown(nil, err.Error())
			resetTimer(p.idleHoldTimer, p.connectRetryInterval())
			return Idle
		}
	}
	p.updateRIBGauges()

	for {
		select {
		case <-p.closeCh:
			return Disabled
		case cmd := <-p.mailbox:
			if next := p.handleCommand(cmd); next != p.state {
				return next
			}
		case conn := <-p.inConnCh:
			conn.Close()
		case <-p.holdTimer.C:
			p.teardown(&wire.Notification{Code: wire.NotifCodeHoldTimerExpired}, "hold timer expired")
			resetTimer(p.idleHoldTimer, p.connectRetryInterval())
			return Idle
		case <-p.keepaliveTimer.C:
			if err := p.sendMessage((&wire.Keepalive{}).Encode(), wire.MsgTypeKeepalive); err != nil {
				p.teardown(nil, err.Error())
				resetTimer(p.idleHoldTimer, p.connectRetryInterval())
				return Idle
			}
		case err := <-p.sess.readerErrCh:
			return p.handleReaderError(err, Idle)
		case m := <-p.sess.readerMsgCh:
			p.noteInbound(m)
			if next := p.handleEstablishedMessage(m); next != 0 {
				return next
			}
		}
	}
}

func (p *Peer) handleEstablishedMessage(m inboundMsg) State {
	switch msg := m.msg.(type) {
	case *wire.Keepalive:
		if p.holdTime != 0 {
			resetTimer(p.holdTimer, p.holdTime)
		}
	case *wire.Update:
		added, removed := p.adjIn.Apply(msg)
		if added > 0 || removed > 0 {
			p.updateRIBGauges()
		}
		if p.holdTime != 0 {
			resetTimer(p.holdTimer, p.holdTime)
		}
	case *wire.RouteRefresh:
		// Re-announce the full Adj-RIB-Out for a negotiated family; refresh
		// for anything else is ignored.
		fam := msg.Family()
		if p.rrNegotiated {
			for _, negotiated := range p.families {
				if negotiated != fam {
					continue
				}
				for _, u := range rib.PlanRefresh(p.adjOut, p.sessionParams(), fam) {
					if err := p.sendMessage(u.Encode(p.fourOctet), wire.MsgTypeUpdate); err != nil {
						p.teardown(nil, err.Error())
						resetTimer(p.idleHoldTimer, p.connectRetryInterval())
						return Idle
					}
				}
			}
		}
		if p.holdTime != 0 {
			resetTimer(p.holdTimer, p.holdTime)
		}
	case *wire.Notification:
		p.teardownOnNotification(msg)
		return Idle
	default:
		p.teardown(&wire.Notification{
			Code: wire.NotifCodeFSMErr,
			Data: []byte{m.msg.Type()},
		}, "unexpected message in established")
		resetTimer(p.idleHoldTimer, p.connectRetryInterval())
		return Idle
	}
	return 0
}

// handleReaderError classifies reader failures: protocol errors answer with
// the embedded NOTIFICATION, transport errors tear down silently. fallback
// names the state for transport-level failures during the handshake.
func (p *Peer) handleReaderError(err error, fallback State) State {
	if nerr, ok := err.(*wire.NotificationError); ok {
		if nerr.Out {
			p.teardown(nerr.Notification, nerr.Error())
		} else {
			p.teardown(nil, nerr.Error())
		}
		resetTimer(p.idleHoldTimer, p.connectRetryInterval())
		return Idle
	}
	p.teardown(nil, err.Error())
	if fallback == Active {
		resetTimer(p.connectRetryTimer, p.connectRetryInterval())
		return Active
	}
	resetTimer(p.idleHoldTimer, p.connectRetryInterval())
	return Idle
}

func (p *Peer) teardownOnNotification(n *wire.Notification) {
	p.teardown(nil, "notification received")
	p.lastError = n.String()
	resetTimer(p.idleHoldTimer, p.connectRetryInterval())
}
