package fsm

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/route-beacon/bgp-beacon/internal/archive"
	"github.com/route-beacon/bgp-beacon/internal/event"
	"github.com/route-beacon/bgp-beacon/internal/md5sig"
	"github.com/route-beacon/bgp-beacon/internal/metrics"
	"github.com/route-beacon/bgp-beacon/internal/wire"
)

const notificationLinger = 2 * time.Second

// inboundMsg carries one decoded message plus the exact framed bytes for the
// archival stream.
type inboundMsg struct {
	raw []byte
	msg wire.Message
}

// session is the transport state of one connection attempt.
type session struct {
	conn       net.Conn
	outbound   bool
	localAddr  netip.Addr
	remoteAddr netip.Addr

	// fourOctet steers the reader's UPDATE decoding; settled during OPEN
	// processing, read per message by the reader goroutine.
	fourOctet atomic.Bool

	readerMsgCh     chan inboundMsg
	readerErrCh     chan error
	readerDoneCh    chan struct{}
	closeReaderCh   chan struct{}
	closeReaderOnce sync.Once
}

func newSession(conn net.Conn, outbound bool) *session {
	s := &session{conn: conn, outbound: outbound}
	if ap, err := netip.ParseAddrPort(conn.LocalAddr().String()); err == nil {
		s.localAddr = ap.Addr().Unmap()
	}
	if ap, err := netip.ParseAddrPort(conn.RemoteAddr().String()); err == nil {
		s.remoteAddr = ap.Addr().Unmap()
	}
	return s
}

func (s *session) startReading() {
	s.readerMsgCh = make(chan inboundMsg)
	s.readerErrCh = make(chan error)
	s.readerDoneCh = make(chan struct{})
	s.closeReaderCh = make(chan struct{})
	s.closeReaderOnce = sync.Once{}
	go s.read()
}

func (s *session) read() {
	defer close(s.readerDoneCh)
	for {
		header := make([]byte, wire.HeaderLen)
		if _, err := io.ReadFull(s.conn, header); err != nil {
			s.deliverErr(err)
			return
		}
		bodyLen, msgType, err := wire.DecodeHeader(header)
		if err != nil {
			s.deliverErr(err)
			return
		}
		body := make([]byte, bodyLen)
		if bodyLen > 0 {
			if _, err := io.ReadFull(s.conn, body); err != nil {
				s.deliverErr(err)
				return
			}
		}
		msg, err := wire.DecodeBody(body, msgType, s.fourOctet.Load())
		if err != nil {
			s.deliverErr(err)
			return
		}
		raw := make([]byte, 0, wire.HeaderLen+bodyLen)
		raw = append(raw, header...)
		raw = append(raw, body...)
		select {
		case <-s.closeReaderCh:
			return
		case s.readerMsgCh <- inboundMsg{raw: raw, msg: msg}:
		}
	}
}

func (s *session) deliverErr(err error) {
	select {
	case <-s.closeReaderCh:
	case s.readerErrCh <- err:
	}
}

// close shuts the connection and reaps the reader. Idempotent.
func (s *session) close() {
	s.conn.Close()
	if s.closeReaderCh != nil {
		s.closeReaderOnce.Do(func() { close(s.closeReaderCh) })
		<-s.readerDoneCh
	}
}

type dialResult struct {
	conn net.Conn
	err  error
}

// dial starts the outbound TCP attempt. The result arrives on p.dialCh; the
// attempt is cancellable via p.dialCancel.
func (p *Peer) dial() {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan dialResult, 1)
	p.dialCancel = cancel
	p.dialCh = ch

	remote := p.cfg.Addr()
	password := p.cfg.Password
	target := net.JoinHostPort(p.cfg.Address, strconv.Itoa(int(p.cfg.RemotePort)))

	go func() {
		dialer := &net.Dialer{}
		if password != "" {
			// The MD5 key must be on the socket before the SYN goes out.
			dialer.Control = func(network, address string, c syscall.RawConn) error {
				var serr error
				if err := c.Control(func(fd uintptr) {
					serr = md5sig.Set(int(fd), remote, password)
				}); err != nil {
					return err
				}
				return serr
			}
		}
		conn, err := dialer.DialContext(ctx, "tcp", target)
		ch <- dialResult{conn: conn, err: err}
		close(ch)
	}()
}

// cancelDial aborts an in-flight dial and reaps its result.
func (p *Peer) cancelDial() {
	if p.dialCancel == nil {
		return
	}
	p.dialCancel()
	if dr, ok := <-p.dialCh; ok && dr.conn != nil {
		dr.conn.Close()
	}
	p.dialCancel = nil
	p.dialCh = nil
}

// sendMessage writes framed bytes to the session and publishes the outbound
// archival event in order.
func (p *Peer) sendMessage(framed []byte, msgType uint8) error {
	if p.sess == nil {
		return fmt.Errorf("fsm: no session")
	}
	if _, err := p.sess.conn.Write(framed); err != nil {
		return fmt.Errorf("fsm: writing message: %w", err)
	}
	p.msgsOut++
	metrics.MessagesTotal.WithLabelValues(p.cfg.Address, "out", msgTypeName(msgType)).Inc()
	p.publishMessageEvent(archive.EventMessageOut, framed)
	if msgType == wire.MsgTypeUpdate || msgType == wire.MsgTypeKeepalive {
		if p.holdTime != 0 && p.state == Established {
			resetTimer(p.keepaliveTimer, p.keepaliveInterval)
		}
	}
	return nil
}

// sendNotification writes a NOTIFICATION with a bounded linger: the message
// is either fully framed on the wire or the socket is closed abruptly.
func (p *Peer) sendNotification(n *wire.Notification) {
	if p.sess == nil {
		return
	}
	p.sess.conn.SetWriteDeadline(time.Now().Add(notificationLinger))
	framed := n.Encode()
	if _, err := p.sess.conn.Write(framed); err == nil {
		p.msgsOut++
		metrics.MessagesTotal.WithLabelValues(p.cfg.Address, "out", "notification").Inc()
		p.publishMessageEvent(archive.EventMessageOut, framed)
	}
	p.sess.conn.SetWriteDeadline(time.Time{})
}

// sendNotificationOn writes a NOTIFICATION to a connection that is not the
// current session (collision losers).
func sendNotificationOn(conn net.Conn, n *wire.Notification) {
	conn.SetWriteDeadline(time.Now().Add(notificationLinger))
	conn.Write(n.Encode())
	conn.Close()
}

func msgTypeName(t uint8) string {
	switch t {
	case wire.MsgTypeOpen:
		return "open"
	case wire.MsgTypeUpdate:
		return "update"
	case wire.MsgTypeNotification:
		return "notification"
	case wire.MsgTypeKeepalive:
		return "keepalive"
	case wire.MsgTypeRouteRefresh:
		return "route-refresh"
	default:
		return "unknown"
	}
}

func (p *Peer) archiveKeyAddrs() (peerIP, localIP netip.Addr) {
	peerIP = p.cfg.Addr()
	if p.sess != nil && p.sess.localAddr.IsValid() {
		localIP = p.sess.localAddr
	} else if peerIP.Is4() {
		localIP = netip.IPv4Unspecified()
	} else {
		localIP = netip.IPv6Unspecified()
	}
	return peerIP, localIP
}

func (p *Peer) publishMessageEvent(kind archive.EventKind, framed []byte) {
	peerIP, localIP := p.archiveKeyAddrs()
	p.arch.Publish(archive.Event{
		Time:    time.Now(),
		Kind:    kind,
		PeerAS:  p.cfg.RemoteAS,
		LocalAS: p.localAS,
		PeerIP:  peerIP,
		LocalIP: localIP,
		Msg:     framed,
	})
}

func (p *Peer) publishStateChange(from, to State) {
	metrics.SessionTransitionsTotal.WithLabelValues(p.cfg.Address, from.String(), to.String()).Inc()
	peerIP, localIP := p.archiveKeyAddrs()
	p.arch.Publish(archive.Event{
		Time:     time.Now(),
		Kind:     archive.EventStateChange,
		PeerAS:   p.cfg.RemoteAS,
		LocalAS:  p.localAS,
		PeerIP:   peerIP,
		LocalIP:  localIP,
		OldState: from.MRTCode(),
		NewState: to.MRTCode(),
	})
	p.bus.Publish(event.Event{
		Type: "peer_state",
		Peer: p.cfg.Address,
		Time: time.Now(),
		Fields: map[string]any{
			"from": from.String(),
			"to":   to.String(),
		},
	})
	p.logger.Info("fsm transition",
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
}

// teardown closes the current session, optionally sending a NOTIFICATION
// first, and clears all session-scoped state. The Adj-RIB-In is emptied so a
// non-established peer never holds routes.
func (p *Peer) teardown(n *wire.Notification, reason string) {
	if n != nil {
		p.sendNotification(n)
	}
	if p.sess != nil {
		p.sess.close()
		p.sess = nil
	}
	stopTimer(p.holdTimer)
	stopTimer(p.keepaliveTimer)
	p.adjIn.Clear()
	p.adjOut.Clear()
	p.remoteID = 0
	p.fourOctet = false
	p.rrNegotiated = false
	p.families = nil
	p.holdTime = 0
	if reason != "" {
		p.lastError = reason
		metrics.SessionErrorsTotal.WithLabelValues(p.cfg.Address, errorKind(reason)).Inc()
	}
	p.updateRIBGauges()
}

func errorKind(reason string) string {
	switch reason {
	case "hold timer expired":
		return "hold_timer_expired"
	case "administrative reset", "peer deconfigured", "shutdown":
		return "administrative_reset"
	case "connection collision":
		return "collision"
	case "notification received":
		return "notification"
	default:
		return "transport"
	}
}
