package fsm

import (
	"context"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/route-beacon/bgp-beacon/internal/archive"
	"github.com/route-beacon/bgp-beacon/internal/config"
	"github.com/route-beacon/bgp-beacon/internal/event"
	"github.com/route-beacon/bgp-beacon/internal/rib"
	"github.com/route-beacon/bgp-beacon/internal/wire"
)

func disabledArchive(t *testing.T) *archive.Writer {
	t.Helper()
	return archive.NewWriter(config.ArchiveConfig{}, nil, zap.NewNop())
}

// readMessage reads one framed BGP message from the remote side of the
// session under test.
func readMessage(t *testing.T, conn net.Conn) wire.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	header := make([]byte, wire.HeaderLen)
	if _, err := io.ReadFull(conn, header); err != nil {
		t.Fatalf("reading header: %v", err)
	}
	bodyLen, msgType, err := wire.DecodeHeader(header)
	if err != nil {
		t.Fatalf("decoding header: %v", err)
	}
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(conn, body); err != nil {
		t.Fatalf("reading body: %v", err)
	}
	msg, err := wire.DecodeBody(body, msgType, true)
	if err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	return msg
}

func remoteOpen(bgpID uint32, holdTime uint16, routeRefresh bool) []byte {
	caps := []wire.Capability{wire.NewMPCapability(wire.AFIIPv4, wire.SAFIUnicast)}
	if routeRefresh {
		caps = append(caps, wire.NewRouteRefreshCapability())
	}
	return wire.NewOpen(65002, holdTime, bgpID, caps).Encode()
}

func waitForState(t *testing.T, p *Peer, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		st, err := p.Status(ctx)
		cancel()
		if err == nil && st.State == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	st, _ := p.Status(ctx)
	t.Fatalf("peer never reached %s (currently %s, last error %q)", want, st.State, st.LastError)
}

func testPeerConfig(port uint16) config.PeerConfig {
	return config.PeerConfig{
		Address:          "127.0.0.1",
		RemoteAS:         65002,
		RemotePort:       port,
		HoldTimeSecs:     90,
		ConnectRetrySecs: 1,
		RouteRefresh:     true,
	}
}

// startRemote listens as the neighbor and returns the listener port.
func startRemote(t *testing.T) (net.Listener, uint16) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { lis.Close() })
	return lis, uint16(lis.Addr().(*net.TCPAddr).Port)
}

func TestPeer_EstablishAnnounceResetLifecycle(t *testing.T) {
	lis, port := startRemote(t)

	anns := []rib.Announcement{{
		Prefix:  netip.MustParsePrefix("203.0.113.0/24"),
		NextHop: netip.MustParseAddr("192.0.2.1"),
	}}
	p := NewPeer(testPeerConfig(port), 65001, netip.MustParseAddr("192.0.2.1"),
		anns, disabledArchive(t), event.NewBus(), zap.NewNop())
	p.Start()
	defer p.Stop(wire.NotifSubcodeAdminShutdown)

	conn, err := lis.Accept()
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// The peer's OPEN must offer our configured parameters.
	open, ok := readMessage(t, conn).(*wire.Open)
	if !ok {
		t.Fatal("first message was not OPEN")
	}
	if open.FourOctetAS() != 65001 || open.HoldTime != 90 {
		t.Fatalf("open %+v", open)
	}
	if !open.HasCapability(wire.CapRouteRefresh) {
		t.Fatal("route refresh capability not offered")
	}

	// Remote offers hold 30: the negotiated value must be the minimum.
	conn.Write(remoteOpen(0x0A000001, 30, true))
	conn.Write((&wire.Keepalive{}).Encode())

	if _, ok := readMessage(t, conn).(*wire.Keepalive); !ok {
		t.Fatal("expected KEEPALIVE after OPEN exchange")
	}

	waitForState(t, p, "established")
	ctx := context.Background()
	st, err := p.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.HoldTime != 30 {
		t.Fatalf("negotiated hold %d", st.HoldTime)
	}
	if !st.FourOctetAS || !st.RouteRefresh {
		t.Fatalf("capabilities %+v", st)
	}

	// Scenario: static announcement of 203.0.113.0/24.
	update, ok := readMessage(t, conn).(*wire.Update)
	if !ok {
		t.Fatal("expected UPDATE after establishment")
	}
	if len(update.NLRI) != 1 || update.NLRI[0] != netip.MustParsePrefix("203.0.113.0/24") {
		t.Fatalf("nlri %v", update.NLRI)
	}
	if *update.Attrs.Origin != wire.OriginIGP {
		t.Fatalf("origin %d", *update.Attrs.Origin)
	}
	if len(update.Attrs.ASPath) != 1 || update.Attrs.ASPath[0].ASNs[0] != 65001 {
		t.Fatalf("as path %+v", update.Attrs.ASPath)
	}
	if update.Attrs.NextHop != netip.MustParseAddr("192.0.2.1") {
		t.Fatalf("next hop %v", update.Attrs.NextHop)
	}

	outSnap, err := p.RIBOut(ctx)
	if err != nil {
		t.Fatal(err)
	}
	v4 := outSnap[wire.FamilyIPv4Unicast.String()]
	if len(v4) != 1 || !v4[0].Transmitted {
		t.Fatalf("adj-rib-out %+v", v4)
	}

	// Scenario: withdrawal via reload removing the prefix.
	if err := p.ApplyAnnouncements(ctx, nil); err != nil {
		t.Fatal(err)
	}
	withdraw, ok := readMessage(t, conn).(*wire.Update)
	if !ok {
		t.Fatal("expected withdraw UPDATE")
	}
	if len(withdraw.Withdrawn) != 1 || withdraw.Withdrawn[0] != netip.MustParsePrefix("203.0.113.0/24") {
		t.Fatalf("withdrawn %v", withdraw.Withdrawn)
	}
	if len(withdraw.NLRI) != 0 {
		t.Fatalf("unexpected nlri %v", withdraw.NLRI)
	}

	// Soft reset issues a ROUTE-REFRESH for the negotiated family.
	if err := p.Reset(ctx, true); err != nil {
		t.Fatal(err)
	}
	rr, ok := readMessage(t, conn).(*wire.RouteRefresh)
	if !ok {
		t.Fatal("expected ROUTE-REFRESH after soft reset")
	}
	if rr.Family() != wire.FamilyIPv4Unicast {
		t.Fatalf("refresh family %v", rr.Family())
	}

	// Hard reset sends Cease/Administrative Reset and returns to idle.
	if err := p.Reset(ctx, false); err != nil {
		t.Fatal(err)
	}
	notif, ok := readMessage(t, conn).(*wire.Notification)
	if !ok {
		t.Fatal("expected NOTIFICATION after hard reset")
	}
	if notif.Code != wire.NotifCodeCease || notif.Subcode != wire.NotifSubcodeAdminReset {
		t.Fatalf("notification %+v", notif)
	}
	waitForState(t, p, "idle")

	in, err := p.RIBIn(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(in[wire.FamilyIPv4Unicast.String()]) != 0 {
		t.Fatal("adj-rib-in not cleared after reset")
	}
}

func TestPeer_ReceivedRoutesEnterAdjRIBIn(t *testing.T) {
	lis, port := startRemote(t)
	p := NewPeer(testPeerConfig(port), 65001, netip.MustParseAddr("192.0.2.1"),
		nil, disabledArchive(t), event.NewBus(), zap.NewNop())
	p.Start()
	defer p.Stop(wire.NotifSubcodeAdminShutdown)

	conn, err := lis.Accept()
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	readMessage(t, conn) // OPEN
	conn.Write(remoteOpen(0x0A000001, 90, false))
	conn.Write((&wire.Keepalive{}).Encode())
	readMessage(t, conn) // KEEPALIVE
	waitForState(t, p, "established")

	origin := wire.OriginIGP
	u := &wire.Update{
		Attrs: wire.PathAttributes{
			Origin:  &origin,
			ASPath:  []wire.ASPathSegment{{Type: wire.ASPathSegmentSequence, ASNs: []uint32{65002}}},
			NextHop: netip.MustParseAddr("192.0.2.2"),
		},
		NLRI: []netip.Prefix{netip.MustParsePrefix("198.51.100.0/24")},
	}
	conn.Write(u.Encode(true))

	deadline := time.Now().Add(5 * time.Second)
	for {
		in, err := p.RIBIn(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		entries := in[wire.FamilyIPv4Unicast.String()]
		if len(entries) == 1 {
			if entries[0].Prefix != netip.MustParsePrefix("198.51.100.0/24") {
				t.Fatalf("entry %+v", entries[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("route never appeared in adj-rib-in")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Session teardown empties the table.
	conn.Close()
	waitForState(t, p, "idle")
	in, _ := p.RIBIn(context.Background())
	if len(in[wire.FamilyIPv4Unicast.String()]) != 0 {
		t.Fatal("adj-rib-in survived session teardown")
	}
}

func TestPeer_SoftResetWithoutRouteRefreshFails(t *testing.T) {
	lis, port := startRemote(t)
	p := NewPeer(testPeerConfig(port), 65001, netip.MustParseAddr("192.0.2.1"),
		nil, disabledArchive(t), event.NewBus(), zap.NewNop())
	p.Start()
	defer p.Stop(wire.NotifSubcodeAdminShutdown)

	conn, err := lis.Accept()
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	readMessage(t, conn)
	// Remote does not advertise route refresh.
	conn.Write(remoteOpen(0x0A000001, 90, false))
	conn.Write((&wire.Keepalive{}).Encode())
	readMessage(t, conn)
	waitForState(t, p, "established")

	err = p.Reset(context.Background(), true)
	if err != ErrNoRouteRefresh {
		t.Fatalf("soft reset error %v", err)
	}
	// State unchanged.
	st, _ := p.Status(context.Background())
	if st.State != "established" {
		t.Fatalf("state after rejected soft reset: %s", st.State)
	}
}

func TestPeer_UnacceptableHoldTimeRejected(t *testing.T) {
	lis, port := startRemote(t)
	p := NewPeer(testPeerConfig(port), 65001, netip.MustParseAddr("192.0.2.1"),
		nil, disabledArchive(t), event.NewBus(), zap.NewNop())
	p.Start()
	defer p.Stop(wire.NotifSubcodeAdminShutdown)

	conn, err := lis.Accept()
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	readMessage(t, conn)
	conn.Write(remoteOpen(0x0A000001, 2, false))

	notif, ok := readMessage(t, conn).(*wire.Notification)
	if !ok {
		t.Fatal("expected NOTIFICATION for hold time 2")
	}
	if notif.Code != wire.NotifCodeOpenMessageErr || notif.Subcode != wire.NotifSubcodeUnacceptableHoldTime {
		t.Fatalf("notification %+v", notif)
	}
}

func TestPeer_CollisionHigherLocalIDKeepsOutbound(t *testing.T) {
	lis, port := startRemote(t)
	// Local ID 192.0.2.1 (0xC0000201) beats remote 10.0.0.1 (0x0A000001).
	p := NewPeer(testPeerConfig(port), 65001, netip.MustParseAddr("192.0.2.1"),
		nil, disabledArchive(t), event.NewBus(), zap.NewNop())
	p.Start()
	defer p.Stop(wire.NotifSubcodeAdminShutdown)

	conn, err := lis.Accept()
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	readMessage(t, conn)
	conn.Write(remoteOpen(0x0A000001, 90, false))
	// No KEEPALIVE: the session parks in openConfirm.
	readMessage(t, conn)
	waitForState(t, p, "openConfirm")

	// Simultaneous inbound attempt from the same neighbor: the connection we
	// initiated survives, the inbound one gets Cease/Collision Resolution.
	inOur, inTheir := net.Pipe()
	p.DeliverConn(inOur)

	inTheir.SetReadDeadline(time.Now().Add(5 * time.Second))
	header := make([]byte, wire.HeaderLen)
	if _, err := io.ReadFull(inTheir, header); err != nil {
		t.Fatalf("reading collision notification header: %v", err)
	}
	bodyLen, msgType, err := wire.DecodeHeader(header)
	if err != nil {
		t.Fatal(err)
	}
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(inTheir, body); err != nil {
		t.Fatal(err)
	}
	msg, err := wire.DecodeBody(body, msgType, false)
	if err != nil {
		t.Fatal(err)
	}
	notif, ok := msg.(*wire.Notification)
	if !ok {
		t.Fatal("expected NOTIFICATION on losing connection")
	}
	if notif.Code != wire.NotifCodeCease || notif.Subcode != wire.NotifSubcodeConnectionCollision {
		t.Fatalf("notification %+v", notif)
	}

	// The surviving session still completes.
	conn.Write((&wire.Keepalive{}).Encode())
	waitForState(t, p, "established")
}

func TestPeer_PassiveWaitsForInbound(t *testing.T) {
	cfg := config.PeerConfig{
		Address:          "127.0.0.1",
		RemoteAS:         65002,
		RemotePort:       179,
		HoldTimeSecs:     90,
		ConnectRetrySecs: 1,
		Passive:          true,
	}
	p := NewPeer(cfg, 65001, netip.MustParseAddr("192.0.2.1"),
		nil, disabledArchive(t), event.NewBus(), zap.NewNop())
	p.Start()
	defer p.Stop(wire.NotifSubcodeAdminShutdown)

	waitForState(t, p, "active")

	ourEnd, theirEnd := net.Pipe()
	defer theirEnd.Close()
	p.DeliverConn(ourEnd)

	// The peer opens on the delivered connection.
	theirEnd.SetReadDeadline(time.Now().Add(5 * time.Second))
	header := make([]byte, wire.HeaderLen)
	if _, err := io.ReadFull(theirEnd, header); err != nil {
		t.Fatalf("reading OPEN from passive peer: %v", err)
	}
	bodyLen, msgType, err := wire.DecodeHeader(header)
	if err != nil || msgType != wire.MsgTypeOpen {
		t.Fatalf("header type %d err %v", msgType, err)
	}
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(theirEnd, body); err != nil {
		t.Fatal(err)
	}
	waitForState(t, p, "openSent")
}
