package wire

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestPrependHeader_Framing(t *testing.T) {
	b := PrependHeader([]byte{1, 2, 3}, MsgTypeUpdate)
	if len(b) != HeaderLen+3 {
		t.Fatalf("expected %d bytes, got %d", HeaderLen+3, len(b))
	}
	for i := 0; i < 16; i++ {
		if b[i] != 0xFF {
			t.Fatalf("marker byte %d is %#x", i, b[i])
		}
	}
	if got := binary.BigEndian.Uint16(b[16:18]); got != uint16(HeaderLen+3) {
		t.Fatalf("length field %d", got)
	}
	if b[18] != MsgTypeUpdate {
		t.Fatalf("type field %d", b[18])
	}
}

func TestDecodeHeader_MarkerMismatch(t *testing.T) {
	b := PrependHeader(nil, MsgTypeKeepalive)
	b[3] = 0x00
	_, _, err := DecodeHeader(b[:HeaderLen])
	assertNotification(t, err, NotifCodeMessageHeaderErr, NotifSubcodeConnNotSynchronized)
}

func TestDecodeHeader_LengthBounds(t *testing.T) {
	short := PrependHeader(nil, MsgTypeKeepalive)
	binary.BigEndian.PutUint16(short[16:18], HeaderLen-1)
	_, _, err := DecodeHeader(short[:HeaderLen])
	assertNotification(t, err, NotifCodeMessageHeaderErr, NotifSubcodeBadMessageLen)

	long := PrependHeader(nil, MsgTypeUpdate)
	binary.BigEndian.PutUint16(long[16:18], MaxMessageLen+1)
	_, _, err = DecodeHeader(long[:HeaderLen])
	assertNotification(t, err, NotifCodeMessageHeaderErr, NotifSubcodeBadMessageLen)
}

func TestDecodeBody_UnknownType(t *testing.T) {
	_, err := DecodeBody(nil, 99, false)
	assertNotification(t, err, NotifCodeMessageHeaderErr, NotifSubcodeBadMessageType)
}

func TestOpen_RoundTrip(t *testing.T) {
	o := NewOpen(65001, 90, 0xC0000201, []Capability{
		NewMPCapability(AFIIPv4, SAFIUnicast),
		NewMPCapability(AFIIPv6, SAFIUnicast),
		NewRouteRefreshCapability(),
	})
	framed := o.Encode()

	bodyLen, msgType, err := DecodeHeader(framed[:HeaderLen])
	if err != nil {
		t.Fatalf("decode header: %v", err)
	}
	if msgType != MsgTypeOpen || bodyLen != len(framed)-HeaderLen {
		t.Fatalf("header mismatch: type=%d bodyLen=%d", msgType, bodyLen)
	}
	msg, err := DecodeBody(framed[HeaderLen:], msgType, false)
	if err != nil {
		t.Fatalf("decode body: %v", err)
	}
	got := msg.(*Open)
	if got.ASN != 65001 || got.HoldTime != 90 || got.BGPID != 0xC0000201 {
		t.Fatalf("open fields: %+v", got)
	}
	if got.FourOctetAS() != 65001 {
		t.Fatalf("four octet AS %d", got.FourOctetAS())
	}
	if !got.HasCapability(CapRouteRefresh) {
		t.Fatal("route refresh capability lost")
	}
	if fams := got.Families(); len(fams) != 2 {
		t.Fatalf("families %v", fams)
	}
	if !bytes.Equal(got.Encode(), framed) {
		t.Fatal("re-encode differs")
	}
}

func TestOpen_ASTransForWideASN(t *testing.T) {
	o := NewOpen(4200000001, 90, 1, nil)
	if o.ASN != ASTrans {
		t.Fatalf("header ASN %d, want AS_TRANS", o.ASN)
	}
	if o.FourOctetAS() != 4200000001 {
		t.Fatalf("capability ASN %d", o.FourOctetAS())
	}
}

func TestOpen_Validate(t *testing.T) {
	base := func() *Open { return NewOpen(65002, 90, 0xC0000202, nil) }

	if err := base().Validate(0xC0000201, 65002); err != nil {
		t.Fatalf("valid open rejected: %v", err)
	}

	o := base()
	o.Version = 3
	assertNotification(t, o.Validate(0xC0000201, 65002), NotifCodeOpenMessageErr, NotifSubcodeUnsupportedVersion)

	for _, hold := range []uint16{1, 2} {
		o = NewOpen(65002, hold, 0xC0000202, nil)
		assertNotification(t, o.Validate(0xC0000201, 65002), NotifCodeOpenMessageErr, NotifSubcodeUnacceptableHoldTime)
	}
	o = NewOpen(65002, 0, 0xC0000202, nil)
	if err := o.Validate(0xC0000201, 65002); err != nil {
		t.Fatalf("hold time 0 rejected: %v", err)
	}

	o = base()
	assertNotification(t, o.Validate(0xC0000201, 65099), NotifCodeOpenMessageErr, NotifSubcodeBadPeerAS)

	o = base()
	o.BGPID = 0
	assertNotification(t, o.Validate(0xC0000201, 65002), NotifCodeOpenMessageErr, NotifSubcodeBadBGPIdentifier)

	o = base()
	assertNotification(t, o.Validate(o.BGPID, 65002), NotifCodeOpenMessageErr, NotifSubcodeBadBGPIdentifier)
}

func TestNotification_RoundTrip(t *testing.T) {
	n := &Notification{Code: NotifCodeCease, Subcode: NotifSubcodeAdminReset, Data: []byte{0xAB}}
	framed := n.Encode()
	msg, err := DecodeBody(framed[HeaderLen:], MsgTypeNotification, false)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got := msg.(*Notification)
	if got.Code != n.Code || got.Subcode != n.Subcode || !bytes.Equal(got.Data, n.Data) {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestRouteRefresh_RoundTrip(t *testing.T) {
	r := &RouteRefresh{AFI: AFIIPv6, SAFI: SAFIUnicast}
	framed := r.Encode()
	msg, err := DecodeBody(framed[HeaderLen:], MsgTypeRouteRefresh, false)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got := msg.(*RouteRefresh)
	if got.Family() != FamilyIPv6Unicast {
		t.Fatalf("family %v", got.Family())
	}
	if !bytes.Equal(got.Encode(), framed) {
		t.Fatal("re-encode differs")
	}
}

func TestKeepalive_RejectsBody(t *testing.T) {
	if _, err := DecodeBody([]byte{0}, MsgTypeKeepalive, false); err == nil {
		t.Fatal("keepalive with body accepted")
	}
}

func assertNotification(t *testing.T, err error, code, subcode uint8) {
	t.Helper()
	if err == nil {
		t.Fatal("expected notification error, got nil")
	}
	nerr, ok := err.(*NotificationError)
	if !ok {
		t.Fatalf("expected NotificationError, got %T: %v", err, err)
	}
	if nerr.Notification.Code != code || nerr.Notification.Subcode != subcode {
		t.Fatalf("notification %d/%d, want %d/%d",
			nerr.Notification.Code, nerr.Notification.Subcode, code, subcode)
	}
}
