package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net/netip"
)

// Message is a decoded BGP message body.
type Message interface {
	Type() uint8
}

// PrependHeader frames a message body with the 19-byte BGP header.
func PrependHeader(body []byte, msgType uint8) []byte {
	b := make([]byte, HeaderLen, HeaderLen+len(body))
	for i := 0; i < 16; i++ {
		b[i] = 0xFF
	}
	binary.BigEndian.PutUint16(b[16:18], uint16(HeaderLen+len(body)))
	b[18] = msgType
	return append(b, body...)
}

// DecodeHeader validates the marker and length of a framed message and
// returns the body length and message type. The caller is expected to have
// read exactly HeaderLen bytes.
func DecodeHeader(header []byte) (int, uint8, error) {
	if len(header) != HeaderLen {
		return 0, 0, &NotificationError{
			Notification: &Notification{Code: NotifCodeMessageHeaderErr, Subcode: NotifSubcodeBadMessageLen},
			Out:          true,
		}
	}
	for i := 0; i < 16; i++ {
		if header[i] != 0xFF {
			return 0, 0, &NotificationError{
				Notification: &Notification{Code: NotifCodeMessageHeaderErr, Subcode: NotifSubcodeConnNotSynchronized},
				Out:          true,
			}
		}
	}
	msgLen := int(binary.BigEndian.Uint16(header[16:18]))
	if msgLen < HeaderLen || msgLen > MaxMessageLen {
		return 0, 0, &NotificationError{
			Notification: &Notification{Code: NotifCodeMessageHeaderErr, Subcode: NotifSubcodeBadMessageLen, Data: header[16:18]},
			Out:          true,
		}
	}
	return msgLen - HeaderLen, header[18], nil
}

// DecodeBody decodes a message body of the given type. fourOctet selects the
// AS_PATH segment width negotiated for the session; it only affects UPDATE.
func DecodeBody(body []byte, msgType uint8, fourOctet bool) (Message, error) {
	switch msgType {
	case MsgTypeOpen:
		o := &Open{}
		if err := o.decode(body); err != nil {
			return nil, err
		}
		return o, nil
	case MsgTypeUpdate:
		u := &Update{}
		if err := u.decode(body, fourOctet); err != nil {
			return nil, err
		}
		return u, nil
	case MsgTypeNotification:
		n := &Notification{}
		if err := n.decode(body); err != nil {
			return nil, err
		}
		return n, nil
	case MsgTypeKeepalive:
		if len(body) != 0 {
			return nil, badLenErr(len(body) + HeaderLen)
		}
		return &Keepalive{}, nil
	case MsgTypeRouteRefresh:
		r := &RouteRefresh{}
		if err := r.decode(body); err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, &NotificationError{
			Notification: &Notification{
				Code:    NotifCodeMessageHeaderErr,
				Subcode: NotifSubcodeBadMessageType,
				Data:    []byte{msgType},
			},
			Out: true,
		}
	}
}

func badLenErr(msgLen int) error {
	data := make([]byte, 2)
	binary.BigEndian.PutUint16(data, uint16(msgLen))
	return &NotificationError{
		Notification: &Notification{Code: NotifCodeMessageHeaderErr, Subcode: NotifSubcodeBadMessageLen, Data: data},
		Out:          true,
	}
}

// Capability is a BGP capability (RFC 5492).
type Capability struct {
	Code  uint8
	Value []byte
}

func (c Capability) Equal(d Capability) bool {
	return c.Code == d.Code && bytes.Equal(c.Value, d.Value)
}

func (c Capability) encode() []byte {
	b := make([]byte, 2+len(c.Value))
	b[0] = c.Code
	b[1] = uint8(len(c.Value))
	copy(b[2:], c.Value)
	return b
}

// NewMPCapability returns a Multiprotocol Extensions capability for an
// AFI/SAFI pair.
func NewMPCapability(afi uint16, safi uint8) Capability {
	v := make([]byte, 4)
	binary.BigEndian.PutUint16(v, afi)
	v[3] = safi
	return Capability{Code: CapMPExtensions, Value: v}
}

// NewFourOctetASCapability returns a 4-octet ASN capability (RFC 6793).
func NewFourOctetASCapability(asn uint32) Capability {
	v := make([]byte, 4)
	binary.BigEndian.PutUint32(v, asn)
	return Capability{Code: CapFourOctetAS, Value: v}
}

// NewRouteRefreshCapability returns a route refresh capability (RFC 2918).
func NewRouteRefreshCapability() Capability {
	return Capability{Code: CapRouteRefresh}
}

// Family is an AFI/SAFI pair.
type Family struct {
	AFI  uint16
	SAFI uint8
}

var (
	FamilyIPv4Unicast = Family{AFI: AFIIPv4, SAFI: SAFIUnicast}
	FamilyIPv6Unicast = Family{AFI: AFIIPv6, SAFI: SAFIUnicast}
)

func (f Family) String() string {
	switch f {
	case FamilyIPv4Unicast:
		return "ipv4-unicast"
	case FamilyIPv6Unicast:
		return "ipv6-unicast"
	default:
		return fmt.Sprintf("afi-%d-safi-%d", f.AFI, f.SAFI)
	}
}

// Open is an OPEN message.
type Open struct {
	Version      uint8
	ASN          uint16
	HoldTime     uint16
	BGPID        uint32
	Capabilities []Capability
}

func (o *Open) Type() uint8 { return MsgTypeOpen }

const capabilityOptionalParamType uint8 = 2

func (o *Open) decode(b []byte) error {
	openErr := func(subcode uint8) error {
		return &NotificationError{
			Notification: &Notification{Code: NotifCodeOpenMessageErr, Subcode: subcode},
			Out:          true,
		}
	}
	if len(b) < 10 {
		return badLenErr(len(b) + HeaderLen)
	}
	o.Version = b[0]
	o.ASN = binary.BigEndian.Uint16(b[1:3])
	o.HoldTime = binary.BigEndian.Uint16(b[3:5])
	o.BGPID = binary.BigEndian.Uint32(b[5:9])
	paramsLen := int(b[9])
	if paramsLen != len(b)-10 {
		return openErr(0)
	}
	b = b[10:]
	for len(b) > 0 {
		if len(b) < 2 {
			return openErr(0)
		}
		paramType := b[0]
		paramLen := int(b[1])
		if len(b) < 2+paramLen {
			return openErr(0)
		}
		paramValue := b[2 : 2+paramLen]
		b = b[2+paramLen:]
		if paramType != capabilityOptionalParamType {
			return openErr(NotifSubcodeUnsupportedOptionalParam)
		}
		for len(paramValue) > 0 {
			if len(paramValue) < 2 {
				return openErr(0)
			}
			capLen := int(paramValue[1])
			if len(paramValue) < 2+capLen {
				return openErr(0)
			}
			value := make([]byte, capLen)
			copy(value, paramValue[2:2+capLen])
			o.Capabilities = append(o.Capabilities, Capability{Code: paramValue[0], Value: value})
			paramValue = paramValue[2+capLen:]
		}
	}
	return nil
}

// Encode frames the OPEN message.
func (o *Open) Encode() []byte {
	var caps []byte
	for _, c := range o.Capabilities {
		caps = append(caps, c.encode()...)
	}
	var params []byte
	if len(caps) > 0 {
		params = append(params, capabilityOptionalParamType, uint8(len(caps)))
		params = append(params, caps...)
	}
	b := make([]byte, 9, 10+len(params))
	b[0] = o.Version
	binary.BigEndian.PutUint16(b[1:3], o.ASN)
	binary.BigEndian.PutUint16(b[3:5], o.HoldTime)
	binary.BigEndian.PutUint32(b[5:9], o.BGPID)
	b = append(b, uint8(len(params)))
	b = append(b, params...)
	return PrependHeader(b, MsgTypeOpen)
}

// NewOpen builds an OPEN announcing the given capabilities plus the implicit
// 4-octet ASN capability.
func NewOpen(localAS uint32, holdTime uint16, bgpID uint32, caps []Capability) *Open {
	all := make([]Capability, 0, len(caps)+1)
	all = append(all, NewFourOctetASCapability(localAS))
	for _, c := range caps {
		if c.Code != CapFourOctetAS {
			all = append(all, c)
		}
	}
	o := &Open{Version: 4, HoldTime: holdTime, BGPID: bgpID, Capabilities: all}
	if localAS > 0xFFFF {
		o.ASN = ASTrans
	} else {
		o.ASN = uint16(localAS)
	}
	return o
}

// FourOctetAS returns the 4-octet ASN advertised via capability, or the
// 2-octet header ASN when the capability is absent.
func (o *Open) FourOctetAS() uint32 {
	for _, c := range o.Capabilities {
		if c.Code == CapFourOctetAS && len(c.Value) == 4 {
			return binary.BigEndian.Uint32(c.Value)
		}
	}
	return uint32(o.ASN)
}

// HasCapability reports whether a capability with the given code was
// advertised.
func (o *Open) HasCapability(code uint8) bool {
	for _, c := range o.Capabilities {
		if c.Code == code {
			return true
		}
	}
	return false
}

// Families returns the multiprotocol families advertised in the OPEN. An
// OPEN without any MP capability implies IPv4 unicast (RFC 4760 §8).
func (o *Open) Families() []Family {
	var fams []Family
	for _, c := range o.Capabilities {
		if c.Code != CapMPExtensions || len(c.Value) != 4 {
			continue
		}
		fams = append(fams, Family{AFI: binary.BigEndian.Uint16(c.Value[:2]), SAFI: c.Value[3]})
	}
	if len(fams) == 0 {
		fams = []Family{FamilyIPv4Unicast}
	}
	return fams
}

// Validate checks the OPEN per RFC 4271 §6.2 against the local identity and
// the configured remote ASN.
func (o *Open) Validate(localID uint32, remoteAS uint32) error {
	if o.Version != 4 {
		data := make([]byte, 2)
		binary.BigEndian.PutUint16(data, 4)
		return &NotificationError{
			Notification: &Notification{Code: NotifCodeOpenMessageErr, Subcode: NotifSubcodeUnsupportedVersion, Data: data},
			Out:          true,
		}
	}
	if o.ASN != ASTrans && uint32(o.ASN) != remoteAS {
		return &NotificationError{
			Notification: &Notification{Code: NotifCodeOpenMessageErr, Subcode: NotifSubcodeBadPeerAS},
			Out:          true,
		}
	}
	if o.HoldTime != 0 && o.HoldTime < 3 {
		return &NotificationError{
			Notification: &Notification{Code: NotifCodeOpenMessageErr, Subcode: NotifSubcodeUnacceptableHoldTime},
			Out:          true,
		}
	}
	var id [4]byte
	binary.BigEndian.PutUint32(id[:], o.BGPID)
	addr := netip.AddrFrom4(id)
	if o.BGPID == 0 || o.BGPID == localID || addr.IsMulticast() {
		return &NotificationError{
			Notification: &Notification{Code: NotifCodeOpenMessageErr, Subcode: NotifSubcodeBadBGPIdentifier},
			Out:          true,
		}
	}
	for _, c := range o.Capabilities {
		if c.Code != CapFourOctetAS {
			continue
		}
		if len(c.Value) != 4 {
			return &NotificationError{
				Notification: &Notification{Code: NotifCodeOpenMessageErr},
				Out:          true,
			}
		}
		if binary.BigEndian.Uint32(c.Value) != remoteAS {
			return &NotificationError{
				Notification: &Notification{Code: NotifCodeOpenMessageErr, Subcode: NotifSubcodeBadPeerAS},
				Out:          true,
			}
		}
	}
	return nil
}

// Keepalive is a KEEPALIVE message.
type Keepalive struct{}

func (k *Keepalive) Type() uint8 { return MsgTypeKeepalive }

// Encode frames the KEEPALIVE message.
func (k *Keepalive) Encode() []byte {
	return PrependHeader(nil, MsgTypeKeepalive)
}

// Notification is a NOTIFICATION message.
type Notification struct {
	Code    uint8
	Subcode uint8
	Data    []byte
}

func (n *Notification) Type() uint8 { return MsgTypeNotification }

func (n *Notification) decode(b []byte) error {
	if len(b) < 2 {
		return fmt.Errorf("wire: notification too short (%d bytes)", len(b))
	}
	n.Code = b[0]
	n.Subcode = b[1]
	if len(b) > 2 {
		n.Data = make([]byte, len(b)-2)
		copy(n.Data, b[2:])
	}
	return nil
}

// Encode frames the NOTIFICATION message.
func (n *Notification) Encode() []byte {
	b := make([]byte, 2, 2+len(n.Data))
	b[0] = n.Code
	b[1] = n.Subcode
	b = append(b, n.Data...)
	return PrependHeader(b, MsgTypeNotification)
}

func (n *Notification) String() string {
	return fmt.Sprintf("code %d (%s) subcode %d", n.Code, notifCodeNames[n.Code], n.Subcode)
}

// RouteRefresh is a ROUTE-REFRESH message (RFC 2918).
type RouteRefresh struct {
	AFI  uint16
	SAFI uint8
}

func (r *RouteRefresh) Type() uint8 { return MsgTypeRouteRefresh }

func (r *RouteRefresh) decode(b []byte) error {
	if len(b) != 4 {
		return badLenErr(len(b) + HeaderLen)
	}
	r.AFI = binary.BigEndian.Uint16(b[:2])
	r.SAFI = b[3]
	return nil
}

// Encode frames the ROUTE-REFRESH message.
func (r *RouteRefresh) Encode() []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint16(b[:2], r.AFI)
	b[3] = r.SAFI
	return PrependHeader(b, MsgTypeRouteRefresh)
}

// Family returns the AFI/SAFI pair the refresh requests.
func (r *RouteRefresh) Family() Family {
	return Family{AFI: r.AFI, SAFI: r.SAFI}
}

// NotificationError wraps a NOTIFICATION that was sent or should be sent as
// a result of a protocol error. Out marks the direction: true when the local
// side generated it.
type NotificationError struct {
	Notification *Notification
	Out          bool
}

func (e *NotificationError) Error() string {
	direction := "received"
	if e.Out {
		direction = "sent"
	}
	return fmt.Sprintf("notification %s: %s", direction, e.Notification)
}
