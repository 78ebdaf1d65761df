package archive

import (
	"encoding/binary"
	"net/netip"
	"time"
)

// MRT record types (RFC 6396).
const (
	mrtTypeTableDumpV2 uint16 = 13
	mrtTypeBGP4MP      uint16 = 16
)

// BGP4MP subtypes.
const (
	subtypeMessageAS4     uint16 = 4
	subtypeStateChangeAS4 uint16 = 5
)

// TABLE_DUMP_V2 subtypes.
const (
	subtypePeerIndexTable uint16 = 1
	subtypeRIBIPv4Unicast uint16 = 2
	subtypeRIBIPv6Unicast uint16 = 4
)

const mrtHeaderLen = 12

// MRT peer-state codes mirror the FSM states (RFC 6396 §4.4.1).
const (
	MRTStateIdle        uint16 = 1
	MRTStateConnect     uint16 = 2
	MRTStateActive      uint16 = 3
	MRTStateOpenSent    uint16 = 4
	MRTStateOpenConfirm uint16 = 5
	MRTStateEstablished uint16 = 6
)

// encodeMRTRecord frames a body with the 12-byte MRT common header.
func encodeMRTRecord(ts time.Time, mrtType, subtype uint16, body []byte) []byte {
	b := make([]byte, mrtHeaderLen, mrtHeaderLen+len(body))
	binary.BigEndian.PutUint32(b[0:4], uint32(ts.Unix()))
	binary.BigEndian.PutUint16(b[4:6], mrtType)
	binary.BigEndian.PutUint16(b[6:8], subtype)
	binary.BigEndian.PutUint32(b[8:12], uint32(len(body)))
	return append(b, body...)
}

// sessionKey identifies the session a BGP4MP record belongs to.
type sessionKey struct {
	PeerAS  uint32
	LocalAS uint32
	PeerIP  netip.Addr
	LocalIP netip.Addr
}

// encodeBGP4MPHeader emits the AS4 form of the BGP4MP per-record header:
// peer AS, local AS, interface index, address family, peer IP, local IP.
func encodeBGP4MPHeader(k sessionKey) []byte {
	v6 := k.PeerIP.Is6() && !k.PeerIP.Is4In6()
	size := 12 + 8
	if v6 {
		size = 12 + 32
	}
	b := make([]byte, size)
	binary.BigEndian.PutUint32(b[0:4], k.PeerAS)
	binary.BigEndian.PutUint32(b[4:8], k.LocalAS)
	// interface index stays zero; the daemon does not track it
	if v6 {
		binary.BigEndian.PutUint16(b[10:12], 2)
		peer := k.PeerIP.As16()
		local := k.LocalIP.As16()
		copy(b[12:28], peer[:])
		copy(b[28:44], local[:])
	} else {
		binary.BigEndian.PutUint16(b[10:12], 1)
		peer := k.PeerIP.Unmap().As4()
		local := k.LocalIP.Unmap().As4()
		copy(b[12:16], peer[:])
		copy(b[16:20], local[:])
	}
	return b
}

// EncodeBGP4MPMessage builds a BGP4MP_MESSAGE_AS4 record carrying the framed
// BGP message bytes exactly as seen on the wire.
func EncodeBGP4MPMessage(ts time.Time, k sessionKey, msg []byte) []byte {
	body := append(encodeBGP4MPHeader(k), msg...)
	return encodeMRTRecord(ts, mrtTypeBGP4MP, subtypeMessageAS4, body)
}

// EncodeBGP4MPStateChange builds a BGP4MP_STATE_CHANGE_AS4 record.
func EncodeBGP4MPStateChange(ts time.Time, k sessionKey, oldState, newState uint16) []byte {
	hdr := encodeBGP4MPHeader(k)
	body := make([]byte, len(hdr)+4)
	copy(body, hdr)
	binary.BigEndian.PutUint16(body[len(hdr):], oldState)
	binary.BigEndian.PutUint16(body[len(hdr)+2:], newState)
	return encodeMRTRecord(ts, mrtTypeBGP4MP, subtypeStateChangeAS4, body)
}
