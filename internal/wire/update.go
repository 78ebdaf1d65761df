package wire

import (
	"encoding/binary"
	"net/netip"
	"sort"
)

// Aggregator is the AGGREGATOR attribute payload.
type Aggregator struct {
	ASN  uint32
	Addr netip.Addr
}

// ASPathSegment is one AS_PATH segment.
type ASPathSegment struct {
	Type uint8 // ASPathSegmentSet or ASPathSegmentSequence
	ASNs []uint32
}

// MPReach is the MP_REACH_NLRI attribute payload (RFC 4760).
type MPReach struct {
	Family  Family
	NextHop netip.Addr
	// LinkLocal is the optional second IPv6 next hop (RFC 2545). The zero
	// Addr means absent; the planner fabricates an all-zeros link-local when
	// a length-32 encoding is required.
	LinkLocal netip.Addr
	NLRI      []netip.Prefix
}

// MPUnreach is the MP_UNREACH_NLRI attribute payload.
type MPUnreach struct {
	Family    Family
	Withdrawn []netip.Prefix
}

// UnknownAttr is an unrecognized optional-transitive attribute preserved
// byte-for-byte.
type UnknownAttr struct {
	Flags uint8
	Code  uint8
	Data  []byte
}

// PathAttributes is the canonical attribute set of an UPDATE. Pointer fields
// are nil when the attribute is absent.
type PathAttributes struct {
	Origin          *uint8
	ASPath          []ASPathSegment
	NextHop         netip.Addr
	MED             *uint32
	LocalPref       *uint32
	AtomicAggregate bool
	Aggregator      *Aggregator
	Communities     []uint32
	MPReach         *MPReach
	MPUnreach       *MPUnreach
	Unknown         []UnknownAttr
}

// Update is an UPDATE message.
type Update struct {
	Withdrawn []netip.Prefix
	Attrs     PathAttributes
	NLRI      []netip.Prefix
}

func (u *Update) Type() uint8 { return MsgTypeUpdate }

func updateErr(subcode uint8, data []byte) error {
	return &NotificationError{
		Notification: &Notification{Code: NotifCodeUpdateMessageErr, Subcode: subcode, Data: data},
		Out:          true,
	}
}

// notifDataForAttr builds the erroneous-attribute Data field per RFC 4271
// §6.3: type, length, value.
func notifDataForAttr(flags, code uint8, data []byte) []byte {
	b := make([]byte, 0, 4+len(data))
	b = append(b, flags, code)
	if flags&AttrFlagExtLen != 0 {
		ext := make([]byte, 2)
		binary.BigEndian.PutUint16(ext, uint16(len(data)))
		b = append(b, ext...)
	} else {
		b = append(b, uint8(len(data)))
	}
	return append(b, data...)
}

func (u *Update) decode(b []byte, fourOctet bool) error {
	if len(b) < 4 {
		return updateErr(NotifSubcodeMalformedAttrList, nil)
	}
	withdrawnLen := int(binary.BigEndian.Uint16(b[:2]))
	b = b[2:]
	if len(b) < withdrawnLen+2 {
		return updateErr(NotifSubcodeMalformedAttrList, nil)
	}
	withdrawn, err := decodePrefixes(b[:withdrawnLen], false)
	if err != nil {
		return updateErr(NotifSubcodeInvalidNetworkField, nil)
	}
	u.Withdrawn = withdrawn
	b = b[withdrawnLen:]

	attrsLen := int(binary.BigEndian.Uint16(b[:2]))
	b = b[2:]
	if len(b) < attrsLen {
		return updateErr(NotifSubcodeMalformedAttrList, nil)
	}
	if err := u.Attrs.decode(b[:attrsLen], fourOctet); err != nil {
		return err
	}
	b = b[attrsLen:]

	nlri, err := decodePrefixes(b, false)
	if err != nil {
		return updateErr(NotifSubcodeInvalidNetworkField, nil)
	}
	u.NLRI = nlri

	if len(u.NLRI) > 0 || u.Attrs.MPReach != nil {
		if u.Attrs.Origin == nil {
			return updateErr(NotifSubcodeMissingWellKnownAttr, []byte{AttrTypeOrigin})
		}
		if u.Attrs.ASPath == nil {
			return updateErr(NotifSubcodeMissingWellKnownAttr, []byte{AttrTypeASPath})
		}
		if len(u.NLRI) > 0 && !u.Attrs.NextHop.IsValid() {
			return updateErr(NotifSubcodeMissingWellKnownAttr, []byte{AttrTypeNextHop})
		}
	}
	return nil
}

func (a *PathAttributes) decode(data []byte, fourOctet bool) error {
	var as4Path []ASPathSegment
	var as4Aggregator *Aggregator
	seen := make(map[uint8]bool)

	offset := 0
	for offset < len(data) {
		if offset+2 > len(data) {
			return updateErr(NotifSubcodeMalformedAttrList, nil)
		}
		flags := data[offset]
		typeCode := data[offset+1]
		offset += 2

		var attrLen int
		if flags&AttrFlagExtLen != 0 {
			if offset+2 > len(data) {
				return updateErr(NotifSubcodeMalformedAttrList, nil)
			}
			attrLen = int(binary.BigEndian.Uint16(data[offset : offset+2]))
			offset += 2
		} else {
			if offset+1 > len(data) {
				return updateErr(NotifSubcodeMalformedAttrList, nil)
			}
			attrLen = int(data[offset])
			offset++
		}
		if offset+attrLen > len(data) {
			return updateErr(NotifSubcodeMalformedAttrList, nil)
		}
		attrData := data[offset : offset+attrLen]
		offset += attrLen

		if seen[typeCode] {
			// Duplicate MP attributes reset the session; other duplicates
			// keep the first occurrence (RFC 7606 §3).
			if typeCode == AttrTypeMPReachNLRI || typeCode == AttrTypeMPUnreachNLRI {
				return updateErr(NotifSubcodeMalformedAttrList, nil)
			}
			continue
		}
		seen[typeCode] = true

		switch typeCode {
		case AttrTypeOrigin:
			if attrLen != 1 {
				return updateErr(NotifSubcodeAttrLenErr, notifDataForAttr(flags, typeCode, attrData))
			}
			if attrData[0] > OriginIncomplete {
				return updateErr(NotifSubcodeInvalidOrigin, notifDataForAttr(flags, typeCode, attrData))
			}
			v := attrData[0]
			a.Origin = &v
		case AttrTypeASPath:
			segs, err := decodeASPath(attrData, fourOctet)
			if err != nil {
				return updateErr(NotifSubcodeMalformedASPath, nil)
			}
			a.ASPath = segs
		case AttrTypeAS4Path:
			if fourOctet {
				// AS4_PATH is only meaningful across a 2-octet session
				// (RFC 6793 §4.2.3); discard it otherwise.
				continue
			}
			segs, err := decodeASPath(attrData, true)
			if err != nil {
				// Malformed AS4_PATH is discarded, not fatal (RFC 6793 §6).
				continue
			}
			as4Path = segs
		case AttrTypeNextHop:
			if attrLen != 4 {
				return updateErr(NotifSubcodeInvalidNextHop, notifDataForAttr(flags, typeCode, attrData))
			}
			addr, _ := netip.AddrFromSlice(attrData)
			a.NextHop = addr
		case AttrTypeMED:
			if attrLen != 4 {
				return updateErr(NotifSubcodeAttrLenErr, notifDataForAttr(flags, typeCode, attrData))
			}
			v := binary.BigEndian.Uint32(attrData)
			a.MED = &v
		case AttrTypeLocalPref:
			if attrLen != 4 {
				return updateErr(NotifSubcodeAttrLenErr, notifDataForAttr(flags, typeCode, attrData))
			}
			v := binary.BigEndian.Uint32(attrData)
			a.LocalPref = &v
		case AttrTypeAtomicAggregate:
			if attrLen != 0 {
				return updateErr(NotifSubcodeAttrLenErr, notifDataForAttr(flags, typeCode, attrData))
			}
			a.AtomicAggregate = true
		case AttrTypeAggregator:
			agg, err := decodeAggregator(attrData)
			if err != nil {
				return updateErr(NotifSubcodeAttrLenErr, notifDataForAttr(flags, typeCode, attrData))
			}
			a.Aggregator = agg
		case AttrTypeAS4Aggregator:
			if attrLen != 8 {
				continue
			}
			addr, _ := netip.AddrFromSlice(attrData[4:8])
			as4Aggregator = &Aggregator{ASN: binary.BigEndian.Uint32(attrData[:4]), Addr: addr}
		case AttrTypeCommunity:
			if attrLen == 0 || attrLen%4 != 0 {
				return updateErr(NotifSubcodeAttrLenErr, notifDataForAttr(flags, typeCode, attrData))
			}
			for i := 0; i < attrLen; i += 4 {
				a.Communities = append(a.Communities, binary.BigEndian.Uint32(attrData[i:i+4]))
			}
		case AttrTypeMPReachNLRI:
			mp, err := decodeMPReach(attrData)
			if err != nil {
				return err
			}
			a.MPReach = mp
		case AttrTypeMPUnreachNLRI:
			mp, err := decodeMPUnreach(attrData)
			if err != nil {
				return err
			}
			a.MPUnreach = mp
		default:
			// Unknown optional-transitive attributes are preserved for
			// propagation; unknown optional-non-transitive are dropped.
			// Unrecognized well-known attributes reset the session.
			if flags&AttrFlagOptional == 0 {
				return updateErr(NotifSubcodeUnrecognizedWellKnown, notifDataForAttr(flags, typeCode, attrData))
			}
			if flags&AttrFlagTransitive != 0 {
				data := make([]byte, len(attrData))
				copy(data, attrData)
				a.Unknown = append(a.Unknown, UnknownAttr{Flags: flags | AttrFlagPartial, Code: typeCode, Data: data})
			}
		}
	}

	if as4Path != nil {
		a.ASPath = reconcileAS4Path(a.ASPath, as4Path)
	}
	if as4Aggregator != nil && a.Aggregator != nil && a.Aggregator.ASN == uint32(ASTrans) {
		a.Aggregator = as4Aggregator
	}
	return nil
}

func decodeASPath(b []byte, fourOctet bool) ([]ASPathSegment, error) {
	width := 2
	if fourOctet {
		width = 4
	}
	var segs []ASPathSegment
	for len(b) > 0 {
		if len(b) < 2 {
			return nil, errTruncated
		}
		segType := b[0]
		if segType != ASPathSegmentSet && segType != ASPathSegmentSequence {
			return nil, errTruncated
		}
		count := int(b[1])
		if count == 0 {
			return nil, errTruncated
		}
		b = b[2:]
		if len(b) < count*width {
			return nil, errTruncated
		}
		seg := ASPathSegment{Type: segType, ASNs: make([]uint32, 0, count)}
		for i := 0; i < count; i++ {
			if fourOctet {
				seg.ASNs = append(seg.ASNs, binary.BigEndian.Uint32(b[i*4:]))
			} else {
				seg.ASNs = append(seg.ASNs, uint32(binary.BigEndian.Uint16(b[i*2:])))
			}
		}
		segs = append(segs, seg)
		b = b[count*width:]
	}
	if segs == nil {
		segs = []ASPathSegment{}
	}
	return segs, nil
}

// reconcileAS4Path merges AS_PATH and AS4_PATH per RFC 6793 §4.2.3: when the
// AS_PATH has at least as many ASNs, its leading excess is prepended to the
// AS4_PATH; a longer AS4_PATH is ignored entirely.
func reconcileAS4Path(asPath, as4Path []ASPathSegment) []ASPathSegment {
	countASNs := func(segs []ASPathSegment) int {
		n := 0
		for _, s := range segs {
			if s.Type == ASPathSegmentSet {
				n++
			} else {
				n += len(s.ASNs)
			}
		}
		return n
	}
	n, n4 := countASNs(asPath), countASNs(as4Path)
	if n4 > n {
		return asPath
	}
	excess := n - n4
	if excess == 0 {
		return as4Path
	}
	var merged []ASPathSegment
	for _, s := range asPath {
		if excess == 0 {
			break
		}
		if s.Type == ASPathSegmentSet {
			merged = append(merged, s)
			excess--
			continue
		}
		if len(s.ASNs) <= excess {
			merged = append(merged, s)
			excess -= len(s.ASNs)
			continue
		}
		merged = append(merged, ASPathSegment{Type: s.Type, ASNs: s.ASNs[:excess]})
		excess = 0
	}
	return append(merged, as4Path...)
}

func decodeAggregator(b []byte) (*Aggregator, error) {
	switch len(b) {
	case 6:
		addr, _ := netip.AddrFromSlice(b[2:6])
		return &Aggregator{ASN: uint32(binary.BigEndian.Uint16(b[:2])), Addr: addr}, nil
	case 8:
		addr, _ := netip.AddrFromSlice(b[4:8])
		return &Aggregator{ASN: binary.BigEndian.Uint32(b[:4]), Addr: addr}, nil
	default:
		return nil, errTruncated
	}
}

func decodeMPReach(b []byte) (*MPReach, error) {
	if len(b) < 5 {
		return nil, updateErr(NotifSubcodeAttrLenErr, nil)
	}
	mp := &MPReach{Family: Family{AFI: binary.BigEndian.Uint16(b[:2]), SAFI: b[2]}}
	nhLen := int(b[3])
	b = b[4:]
	if len(b) < nhLen+1 {
		return nil, updateErr(NotifSubcodeAttrLenErr, nil)
	}
	switch {
	case mp.Family.AFI == AFIIPv4 && nhLen == 4:
		mp.NextHop, _ = netip.AddrFromSlice(b[:4])
	case mp.Family.AFI == AFIIPv6 && nhLen == 16:
		mp.NextHop, _ = netip.AddrFromSlice(b[:16])
	case mp.Family.AFI == AFIIPv6 && nhLen == 32:
		mp.NextHop, _ = netip.AddrFromSlice(b[:16])
		mp.LinkLocal, _ = netip.AddrFromSlice(b[16:32])
	default:
		return nil, updateErr(NotifSubcodeOptionalAttrErr, nil)
	}
	b = b[nhLen+1:] // reserved byte
	nlri, err := decodePrefixes(b, mp.Family.AFI == AFIIPv6)
	if err != nil {
		return nil, updateErr(NotifSubcodeOptionalAttrErr, nil)
	}
	mp.NLRI = nlri
	return mp, nil
}

func decodeMPUnreach(b []byte) (*MPUnreach, error) {
	if len(b) < 3 {
		return nil, updateErr(NotifSubcodeAttrLenErr, nil)
	}
	mp := &MPUnreach{Family: Family{AFI: binary.BigEndian.Uint16(b[:2]), SAFI: b[2]}}
	withdrawn, err := decodePrefixes(b[3:], mp.Family.AFI == AFIIPv6)
	if err != nil {
		return nil, updateErr(NotifSubcodeOptionalAttrErr, nil)
	}
	mp.Withdrawn = withdrawn
	return mp, nil
}

var errTruncated = &truncatedError{}

type truncatedError struct{}

func (e *truncatedError) Error() string { return "wire: truncated attribute" }

// Encode emits the UPDATE with attributes in ascending type-code order.
// fourOctet selects AS4-aware path segment encoding; the legacy 2-octet form
// appends AS4_PATH when any ASN exceeds the 2-octet space.
func (u *Update) Encode(fourOctet bool) []byte {
	withdrawn := encodePrefixes(u.Withdrawn)
	attrs := u.Attrs.encode(fourOctet)
	nlri := encodePrefixes(u.NLRI)

	body := make([]byte, 0, 4+len(withdrawn)+len(attrs)+len(nlri))
	lenBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(lenBuf, uint16(len(withdrawn)))
	body = append(body, lenBuf...)
	body = append(body, withdrawn...)
	binary.BigEndian.PutUint16(lenBuf, uint16(len(attrs)))
	body = append(body, lenBuf...)
	body = append(body, attrs...)
	body = append(body, nlri...)
	return PrependHeader(body, MsgTypeUpdate)
}

func encodeAttr(flags, code uint8, data []byte) []byte {
	var b []byte
	if len(data) > 255 {
		b = make([]byte, 4, 4+len(data))
		b[0] = flags | AttrFlagExtLen
		b[1] = code
		binary.BigEndian.PutUint16(b[2:4], uint16(len(data)))
	} else {
		b = make([]byte, 3, 3+len(data))
		b[0] = flags
		b[1] = code
		b[2] = uint8(len(data))
	}
	return append(b, data...)
}

func encodeASPathSegments(segs []ASPathSegment, fourOctet bool) []byte {
	var b []byte
	for _, s := range segs {
		b = append(b, s.Type, uint8(len(s.ASNs)))
		for _, asn := range s.ASNs {
			if fourOctet {
				v := make([]byte, 4)
				binary.BigEndian.PutUint32(v, asn)
				b = append(b, v...)
			} else {
				v := make([]byte, 2)
				if asn > 0xFFFF {
					binary.BigEndian.PutUint16(v, ASTrans)
				} else {
					binary.BigEndian.PutUint16(v, uint16(asn))
				}
				b = append(b, v...)
			}
		}
	}
	return b
}

func (a *PathAttributes) hasWideASN() bool {
	for _, s := range a.ASPath {
		for _, asn := range s.ASNs {
			if asn > 0xFFFF {
				return true
			}
		}
	}
	return false
}

func (a *PathAttributes) encode(fourOctet bool) []byte {
	type rawAttr struct {
		code uint8
		b    []byte
	}
	var out []rawAttr
	add := func(flags, code uint8, data []byte) {
		out = append(out, rawAttr{code: code, b: encodeAttr(flags, code, data)})
	}

	if a.Origin != nil {
		add(AttrFlagTransitive, AttrTypeOrigin, []byte{*a.Origin})
	}
	if a.ASPath != nil {
		add(AttrFlagTransitive, AttrTypeASPath, encodeASPathSegments(a.ASPath, fourOctet))
	}
	if a.NextHop.IsValid() {
		add(AttrFlagTransitive, AttrTypeNextHop, a.NextHop.AsSlice())
	}
	if a.MED != nil {
		v := make([]byte, 4)
		binary.BigEndian.PutUint32(v, *a.MED)
		add(AttrFlagOptional, AttrTypeMED, v)
	}
	if a.LocalPref != nil {
		v := make([]byte, 4)
		binary.BigEndian.PutUint32(v, *a.LocalPref)
		add(AttrFlagTransitive, AttrTypeLocalPref, v)
	}
	if a.AtomicAggregate {
		add(AttrFlagTransitive, AttrTypeAtomicAggregate, nil)
	}
	if a.Aggregator != nil {
		var v []byte
		if fourOctet {
			v = make([]byte, 8)
			binary.BigEndian.PutUint32(v, a.Aggregator.ASN)
			copy(v[4:], a.Aggregator.Addr.AsSlice())
		} else {
			v = make([]byte, 6)
			asn := a.Aggregator.ASN
			if asn > 0xFFFF {
				asn = uint32(ASTrans)
			}
			binary.BigEndian.PutUint16(v, uint16(asn))
			copy(v[2:], a.Aggregator.Addr.AsSlice())
		}
		add(AttrFlagOptional|AttrFlagTransitive, AttrTypeAggregator, v)
	}
	if a.Communities != nil {
		v := make([]byte, 4*len(a.Communities))
		for i, c := range a.Communities {
			binary.BigEndian.PutUint32(v[i*4:], c)
		}
		add(AttrFlagOptional|AttrFlagTransitive, AttrTypeCommunity, v)
	}
	if a.MPReach != nil {
		add(AttrFlagOptional, AttrTypeMPReachNLRI, a.MPReach.encode())
	}
	if a.MPUnreach != nil {
		add(AttrFlagOptional, AttrTypeMPUnreachNLRI, a.MPUnreach.encode())
	}
	if !fourOctet && a.hasWideASN() {
		add(AttrFlagOptional|AttrFlagTransitive, AttrTypeAS4Path, encodeASPathSegments(a.ASPath, true))
		if a.Aggregator != nil && a.Aggregator.ASN > 0xFFFF {
			v := make([]byte, 8)
			binary.BigEndian.PutUint32(v, a.Aggregator.ASN)
			copy(v[4:], a.Aggregator.Addr.AsSlice())
			add(AttrFlagOptional|AttrFlagTransitive, AttrTypeAS4Aggregator, v)
		}
	}
	for _, un := range a.Unknown {
		add(un.Flags, un.Code, un.Data)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].code < out[j].code })
	var b []byte
	for _, attr := range out {
		b = append(b, attr.b...)
	}
	return b
}

func (mp *MPReach) encode() []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint16(b[:2], mp.Family.AFI)
	b[2] = mp.Family.SAFI
	nh := mp.NextHop.AsSlice()
	if mp.LinkLocal.IsValid() {
		nh = append(nh, mp.LinkLocal.AsSlice()...)
	}
	b[3] = uint8(len(nh))
	b = append(b, nh...)
	b = append(b, 0) // reserved
	return append(b, encodePrefixes(mp.NLRI)...)
}

func (mp *MPUnreach) encode() []byte {
	b := make([]byte, 3)
	binary.BigEndian.PutUint16(b[:2], mp.Family.AFI)
	b[2] = mp.Family.SAFI
	return append(b, encodePrefixes(mp.Withdrawn)...)
}
