package rib

import (
	"net/netip"
	"sort"

	"github.com/route-beacon/bgp-beacon/internal/wire"
)

// SessionParams is what the planner needs to know about the live session.
type SessionParams struct {
	LocalAS   uint32
	FourOctet bool
	Families  []wire.Family
	LocalV4   netip.Addr // local endpoint of the session, v4 family
	LocalV6   netip.Addr
}

func (s SessionParams) negotiated(fam wire.Family) bool {
	for _, f := range s.Families {
		if f == fam {
			return true
		}
	}
	return false
}

// familyOf infers the address family from a prefix.
func familyOf(p netip.Prefix) wire.Family {
	if p.Addr().Is4() {
		return wire.FamilyIPv4Unicast
	}
	return wire.FamilyIPv6Unicast
}

// Announcement is one configured (network, optional next hop) pair.
type Announcement struct {
	Prefix  netip.Prefix
	NextHop netip.Addr
}

// FamilyOf returns the address family the announcement belongs to.
func (a Announcement) FamilyOf() wire.Family { return familyOf(a.Prefix) }

// Populate fills the Adj-RIB-Out from the configured announcements, keeping
// only families the session negotiated.
func Populate(out *AdjRIBOut, anns []Announcement, sess SessionParams) {
	for _, a := range anns {
		fam := a.FamilyOf()
		if !sess.negotiated(fam) {
			continue
		}
		out.Set(fam, OutEntry{Prefix: a.Prefix, NextHop: a.NextHop})
	}
}

// nextHopFor resolves the next hop for an entry: the configured one wins,
// otherwise the session's local endpoint for the family.
func nextHopFor(e OutEntry, fam wire.Family, sess SessionParams) netip.Addr {
	if e.NextHop.IsValid() {
		return e.NextHop
	}
	if fam == wire.FamilyIPv4Unicast {
		return sess.LocalV4
	}
	return sess.LocalV6
}

// The attribute overhead of an announcement UPDATE stays well under 100
// bytes, so capping NLRI bytes at MaxMessageLen-512 keeps every generated
// message inside the 4096 limit.
const maxNLRIBytes = wire.MaxMessageLen - 512

// PlanAnnouncements walks the Adj-RIB-Out for the given families and builds
// the UPDATE sequence announcing every untransmitted entry, grouped by next
// hop, split to respect the message size limit. Entries covered by the
// returned updates are marked transmitted.
func PlanAnnouncements(out *AdjRIBOut, sess SessionParams, fams []wire.Family) []*wire.Update {
	var updates []*wire.Update
	for _, fam := range fams {
		if !sess.negotiated(fam) {
			continue
		}
		entries := out.Snapshot(fam)
		groups := make(map[netip.Addr][]netip.Prefix)
		var order []netip.Addr
		for _, e := range entries {
			if e.Transmitted {
				continue
			}
			nh := nextHopFor(e, fam, sess)
			if _, ok := groups[nh]; !ok {
				order = append(order, nh)
			}
			groups[nh] = append(groups[nh], e.Prefix)
		}
		sort.Slice(order, func(i, j int) bool { return order[i].Less(order[j]) })
		for _, nh := range order {
			for _, chunk := range chunkPrefixes(groups[nh], maxNLRIBytes) {
				updates = append(updates, buildAnnouncement(fam, nh, chunk, sess))
				out.MarkTransmitted(fam, chunk)
			}
		}
	}
	return updates
}

// PlanRefresh rebuilds the full announcement set for one family, as required
// after a ROUTE-REFRESH from the peer.
func PlanRefresh(out *AdjRIBOut, sess SessionParams, fam wire.Family) []*wire.Update {
	table := out.Snapshot(fam)
	prefixes := make([]netip.Prefix, 0, len(table))
	for _, e := range table {
		prefixes = append(prefixes, e.Prefix)
	}
	out.MarkTransmitted(fam, prefixes)

	groups := make(map[netip.Addr][]netip.Prefix)
	var order []netip.Addr
	for _, e := range table {
		nh := nextHopFor(e, fam, sess)
		if _, ok := groups[nh]; !ok {
			order = append(order, nh)
		}
		groups[nh] = append(groups[nh], e.Prefix)
	}
	sort.Slice(order, func(i, j int) bool { return order[i].Less(order[j]) })

	var updates []*wire.Update
	for _, nh := range order {
		for _, chunk := range chunkPrefixes(groups[nh], maxNLRIBytes) {
			updates = append(updates, buildAnnouncement(fam, nh, chunk, sess))
		}
	}
	return updates
}

// PlanWithdrawals builds the UPDATEs withdrawing the given prefixes. Only
// prefixes previously transmitted on the current session should be passed.
func PlanWithdrawals(fam wire.Family, prefixes []netip.Prefix) []*wire.Update {
	if len(prefixes) == 0 {
		return nil
	}
	sort.Slice(prefixes, func(i, j int) bool { return prefixes[i].String() < prefixes[j].String() })
	var updates []*wire.Update
	for _, chunk := range chunkPrefixes(prefixes, maxNLRIBytes) {
		u := &wire.Update{}
		if fam == wire.FamilyIPv4Unicast {
			u.Withdrawn = chunk
		} else {
			u.Attrs.MPUnreach = &wire.MPUnreach{Family: fam, Withdrawn: chunk}
		}
		updates = append(updates, u)
	}
	return updates
}

func buildAnnouncement(fam wire.Family, nh netip.Addr, prefixes []netip.Prefix, sess SessionParams) *wire.Update {
	origin := wire.OriginIGP
	u := &wire.Update{
		Attrs: wire.PathAttributes{
			Origin: &origin,
			ASPath: []wire.ASPathSegment{{Type: wire.ASPathSegmentSequence, ASNs: []uint32{sess.LocalAS}}},
		},
	}
	if fam == wire.FamilyIPv4Unicast {
		u.Attrs.NextHop = nh
		u.NLRI = prefixes
		return u
	}
	mp := &wire.MPReach{Family: fam, NextHop: nh, NLRI: prefixes}
	// A configured global next hop without a link-local still emits the
	// length-32 form with the link-local zeroed (RFC 2545 compliant length).
	if nh.Is6() && !nh.IsLinkLocalUnicast() {
		mp.LinkLocal = netip.IPv6Unspecified()
	}
	u.Attrs.MPReach = mp
	return u
}

func chunkPrefixes(prefixes []netip.Prefix, maxBytes int) [][]netip.Prefix {
	var chunks [][]netip.Prefix
	var current []netip.Prefix
	size := 0
	for _, p := range prefixes {
		encoded := 1 + (p.Bits()+7)/8
		if size+encoded > maxBytes && len(current) > 0 {
			chunks = append(chunks, current)
			current = nil
			size = 0
		}
		current = append(current, p)
		size += encoded
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}
