package rib

import (
	"net/netip"
	"testing"

	"github.com/route-beacon/bgp-beacon/internal/wire"
)

func TestAdjRIBIn_ApplyAndWithdraw(t *testing.T) {
	r := NewAdjRIBIn()
	origin := wire.OriginIGP
	u := &wire.Update{
		Attrs: wire.PathAttributes{
			Origin:  &origin,
			ASPath:  []wire.ASPathSegment{{Type: wire.ASPathSegmentSequence, ASNs: []uint32{65002}}},
			NextHop: netip.MustParseAddr("192.0.2.2"),
		},
		NLRI: []netip.Prefix{
			netip.MustParsePrefix("10.0.0.0/8"),
			netip.MustParsePrefix("10.1.0.0/16"),
		},
	}
	added, removed := r.Apply(u)
	if added != 2 || removed != 0 {
		t.Fatalf("apply: added=%d removed=%d", added, removed)
	}
	if r.Len() != 2 {
		t.Fatalf("len %d", r.Len())
	}

	withdraw := &wire.Update{Withdrawn: []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}}
	added, removed = r.Apply(withdraw)
	if added != 0 || removed != 1 {
		t.Fatalf("withdraw: added=%d removed=%d", added, removed)
	}
	if r.Len() != 1 {
		t.Fatalf("len after withdraw %d", r.Len())
	}
}

func TestAdjRIBIn_SequenceMonotonic(t *testing.T) {
	r := NewAdjRIBIn()
	origin := wire.OriginIGP
	for _, p := range []string{"10.0.0.0/8", "10.1.0.0/16", "10.2.0.0/16"} {
		r.Apply(&wire.Update{
			Attrs: wire.PathAttributes{
				Origin:  &origin,
				ASPath:  []wire.ASPathSegment{{Type: wire.ASPathSegmentSequence, ASNs: []uint32{65002}}},
				NextHop: netip.MustParseAddr("192.0.2.2"),
			},
			NLRI: []netip.Prefix{netip.MustParsePrefix(p)},
		})
	}
	entries := r.Snapshot(wire.FamilyIPv4Unicast)
	if len(entries) != 3 {
		t.Fatalf("entries %d", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Sequence <= entries[i-1].Sequence {
			t.Fatalf("sequence not monotonic: %d then %d", entries[i-1].Sequence, entries[i].Sequence)
		}
	}
}

func TestAdjRIBIn_ClearOnTeardown(t *testing.T) {
	r := NewAdjRIBIn()
	origin := wire.OriginIGP
	r.Apply(&wire.Update{
		Attrs: wire.PathAttributes{
			Origin:  &origin,
			ASPath:  []wire.ASPathSegment{},
			NextHop: netip.MustParseAddr("192.0.2.2"),
		},
		NLRI: []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")},
	})
	r.Clear()
	if r.Len() != 0 {
		t.Fatalf("len after clear %d", r.Len())
	}
}

func TestAdjRIBIn_MPFamilies(t *testing.T) {
	r := NewAdjRIBIn()
	origin := wire.OriginIGP
	u := &wire.Update{
		Attrs: wire.PathAttributes{
			Origin: &origin,
			ASPath: []wire.ASPathSegment{{Type: wire.ASPathSegmentSequence, ASNs: []uint32{65002}}},
			MPReach: &wire.MPReach{
				Family:  wire.FamilyIPv6Unicast,
				NextHop: netip.MustParseAddr("2001:db8::2"),
				NLRI:    []netip.Prefix{netip.MustParsePrefix("2001:db8:1::/48")},
			},
		},
	}
	r.Apply(u)
	if got := len(r.Snapshot(wire.FamilyIPv6Unicast)); got != 1 {
		t.Fatalf("v6 entries %d", got)
	}

	r.Apply(&wire.Update{Attrs: wire.PathAttributes{
		MPUnreach: &wire.MPUnreach{
			Family:    wire.FamilyIPv6Unicast,
			Withdrawn: []netip.Prefix{netip.MustParsePrefix("2001:db8:1::/48")},
		},
	}})
	if r.Len() != 0 {
		t.Fatalf("len after mp withdraw %d", r.Len())
	}
}

func TestAdjRIBOut_RemoveReportsTransmitted(t *testing.T) {
	r := NewAdjRIBOut()
	p := netip.MustParsePrefix("203.0.113.0/24")
	r.Set(wire.FamilyIPv4Unicast, OutEntry{Prefix: p})
	if transmitted := r.Remove(wire.FamilyIPv4Unicast, p); transmitted {
		t.Fatal("untransmitted entry reported as transmitted")
	}

	r.Set(wire.FamilyIPv4Unicast, OutEntry{Prefix: p})
	r.MarkTransmitted(wire.FamilyIPv4Unicast, []netip.Prefix{p})
	if transmitted := r.Remove(wire.FamilyIPv4Unicast, p); !transmitted {
		t.Fatal("transmitted entry not reported")
	}
}

func TestAdjRIBOut_SetPreservesTransmitted(t *testing.T) {
	r := NewAdjRIBOut()
	p := netip.MustParsePrefix("203.0.113.0/24")
	r.Set(wire.FamilyIPv4Unicast, OutEntry{Prefix: p})
	r.MarkTransmitted(wire.FamilyIPv4Unicast, []netip.Prefix{p})

	// Same next hop: no-op, transmitted flag survives.
	r.Set(wire.FamilyIPv4Unicast, OutEntry{Prefix: p})
	if !r.Snapshot(wire.FamilyIPv4Unicast)[0].Transmitted {
		t.Fatal("transmitted flag lost on identical set")
	}

	// Changed next hop: entry replaced, needs retransmission.
	r.Set(wire.FamilyIPv4Unicast, OutEntry{Prefix: p, NextHop: netip.MustParseAddr("192.0.2.9")})
	if r.Snapshot(wire.FamilyIPv4Unicast)[0].Transmitted {
		t.Fatal("transmitted flag survived next hop change")
	}
}
