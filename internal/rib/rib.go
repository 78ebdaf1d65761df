// Package rib holds the per-peer routing information bases. The Adj-RIB-In
// is written only by the peer's FSM goroutine; readers get point-in-time
// copies via Snapshot, requested through the peer mailbox.
package rib

import (
	"net/netip"
	"sort"

	"github.com/route-beacon/bgp-beacon/internal/wire"
)

// InEntry is one Adj-RIB-In route: the attribute set from the last accepted
// UPDATE plus a per-peer monotonic sequence number.
type InEntry struct {
	Prefix   netip.Prefix
	Attrs    wire.PathAttributes
	Sequence uint64
}

// AdjRIBIn is the inbound table for one peer.
type AdjRIBIn struct {
	families map[wire.Family]map[netip.Prefix]InEntry
	sequence uint64
}

func NewAdjRIBIn() *AdjRIBIn {
	return &AdjRIBIn{families: make(map[wire.Family]map[netip.Prefix]InEntry)}
}

// Apply folds a decoded UPDATE into the table and returns the number of
// routes added and removed.
func (r *AdjRIBIn) Apply(u *wire.Update) (added, removed int) {
	for _, p := range u.Withdrawn {
		if r.remove(wire.FamilyIPv4Unicast, p) {
			removed++
		}
	}
	if mp := u.Attrs.MPUnreach; mp != nil {
		for _, p := range mp.Withdrawn {
			if r.remove(mp.Family, p) {
				removed++
			}
		}
	}
	for _, p := range u.NLRI {
		r.insert(wire.FamilyIPv4Unicast, p, u.Attrs)
		added++
	}
	if mp := u.Attrs.MPReach; mp != nil {
		for _, p := range mp.NLRI {
			r.insert(mp.Family, p, u.Attrs)
			added++
		}
	}
	return added, removed
}

func (r *AdjRIBIn) insert(fam wire.Family, p netip.Prefix, attrs wire.PathAttributes) {
	table, ok := r.families[fam]
	if !ok {
		table = make(map[netip.Prefix]InEntry)
		r.families[fam] = table
	}
	r.sequence++
	table[p] = InEntry{Prefix: p, Attrs: attrs, Sequence: r.sequence}
}

func (r *AdjRIBIn) remove(fam wire.Family, p netip.Prefix) bool {
	table, ok := r.families[fam]
	if !ok {
		return false
	}
	if _, ok := table[p]; !ok {
		return false
	}
	delete(table, p)
	return true
}

// Clear drops every entry. Called on session teardown so that a peer not in
// Established never holds routes.
func (r *AdjRIBIn) Clear() {
	r.families = make(map[wire.Family]map[netip.Prefix]InEntry)
}

// Len returns the total number of routes across families.
func (r *AdjRIBIn) Len() int {
	n := 0
	for _, table := range r.families {
		n += len(table)
	}
	return n
}

// Snapshot returns a sorted copy of the entries for one family.
func (r *AdjRIBIn) Snapshot(fam wire.Family) []InEntry {
	table := r.families[fam]
	entries := make([]InEntry, 0, len(table))
	for _, e := range table {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Sequence < entries[j].Sequence })
	return entries
}

// OutEntry is one Adj-RIB-Out route derived from configuration.
type OutEntry struct {
	Prefix      netip.Prefix
	NextHop     netip.Addr // configured next hop; zero means session-local
	Transmitted bool
}

// AdjRIBOut is the outbound table for one peer on the current session.
type AdjRIBOut struct {
	families map[wire.Family]map[netip.Prefix]*OutEntry
}

func NewAdjRIBOut() *AdjRIBOut {
	return &AdjRIBOut{families: make(map[wire.Family]map[netip.Prefix]*OutEntry)}
}

// Set installs or replaces an entry, preserving the transmitted flag when the
// next hop is unchanged.
func (r *AdjRIBOut) Set(fam wire.Family, e OutEntry) {
	table, ok := r.families[fam]
	if !ok {
		table = make(map[netip.Prefix]*OutEntry)
		r.families[fam] = table
	}
	if prev, ok := table[e.Prefix]; ok && prev.NextHop == e.NextHop {
		return
	}
	entry := e
	table[e.Prefix] = &entry
}

// Remove drops an entry and reports whether it had been transmitted on the
// current session.
func (r *AdjRIBOut) Remove(fam wire.Family, p netip.Prefix) (transmitted bool) {
	table, ok := r.families[fam]
	if !ok {
		return false
	}
	e, ok := table[p]
	if !ok {
		return false
	}
	delete(table, p)
	return e.Transmitted
}

// MarkTransmitted flags entries as sent on the current session.
func (r *AdjRIBOut) MarkTransmitted(fam wire.Family, prefixes []netip.Prefix) {
	table := r.families[fam]
	for _, p := range prefixes {
		if e, ok := table[p]; ok {
			e.Transmitted = true
		}
	}
}

// ResetTransmitted clears the per-session transmitted flags on every entry,
// leaving the entries themselves in place.
func (r *AdjRIBOut) ResetTransmitted() {
	for _, table := range r.families {
		for _, e := range table {
			e.Transmitted = false
		}
	}
}

// Clear drops every entry.
func (r *AdjRIBOut) Clear() {
	r.families = make(map[wire.Family]map[netip.Prefix]*OutEntry)
}

// Len returns the total number of entries across families.
func (r *AdjRIBOut) Len() int {
	n := 0
	for _, table := range r.families {
		n += len(table)
	}
	return n
}

// Snapshot returns a sorted copy of the entries for one family.
func (r *AdjRIBOut) Snapshot(fam wire.Family) []OutEntry {
	table := r.families[fam]
	entries := make([]OutEntry, 0, len(table))
	for _, e := range table {
		entries = append(entries, *e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Prefix.String() < entries[j].Prefix.String()
	})
	return entries
}

// Families returns the families with at least one entry.
func (r *AdjRIBOut) Families() []wire.Family {
	fams := make([]wire.Family, 0, len(r.families))
	for fam, table := range r.families {
		if len(table) > 0 {
			fams = append(fams, fam)
		}
	}
	sort.Slice(fams, func(i, j int) bool {
		return fams[i].AFI < fams[j].AFI || (fams[i].AFI == fams[j].AFI && fams[i].SAFI < fams[j].SAFI)
	})
	return fams
}
