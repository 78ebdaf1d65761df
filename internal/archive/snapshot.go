package archive

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// SnapshotPeer is one entry of the TABLE_DUMP_V2 peer index table.
type SnapshotPeer struct {
	BGPID netip.Addr
	Addr  netip.Addr
	AS    uint32
}

// SnapshotRoute is one Adj-RIB-In route referenced against the peer index.
type SnapshotRoute struct {
	Prefix         netip.Prefix
	PeerIndex      uint16
	OriginatedTime uint32
	Sequence       uint32
	PathAttrs      []byte
}

// WriteSnapshot dumps the given Adj-RIB-In view as a TABLE_DUMP_V2 segment:
// a PEER_INDEX_TABLE record followed by one RIB record per route. The
// segment is sealed immediately and handed to the replication queue.
func (w *Writer) WriteSnapshot(collectorID netip.Addr, peers []SnapshotPeer, routes []SnapshotRoute) (string, error) {
	if !w.cfg.Enabled {
		return "", fmt.Errorf("archive: not enabled")
	}
	now := time.Now()
	rel := ribRelPath(&w.cfg, now)

	tmpRoot := w.cfg.TmpPath
	if tmpRoot == "" {
		tmpRoot = filepath.Join(w.cfg.Path, ".tmp")
	}
	if err := os.MkdirAll(tmpRoot, 0o755); err != nil {
		return "", fmt.Errorf("archive: creating tmp root: %w", err)
	}
	tmpPath := filepath.Join(tmpRoot, tmpName(rel))
	f, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("archive: creating snapshot %s: %w", tmpPath, err)
	}
	comp, err := newCompressor(f, w.cfg.Codec)
	if err != nil {
		f.Close()
		return "", err
	}

	var records int64
	write := func(record []byte) error {
		if _, err := comp.Write(record); err != nil {
			return err
		}
		records++
		return nil
	}

	if err := write(encodeMRTRecord(now, mrtTypeTableDumpV2, subtypePeerIndexTable,
		encodePeerIndexTable(collectorID, w.cfg.CollectorID, peers))); err != nil {
		comp.Close()
		f.Close()
		return "", fmt.Errorf("archive: writing peer index: %w", err)
	}
	for _, route := range routes {
		subtype := subtypeRIBIPv4Unicast
		if route.Prefix.Addr().Is6() {
			subtype = subtypeRIBIPv6Unicast
		}
		if err := write(encodeMRTRecord(now, mrtTypeTableDumpV2, subtype, encodeRIBEntry(route))); err != nil {
			comp.Close()
			f.Close()
			return "", fmt.Errorf("archive: writing rib entry: %w", err)
		}
	}

	if err := comp.Close(); err != nil {
		f.Close()
		return "", fmt.Errorf("archive: closing snapshot codec: %w", err)
	}
	if w.cfg.FsyncOnRotate {
		if err := f.Sync(); err != nil {
			f.Close()
			return "", fmt.Errorf("archive: fsync snapshot: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("archive: closing snapshot: %w", err)
	}

	finalPath := filepath.Join(w.cfg.Path, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return "", fmt.Errorf("archive: creating snapshot dir: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", fmt.Errorf("archive: sealing snapshot: %w", err)
	}

	manifestPath, err := WriteManifest(finalPath, rel, w.cfg.CollectorID, w.cfg.Codec,
		now.Unix(), now.Unix(), records)
	if err != nil {
		return "", err
	}
	if w.queue != nil {
		if err := w.queue.EnqueueSegment(finalPath, manifestPath); err != nil {
			return "", err
		}
	}

	w.logger.Info("wrote rib snapshot", zap.String("segment", rel), zap.Int64("records", records))
	return rel, nil
}

func encodePeerIndexTable(collectorID netip.Addr, viewName string, peers []SnapshotPeer) []byte {
	b := make([]byte, 0, 8+len(viewName)+len(peers)*25)
	cid := collectorID.As4()
	b = append(b, cid[:]...)
	name := []byte(viewName)
	b = binary.BigEndian.AppendUint16(b, uint16(len(name)))
	b = append(b, name...)
	b = binary.BigEndian.AppendUint16(b, uint16(len(peers)))
	for _, p := range peers {
		// peer type bit 0: ipv6 address, bit 1: 32-bit AS
		peerType := uint8(1 << 1)
		v6 := p.Addr.Is6() && !p.Addr.Is4In6()
		if v6 {
			peerType |= 1
		}
		b = append(b, peerType)
		id := p.BGPID.As4()
		b = append(b, id[:]...)
		if v6 {
			a := p.Addr.As16()
			b = append(b, a[:]...)
		} else {
			a := p.Addr.Unmap().As4()
			b = append(b, a[:]...)
		}
		b = binary.BigEndian.AppendUint32(b, p.AS)
	}
	return b
}

func encodeRIBEntry(route SnapshotRoute) []byte {
	b := make([]byte, 0, 16+len(route.PathAttrs))
	b = binary.BigEndian.AppendUint32(b, route.Sequence)
	bits := route.Prefix.Bits()
	b = append(b, uint8(bits))
	octets := (bits + 7) / 8
	addr := route.Prefix.Addr().AsSlice()
	b = append(b, addr[:octets]...)
	b = binary.BigEndian.AppendUint16(b, 1) // entry count
	b = binary.BigEndian.AppendUint16(b, route.PeerIndex)
	b = binary.BigEndian.AppendUint32(b, route.OriginatedTime)
	b = binary.BigEndian.AppendUint16(b, uint16(len(route.PathAttrs)))
	return append(b, route.PathAttrs...)
}
