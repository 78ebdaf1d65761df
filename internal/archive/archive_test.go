package archive

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/route-beacon/bgp-beacon/internal/config"
)

func TestAlignedEpoch(t *testing.T) {
	if got := alignedEpoch(1_700_000_001, 900); got != 1_699_999_200 {
		t.Fatalf("aligned %d", got)
	}
	if got := alignedEpoch(1_700_000_000, 100); got != 1_700_000_000 {
		t.Fatalf("aligned on boundary %d", got)
	}
}

func TestSegmentRelPath_Profiles(t *testing.T) {
	ts := time.Date(2026, 2, 21, 13, 43, 0, 0, time.UTC)

	cfg := &config.ArchiveConfig{
		CollectorID: "beacon01", Profile: "routeviews", Codec: "gzip", RotateSeconds: 900,
	}
	rel, err := segmentRelPath(cfg, "192.0.2.2", "ipv4", ts)
	if err != nil {
		t.Fatal(err)
	}
	if rel != "beacon01/2026.02/UPDATES/updates.20260221.1330.gz" {
		t.Fatalf("routeviews path %q", rel)
	}

	cfg.Profile = "ris"
	rel, _ = segmentRelPath(cfg, "192.0.2.2", "ipv4", ts)
	if rel != "beacon01/updates.20260221.1330.gz" {
		t.Fatalf("ris path %q", rel)
	}

	cfg.Profile = "custom"
	cfg.Template = "{collector}/{peer}/{family}/{yyyy}/{mm}/{dd}/updates.{hh}{mm2}"
	rel, _ = segmentRelPath(cfg, "192.0.2.2", "ipv4", ts)
	if rel != "beacon01/192.0.2.2/ipv4/2026/02/21/updates.1330.gz" {
		t.Fatalf("custom path %q", rel)
	}
}

func TestMRTRecord_Header(t *testing.T) {
	ts := time.Unix(1_700_000_000, 0)
	key := sessionKey{
		PeerAS:  65002,
		LocalAS: 65001,
		PeerIP:  netip.MustParseAddr("192.0.2.2"),
		LocalIP: netip.MustParseAddr("192.0.2.1"),
	}
	msg := []byte{0xFF, 0x01}
	rec := EncodeBGP4MPMessage(ts, key, msg)

	if got := binary.BigEndian.Uint32(rec[0:4]); got != 1_700_000_000 {
		t.Fatalf("timestamp %d", got)
	}
	if got := binary.BigEndian.Uint16(rec[4:6]); got != mrtTypeBGP4MP {
		t.Fatalf("type %d", got)
	}
	if got := binary.BigEndian.Uint16(rec[6:8]); got != subtypeMessageAS4 {
		t.Fatalf("subtype %d", got)
	}
	if got := binary.BigEndian.Uint32(rec[8:12]); int(got) != len(rec)-mrtHeaderLen {
		t.Fatalf("length %d body %d", got, len(rec)-mrtHeaderLen)
	}
	// AS4 header: peer AS, local AS, ifindex, AFI=1, two IPv4 addresses.
	body := rec[mrtHeaderLen:]
	if binary.BigEndian.Uint32(body[0:4]) != 65002 || binary.BigEndian.Uint32(body[4:8]) != 65001 {
		t.Fatalf("asns %v", body[:8])
	}
	if binary.BigEndian.Uint16(body[10:12]) != 1 {
		t.Fatalf("afi %d", binary.BigEndian.Uint16(body[10:12]))
	}
	if body[12] != 192 || body[16] != 192 {
		t.Fatalf("addresses %v", body[12:20])
	}
	if string(body[20:]) != string(msg) {
		t.Fatal("payload mangled")
	}
}

func TestMRTStateChange_Encodes(t *testing.T) {
	key := sessionKey{
		PeerAS: 65002, LocalAS: 65001,
		PeerIP:  netip.MustParseAddr("2001:db8::2"),
		LocalIP: netip.MustParseAddr("2001:db8::1"),
	}
	rec := EncodeBGP4MPStateChange(time.Unix(0, 0), key, MRTStateOpenConfirm, MRTStateEstablished)
	body := rec[mrtHeaderLen:]
	if binary.BigEndian.Uint16(body[10:12]) != 2 {
		t.Fatalf("afi %d", binary.BigEndian.Uint16(body[10:12]))
	}
	states := body[len(body)-4:]
	if binary.BigEndian.Uint16(states[:2]) != MRTStateOpenConfirm ||
		binary.BigEndian.Uint16(states[2:]) != MRTStateEstablished {
		t.Fatalf("states %v", states)
	}
}

type fakeQueue struct {
	mu      sync.Mutex
	entries [][2]string
}

func (q *fakeQueue) EnqueueSegment(segmentPath, manifestPath string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, [2]string{segmentPath, manifestPath})
	return nil
}

func (q *fakeQueue) list() [][2]string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([][2]string(nil), q.entries...)
}

func testWriter(t *testing.T, codec string) (*Writer, *fakeQueue, context.CancelFunc) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.ArchiveConfig{
		Enabled:       true,
		CollectorID:   "beacon01",
		Profile:       "routeviews",
		Path:          dir,
		RotateSeconds: 3600,
		Codec:         codec,
		FsyncOnRotate: true,
	}
	queue := &fakeQueue{}
	w := NewWriter(cfg, queue, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	return w, queue, cancel
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}

func testEvent() Event {
	return Event{
		Time:    time.Now(),
		Kind:    EventMessageIn,
		PeerAS:  65002,
		LocalAS: 65001,
		PeerIP:  netip.MustParseAddr("192.0.2.2"),
		LocalIP: netip.MustParseAddr("192.0.2.1"),
		Msg:     []byte{0xFF, 0xFF, 0x00, 0x13, 0x04},
	}
}

func TestWriter_SealWritesManifestAndEnqueues(t *testing.T) {
	w, queue, cancel := testWriter(t, "none")
	defer cancel()

	for i := 0; i < 3; i++ {
		w.Publish(testEvent())
	}
	waitFor(t, func() bool { return w.Status().OpenRecords == 3 })

	if err := w.Rollover(context.Background()); err != nil {
		t.Fatalf("rollover: %v", err)
	}

	entries := queue.list()
	if len(entries) != 1 {
		t.Fatalf("queue entries %d", len(entries))
	}
	segPath, manifestPath := entries[0][0], entries[0][1]

	m, err := ReadManifest(manifestPath)
	if err != nil {
		t.Fatal(err)
	}
	if m.RecordCount != 3 {
		t.Fatalf("record count %d", m.RecordCount)
	}

	raw, err := os.ReadFile(segPath)
	if err != nil {
		t.Fatal(err)
	}
	sum := sha256.Sum256(raw)
	if hex.EncodeToString(sum[:]) != m.SHA256 {
		t.Fatal("manifest digest does not match segment contents")
	}
	if int64(len(raw)) != m.Bytes {
		t.Fatalf("manifest bytes %d != %d", m.Bytes, len(raw))
	}
	if filepath.Ext(manifestPath) != ".json" {
		t.Fatalf("manifest path %q", manifestPath)
	}

	st := w.Status()
	if st.RecordsTotal != 3 || st.LastSealed == "" {
		t.Fatalf("status %+v", st)
	}
}

func TestWriter_RotatesOnRecordLimit(t *testing.T) {
	dir := t.TempDir()
	cfg := config.ArchiveConfig{
		Enabled:       true,
		CollectorID:   "beacon01",
		Profile:       "routeviews",
		Path:          dir,
		RotateSeconds: 3600,
		RotateRecords: 2,
		Codec:         "none",
	}
	queue := &fakeQueue{}
	w := NewWriter(cfg, queue, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	for i := 0; i < 2; i++ {
		w.Publish(testEvent())
	}
	waitFor(t, func() bool { return len(queue.list()) == 1 })
}

func TestWriter_CompressionCodecs(t *testing.T) {
	for _, codec := range []string{"gzip", "zstd", "bzip2"} {
		t.Run(codec, func(t *testing.T) {
			w, queue, cancel := testWriter(t, codec)
			defer cancel()
			w.Publish(testEvent())
			waitFor(t, func() bool { return w.Status().OpenRecords == 1 })
			if err := w.Rollover(context.Background()); err != nil {
				t.Fatal(err)
			}
			entries := queue.list()
			if len(entries) != 1 {
				t.Fatalf("entries %d", len(entries))
			}
			m, err := ReadManifest(entries[0][1])
			if err != nil {
				t.Fatal(err)
			}
			if m.Codec != codec {
				t.Fatalf("manifest codec %q", m.Codec)
			}
		})
	}
}

func TestWriter_PublishNeverBlocks(t *testing.T) {
	// No Run loop: the channel fills and the writer must shed load instead
	// of stalling the caller.
	dir := t.TempDir()
	cfg := config.ArchiveConfig{
		Enabled: true, CollectorID: "c", Profile: "routeviews",
		Path: dir, RotateSeconds: 60, Codec: "none",
	}
	w := NewWriter(cfg, nil, zap.NewNop())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			w.Publish(testEvent())
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked")
	}
	if w.Status().DroppedEvents == 0 {
		t.Fatal("expected drops under backpressure")
	}
}

func TestWriteSnapshot(t *testing.T) {
	w, queue, cancel := testWriter(t, "none")
	defer cancel()

	rel, err := w.WriteSnapshot(netip.MustParseAddr("192.0.2.1"),
		[]SnapshotPeer{{
			BGPID: netip.MustParseAddr("192.0.2.2"),
			Addr:  netip.MustParseAddr("192.0.2.2"),
			AS:    65002,
		}},
		[]SnapshotRoute{{
			Prefix:    netip.MustParsePrefix("10.0.0.0/8"),
			PeerIndex: 0,
			Sequence:  1,
			PathAttrs: []byte{0x40, 0x01, 0x01, 0x00},
		}})
	if err != nil {
		t.Fatal(err)
	}
	if rel == "" {
		t.Fatal("empty snapshot path")
	}

	entries := queue.list()
	if len(entries) != 1 {
		t.Fatalf("queue entries %d", len(entries))
	}
	m, err := ReadManifest(entries[0][1])
	if err != nil {
		t.Fatal(err)
	}
	// peer index table + one rib record
	if m.RecordCount != 2 {
		t.Fatalf("record count %d", m.RecordCount)
	}
}
