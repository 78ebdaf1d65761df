package archive

import (
	"context"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/route-beacon/bgp-beacon/internal/config"
	"github.com/route-beacon/bgp-beacon/internal/metrics"
)

// EventKind discriminates archival events.
type EventKind uint8

const (
	EventStateChange EventKind = iota
	EventMessageIn
	EventMessageOut
)

// Event is one archival unit published by a peer FSM. Msg carries the framed
// wire bytes for message events; OldState/NewState the MRT state codes for
// state changes.
type Event struct {
	Time     time.Time
	Kind     EventKind
	PeerAS   uint32
	LocalAS  uint32
	PeerIP   netip.Addr
	LocalIP  netip.Addr
	OldState uint16
	NewState uint16
	Msg      []byte
}

// Enqueuer receives sealed segment/manifest pairs. Implemented by the
// replication queue; enqueueing all destinations happens in one transaction.
type Enqueuer interface {
	EnqueueSegment(segmentPath, manifestPath string) error
}

// Status is the archive state reported through the control plane.
type Status struct {
	Enabled       bool     `json:"enabled"`
	Collector     string   `json:"collector"`
	OpenSegments  []string `json:"open_segments"`
	OpenRecords   int64    `json:"open_records"`
	RecordsTotal  int64    `json:"records_total"`
	DroppedEvents int64    `json:"dropped_events"`
	LastSealed    string   `json:"last_sealed,omitempty"`
	LastSealedTS  int64    `json:"last_sealed_ts,omitempty"`
}

type rolloverRequest struct {
	reply chan error
}

type segment struct {
	relPath   string
	tmpPath   string
	finalPath string
	file      *os.File
	counter   *countingWriter
	comp      io.WriteCloser
	records   int64
	startTS   int64
	endTS     int64
	boundary  int64 // aligned epoch the segment belongs to
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Writer consumes archival events and serializes them into rotating MRT
// segments. It never blocks a publisher: the event channel is bounded and
// overflow drops the oldest pending event.
type Writer struct {
	cfg    config.ArchiveConfig
	logger *zap.Logger
	queue  Enqueuer

	events   chan Event
	rollover chan rolloverRequest

	// open segments keyed by relative path; the builtin profiles collapse
	// every session onto one key, the custom profile may fan out per peer
	segments map[string]*segment

	mu      sync.Mutex
	status  Status
	dropped int64
}

func NewWriter(cfg config.ArchiveConfig, queue Enqueuer, logger *zap.Logger) *Writer {
	return &Writer{
		cfg:      cfg,
		logger:   logger,
		queue:    queue,
		events:   make(chan Event, 4096),
		rollover: make(chan rolloverRequest),
		segments: make(map[string]*segment),
		status:   Status{Enabled: cfg.Enabled, Collector: cfg.CollectorID},
	}
}

// Publish hands an event to the writer without ever blocking the caller.
// When the buffer is full the oldest pending event is dropped and counted.
func (w *Writer) Publish(ev Event) {
	if !w.cfg.Enabled {
		return
	}
	select {
	case w.events <- ev:
		return
	default:
	}
	select {
	case <-w.events:
		metrics.ArchiveEventsDroppedTotal.Inc()
		w.mu.Lock()
		w.dropped++
		w.mu.Unlock()
	default:
	}
	select {
	case w.events <- ev:
	default:
		metrics.ArchiveEventsDroppedTotal.Inc()
		w.mu.Lock()
		w.dropped++
		w.mu.Unlock()
	}
}

// Rollover seals every open segment immediately.
func (w *Writer) Rollover(ctx context.Context) error {
	if !w.cfg.Enabled {
		return fmt.Errorf("archive: not enabled")
	}
	req := rolloverRequest{reply: make(chan error, 1)}
	select {
	case w.rollover <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns a copy of the current archive status.
func (w *Writer) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.status
	s.DroppedEvents = w.dropped
	s.OpenSegments = nil
	s.OpenRecords = 0
	for rel, seg := range w.segments {
		s.OpenSegments = append(s.OpenSegments, rel)
		s.OpenRecords += seg.records
	}
	return s
}

// Run consumes events until the context is cancelled, sealing open segments
// on the way out.
func (w *Writer) Run(ctx context.Context) {
	if !w.cfg.Enabled {
		<-ctx.Done()
		return
	}
	boundaryTimer := time.NewTimer(w.untilNextBoundary(time.Now()))
	defer boundaryTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.sealAll()
			return
		case <-boundaryTimer.C:
			w.rotateExpired(time.Now())
			boundaryTimer.Reset(w.untilNextBoundary(time.Now()))
		case req := <-w.rollover:
			w.sealAll()
			metrics.ArchiveRotationsTotal.WithLabelValues("manual").Inc()
			req.reply <- nil
		case ev := <-w.events:
			if err := w.writeEvent(ev); err != nil {
				w.logger.Error("archive write failed", zap.Error(err))
			}
		}
	}
}

func (w *Writer) untilNextBoundary(now time.Time) time.Duration {
	next := alignedEpoch(now.Unix(), w.cfg.RotateSeconds) + int64(w.cfg.RotateSeconds)
	d := time.Until(time.Unix(next, 0))
	if d < time.Second {
		d = time.Second
	}
	return d
}

// rotateExpired seals segments whose interval boundary has passed.
func (w *Writer) rotateExpired(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	current := alignedEpoch(now.Unix(), w.cfg.RotateSeconds)
	for rel, seg := range w.segments {
		if seg.boundary < current {
			w.seal(rel, seg)
			metrics.ArchiveRotationsTotal.WithLabelValues("interval").Inc()
		}
	}
}

func (w *Writer) writeEvent(ev Event) error {
	key := sessionKey{PeerAS: ev.PeerAS, LocalAS: ev.LocalAS, PeerIP: ev.PeerIP, LocalIP: ev.LocalIP}
	var record []byte
	var stream string
	switch ev.Kind {
	case EventStateChange:
		record = EncodeBGP4MPStateChange(ev.Time, key, ev.OldState, ev.NewState)
		stream = "state"
	case EventMessageIn, EventMessageOut:
		record = EncodeBGP4MPMessage(ev.Time, key, ev.Msg)
		stream = "message"
	default:
		return fmt.Errorf("archive: unknown event kind %d", ev.Kind)
	}

	family := "ipv4"
	if ev.PeerIP.Is6() && !ev.PeerIP.Is4In6() {
		family = "ipv6"
	}
	rel, err := segmentRelPath(&w.cfg, ev.PeerIP.String(), family, ev.Time)
	if err != nil {
		return err
	}

	// The run loop is the only writer; the lock keeps Status readers off the
	// segment map while it changes.
	w.mu.Lock()
	defer w.mu.Unlock()
	seg, ok := w.segments[rel]
	if !ok {
		seg, err = w.openSegment(rel, ev.Time)
		if err != nil {
			return err
		}
		w.segments[rel] = seg
	}

	if _, err := seg.comp.Write(record); err != nil {
		return fmt.Errorf("archive: writing record: %w", err)
	}
	seg.records++
	seg.endTS = ev.Time.Unix()
	metrics.ArchiveRecordsTotal.WithLabelValues(stream).Inc()

	if w.cfg.RotateBytes > 0 && seg.counter.n >= w.cfg.RotateBytes {
		w.seal(rel, seg)
		metrics.ArchiveRotationsTotal.WithLabelValues("bytes").Inc()
	} else if w.cfg.RotateRecords > 0 && seg.records >= w.cfg.RotateRecords {
		w.seal(rel, seg)
		metrics.ArchiveRotationsTotal.WithLabelValues("records").Inc()
	}
	return nil
}

func (w *Writer) openSegment(rel string, ts time.Time) (*segment, error) {
	tmpRoot := w.cfg.TmpPath
	if tmpRoot == "" {
		tmpRoot = filepath.Join(w.cfg.Path, ".tmp")
	}
	if err := os.MkdirAll(tmpRoot, 0o755); err != nil {
		return nil, fmt.Errorf("archive: creating tmp root: %w", err)
	}
	tmpPath := filepath.Join(tmpRoot, tmpName(rel))
	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("archive: creating segment %s: %w", tmpPath, err)
	}
	counter := &countingWriter{w: f}
	comp, err := newCompressor(counter, w.cfg.Codec)
	if err != nil {
		f.Close()
		return nil, err
	}
	seg := &segment{
		relPath:   rel,
		tmpPath:   tmpPath,
		finalPath: filepath.Join(w.cfg.Path, filepath.FromSlash(rel)),
		file:      f,
		counter:   counter,
		comp:      comp,
		startTS:   ts.Unix(),
		endTS:     ts.Unix(),
		boundary:  alignedEpoch(ts.Unix(), w.cfg.RotateSeconds),
	}
	w.logger.Debug("opened archive segment", zap.String("segment", rel))
	return seg, nil
}

func (w *Writer) sealAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for rel, seg := range w.segments {
		w.seal(rel, seg)
	}
}

// seal finalizes a segment: flush the codec, fsync, atomic rename into the
// tree, write the manifest sidecar, then hand segment+manifest to the
// replication queue as one unit. Callers hold w.mu.
func (w *Writer) seal(rel string, seg *segment) {
	delete(w.segments, rel)

	if err := seg.comp.Close(); err != nil {
		w.logger.Error("closing segment codec", zap.String("segment", rel), zap.Error(err))
	}
	if w.cfg.FsyncOnRotate {
		if err := seg.file.Sync(); err != nil {
			w.logger.Error("fsync segment", zap.String("segment", rel), zap.Error(err))
		}
	}
	if err := seg.file.Close(); err != nil {
		w.logger.Error("closing segment file", zap.String("segment", rel), zap.Error(err))
		return
	}
	if err := os.MkdirAll(filepath.Dir(seg.finalPath), 0o755); err != nil {
		w.logger.Error("creating segment dir", zap.String("segment", rel), zap.Error(err))
		return
	}
	if err := os.Rename(seg.tmpPath, seg.finalPath); err != nil {
		w.logger.Error("sealing segment", zap.String("segment", rel), zap.Error(err))
		return
	}

	manifestPath, err := WriteManifest(seg.finalPath, rel, w.cfg.CollectorID, w.cfg.Codec,
		seg.startTS, seg.endTS, seg.records)
	if err != nil {
		w.logger.Error("writing manifest", zap.String("segment", rel), zap.Error(err))
		return
	}

	if w.queue != nil {
		if err := w.queue.EnqueueSegment(seg.finalPath, manifestPath); err != nil {
			w.logger.Error("enqueueing segment for replication",
				zap.String("segment", rel), zap.Error(err))
		}
	}

	w.status.RecordsTotal += seg.records
	w.status.LastSealed = rel
	w.status.LastSealedTS = seg.endTS

	w.logger.Info("sealed archive segment",
		zap.String("segment", rel),
		zap.Int64("records", seg.records),
		zap.Int64("bytes", seg.counter.n),
	)
}
