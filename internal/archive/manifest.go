package archive

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// Manifest is the JSON sidecar written next to every sealed segment.
type Manifest struct {
	Segment     string `json:"segment"`
	Collector   string `json:"collector"`
	StartTS     int64  `json:"start_ts"`
	EndTS       int64  `json:"end_ts"`
	RecordCount int64  `json:"record_count"`
	Bytes       int64  `json:"bytes"`
	SHA256      string `json:"sha256"`
	Codec       string `json:"codec"`
}

// ManifestPath returns the sidecar path for a segment path.
func ManifestPath(segmentPath string) string {
	return segmentPath + ".manifest.json"
}

// WriteManifest stats and hashes the sealed segment and writes the sidecar,
// returning its path.
func WriteManifest(segmentPath, segmentName, collector, codec string, startTS, endTS, records int64) (string, error) {
	info, err := os.Stat(segmentPath)
	if err != nil {
		return "", fmt.Errorf("archive: stat segment %s: %w", segmentPath, err)
	}
	digest, err := fileSHA256(segmentPath)
	if err != nil {
		return "", err
	}
	m := Manifest{
		Segment:     segmentName,
		Collector:   collector,
		StartTS:     startTS,
		EndTS:       endTS,
		RecordCount: records,
		Bytes:       info.Size(),
		SHA256:      digest,
		Codec:       codec,
	}
	raw, err := json.MarshalIndent(&m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("archive: marshal manifest: %w", err)
	}
	path := ManifestPath(segmentPath)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", fmt.Errorf("archive: write manifest %s: %w", path, err)
	}
	return path, nil
}

// ReadManifest loads a sidecar.
func ReadManifest(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("archive: read manifest %s: %w", path, err)
	}
	m := &Manifest{}
	if err := json.Unmarshal(raw, m); err != nil {
		return nil, fmt.Errorf("archive: parse manifest %s: %w", path, err)
	}
	return m, nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("archive: open %s for hashing: %w", path, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("archive: hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
