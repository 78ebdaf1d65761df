package archive

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/route-beacon/bgp-beacon/internal/config"
)

// alignedEpoch floors a timestamp onto the rotation interval boundary so
// segment names land on predictable collector-style boundaries.
func alignedEpoch(ts int64, intervalSecs int) int64 {
	interval := int64(intervalSecs)
	r := ts % interval
	if r < 0 {
		r += interval
	}
	return ts - r
}

// segmentRelPath renders the relative path of a segment per the configured
// layout profile. peer and family feed the custom template's {peer} and
// {family} placeholders; the built-in profiles key on collector and time
// only, matching the public collector conventions.
func segmentRelPath(cfg *config.ArchiveConfig, peer, family string, ts time.Time) (string, error) {
	aligned := time.Unix(alignedEpoch(ts.Unix(), cfg.RotateSeconds), 0).UTC()
	ext := codecExtension(cfg.Codec)

	yearMonth := fmt.Sprintf("%04d.%02d", aligned.Year(), aligned.Month())
	yyyymmdd := fmt.Sprintf("%04d%02d%02d", aligned.Year(), aligned.Month(), aligned.Day())
	hhmm := fmt.Sprintf("%02d%02d", aligned.Hour(), aligned.Minute())

	switch cfg.Profile {
	case "routeviews":
		return path.Join(cfg.CollectorID, yearMonth, "UPDATES",
			fmt.Sprintf("updates.%s.%s.%s", yyyymmdd, hhmm, ext)), nil
	case "ris":
		return path.Join(cfg.CollectorID,
			fmt.Sprintf("updates.%s.%s.%s", yyyymmdd, hhmm, ext)), nil
	case "custom":
		replacer := strings.NewReplacer(
			"{collector}", cfg.CollectorID,
			"{peer}", peer,
			"{family}", family,
			"{yyyy}", fmt.Sprintf("%04d", aligned.Year()),
			"{mm}", fmt.Sprintf("%02d", aligned.Month()),
			"{dd}", fmt.Sprintf("%02d", aligned.Day()),
			"{hh}", fmt.Sprintf("%02d", aligned.Hour()),
			"{mm2}", fmt.Sprintf("%02d", aligned.Minute()),
		)
		rendered := replacer.Replace(cfg.Template)
		if !strings.HasSuffix(rendered, "."+ext) {
			rendered += "." + ext
		}
		return rendered, nil
	default:
		return "", fmt.Errorf("archive: unknown layout profile %q", cfg.Profile)
	}
}

// ribRelPath renders the relative path of a RIB snapshot segment.
func ribRelPath(cfg *config.ArchiveConfig, ts time.Time) string {
	aligned := ts.UTC()
	ext := codecExtension(cfg.Codec)
	yearMonth := fmt.Sprintf("%04d.%02d", aligned.Year(), aligned.Month())
	yyyymmdd := fmt.Sprintf("%04d%02d%02d", aligned.Year(), aligned.Month(), aligned.Day())
	hhmm := fmt.Sprintf("%02d%02d", aligned.Hour(), aligned.Minute())
	switch cfg.Profile {
	case "ris":
		return path.Join(cfg.CollectorID, fmt.Sprintf("bview.%s.%s.%s", yyyymmdd, hhmm, ext))
	default:
		return path.Join(cfg.CollectorID, yearMonth, "RIBS",
			fmt.Sprintf("rib.%s.%s.%s", yyyymmdd, hhmm, ext))
	}
}

// tmpName derives the hidden temporary file name a segment is written under
// until it is sealed.
func tmpName(relPath string) string {
	return "." + strings.ReplaceAll(strings.TrimPrefix(relPath, "."), "/", "_") + ".tmp"
}
