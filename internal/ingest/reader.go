package ingest

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bicingtrips-data/internal/common/logger"
	"github.com/bicingtrips-data/pkg/bicing/models"
)

// Reader turns raw station feeds into snapshot series.
type Reader struct {
	logger logger.Logger
}

func New(log logger.Logger) *Reader {
	if log == nil {
		log = logger.Nop()
	}
	return &Reader{logger: log}
}

// Load reads path as an XML directory, a zip of XML documents, or a JSON
// time series, depending on what it is.
func (r *Reader) Load(ctx context.Context, path string) ([]models.Snapshot, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("reading input: %w", err)
	}
	switch {
	case info.IsDir():
		return r.LoadXMLDir(ctx, path)
	case strings.EqualFold(filepath.Ext(path), ".zip"):
		return r.LoadXMLZip(ctx, path)
	default:
		return r.LoadSeries(path)
	}
}

// LoadSeries reads a JSON time series file.
func (r *Reader) LoadSeries(path string) ([]models.Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening time series: %w", err)
	}
	defer f.Close()

	snaps, err := DecodeSeries(f)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	r.logger.Info("Time series loaded", "path", path, "snapshots", len(snaps))
	return snaps, nil
}

// DecodeSeries decodes [[timestamp, [station, ...]], ...]. Errors name the
// offending snapshot index.
func DecodeSeries(rd io.Reader) ([]models.Snapshot, error) {
	var raw []json.RawMessage
	if err := json.NewDecoder(rd).Decode(&raw); err != nil {
		return nil, &models.MalformedInputError{Snapshot: -1, Station: -1, Reason: fmt.Sprintf("time series is not a list: %v", err)}
	}

	snaps := make([]models.Snapshot, 0, len(raw))
	for i, item := range raw {
		var snap models.Snapshot
		if err := json.Unmarshal(item, &snap); err != nil {
			var mErr *models.MalformedInputError
			if errors.As(err, &mErr) {
				return nil, mErr.AtSnapshot(i, peekTimestamp(item))
			}
			return nil, fmt.Errorf("snapshot %d: %w", i, err)
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

func peekTimestamp(item json.RawMessage) int64 {
	var pair []json.RawMessage
	if err := json.Unmarshal(item, &pair); err != nil || len(pair) == 0 {
		return 0
	}
	ts, _ := models.ParseTimestamp(pair[0])
	return ts
}

// collector gathers snapshots from individual feed documents, keeping the
// first document seen for each update time.
type collector struct {
	logger  logger.Logger
	seen    map[int64]struct{}
	snaps   []models.Snapshot
	skipped int
	dupes   int
}

func newCollector(log logger.Logger) *collector {
	return &collector{logger: log, seen: make(map[int64]struct{})}
}

func (c *collector) add(name string, rd io.Reader) {
	snap, err := ParseXMLSnapshot(rd)
	if err != nil {
		c.skipped++
		c.logger.Warn("Skipping unreadable feed file", "file", name, "error", err)
		return
	}
	if _, dup := c.seen[snap.Timestamp]; dup {
		c.dupes++
		c.logger.Debug("Skipping duplicate update time", "file", name, "timestamp", snap.Timestamp)
		return
	}
	c.seen[snap.Timestamp] = struct{}{}
	c.snaps = append(c.snaps, snap)
}

func (c *collector) done(source string) []models.Snapshot {
	sort.SliceStable(c.snaps, func(i, j int) bool { return c.snaps[i].Timestamp < c.snaps[j].Timestamp })
	c.logger.Info("Feed files loaded", "source", source, "snapshots", len(c.snaps), "skipped", c.skipped, "duplicates", c.dupes)
	return c.snaps
}

// LoadXMLDir reads every regular file in dir as an XML feed document.
func (r *Reader) LoadXMLDir(ctx context.Context, dir string) ([]models.Snapshot, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("listing feed directory: %w", err)
	}

	c := newCollector(r.logger)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !entry.Type().IsRegular() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		f, err := os.Open(path)
		if err != nil {
			c.skipped++
			r.logger.Warn("Skipping unreadable feed file", "file", path, "error", err)
			continue
		}
		c.add(path, f)
		f.Close()
	}
	return c.done(dir), nil
}

// LoadXMLZip reads every file of a zip archive as an XML feed document.
func (r *Reader) LoadXMLZip(ctx context.Context, zipPath string) ([]models.Snapshot, error) {
	reader, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, fmt.Errorf("opening zip file: %w", err)
	}
	defer reader.Close()

	r.logger.Info("Reading feed archive", "path", zipPath, "files", len(reader.File))

	files := make([]*zip.File, 0, len(reader.File))
	for _, file := range reader.File {
		if file.FileInfo().IsDir() {
			continue
		}
		files = append(files, file)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })

	c := newCollector(r.logger)
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rc, err := file.Open()
		if err != nil {
			c.skipped++
			r.logger.Warn("Skipping unreadable feed file", "file", file.Name, "error", err)
			continue
		}
		c.add(file.Name, rc)
		rc.Close()
	}
	return c.done(zipPath), nil
}

// Export writes snapshots as a JSON time series, replacing path atomically.
func Export(path string, snapshots []models.Snapshot) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating export directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "bicing_export_*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if snapshots == nil {
		snapshots = []models.Snapshot{}
	}
	if err := json.NewEncoder(tmp).Encode(snapshots); err != nil {
		tmp.Close()
		return fmt.Errorf("encoding time series: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing export: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("moving export to destination: %w", err)
	}
	return nil
}
