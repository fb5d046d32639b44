package modelcache

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"

	"scribed/internal/common/fsutil"
	"scribed/pkg/types"
)

const (
	artifactExt  = ".model"
	metadataFile = "cache_metadata.json"
)

type diskRecord struct {
	CachedAtUnix int64 `json:"cached_at_unix"`
	SizeBytes    int64 `json:"size_bytes"`
	DownloadMB   int   `json:"download_mb"`
}

// DiskEntry describes one artifact in the disk tier.
type DiskEntry struct {
	Name      string    `json:"name"`
	SizeBytes int64     `json:"size_bytes"`
	CachedAt  time.Time `json:"cached_at,omitempty"`
}

func (c *Cache) artifactPath(name string) string {
	return filepath.Join(c.dir, name+artifactExt)
}

// ensureDisk returns the artifact path for spec, fetching it from the source
// when missing. Concurrent fetchers race to rename; the first wins.
func (c *Cache) ensureDisk(ctx context.Context, spec types.ModelSpec) (string, error) {
	p := c.artifactPath(spec.Name)
	if fsutil.PathExists(c.fs, p) {
		lookupsTotal.WithLabelValues("disk").Inc()
		return p, nil
	}
	if c.source == nil {
		return "", fmt.Errorf("model %s not on disk and no source configured", spec.Name)
	}
	start := c.now()
	written, err := fsutil.WriteOnce(c.fs, p, func(w io.Writer) error {
		return c.source.Fetch(ctx, spec.Name, w)
	})
	if err != nil {
		if fsutil.IsPermission(err) {
			return "", fmt.Errorf("model cache dir %s is not writable: %w", c.dir, err)
		}
		return "", fmt.Errorf("materialize %s: %w", spec.Name, err)
	}
	lookupsTotal.WithLabelValues("source").Inc()
	if written {
		var size int64
		if fi, err := c.fs.Stat(p); err == nil {
			size = fi.Size()
		}
		c.diskMeta[spec.Name] = diskRecord{CachedAtUnix: c.now().Unix(), SizeBytes: size, DownloadMB: spec.DownloadMB}
		c.saveDiskMetadata()
		c.log.Info().Str("event", "download").Str("model", spec.Name).Int64("bytes", size).
			Dur("took", c.now().Sub(start)).Msg("model artifact cached")
		c.pub.Publish(Event{Name: EventDownload, Model: spec.Name, Fields: map[string]any{"bytes": size}})
	}
	return p, nil
}

func (c *Cache) loadDiskMetadata() {
	f, err := c.fs.Open(filepath.Join(c.dir, metadataFile))
	if err != nil {
		return
	}
	defer f.Close()
	var data map[string]diskRecord
	if err := json.NewDecoder(f).Decode(&data); err == nil {
		c.diskMeta = data
	}
}

// saveDiskMetadata is best-effort; a read-only dir leaves only the in-memory
// index.
func (c *Cache) saveDiskMetadata() {
	b, err := json.MarshalIndent(c.diskMeta, "", "  ")
	if err != nil {
		return
	}
	if err := afero.WriteFile(c.fs, filepath.Join(c.dir, metadataFile), b, 0o644); err != nil {
		c.log.Debug().Err(err).Msg("cache metadata not saved")
	}
}

// diskEntries lists artifacts present in the cache dir, sorted by name.
func (c *Cache) diskEntries() ([]DiskEntry, int64) {
	infos, err := afero.ReadDir(c.fs, c.dir)
	if err != nil {
		return nil, 0
	}
	var out []DiskEntry
	var total int64
	for _, fi := range infos {
		if fi.IsDir() || !strings.HasSuffix(fi.Name(), artifactExt) {
			continue
		}
		name := strings.TrimSuffix(fi.Name(), artifactExt)
		e := DiskEntry{Name: name, SizeBytes: fi.Size()}
		if rec, ok := c.diskMeta[name]; ok && rec.CachedAtUnix > 0 {
			e.CachedAt = time.Unix(rec.CachedAtUnix, 0).UTC()
		} else {
			e.CachedAt = fi.ModTime().UTC()
		}
		total += fi.Size()
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, total
}
