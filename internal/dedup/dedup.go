// Package dedup collapses identical media files across the chunks of a
// target into a single content-addressed pool.
package dedup

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"chatbackup/internal/backup"
	"chatbackup/internal/mediaindex"

	"github.com/minio/sha256-simd"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Link modes.
const (
	LinkHard     = "hardlink"
	LinkSymbolic = "symlink"
)

const tempPrefix = ".dedup-"

// IndexFileName is the media index database inside the pool directory.
const IndexFileName = "index.db"

// Config contains deduplication settings.
type Config struct {
	LinkMode    string
	HashWorkers int
}

// Result summarizes one deduplication pass over a chunk.
type Result struct {
	Scanned       int
	Linked        int
	NewCanonical  int
	AlreadyLinked int
	Reseeded      int
	BytesSaved    int64
	// PoolEntries is the size of the target's media index after the pass.
	PoolEntries int64
	// NewFiles are pool paths (relative to the target directory) that were
	// added by this pass.
	NewFiles []string
}

// OpenFunc opens the media index stored at path.
type OpenFunc func(path string) (mediaindex.Index, error)

// Deduplicator replaces duplicate chunk media with links into the pool.
type Deduplicator struct {
	cfg        Config
	exportRoot string
	open       OpenFunc
	logger     *zap.Logger

	mu      sync.Mutex
	indexes map[string]mediaindex.Index
}

// New creates a deduplicator. A nil open uses the SQLite index.
func New(cfg Config, exportRoot string, open OpenFunc, logger *zap.Logger) *Deduplicator {
	if cfg.LinkMode == "" {
		cfg.LinkMode = LinkHard
	}
	if cfg.HashWorkers <= 0 {
		cfg.HashWorkers = 4
	}
	if open == nil {
		open = func(path string) (mediaindex.Index, error) { return mediaindex.Open(path) }
	}
	return &Deduplicator{
		cfg:        cfg,
		exportRoot: exportRoot,
		open:       open,
		logger:     logger,
		indexes:    make(map[string]mediaindex.Index),
	}
}

type mediaFile struct {
	path        string
	size        int64
	fingerprint string
	linked      bool // symlink already resolving into the pool
}

// Deduplicate processes the media of one exported chunk. Running it again
// on the same chunk changes nothing.
func (d *Deduplicator) Deduplicate(ctx context.Context, target backup.Target, chunkDir string) (Result, error) {
	var result Result
	logger := d.logger.With(zap.String("target", target.ID), zap.String("chunk_dir", chunkDir))

	targetDir := target.Dir(d.exportRoot)
	poolDir := target.MediaDir(d.exportRoot)

	files, err := d.collect(filepath.Join(chunkDir, backup.ChunkMediaDir), poolDir)
	if err != nil {
		return result, err
	}
	if len(files) == 0 {
		return result, nil
	}

	if err := d.fingerprint(ctx, files); err != nil {
		return result, err
	}

	idx, err := d.index(target)
	if err != nil {
		return result, err
	}

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Scanned++

		if f.linked {
			result.AlreadyLinked++
			continue
		}

		if err := d.apply(ctx, idx, targetDir, f, &result); err != nil {
			return result, fmt.Errorf("deduplicate %s: %w", f.path, err)
		}
	}

	if result.PoolEntries, err = idx.Count(ctx); err != nil {
		return result, fmt.Errorf("count media index: %w", err)
	}

	logger.Info("Media deduplicated",
		zap.Int("scanned", result.Scanned),
		zap.Int("linked", result.Linked),
		zap.Int("new", result.NewCanonical),
		zap.Int("already_linked", result.AlreadyLinked),
		zap.Int64("bytes_saved", result.BytesSaved),
		zap.Int64("pool_entries", result.PoolEntries),
	)
	return result, nil
}

func (d *Deduplicator) apply(ctx context.Context, idx mediaindex.Index, targetDir string, f *mediaFile, result *Result) error {
	entry, err := idx.Lookup(ctx, f.fingerprint)
	if err != nil {
		return err
	}

	if entry == nil {
		rel := canonicalPath(f.fingerprint, filepath.Ext(f.path))
		if err := d.seed(f.path, filepath.Join(targetDir, rel)); err != nil {
			return err
		}

		winner, inserted, err := idx.PutIfAbsent(ctx, mediaindex.Entry{
			Fingerprint: f.fingerprint,
			Path:        rel,
			Size:        f.size,
		})
		if err != nil {
			return err
		}
		if inserted {
			result.NewCanonical++
			result.NewFiles = append(result.NewFiles, rel)
			return d.finishSeed(f.path, filepath.Join(targetDir, rel))
		}
		// Someone registered the fingerprint first; fall through to linking.
		entry = &winner
	}

	canonical := filepath.Join(targetDir, entry.Path)
	exists, err := fileExists(canonical)
	if err != nil {
		return err
	}
	if !exists {
		rel := canonicalPath(f.fingerprint, filepath.Ext(f.path))
		d.logger.Warn("Canonical media file missing, re-seeding it from chunk copy",
			zap.String("fingerprint", f.fingerprint), zap.String("canonical", canonical))
		if err := d.seed(f.path, filepath.Join(targetDir, rel)); err != nil {
			return err
		}
		if rel != entry.Path {
			if err := idx.Repoint(ctx, f.fingerprint, rel); err != nil {
				return err
			}
		}
		result.Reseeded++
		result.NewFiles = append(result.NewFiles, rel)
		return d.finishSeed(f.path, filepath.Join(targetDir, rel))
	}

	same, err := sameFile(f.path, canonical)
	if err != nil {
		return err
	}
	if same {
		result.AlreadyLinked++
		return nil
	}

	if err := d.replaceWithLink(f.path, canonical); err != nil {
		return err
	}
	result.Linked++
	result.BytesSaved += f.size
	return nil
}

// seed places the content of path at canonical, sharing the inode when the
// filesystem allows it.
func (d *Deduplicator) seed(path, canonical string) error {
	if err := os.MkdirAll(filepath.Dir(canonical), 0o755); err != nil {
		return err
	}

	exists, err := fileExists(canonical)
	if err != nil || exists {
		// A leftover from an interrupted pass; its name is its content hash.
		return err
	}

	if err := os.Link(path, canonical); err == nil {
		return nil
	}
	return copyFile(path, canonical)
}

// finishSeed points the chunk copy at a freshly seeded canonical file when
// the two do not already share an inode.
func (d *Deduplicator) finishSeed(path, canonical string) error {
	if d.cfg.LinkMode == LinkHard {
		same, err := sameFile(path, canonical)
		if err != nil || same {
			return err
		}
	}
	return d.replaceWithLink(path, canonical)
}

// replaceWithLink atomically swaps path for a link to canonical.
func (d *Deduplicator) replaceWithLink(path, canonical string) error {
	tmp := filepath.Join(filepath.Dir(path), tempPrefix+filepath.Base(path))
	_ = os.Remove(tmp)

	var err error
	if d.cfg.LinkMode == LinkHard {
		err = os.Link(canonical, tmp)
	}
	if d.cfg.LinkMode != LinkHard || err != nil {
		rel, relErr := filepath.Rel(filepath.Dir(path), canonical)
		if relErr != nil {
			return relErr
		}
		err = os.Symlink(rel, tmp)
	}
	if err != nil {
		return fmt.Errorf("link to canonical copy: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace duplicate: %w", err)
	}
	return nil
}

func (d *Deduplicator) collect(mediaDir, poolDir string) ([]*mediaFile, error) {
	var files []*mediaFile

	absPool, err := filepath.Abs(poolDir)
	if err != nil {
		return nil, err
	}

	err = filepath.WalkDir(mediaDir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == mediaDir {
				return fs.SkipDir
			}
			return err
		}
		if entry.IsDir() || strings.HasPrefix(entry.Name(), tempPrefix) {
			return nil
		}

		if entry.Type()&fs.ModeSymlink != 0 {
			resolved, err := filepath.EvalSymlinks(path)
			if err != nil {
				d.logger.Warn("Skipping dangling media link", zap.String("path", path), zap.Error(err))
				return nil
			}
			if abs, err := filepath.Abs(resolved); err == nil && strings.HasPrefix(abs, absPool+string(filepath.Separator)) {
				files = append(files, &mediaFile{path: path, linked: true})
			}
			return nil
		}

		if !entry.Type().IsRegular() {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		files = append(files, &mediaFile{path: path, size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(files, func(i, j int) bool { return files[i].path < files[j].path })
	return files, nil
}

func (d *Deduplicator) fingerprint(ctx context.Context, files []*mediaFile) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.HashWorkers)

	for _, f := range files {
		if f.linked {
			continue
		}
		f := f
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			fp, err := Fingerprint(f.path)
			if err != nil {
				return fmt.Errorf("fingerprint %s: %w", f.path, err)
			}
			f.fingerprint = fp
			return nil
		})
	}
	return g.Wait()
}

func (d *Deduplicator) index(target backup.Target) (mediaindex.Index, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if idx, ok := d.indexes[target.ID]; ok {
		return idx, nil
	}
	idx, err := d.open(filepath.Join(target.MediaDir(d.exportRoot), IndexFileName))
	if err != nil {
		return nil, fmt.Errorf("open media index for %s: %w", target.ID, err)
	}
	d.indexes[target.ID] = idx
	return idx, nil
}

// Close closes every opened index.
func (d *Deduplicator) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var err error
	for id, idx := range d.indexes {
		err = multierr.Append(err, idx.Close())
		delete(d.indexes, id)
	}
	return err
}

// Fingerprint returns the hex sha256 of the file content.
func Fingerprint(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// canonicalPath is relative to the target directory.
func canonicalPath(fingerprint, ext string) string {
	return filepath.Join(backup.MediaPoolDir, fingerprint[:2], fingerprint+strings.ToLower(ext))
}

func sameFile(a, b string) (bool, error) {
	ai, err := os.Stat(a)
	if err != nil {
		return false, err
	}
	bi, err := os.Stat(b)
	if err != nil {
		return false, err
	}
	return os.SameFile(ai, bi), nil
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
