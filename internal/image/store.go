package image

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/ulikunitz/xz"
	"github.com/zeebo/blake3"

	"pagevfs/internal/memory"
	"pagevfs/internal/shared"
	"pagevfs/internal/vfs"
	"pagevfs/pkg/retry"
)

const (
	manifestExt   = ".json"
	dataExt       = ".db"
	compressedExt = ".db.xz"
)

// Manifest describes one saved image.
type Manifest struct {
	ID         string    `json:"id"`
	Created    time.Time `json:"created"`
	FileName   string    `json:"file_name"`
	Size       int64     `json:"size"`
	Blake3     string    `json:"blake3"`
	Compressed bool      `json:"compressed"`
	// PageHashes holds the xxhash64 of every 64 KiB slice of the database.
	PageHashes []uint64 `json:"page_hashes"`
}

// DataFile returns the name of the image data file inside the checkpoint directory.
func (m Manifest) DataFile() string {
	if m.Compressed {
		return m.ID + compressedExt
	}
	return m.ID + dataExt
}

// pageHasher splits a stream into PageSize slices and hashes each one.
type pageHasher struct {
	d      *xxhash.Digest
	filled int
	hashes []uint64
}

func newPageHasher() *pageHasher {
	return &pageHasher{d: xxhash.New()}
}

func (p *pageHasher) Write(b []byte) (int, error) {
	total := len(b)
	for len(b) > 0 {
		n := min(len(b), memory.PageSize-p.filled)
		_, _ = p.d.Write(b[:n])
		p.filled += n
		b = b[n:]
		if p.filled == memory.PageSize {
			p.hashes = append(p.hashes, p.d.Sum64())
			p.d.Reset()
			p.filled = 0
		}
	}
	return total, nil
}

func (p *pageHasher) Sum() []uint64 {
	if p.filled > 0 {
		p.hashes = append(p.hashes, p.d.Sum64())
		p.d.Reset()
		p.filled = 0
	}
	return p.hashes
}

// Save exports the database into dir as <id>.db (or <id>.db.xz) plus an
// <id>.json manifest. The manifest is written last, so a directory listing
// never shows a half-written image.
func Save(ctx context.Context, v *vfs.VFS, dir string, compress bool, cfg retry.Config) (Manifest, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Manifest{}, fmt.Errorf("image: create %s: %w", dir, err)
	}

	m := Manifest{
		ID:         uuid.NewString(),
		Created:    time.Now().UTC(),
		FileName:   v.FileName(),
		Compressed: compress,
	}

	tmp, err := os.CreateTemp(dir, ".image-*")
	if err != nil {
		return Manifest{}, fmt.Errorf("image: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	var (
		sink  io.Writer = tmp
		xzw   *xz.Writer
		b3    = blake3.New()
		pages = newPageHasher()
	)
	if compress {
		xzw, err = xz.NewWriter(tmp)
		if err != nil {
			_ = tmp.Close()
			return Manifest{}, fmt.Errorf("image: xz writer: %w", err)
		}
		sink = xzw
	}

	size, err := Export(ctx, v, io.MultiWriter(sink, b3, pages), cfg)
	if err == nil && xzw != nil {
		err = xzw.Close()
	}
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return Manifest{}, fmt.Errorf("image: save: %w", err)
	}

	m.Size = size
	m.Blake3 = hex.EncodeToString(b3.Sum(nil))
	m.PageHashes = pages.Sum()

	if err := os.Rename(tmpPath, filepath.Join(dir, m.DataFile())); err != nil {
		return Manifest{}, fmt.Errorf("image: save: %w", err)
	}
	if err := writeManifest(dir, m); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

func writeManifest(dir string, m Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("image: marshal manifest: %w", err)
	}
	tmp := filepath.Join(dir, "."+m.ID+manifestExt)
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("image: write manifest: %w", err)
	}
	return os.Rename(tmp, filepath.Join(dir, m.ID+manifestExt))
}

// ReadManifest loads the manifest of image id from dir.
func ReadManifest(dir, id string) (Manifest, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Manifest{}, shared.MarkKind(fmt.Errorf("image: bad id %q: %w", id, err), shared.KindValidation)
	}
	data, err := os.ReadFile(filepath.Join(dir, id+manifestExt))
	if errors.Is(err, os.ErrNotExist) {
		return Manifest{}, shared.MarkKind(fmt.Errorf("image: %s not in %s", id, dir), shared.KindNotFound)
	}
	if err != nil {
		return Manifest{}, fmt.Errorf("image: read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, shared.MarkKind(fmt.Errorf("image: decode manifest %s: %w", id, err), shared.KindValidation)
	}
	return m, nil
}

// openData returns a reader over the decompressed image data of m.
func openData(dir string, m Manifest) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(dir, m.DataFile()))
	if err != nil {
		return nil, fmt.Errorf("image: open data: %w", err)
	}
	if !m.Compressed {
		return f, nil
	}
	r, err := xz.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("image: xz reader: %w", err)
	}
	return struct {
		io.Reader
		io.Closer
	}{r, f}, nil
}

// Verify recomputes the digest of a saved image and compares it with its manifest.
func Verify(dir string, m Manifest) error {
	rc, err := openData(dir, m)
	if err != nil {
		return err
	}
	defer rc.Close()

	h := blake3.New()
	n, err := io.Copy(h, rc)
	if err != nil {
		return fmt.Errorf("image: verify %s: %w", m.ID, err)
	}
	return checkDigest(m, n, h)
}

func checkDigest(m Manifest, n int64, h hash.Hash) error {
	if n != m.Size {
		return shared.MarkKind(fmt.Errorf("image: %s is %d bytes, manifest says %d", m.ID, n, m.Size), shared.KindValidation)
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != m.Blake3 {
		return shared.MarkKind(fmt.Errorf("image: %s digest %s, manifest says %s", m.ID, got, m.Blake3), shared.KindValidation)
	}
	return nil
}

// Load verifies image id from dir and imports it into v.
func Load(ctx context.Context, v *vfs.VFS, dir, id string, cfg retry.Config) (Manifest, error) {
	m, err := ReadManifest(dir, id)
	if err != nil {
		return Manifest{}, err
	}
	if err := Verify(dir, m); err != nil {
		return Manifest{}, err
	}

	rc, err := openData(dir, m)
	if err != nil {
		return Manifest{}, err
	}
	defer rc.Close()

	if _, err := Import(ctx, v, rc, cfg); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// List returns the manifests in dir, newest first.
func List(dir string) ([]Manifest, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("image: list %s: %w", dir, err)
	}

	var out []Manifest
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, manifestExt) {
			continue
		}
		m, err := ReadManifest(dir, strings.TrimSuffix(name, manifestExt))
		if err != nil {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.After(out[j].Created) })
	return out, nil
}

// Prune removes all but the newest keep images and returns how many it removed.
func Prune(dir string, keep int) (int, error) {
	if keep < 0 {
		return 0, shared.MarkKind(fmt.Errorf("image: keep %d", keep), shared.KindValidation)
	}
	all, err := List(dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, m := range all[min(keep, len(all)):] {
		if err := os.Remove(filepath.Join(dir, m.ID+manifestExt)); err != nil {
			return removed, fmt.Errorf("image: prune %s: %w", m.ID, err)
		}
		if err := os.Remove(filepath.Join(dir, m.DataFile())); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, fmt.Errorf("image: prune %s: %w", m.ID, err)
		}
		removed++
	}
	return removed, nil
}

// Diff returns the indexes of the 64 KiB slices that differ between a and b,
// including slices present in only one of them.
func Diff(a, b Manifest) []int {
	var out []int
	for i := range max(len(a.PageHashes), len(b.PageHashes)) {
		if i >= len(a.PageHashes) || i >= len(b.PageHashes) || a.PageHashes[i] != b.PageHashes[i] {
			out = append(out, i)
		}
	}
	return out
}
