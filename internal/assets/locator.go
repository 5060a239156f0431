package assets

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/keithlinneman/shinylive-postrender/internal/cryptoutil"
	"github.com/keithlinneman/shinylive-postrender/internal/log"
	"github.com/keithlinneman/shinylive-postrender/internal/otelx"
	"github.com/keithlinneman/shinylive-postrender/internal/xerrors"
)

// ErrChecksumMismatch is returned when a downloaded archive does not match
// the expected digest
var ErrChecksumMismatch = errors.New("checksum mismatch")

// Bundle describes a resolved asset bundle
type Bundle struct {
	Name    string // shinylive-<version>
	Version string
	Dir     string // contains serviceworker.js and shinylive/

	// SHA256 of the archive; empty unless it was downloaded in this run
	SHA256 string
	// Source is dir, cache, or the fetcher's source name
	Source       string
	Fetched      bool
	ArchiveBytes int64
	FetchedAt    time.Time
}

type Options struct {
	Logger log.Logger

	// Dir, when set, is used as-is and nothing is downloaded
	Dir string

	Version string

	// CacheDir holds shinylive-<version> directories (default DefaultCacheDir)
	CacheDir string

	// Fetcher downloads missing bundles; nil means cache-only
	Fetcher Fetcher

	// Checksum, when set, pins the archive digest
	Checksum ChecksumSource

	Limits Limits

	// ProgressInterval throttles download progress logs (default 5s)
	ProgressInterval time.Duration
}

type Locator struct {
	opts   Options
	logger log.Logger
}

// DefaultCacheDir returns <user cache dir>/shiny/shinylive, shared with
// other shiny tooling that caches the same bundles
func DefaultCacheDir() (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", xerrors.Wrap(err, "resolve user cache dir")
	}
	return filepath.Join(base, "shiny", "shinylive"), nil
}

// BundleName returns the directory and archive stem for version
func BundleName(version string) string { return "shinylive-" + version }

// New creates a Locator with the given options
func New(opts Options) (*Locator, error) {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = 5 * time.Second
	}
	opts.Limits = opts.Limits.withDefaults()

	if opts.Dir == "" {
		if opts.Version == "" {
			return nil, xerrors.New("version is required when no assets dir is given")
		}
		if strings.ContainsAny(opts.Version, `/\`) || opts.Version == "." || opts.Version == ".." {
			return nil, xerrors.Newf("invalid bundle version %q", opts.Version)
		}
		if opts.CacheDir == "" {
			dir, err := DefaultCacheDir()
			if err != nil {
				return nil, err
			}
			opts.CacheDir = dir
		}
	}

	return &Locator{
		opts:   opts,
		logger: opts.Logger.With("component", "assets"),
	}, nil
}

// Locate returns the bundle directory, downloading and extracting it into
// the cache on first use.
func (l *Locator) Locate(ctx context.Context) (Bundle, error) {
	if l.opts.Dir != "" {
		return l.explicit()
	}

	name := BundleName(l.opts.Version)
	b := Bundle{
		Name:    name,
		Version: l.opts.Version,
		Dir:     filepath.Join(l.opts.CacheDir, name),
		Source:  SourceCache,
	}

	ok, err := isDir(b.Dir)
	if err != nil {
		return Bundle{}, err
	}
	if ok {
		l.logger.Debug(ctx, "asset bundle cache hit", "dir", b.Dir, "version", b.Version)
		return b, nil
	}

	if l.opts.Fetcher == nil {
		return Bundle{}, xerrors.Newf("asset bundle %s is not cached at %s and no fetcher is configured", name, b.Dir)
	}
	return l.fetch(ctx, b)
}

func (l *Locator) explicit() (Bundle, error) {
	dir := l.opts.Dir
	ok, err := isDir(dir)
	if err != nil {
		return Bundle{}, err
	}
	if !ok {
		return Bundle{}, xerrors.Newf("assets dir %s is not a directory", dir)
	}
	return Bundle{
		Name:    filepath.Base(dir),
		Version: l.opts.Version,
		Dir:     dir,
		Source:  SourceDir,
	}, nil
}

// fetch downloads, verifies and extracts the bundle, then renames it into
// the cache. Nothing is left under the final name on failure.
func (l *Locator) fetch(ctx context.Context, b Bundle) (Bundle, error) {
	ctx, span := otelx.Tracer().Start(ctx, "assets.fetch")
	defer span.End()
	span.SetAttributes(
		attribute.String("bundle.name", b.Name),
		attribute.String("bundle.source", l.opts.Fetcher.Source()),
	)

	out, err := l.download(ctx, b)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "download failed")
		return Bundle{}, err
	}
	span.SetAttributes(attribute.Int64("bundle.archive_bytes", out.ArchiveBytes))
	return out, nil
}

func (l *Locator) download(ctx context.Context, b Bundle) (Bundle, error) {
	archiveName := b.Name + ".tar.gz"
	source := l.opts.Fetcher.Source()

	if err := os.MkdirAll(l.opts.CacheDir, 0o755); err != nil {
		return Bundle{}, xerrors.Wrapf(err, "create cache dir %s", l.opts.CacheDir)
	}

	var expected string
	if l.opts.Checksum != nil {
		var err error
		expected, err = l.opts.Checksum.Expected(ctx)
		if err != nil {
			return Bundle{}, xerrors.Wrap(err, "resolve expected checksum")
		}
	}

	l.logger.Info(ctx, "downloading asset bundle",
		"archive", archiveName,
		"source", source,
		"expected_hash", expected,
	)

	// temp files live next to the cache so the final rename stays on one filesystem
	tmpFile, err := os.CreateTemp(l.opts.CacheDir, ".download-*.tar.gz")
	if err != nil {
		return Bundle{}, xerrors.Wrap(err, "create temp file")
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath)

	written, actualHash, err := l.copyArchive(ctx, tmpFile, archiveName)
	cerr := tmpFile.Close()
	if err != nil {
		return Bundle{}, err
	}
	if cerr != nil {
		return Bundle{}, xerrors.Wrapf(cerr, "close %s", tmpPath)
	}

	l.logger.Info(ctx, "downloaded asset bundle",
		"archive", archiveName,
		"bytes", written,
		"actual_hash", actualHash,
	)

	if expected != "" && !cryptoutil.HashEqual(actualHash, expected) {
		return Bundle{}, xerrors.Wrapf(ErrChecksumMismatch, "%s: expected %s, got %s", archiveName, expected, actualHash)
	}

	staging, err := os.MkdirTemp(l.opts.CacheDir, ".staging-*")
	if err != nil {
		return Bundle{}, xerrors.Wrap(err, "create staging dir")
	}
	defer os.RemoveAll(staging)

	if err := l.extract(ctx, tmpPath, staging); err != nil {
		return Bundle{}, err
	}

	// archives are published with a shinylive-<version>/ top-level dir
	root := staging
	if ok, _ := isDir(filepath.Join(staging, b.Name)); ok {
		root = filepath.Join(staging, b.Name)
	}
	if err := checkLayout(root); err != nil {
		return Bundle{}, xerrors.Wrapf(err, "archive %s", archiveName)
	}
	// links were checked against staging; root may be a subdirectory of it
	if err := checkLinks(root); err != nil {
		return Bundle{}, xerrors.Wrapf(err, "archive %s", archiveName)
	}
	if err := os.Chmod(root, 0o755); err != nil {
		return Bundle{}, xerrors.Wrapf(err, "chmod %s", root)
	}

	if err := os.Rename(root, b.Dir); err != nil {
		// another build may have populated the cache meanwhile
		if ok, _ := isDir(b.Dir); ok {
			l.logger.Info(ctx, "asset bundle was cached concurrently, using existing copy", "dir", b.Dir)
			return b, nil
		}
		return Bundle{}, xerrors.Wrapf(err, "move bundle into %s", b.Dir)
	}

	b.SHA256 = actualHash
	b.Source = source
	b.Fetched = true
	b.ArchiveBytes = written
	b.FetchedAt = time.Now().UTC()

	l.logger.Info(ctx, "cached asset bundle", "dir", b.Dir, "version", b.Version)
	return b, nil
}

// copyArchive streams the fetched archive into w, hashing as it goes
func (l *Locator) copyArchive(ctx context.Context, w io.Writer, archiveName string) (int64, string, error) {
	limit := l.opts.Limits.MaxArchiveBytes

	body, size, err := l.opts.Fetcher.Fetch(ctx, archiveName)
	if err != nil {
		return 0, "", xerrors.Wrapf(err, "fetch %s", archiveName)
	}
	defer body.Close()

	if size > limit {
		return 0, "", xerrors.Wrapf(ErrUnsafeArchive, "%s is %d bytes, limit %d", archiveName, size, limit)
	}

	hw := cryptoutil.NewHashingWriter(w)
	pr := newProgressReader(ctx, io.LimitReader(body, limit+1), l.logger, archiveName, size, l.opts.ProgressInterval)
	if _, err := io.Copy(hw, pr); err != nil {
		return hw.Written(), "", xerrors.Wrapf(err, "download %s", archiveName)
	}
	if hw.Written() > limit {
		return hw.Written(), "", xerrors.Wrapf(ErrUnsafeArchive, "%s exceeds max size (limit %d)", archiveName, limit)
	}
	return hw.Written(), hw.Sum(), nil
}

func (l *Locator) extract(ctx context.Context, archivePath, staging string) error {
	_, span := otelx.Tracer().Start(ctx, "assets.extract")
	defer span.End()

	start := time.Now()
	st, err := extractTarGz(archivePath, staging, l.opts.Limits)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "extract failed")
		return xerrors.Wrap(err, "extract bundle")
	}
	span.SetAttributes(
		attribute.Int("extract.files", st.Files),
		attribute.Int64("extract.bytes", st.Bytes),
	)

	l.logger.Info(ctx, "extracted asset bundle",
		"files", st.Files,
		"dirs", st.Dirs,
		"symlinks", st.Symlinks,
		"bytes", st.Bytes,
		"duration", time.Since(start).String(),
	)
	return nil
}

// checkLayout makes sure dir looks like a shinylive bundle before it is cached
func checkLayout(dir string) error {
	info, err := os.Stat(filepath.Join(dir, "serviceworker.js"))
	if err != nil || !info.Mode().IsRegular() {
		return xerrors.New("bundle has no serviceworker.js")
	}
	if ok, _ := isDir(filepath.Join(dir, "shinylive")); !ok {
		return xerrors.New("bundle has no shinylive directory")
	}
	return nil
}

func isDir(path string) (bool, error) {
	info, err := os.Stat(path)
	if xerrors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, xerrors.Wrapf(err, "stat %s", path)
	}
	return info.IsDir(), nil
}
