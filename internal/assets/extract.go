package assets

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/keithlinneman/shinylive-postrender/internal/pathutil"
	"github.com/keithlinneman/shinylive-postrender/internal/xerrors"
)

const (
	// maxBundleSize is the maximum size of a compressed bundle archive
	maxBundleSize int64 = 512 * 1024 * 1024 // 512MB

	// maxSingleFile is the maximum size of a single file in the bundle
	maxSingleFile int64 = 128 * 1024 * 1024 // 128MB

	// maxTotalExtract is the maximum total size of extracted content
	maxTotalExtract int64 = 2 * 1024 * 1024 * 1024 // 2GB

	// maxEntries caps the number of archive entries
	maxEntries = 200_000
)

// Limits bound what a single archive may expand to. Zero fields take the
// package defaults.
type Limits struct {
	MaxArchiveBytes int64
	MaxFileBytes    int64
	MaxTotalBytes   int64
	MaxEntries      int
}

func (l Limits) withDefaults() Limits {
	if l.MaxArchiveBytes <= 0 {
		l.MaxArchiveBytes = maxBundleSize
	}
	if l.MaxFileBytes <= 0 {
		l.MaxFileBytes = maxSingleFile
	}
	if l.MaxTotalBytes <= 0 {
		l.MaxTotalBytes = maxTotalExtract
	}
	if l.MaxEntries <= 0 {
		l.MaxEntries = maxEntries
	}
	return l
}

// ErrUnsafeArchive marks entries rejected for their path, type or size
var ErrUnsafeArchive = errors.New("unsafe archive entry")

type extractStats struct {
	Files    int
	Dirs     int
	Symlinks int
	Bytes    int64
}

// extractTarGz extracts the archive at archivePath into dst, which must
// already exist. Every entry must land inside dst.
func extractTarGz(archivePath, dst string, lim Limits) (extractStats, error) {
	var st extractStats
	lim = lim.withDefaults()

	root, err := filepath.EvalSymlinks(dst)
	if err != nil {
		return st, xerrors.Wrapf(err, "resolve extract dir %s", dst)
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return st, xerrors.Wrapf(err, "open archive %s", archivePath)
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return st, xerrors.Wrap(err, "open gzip")
	}
	defer gr.Close()

	tr := tar.NewReader(gr)
	entries := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		// insecure names are rejected below with the rest
		if err != nil && !errors.Is(err, tar.ErrInsecurePath) {
			return st, xerrors.Wrap(err, "read tar header")
		}

		entries++
		if entries > lim.MaxEntries {
			return st, xerrors.Wrapf(ErrUnsafeArchive, "archive has more than %d entries", lim.MaxEntries)
		}

		if hdr.Typeflag == tar.TypeXGlobalHeader {
			continue
		}

		name, err := pathutil.CleanArchiveName(hdr.Name)
		if xerrors.Is(err, pathutil.ErrEmptyPath) {
			// "./" root entries
			continue
		}
		if err != nil {
			return st, xerrors.Wrapf(errors.Join(ErrUnsafeArchive, err), "entry %q", hdr.Name)
		}
		target := filepath.Join(root, filepath.FromSlash(name))
		if !pathutil.Within(root, target) {
			return st, xerrors.Wrapf(ErrUnsafeArchive, "entry %q escapes extract dir", hdr.Name)
		}
		// parents may be symlinks created by earlier entries
		if err := checkParent(root, target); err != nil {
			return st, xerrors.Wrapf(err, "entry %q", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, hdr.FileInfo().Mode().Perm()|0o700); err != nil {
				return st, xerrors.Wrapf(err, "create dir %s", name)
			}
			st.Dirs++

		case tar.TypeReg:
			if hdr.Size > lim.MaxFileBytes {
				return st, xerrors.Wrapf(ErrUnsafeArchive, "file %s exceeds max size (%d > %d)", name, hdr.Size, lim.MaxFileBytes)
			}
			if st.Bytes+hdr.Size > lim.MaxTotalBytes {
				return st, xerrors.Wrapf(ErrUnsafeArchive, "total extracted size exceeds limit (max %d)", lim.MaxTotalBytes)
			}
			n, err := writeEntry(target, tr, hdr, lim.MaxFileBytes)
			st.Bytes += n
			if err != nil {
				return st, err
			}
			st.Files++

		case tar.TypeSymlink:
			if filepath.IsAbs(hdr.Linkname) || filepath.VolumeName(hdr.Linkname) != "" {
				return st, xerrors.Wrapf(ErrUnsafeArchive, "symlink %s has absolute target %q", name, hdr.Linkname)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return st, xerrors.Wrapf(err, "create parent of %s", name)
			}
			if err := checkLinkTarget(root, target, hdr.Linkname); err != nil {
				return st, xerrors.Wrapf(err, "symlink %s", name)
			}
			if err := removeExisting(target); err != nil {
				return st, err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return st, xerrors.Wrapf(err, "create symlink %s", name)
			}
			st.Symlinks++

		default:
			return st, xerrors.Wrapf(ErrUnsafeArchive, "unsupported file type in archive: %s (type=%q)", name, hdr.Typeflag)
		}
	}

	return st, nil
}

// writeEntry writes one regular file with a size limit and the header's
// mode and mtime
func writeEntry(target string, r io.Reader, hdr *tar.Header, maxFile int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, xerrors.Wrapf(err, "create parent of %s", target)
	}
	if err := removeExisting(target); err != nil {
		return 0, err
	}

	mode := hdr.FileInfo().Mode().Perm()
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_EXCL, mode|0o600)
	if err != nil {
		return 0, xerrors.Wrapf(err, "create %s", target)
	}

	// limit file size to stop decompression bombs that lie in the header
	n, err := io.Copy(f, io.LimitReader(r, maxFile+1))
	if err != nil {
		f.Close()
		return n, xerrors.Wrapf(err, "write %s", target)
	}
	if err := f.Close(); err != nil {
		return n, xerrors.Wrapf(err, "close %s", target)
	}
	if n > maxFile {
		return n, xerrors.Wrapf(ErrUnsafeArchive, "file too large: %s (%d bytes)", target, n)
	}

	if err := os.Chmod(target, mode); err != nil {
		return n, xerrors.Wrapf(err, "chmod %s", target)
	}
	if !hdr.ModTime.IsZero() {
		if err := os.Chtimes(target, hdr.ModTime, hdr.ModTime); err != nil {
			return n, xerrors.Wrapf(err, "set times on %s", target)
		}
	}
	return n, nil
}

// checkParent resolves the nearest existing ancestor of target and makes
// sure it is still inside root.
func checkParent(root, target string) error {
	dir := filepath.Dir(target)
	for {
		if _, err := os.Lstat(dir); err == nil {
			break
		} else if !errors.Is(err, fs.ErrNotExist) {
			return xerrors.Wrapf(err, "stat %s", dir)
		}
		if dir == root {
			break
		}
		dir = filepath.Dir(dir)
	}
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return xerrors.Wrapf(err, "resolve %s", dir)
	}
	if !pathutil.Within(root, resolved) {
		return xerrors.Wrapf(ErrUnsafeArchive, "parent %s resolves outside the bundle", dir)
	}
	return nil
}

// checkLinkTarget makes sure a symlink at target pointing to link resolves
// inside root. The parent is resolved on disk so links created by earlier
// entries are followed. A ".." after a name in link is rejected: the kernel
// applies it to whatever that name resolves to, which the lexical join below
// cannot see.
func checkLinkTarget(root, target, link string) error {
	parts := strings.Split(filepath.ToSlash(link), "/")
	named := false
	for _, p := range parts {
		switch p {
		case "..":
			if named {
				return xerrors.Wrapf(ErrUnsafeArchive, "target %q has .. after a path element", link)
			}
		case "", ".":
		default:
			named = true
		}
	}

	parent, err := filepath.EvalSymlinks(filepath.Dir(target))
	if err != nil {
		return xerrors.Wrapf(err, "resolve parent of %s", target)
	}
	if !pathutil.Within(root, parent) {
		return xerrors.Wrapf(ErrUnsafeArchive, "parent %s resolves outside the bundle", filepath.Dir(target))
	}
	if !pathutil.Within(root, filepath.Join(parent, filepath.FromSlash(link))) {
		return xerrors.Wrapf(ErrUnsafeArchive, "target %q points outside the bundle", link)
	}
	return nil
}

// checkLinks walks dir and fails unless every symlink under it resolves to
// an existing path inside dir.
func checkLinks(dir string) error {
	root, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return xerrors.Wrapf(err, "resolve %s", dir)
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return xerrors.Wrapf(err, "walk %s", path)
		}
		if d.Type()&fs.ModeSymlink == 0 {
			return nil
		}
		resolved, err := filepath.EvalSymlinks(path)
		if err != nil {
			return xerrors.Wrapf(errors.Join(ErrUnsafeArchive, err), "symlink %s does not resolve", path)
		}
		if !pathutil.Within(root, resolved) {
			return xerrors.Wrapf(ErrUnsafeArchive, "symlink %s resolves outside %s", path, dir)
		}
		return nil
	})
}

// removeExisting clears a previous entry at path so a later duplicate never
// writes through a symlink. An existing directory is an error.
func removeExisting(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return xerrors.Wrapf(err, "stat %s", path)
	}
	if info.IsDir() {
		return xerrors.Wrapf(ErrUnsafeArchive, "%s already exists as a directory", path)
	}
	return xerrors.Wrapf(os.Remove(path), "remove %s", path)
}
