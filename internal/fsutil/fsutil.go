// Package fsutil holds the three filesystem operations the hook performs on
// the site output directory. Semantics are deliberately narrow:
//
//   - [Touch] creates an empty file if missing and never truncates.
//   - [CopyFile] copies content only and always overwrites the destination.
//   - [CopyTree] refuses to run when the destination already exists; it
//     never merges into or skips over an existing tree.
package fsutil

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/keithlinneman/shinylive-postrender/internal/xerrors"
)

const (
	fileMode = 0o644
	dirMode  = 0o755
)

// Stats counts what a copy wrote
type Stats struct {
	Files int
	Dirs  int
	Bytes int64
}

// Touch creates path as an empty file if it does not exist and reports whether
// it did. Existing content is left untouched. The parent directory must exist.
func Touch(path string) (created bool, err error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, fileMode)
	if err == nil {
		return true, xerrors.Wrapf(f.Close(), "close %s", path)
	}
	if !xerrors.Is(err, fs.ErrExist) {
		return false, xerrors.Wrapf(err, "touch %s", path)
	}
	// exists: open in append mode so a directory or unwritable file still fails
	f, err = os.OpenFile(path, os.O_WRONLY|os.O_APPEND, fileMode)
	if err != nil {
		return false, xerrors.Wrapf(err, "touch %s", path)
	}
	return false, xerrors.Wrapf(f.Close(), "close %s", path)
}

// CopyFile copies the contents of src to dst, creating or truncating dst.
// Permissions of an existing dst are kept; new files get 0644. Symlinks at
// src are followed.
func CopyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, xerrors.Wrapf(err, "open source %s", src)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return 0, xerrors.Wrapf(err, "stat source %s", src)
	}
	if !info.Mode().IsRegular() {
		return 0, xerrors.Newf("copy %s: source is not a regular file (mode %s)", src, info.Mode())
	}
	if same, err := sameFile(info, dst); err != nil {
		return 0, err
	} else if same {
		return 0, xerrors.Newf("copy %s: source and destination %s are the same file", src, dst)
	}

	return writeFrom(in, dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fileMode)
}

// CopyTree copies the directory src to dst recursively. dst must not exist;
// its parent is created if needed. Permission bits and modification times
// of files and directories are preserved. Symlinks are followed and their
// targets copied. An error wrapping fs.ErrExist is returned when dst exists.
func CopyTree(src, dst string) (Stats, error) {
	var st Stats

	info, err := os.Stat(src)
	if err != nil {
		return st, xerrors.Wrapf(err, "stat source %s", src)
	}
	if !info.IsDir() {
		return st, xerrors.Newf("copy tree %s: source is not a directory", src)
	}

	if err := os.MkdirAll(filepath.Dir(dst), dirMode); err != nil {
		return st, xerrors.Wrapf(err, "create parent of %s", dst)
	}
	// Mkdir, not MkdirAll: an existing destination is an error
	if err := os.Mkdir(dst, info.Mode().Perm()|0o700); err != nil {
		return st, xerrors.Wrapf(err, "create destination %s", dst)
	}
	st.Dirs++

	if err := copyDir(src, dst, []fs.FileInfo{info}, &st); err != nil {
		return st, err
	}
	if err := setDirMeta(dst, info); err != nil {
		return st, err
	}
	return st, nil
}

// copyDir copies the entries of src into the already-created dst. ancestors
// holds the source directories above and including src, to stop symlink cycles.
func copyDir(src, dst string, ancestors []fs.FileInfo, st *Stats) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return xerrors.Wrapf(err, "read dir %s", src)
	}
	for _, e := range entries {
		s := filepath.Join(src, e.Name())
		d := filepath.Join(dst, e.Name())

		// follows symlinks
		info, err := os.Stat(s)
		if err != nil {
			return xerrors.Wrapf(err, "stat %s", s)
		}

		switch {
		case info.IsDir():
			for _, a := range ancestors {
				if os.SameFile(a, info) {
					return xerrors.Newf("copy %s: symlink cycle back to %s", s, a.Name())
				}
			}
			// owner write is needed while filling the dir; real perms are applied after
			if err := os.Mkdir(d, info.Mode().Perm()|0o700); err != nil {
				return xerrors.Wrapf(err, "create dir %s", d)
			}
			st.Dirs++
			if err := copyDir(s, d, append(ancestors, info), st); err != nil {
				return err
			}
			if err := setDirMeta(d, info); err != nil {
				return err
			}
		case info.Mode().IsRegular():
			n, err := copyRegular(s, d, info)
			st.Bytes += n
			if err != nil {
				return err
			}
			st.Files++
		default:
			return xerrors.Newf("copy %s: unsupported file type %s", s, info.Mode().Type())
		}
	}
	return nil
}

// setDirMeta applies mode and mtime once a directory is filled, since
// creating entries in it bumps its mtime
func setDirMeta(dir string, info fs.FileInfo) error {
	if err := os.Chmod(dir, info.Mode().Perm()); err != nil {
		return xerrors.Wrapf(err, "chmod %s", dir)
	}
	if err := os.Chtimes(dir, info.ModTime(), info.ModTime()); err != nil {
		return xerrors.Wrapf(err, "set times on %s", dir)
	}
	return nil
}

// copyRegular copies one file into a fresh destination, keeping mode and mtime
func copyRegular(src, dst string, info fs.FileInfo) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, xerrors.Wrapf(err, "open %s", src)
	}
	defer in.Close()

	n, err := writeFrom(in, dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return n, err
	}
	// OpenFile applies the umask; set the exact source bits
	if err := os.Chmod(dst, info.Mode().Perm()); err != nil {
		return n, xerrors.Wrapf(err, "chmod %s", dst)
	}
	if err := os.Chtimes(dst, info.ModTime(), info.ModTime()); err != nil {
		return n, xerrors.Wrapf(err, "set times on %s", dst)
	}
	return n, nil
}

func writeFrom(r io.Reader, dst string, flag int, perm fs.FileMode) (int64, error) {
	out, err := os.OpenFile(dst, flag, perm)
	if err != nil {
		return 0, xerrors.Wrapf(err, "open destination %s", dst)
	}
	n, err := io.Copy(out, r)
	if err != nil {
		out.Close()
		return n, xerrors.Wrapf(err, "write %s", dst)
	}
	if err := out.Close(); err != nil {
		return n, xerrors.Wrapf(err, "close %s", dst)
	}
	return n, nil
}

// sameFile reports whether dst exists and is the file described by srcInfo
func sameFile(srcInfo fs.FileInfo, dst string) (bool, error) {
	dstInfo, err := os.Stat(dst)
	if xerrors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, xerrors.Wrapf(err, "stat destination %s", dst)
	}
	return os.SameFile(srcInfo, dstInfo), nil
}
