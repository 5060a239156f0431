package assets

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

// helpers

func sha256hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

type tarEntry struct {
	Name     string
	Body     string
	Typeflag byte // defaults to tar.TypeReg
	Linkname string
	Mode     int64
	ModTime  time.Time
}

// makeTarGz builds a .tar.gz archive in memory from entries, in order
func makeTarGz(t *testing.T, entries ...tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)

	for _, e := range entries {
		typ := e.Typeflag
		if typ == 0 {
			typ = tar.TypeReg
		}
		mode := e.Mode
		if mode == 0 {
			mode = 0o644
			if typ == tar.TypeDir {
				mode = 0o755
			}
		}
		hdr := &tar.Header{
			Name:     e.Name,
			Typeflag: typ,
			Linkname: e.Linkname,
			Mode:     mode,
			ModTime:  e.ModTime,
		}
		if typ == tar.TypeReg {
			hdr.Size = int64(len(e.Body))
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write tar header %q: %v", e.Name, err)
		}
		if typ == tar.TypeReg {
			if _, err := tw.Write([]byte(e.Body)); err != nil {
				t.Fatalf("write tar content %q: %v", e.Name, err)
			}
		}
	}

	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := gw.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
	return buf.Bytes()
}

// bundleEntries is a minimal published bundle with a top-level dir
func bundleEntries(version string) []tarEntry {
	top := BundleName(version) + "/"
	return []tarEntry{
		{Name: top, Typeflag: tar.TypeDir},
		{Name: top + "serviceworker.js", Body: "// sw"},
		{Name: top + "shinylive/", Typeflag: tar.TypeDir},
		{Name: top + "shinylive/shinylive.js", Body: "export{}"},
		{Name: top + "shinylive/pyodide/pyodide.js", Body: "pyodide"},
	}
}

func writeArchive(t *testing.T, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "bundle.tar.gz")
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatalf("write archive: %v", err)
	}
	return p
}

func extractEntries(t *testing.T, lim Limits, entries ...tarEntry) (string, extractStats, error) {
	t.Helper()
	archive := writeArchive(t, makeTarGz(t, entries...))
	dst := t.TempDir()
	st, err := extractTarGz(archive, dst, lim)
	return dst, st, err
}

// extractTarGz

func TestExtractTarGz_Basic(t *testing.T) {
	dst, st, err := extractEntries(t, Limits{}, bundleEntries("1.2.3")...)
	if err != nil {
		t.Fatalf("extractTarGz: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dst, "shinylive-1.2.3", "shinylive", "pyodide", "pyodide.js"))
	if err != nil {
		t.Fatalf("read extracted file: %v", err)
	}
	if string(got) != "pyodide" {
		t.Fatalf("content = %q", got)
	}
	if st.Files != 3 || st.Dirs != 2 {
		t.Fatalf("stats = %+v, want 3 files 2 dirs", st)
	}
	if st.Bytes != int64(len("// sw")+len("export{}")+len("pyodide")) {
		t.Fatalf("bytes = %d", st.Bytes)
	}
}

func TestExtractTarGz_DotRootEntrySkipped(t *testing.T) {
	dst, _, err := extractEntries(t, Limits{},
		tarEntry{Name: "./", Typeflag: tar.TypeDir},
		tarEntry{Name: "./serviceworker.js", Body: "sw"},
	)
	if err != nil {
		t.Fatalf("extractTarGz: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dst, "serviceworker.js")); err != nil {
		t.Fatalf("file missing: %v", err)
	}
}

func TestExtractTarGz_PreservesModeAndMtime(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits are not meaningful on windows")
	}
	mtime := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	dst, _, err := extractEntries(t, Limits{},
		tarEntry{Name: "bin/tool.sh", Body: "#!/bin/sh", Mode: 0o755, ModTime: mtime},
	)
	if err != nil {
		t.Fatalf("extractTarGz: %v", err)
	}
	info, err := os.Stat(filepath.Join(dst, "bin", "tool.sh"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o755 {
		t.Fatalf("mode = %v, want 0755", info.Mode().Perm())
	}
	if !info.ModTime().Equal(mtime) {
		t.Fatalf("mtime = %v, want %v", info.ModTime(), mtime)
	}
}

func TestExtractTarGz_RejectsUnsafeEntries(t *testing.T) {
	dir := func(name string) tarEntry { return tarEntry{Name: name, Typeflag: tar.TypeDir} }
	link := func(name, target string) tarEntry {
		return tarEntry{Name: name, Typeflag: tar.TypeSymlink, Linkname: target}
	}

	tests := []struct {
		name    string
		entries []tarEntry
	}{
		{"parent traversal", []tarEntry{{Name: "../evil.js", Body: "x"}}},
		{"nested traversal", []tarEntry{{Name: "a/../../evil.js", Body: "x"}}},
		{"absolute path", []tarEntry{{Name: "/etc/evil.js", Body: "x"}}},
		{"symlink escaping", []tarEntry{link("link", "../../outside")}},
		{"absolute symlink", []tarEntry{link("link", "/etc/passwd")}},
		{"hard link", []tarEntry{{Name: "hard", Typeflag: tar.TypeLink, Linkname: "serviceworker.js"}}},
		{"fifo", []tarEntry{{Name: "pipe", Typeflag: tar.TypeFifo}}},
		// a/b/s/t lands at <root>/t, so ../evil.js leaves the root
		{"symlink under a linked parent", []tarEntry{
			dir("a/"), dir("a/b/"), link("a/b/s", "../.."), link("a/b/s/t", "../evil.js"),
		}},
		{"dot-dot after a linked element", []tarEntry{
			dir("a/"), dir("a/b/"), link("a/b/s", "../.."), link("up", "a/b/s/../evil.js"),
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if runtime.GOOS == "windows" {
				t.Skip("symlinks need privileges on windows")
			}
			dst, _, err := extractEntries(t, Limits{}, tt.entries...)
			if !errors.Is(err, ErrUnsafeArchive) {
				t.Fatalf("err = %v, want ErrUnsafeArchive", err)
			}
			if _, statErr := os.Lstat(filepath.Join(filepath.Dir(dst), "evil.js")); statErr == nil {
				t.Fatal("file written outside the extract dir")
			}
			for _, name := range []string{"t", "up"} {
				if _, statErr := os.Lstat(filepath.Join(dst, name)); statErr == nil {
					t.Fatalf("escaping link %s was created", name)
				}
			}
		})
	}
}

func TestExtractTarGz_LinkToRootAllowed(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	dst, _, err := extractEntries(t, Limits{},
		tarEntry{Name: "a/", Typeflag: tar.TypeDir},
		tarEntry{Name: "a/b/", Typeflag: tar.TypeDir},
		tarEntry{Name: "a/b/s", Typeflag: tar.TypeSymlink, Linkname: "../.."},
		tarEntry{Name: "a/b/s/t", Typeflag: tar.TypeSymlink, Linkname: "a/c.js"},
		tarEntry{Name: "a/c.js", Body: "c"},
	)
	if err != nil {
		t.Fatalf("extractTarGz: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dst, "t"))
	if err != nil || string(got) != "c" {
		t.Fatalf("read through link chain = %q, %v", got, err)
	}
}

func TestExtractTarGz_SymlinkInsideAllowed(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	dst, st, err := extractEntries(t, Limits{},
		tarEntry{Name: "shinylive/shinylive.js", Body: "export{}"},
		tarEntry{Name: "shinylive/latest.js", Typeflag: tar.TypeSymlink, Linkname: "shinylive.js"},
	)
	if err != nil {
		t.Fatalf("extractTarGz: %v", err)
	}
	if st.Symlinks != 1 {
		t.Fatalf("symlinks = %d", st.Symlinks)
	}
	got, err := os.ReadFile(filepath.Join(dst, "shinylive", "latest.js"))
	if err != nil || string(got) != "export{}" {
		t.Fatalf("read through symlink = %q, %v", got, err)
	}
}

func TestExtractTarGz_DuplicateEntryDoesNotWriteThroughSymlink(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	dst, _, err := extractEntries(t, Limits{},
		tarEntry{Name: "real.js", Body: "original"},
		tarEntry{Name: "alias.js", Typeflag: tar.TypeSymlink, Linkname: "real.js"},
		tarEntry{Name: "alias.js", Body: "replacement"},
	)
	if err != nil {
		t.Fatalf("extractTarGz: %v", err)
	}
	got, _ := os.ReadFile(filepath.Join(dst, "real.js"))
	if string(got) != "original" {
		t.Fatalf("real.js = %q, a duplicate entry wrote through the symlink", got)
	}
}

func TestExtractTarGz_FileTooLarge(t *testing.T) {
	_, _, err := extractEntries(t, Limits{MaxFileBytes: 4}, tarEntry{Name: "big.js", Body: "12345"})
	if !errors.Is(err, ErrUnsafeArchive) {
		t.Fatalf("err = %v, want ErrUnsafeArchive", err)
	}
}

func TestExtractTarGz_TotalTooLarge(t *testing.T) {
	_, _, err := extractEntries(t, Limits{MaxFileBytes: 10, MaxTotalBytes: 8},
		tarEntry{Name: "a.js", Body: "12345"},
		tarEntry{Name: "b.js", Body: "12345"},
	)
	if !errors.Is(err, ErrUnsafeArchive) {
		t.Fatalf("err = %v, want ErrUnsafeArchive", err)
	}
}

func TestExtractTarGz_TooManyEntries(t *testing.T) {
	_, _, err := extractEntries(t, Limits{MaxEntries: 2},
		tarEntry{Name: "a.js"}, tarEntry{Name: "b.js"}, tarEntry{Name: "c.js"},
	)
	if !errors.Is(err, ErrUnsafeArchive) {
		t.Fatalf("err = %v, want ErrUnsafeArchive", err)
	}
}

func TestExtractTarGz_NotGzip(t *testing.T) {
	archive := writeArchive(t, []byte("definitely not gzip"))
	if _, err := extractTarGz(archive, t.TempDir(), Limits{}); err == nil {
		t.Fatal("expected error for non-gzip input")
	}
}

func TestLimits_Defaults(t *testing.T) {
	l := Limits{MaxFileBytes: 7}.withDefaults()
	if l.MaxFileBytes != 7 {
		t.Fatalf("explicit limit overwritten: %d", l.MaxFileBytes)
	}
	if l.MaxArchiveBytes != maxBundleSize || l.MaxTotalBytes != maxTotalExtract || l.MaxEntries != maxEntries {
		t.Fatalf("defaults not applied: %+v", l)
	}
}
