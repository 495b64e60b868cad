package ingest

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	// maxArchiveFiles and maxFileSize bound extraction of untrusted uploads.
	maxArchiveFiles = 10_000
	maxFileSize     = 256 << 20 // 256 MiB per file
)

// extractArchive unpacks a tar.gz stream into dir. Entry names are confined
// to dir; anything escaping it (path traversal) aborts the extraction.
func extractArchive(r io.Reader, dir string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("archive is not gzip compressed: %w", err)
	}
	defer func() { _ = gz.Close() }()

	tr := tar.NewReader(gz)
	files := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read archive: %w", err)
		}

		name := filepath.Clean(hdr.Name)
		if name == "." || strings.HasPrefix(name, "..") || filepath.IsAbs(name) {
			return fmt.Errorf("archive entry %q escapes the extraction root", hdr.Name)
		}
		target := filepath.Join(dir, name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			files++
			if files > maxArchiveFiles {
				return fmt.Errorf("archive exceeds %d files", maxArchiveFiles)
			}
			if hdr.Size > maxFileSize {
				return fmt.Errorf("archive entry %q exceeds the size limit", hdr.Name)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.Create(target)
			if err != nil {
				return err
			}
			_, err = io.Copy(f, io.LimitReader(tr, maxFileSize))
			closeErr := f.Close()
			if err != nil {
				return fmt.Errorf("extract %q: %w", hdr.Name, err)
			}
			if closeErr != nil {
				return closeErr
			}
		default:
			// Symlinks and specials are dropped: uploads carry plain data.
		}
	}
}

// listFiles returns paths (relative to dir, slash-separated) of all regular
// files under dir, sorted by filepath.WalkDir's lexical order.
func listFiles(dir string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				return err
			}
			out = append(out, filepath.ToSlash(rel))
		}
		return nil
	})
	return out, err
}
