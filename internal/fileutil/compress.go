// Package fileutil holds compression-aware file helpers shared by staging,
// archival and the geometry readers.
package fileutil

import (
	"compress/bzip2"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// CompressionSuffixes lists the suffixes recognised on input files.
var CompressionSuffixes = []string{".gz", ".zst", ".bz2"}

// SplitCompression returns name without its compression suffix and the
// suffix itself ("" when uncompressed).
func SplitCompression(name string) (string, string) {
	for _, ext := range CompressionSuffixes {
		if strings.HasSuffix(name, ext) && len(name) > len(ext) {
			return strings.TrimSuffix(name, ext), ext
		}
	}
	return name, ""
}

// ZPath returns p if it exists, otherwise the first existing compressed
// variant of p. When nothing exists p is returned unchanged.
func ZPath(p string) string {
	if _, err := os.Stat(p); err == nil {
		return p
	}
	for _, ext := range CompressionSuffixes {
		if _, err := os.Stat(p + ext); err == nil {
			return p + ext
		}
	}
	return p
}

type readCloser struct {
	io.Reader
	closers []func() error
}

func (r *readCloser) Close() error {
	var first error
	for _, c := range r.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Open opens path and transparently decompresses it based on its suffix.
func Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	_, ext := SplitCompression(filepath.Base(path))
	switch ext {
	case ".gz":
		zr, err := gzip.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("open gzip %s: %w", path, err)
		}
		return &readCloser{Reader: zr, closers: []func() error{zr.Close, f.Close}}, nil
	case ".zst":
		zr, err := zstd.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("open zstd %s: %w", path, err)
		}
		return &readCloser{Reader: zr, closers: []func() error{func() error { zr.Close(); return nil }, f.Close}}, nil
	case ".bz2":
		return &readCloser{Reader: bzip2.NewReader(f), closers: []func() error{f.Close}}, nil
	default:
		return f, nil
	}
}

type writeCloser struct {
	io.Writer
	closers []func() error
}

func (w *writeCloser) Close() error {
	var first error
	for _, c := range w.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Create creates path and compresses writes based on its suffix. bzip2 is
// read-only.
func Create(path string) (io.WriteCloser, error) {
	_, ext := SplitCompression(filepath.Base(path))
	if ext == ".bz2" {
		return nil, fmt.Errorf("create %s: bzip2 output is not supported", path)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	switch ext {
	case ".gz":
		zw := gzip.NewWriter(f)
		return &writeCloser{Writer: zw, closers: []func() error{zw.Close, f.Close}}, nil
	case ".zst":
		zw, err := zstd.NewWriter(f)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("create zstd %s: %w", path, err)
		}
		return &writeCloser{Writer: zw, closers: []func() error{zw.Close, f.Close}}, nil
	default:
		return f, nil
	}
}

// CopyDecompress copies src into dstDir under its uncompressed name and
// returns the destination path.
func CopyDecompress(src, dstDir string) (string, error) {
	name, _ := SplitCompression(filepath.Base(src))
	dst := filepath.Join(dstDir, name)

	in, err := Open(src)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return "", fmt.Errorf("copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", dst, err)
	}
	return dst, nil
}

// CopyFile copies a regular file, preserving its permission bits.
func CopyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// GzipFile writes a gzip-compressed copy of src to dst.
func GzipFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
