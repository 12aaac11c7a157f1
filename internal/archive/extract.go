package archive

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"crisimport/internal/logging"
)

// SevenZipExtractor decrypts and unpacks archives with the 7za binary.
type SevenZipExtractor struct {
	Password string
	// Binary defaults to "7za".
	Binary string
	Runner Runner
	Logger logging.Logger
}

// Extract implements importer.Extractor.
func (e SevenZipExtractor) Extract(ctx context.Context, archive, dir string) error {
	bin := e.Binary
	if bin == "" {
		bin = "7za"
	}
	args := []string{"-y"}
	if e.Password != "" {
		args = append(args, "-p"+e.Password)
	}
	args = append(args, "-o"+dir, "x", archive)
	logging.OrNoop(e.Logger).Info("extracting archive", "archive", filepath.Base(archive), "dir", dir, "tool", bin)
	if _, err := runnerOrDefault(e.Runner).Run(ctx, bin, args...); err != nil {
		return fmt.Errorf("extract %s: %w", filepath.Base(archive), err)
	}
	return nil
}

// ZipExtractor unpacks unencrypted zip archives in process.
type ZipExtractor struct {
	Logger logging.Logger
}

// ErrEncryptedEntry is returned by ZipExtractor for password-protected entries.
var ErrEncryptedEntry = errors.New("archive: encrypted zip entry")

// Extract implements importer.Extractor. Entries that would land outside dir
// are rejected.
func (e ZipExtractor) Extract(ctx context.Context, archive, dir string) error {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return fmt.Errorf("open %s: %w", filepath.Base(archive), err)
	}
	defer func() { _ = r.Close() }()

	root, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", dir, err)
	}
	count := 0
	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		if f.Flags&0x1 != 0 {
			return fmt.Errorf("%w: %s", ErrEncryptedEntry, f.Name)
		}
		target := filepath.Join(root, filepath.FromSlash(f.Name))
		if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
			return fmt.Errorf("extract %s: entry %q escapes destination", filepath.Base(archive), f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o750); err != nil {
				return fmt.Errorf("create %s: %w", target, err)
			}
			continue
		}
		if err := writeEntry(f, target); err != nil {
			return fmt.Errorf("extract %s: %w", filepath.Base(archive), err)
		}
		count++
	}
	logging.OrNoop(e.Logger).Info("extracted archive", "archive", filepath.Base(archive), "dir", dir, "files", count)
	return nil
}

func writeEntry(f *zip.File, target string) (err error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(target), err)
	}
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open entry %s: %w", f.Name, err)
	}
	defer func() { _ = rc.Close() }()
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", target, cerr)
		}
	}()
	if _, err := io.Copy(out, rc); err != nil {
		return fmt.Errorf("write %s: %w", target, err)
	}
	return nil
}
