package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"

	"crisimport/internal/logging"
)

// LocalSource copies a zip archive, or every zip in a directory, into the
// acquisition directory.
type LocalSource struct {
	Path   string
	Logger logging.Logger
}

// Fetch implements importer.Source.
func (s LocalSource) Fetch(ctx context.Context, dir string) ([]string, error) {
	info, err := os.Stat(s.Path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", s.Path, err)
	}
	var sources []string
	if info.IsDir() {
		sources, err = listZips(s.Path)
		if err != nil {
			return nil, err
		}
	} else {
		sources = []string{s.Path}
	}
	out := make([]string, 0, len(sources))
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dst := filepath.Join(dir, filepath.Base(src))
		if err := copyFile(src, dst); err != nil {
			return nil, err
		}
		logging.OrNoop(s.Logger).Info("copied archive", "archive", filepath.Base(src))
		out = append(out, dst)
	}
	return out, nil
}

// RsyncSource pulls archives from the SFTP drop with rsync over ssh and
// removes them once processed. The remote directory is synced with a zip
// filter, so an empty drop yields no archives rather than an error.
type RsyncSource struct {
	// Endpoint is the ssh destination, e.g. user@host.
	Endpoint string
	// Dir is the remote directory holding the zips.
	Dir    string
	Runner Runner
	Retry  Retry
	Logger logging.Logger
}

// Fetch implements importer.Source.
func (s RsyncSource) Fetch(ctx context.Context, dir string) ([]string, error) {
	if s.Endpoint == "" {
		return nil, errors.New("rsync source: endpoint required")
	}
	log := logging.OrNoop(s.Logger)
	remote := s.Endpoint + ":" + strings.TrimSuffix(path.Clean(s.remoteDir()), "/") + "/"
	retry := s.Retry
	if retry.Logger == nil {
		retry.Logger = log
	}
	err := retry.Do(ctx, "rsync archives", func(ctx context.Context) error {
		out, err := runnerOrDefault(s.Runner).Run(ctx, "rsync", "-a", "-e", "ssh",
			"--include=*.zip", "--include=*.ZIP", "--exclude=*", remote, dir+string(os.PathSeparator))
		if err != nil {
			return err
		}
		log.Debug("rsync finished", "output", strings.TrimSpace(string(out)))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return listZips(dir)
}

// Remove deletes each processed archive from the remote drop. Every archive
// is attempted; failures are collected.
func (s RsyncSource) Remove(ctx context.Context, archives []string) error {
	log := logging.OrNoop(s.Logger)
	var result *multierror.Error
	for _, a := range archives {
		target := path.Join(s.remoteDir(), filepath.Base(a))
		out, err := runnerOrDefault(s.Runner).Run(ctx, "ssh", s.Endpoint, "rm", "-v", target)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("remove %s: %w", target, err))
			continue
		}
		log.Info("removed remote archive", "archive", filepath.Base(a), "output", strings.TrimSpace(string(out)))
	}
	return result.ErrorOrNil()
}

func (s RsyncSource) remoteDir() string {
	if s.Dir == "" {
		return "/home/txdot"
	}
	return s.Dir
}

func listZips(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".zip") {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

func copyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer func() { _ = in.Close() }()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", dst, cerr)
		}
	}()
	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return nil
}
