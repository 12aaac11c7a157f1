package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"

	"crisimport/internal/blob"
	"crisimport/internal/logging"
)

// DateLayout is the date segment of archive keys.
const DateLayout = "2006-01-02"

// Uploader files processed CSV extracts under <prefix>/<date>/<name>.
type Uploader struct {
	Store  blob.Store
	Prefix string
	Clock  clock.Clock
	Retry  Retry
	Logger logging.Logger
}

func (u Uploader) clock() clock.Clock {
	if u.Clock == nil {
		return clock.New()
	}
	return u.Clock
}

// Key returns the object key for file archived on day.
func (u Uploader) Key(day time.Time, file string) string {
	return path.Join(strings.Trim(u.Prefix, "/"), day.Format(DateLayout), filepath.Base(file))
}

// Archive implements importer.Archiver. Keys that already exist are left
// alone; every file is attempted and the number stored is returned.
func (u Uploader) Archive(ctx context.Context, files []string) (int, error) {
	if u.Store == nil {
		return 0, errors.New("archive: no blob store configured")
	}
	log := logging.OrNoop(u.Logger)
	retry := u.Retry
	if retry.Logger == nil {
		retry.Logger = log
	}
	day := u.clock().Now()
	stored := 0
	var result *multierror.Error
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return stored, err
		}
		key := u.Key(day, file)
		err := retry.Do(ctx, "upload "+key, func(ctx context.Context) error {
			return u.put(ctx, key, file)
		})
		switch {
		case err == nil:
			stored++
			log.Info("archived extract", "key", key, "driver", string(u.Store.Driver()))
		case errors.Is(err, blob.ErrExists):
			log.Info("extract already archived", "key", key)
		default:
			result = multierror.Append(result, err)
		}
	}
	return stored, result.ErrorOrNil()
}

// put uploads one file. An existing key is final.
func (u Uploader) put(ctx context.Context, key, file string) error {
	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("open %s: %w", file, err)
	}
	defer func() { _ = f.Close() }()
	_, err = u.Store.Put(ctx, key, f, blob.PutOptions{
		ContentType: "text/csv",
		Metadata:    map[string]string{"source-file": filepath.Base(file)},
	})
	if errors.Is(err, blob.ErrExists) {
		return Permanent(err)
	}
	return err
}

// List returns the extracts archived on day.
func (u Uploader) List(ctx context.Context, day time.Time) ([]blob.Info, error) {
	if u.Store == nil {
		return nil, errors.New("archive: no blob store configured")
	}
	prefix := path.Join(strings.Trim(u.Prefix, "/"), day.Format(DateLayout)) + "/"
	infos, err := u.Store.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	return infos, nil
}

// Copy writes the archived extract stored at key to w.
func (u Uploader) Copy(ctx context.Context, key string, w io.Writer) (blob.Info, error) {
	if u.Store == nil {
		return blob.Info{}, errors.New("archive: no blob store configured")
	}
	info, r, err := u.Store.Get(ctx, key)
	if err != nil {
		return blob.Info{}, fmt.Errorf("get %s: %w", key, err)
	}
	defer func() { _ = r.Close() }()
	if _, err := io.Copy(w, r); err != nil {
		return info, fmt.Errorf("read %s: %w", key, err)
	}
	return info, nil
}
