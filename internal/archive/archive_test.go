package archive

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureLogger struct {
	mu    sync.Mutex
	lines []string
}

func (c *captureLogger) add(level, msg string, args []any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, fmt.Sprintf("%s:%s %v", level, msg, args))
}

func (c *captureLogger) Debug(msg string, args ...any) { c.add("d", msg, args) }
func (c *captureLogger) Info(msg string, args ...any)  { c.add("i", msg, args) }
func (c *captureLogger) Warn(msg string, args ...any)  { c.add("w", msg, args) }
func (c *captureLogger) Error(msg string, args ...any) { c.add("e", msg, args) }

func (c *captureLogger) joined() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.lines, "\n")
}

// fakeRunner records commands and can act on them.
type fakeRunner struct {
	calls []string
	fn    func(name string, args []string) ([]byte, error)
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, name+" "+strings.Join(args, " "))
	if f.fn != nil {
		return f.fn(name, args)
	}
	return nil, nil
}

func fastRetry() Retry {
	return Retry{Attempts: 3, Min: time.Millisecond, Max: time.Millisecond}
}

func TestRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("succeeds after failures", func(t *testing.T) {
		calls := 0
		err := fastRetry().Do(ctx, "op", func(context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("flaky")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up with typed error", func(t *testing.T) {
		calls := 0
		logger := &captureLogger{}
		r := fastRetry()
		r.Logger = logger
		err := r.Do(ctx, "rsync archives", func(context.Context) error {
			calls++
			return errors.New("connection refused")
		})
		var retryErr *RetryError
		require.ErrorAs(t, err, &retryErr)
		assert.Equal(t, "rsync archives", retryErr.Op)
		assert.Equal(t, 3, retryErr.Attempts)
		assert.Equal(t, 3, calls)
		assert.Contains(t, err.Error(), "gave up after 3 attempts")
		assert.Equal(t, 2, strings.Count(logger.joined(), "w:retrying"))
	})

	t.Run("permanent errors stop immediately", func(t *testing.T) {
		calls := 0
		sentinel := errors.New("exists")
		err := fastRetry().Do(ctx, "op", func(context.Context) error {
			calls++
			return Permanent(sentinel)
		})
		assert.Same(t, sentinel, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		err := fastRetry().Do(cctx, "op", func(context.Context) error { return errors.New("boom") })
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestRsyncSourceFetch(t *testing.T) {
	dir := t.TempDir()
	runner := &fakeRunner{fn: func(name string, args []string) ([]byte, error) {
		dest := args[len(args)-1]
		for _, n := range []string{"b.zip", "a.zip", "notes.txt"} {
			if err := os.WriteFile(filepath.Join(dest, n), []byte("x"), 0o600); err != nil {
				return nil, err
			}
		}
		return []byte("sent 10 bytes"), nil
	}}
	src := RsyncSource{Endpoint: "txdot@sftp.example", Runner: runner, Retry: fastRetry()}
	got, err := src.Fetch(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.zip"), filepath.Join(dir, "b.zip")}, got)
	require.Len(t, runner.calls, 1)
	assert.Equal(t, "rsync -a -e ssh --include=*.zip --include=*.ZIP --exclude=* txdot@sftp.example:/home/txdot/ "+dir+string(os.PathSeparator), runner.calls[0])
}

func TestRsyncSourceFetchEmptyDrop(t *testing.T) {
	dir := t.TempDir()
	runner := &fakeRunner{fn: func(string, []string) ([]byte, error) {
		return []byte("sent 20 bytes  received 12 bytes"), nil
	}}
	src := RsyncSource{Endpoint: "txdot@sftp.example", Dir: "/drop/", Runner: runner, Retry: fastRetry()}
	got, err := src.Fetch(context.Background(), dir)
	require.NoError(t, err)
	assert.Empty(t, got)
	require.Len(t, runner.calls, 1)
	assert.Contains(t, runner.calls[0], " txdot@sftp.example:/drop/ ")
}

func TestRsyncSourceFetchRetries(t *testing.T) {
	runner := &fakeRunner{fn: func(string, []string) ([]byte, error) {
		return nil, errors.New("exit status 255")
	}}
	src := RsyncSource{Endpoint: "txdot@sftp.example", Runner: runner, Retry: fastRetry()}
	_, err := src.Fetch(context.Background(), t.TempDir())
	var retryErr *RetryError
	require.ErrorAs(t, err, &retryErr)
	assert.Len(t, runner.calls, 3)

	_, err = RsyncSource{}.Fetch(context.Background(), t.TempDir())
	assert.Error(t, err)
}

func TestRsyncSourceRemove(t *testing.T) {
	runner := &fakeRunner{fn: func(_ string, args []string) ([]byte, error) {
		if strings.HasSuffix(args[len(args)-1], "bad.zip") {
			return nil, errors.New("permission denied")
		}
		return []byte("removed"), nil
	}}
	src := RsyncSource{Endpoint: "txdot@sftp.example", Dir: "/drop", Runner: runner}
	err := src.Remove(context.Background(), []string{"/tmp/x/a.zip", "/tmp/x/bad.zip", "/tmp/x/c.zip"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/drop/bad.zip")
	assert.Equal(t, []string{
		"ssh txdot@sftp.example rm -v /drop/a.zip",
		"ssh txdot@sftp.example rm -v /drop/bad.zip",
		"ssh txdot@sftp.example rm -v /drop/c.zip",
	}, runner.calls)
}

func TestLocalSource(t *testing.T) {
	srcDir := t.TempDir()
	for _, n := range []string{"2.zip", "1.ZIP", "skip.csv"} {
		require.NoError(t, os.WriteFile(filepath.Join(srcDir, n), []byte(n), 0o600))
	}
	dest := t.TempDir()
	got, err := LocalSource{Path: srcDir}.Fetch(context.Background(), dest)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dest, "1.ZIP"), filepath.Join(dest, "2.zip")}, got)
	body, err := os.ReadFile(got[1])
	require.NoError(t, err)
	assert.Equal(t, "2.zip", string(body))

	single := t.TempDir()
	got, err = LocalSource{Path: filepath.Join(srcDir, "2.zip")}.Fetch(context.Background(), single)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(single, "2.zip")}, got)

	_, err = LocalSource{Path: filepath.Join(srcDir, "missing.zip")}.Fetch(context.Background(), single)
	assert.Error(t, err)
}

func TestSevenZipExtractorKeepsPasswordOutOfLogs(t *testing.T) {
	runner := &fakeRunner{}
	logger := &captureLogger{}
	e := SevenZipExtractor{Password: "s3cret", Runner: runner, Logger: logger}
	require.NoError(t, e.Extract(context.Background(), "/acq/crash.zip", "/tmp/out"))
	assert.Equal(t, []string{"7za -y -ps3cret -o/tmp/out x /acq/crash.zip"}, runner.calls)
	assert.NotContains(t, logger.joined(), "s3cret")

	runner.fn = func(string, []string) ([]byte, error) { return nil, errors.New("run 7za: exit status 2: Wrong password") }
	err := e.Extract(context.Background(), "/acq/crash.zip", "/tmp/out")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "s3cret")
}

func writeZip(t *testing.T, entries map[string]string, flags uint16) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "extract.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	w := zip.NewWriter(f)
	for name, body := range entries {
		hw, err := w.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate, Flags: flags})
		require.NoError(t, err)
		_, err = hw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())
	return path
}

func TestZipExtractor(t *testing.T) {
	ctx := context.Background()

	t.Run("extracts entries", func(t *testing.T) {
		archive := writeZip(t, map[string]string{
			"extract_1_crash_1.csv":     "crash_id\n1\n",
			"nested/extract_1_unit.csv": "crash_id,unit_nbr\n1,1\n",
		}, 0)
		dir := t.TempDir()
		require.NoError(t, ZipExtractor{}.Extract(ctx, archive, dir))
		body, err := os.ReadFile(filepath.Join(dir, "nested", "extract_1_unit.csv"))
		require.NoError(t, err)
		assert.Equal(t, "crash_id,unit_nbr\n1,1\n", string(body))
	})

	t.Run("rejects path traversal", func(t *testing.T) {
		archive := writeZip(t, map[string]string{"../escape.csv": "x"}, 0)
		dir := t.TempDir()
		err := ZipExtractor{}.Extract(ctx, archive, dir)
		require.Error(t, err)
		_, statErr := os.Stat(filepath.Join(filepath.Dir(dir), "escape.csv"))
		assert.True(t, os.IsNotExist(statErr))
	})

	t.Run("rejects encrypted entries", func(t *testing.T) {
		archive := writeZip(t, map[string]string{"a.csv": "x"}, 0x1)
		err := ZipExtractor{}.Extract(ctx, archive, t.TempDir())
		require.ErrorIs(t, err, ErrEncryptedEntry)
	})

	t.Run("not a zip", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.zip")
		require.NoError(t, os.WriteFile(path, []byte("nope"), 0o600))
		assert.Error(t, ZipExtractor{}.Extract(ctx, path, t.TempDir()))
	})
}
