package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"crisimport/internal/blob/core"
)

func TestStore_MockedBasicFlow(t *testing.T) {
	ctx := context.Background()
	store := NewMockForTests(0)
	if store.Driver() != core.DriverS3 || store.Bucket() != "mock-bucket" {
		t.Fatalf("unexpected driver/bucket")
	}
	info, err := store.Put(ctx, "cris/2024-01-02/extract_crash.csv", bytes.NewReader([]byte("crash_id\n1\n")), core.PutOptions{
		ContentType: "text/csv",
		Metadata:    map[string]string{"archive": "a.zip"},
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Size != 11 || info.ContentType != "text/csv" {
		t.Fatalf("unexpected info %+v", info)
	}
	if _, err := store.Put(ctx, "cris/2024-01-02/extract_crash.csv", strings.NewReader("x"), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	got, rc, err := store.Get(ctx, "cris/2024-01-02/extract_crash.csv")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(body) != "crash_id\n1\n" || got.ETag != "etag" {
		t.Fatalf("unexpected get body %q info %+v", body, got)
	}
	if got.Metadata["archive"] != "a.zip" {
		t.Fatalf("expected metadata round trip, got %v", got.Metadata)
	}
}

func TestStore_NotFound(t *testing.T) {
	ctx := context.Background()
	store := NewMockForTests(0)
	if _, err := store.Head(ctx, "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("head: expected ErrNotFound, got %v", err)
	}
	if _, _, err := store.Get(ctx, "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("get: expected ErrNotFound, got %v", err)
	}
}

func TestStore_ListPaginates(t *testing.T) {
	ctx := context.Background()
	store := NewMockForTests(2)
	for _, k := range []string{"p/c.csv", "p/a.csv", "q/z.csv", "p/b.csv"} {
		if _, err := store.Put(ctx, k, strings.NewReader(k), core.PutOptions{}); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}
	list, err := store.List(ctx, "p/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 || list[0].Key != "p/a.csv" || list[2].Key != "p/c.csv" {
		t.Fatalf("unexpected list %+v", list)
	}
	empty, err := store.List(ctx, "none/")
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected empty list, got %v %v", empty, err)
	}
}

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatalf("expected bucket error")
	}
}

func TestDecodeChunked(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"5\r\nhello\r\n0\r\n", "hello", true},
		{"3;chunk-signature=x\r\nabc\r\n2\r\nde\r\n0\r\nx-amz-checksum-crc32:AAAA\r\n\r\n", "abcde", true},
		{"crash_id\n1\n", "", false},
		{"5\r\nhi\r\n0\r\n", "", false},
	}
	for _, tc := range cases {
		got, ok := decodeChunked([]byte(tc.in))
		if ok != tc.ok || (ok && string(got) != tc.want) {
			t.Fatalf("decodeChunked(%q) = %q, %v", tc.in, got, ok)
		}
	}
}
