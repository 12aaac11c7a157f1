package memory

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"crisimport/internal/blob/core"
)

func TestStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()
	if s.Driver() != core.DriverMemory {
		t.Fatalf("unexpected driver %s", s.Driver())
	}
	md := map[string]string{"archive": "a.zip"}
	if _, err := s.Put(ctx, "p/one.csv", strings.NewReader("abc"), core.PutOptions{Metadata: md}); err != nil {
		t.Fatalf("put: %v", err)
	}
	md["archive"] = "mutated"
	if _, err := s.Put(ctx, "p/one.csv", strings.NewReader("x"), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	info, rc, err := s.Get(ctx, "p/one.csv")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	b, _ := io.ReadAll(rc)
	if string(b) != "abc" || info.Metadata["archive"] != "a.zip" {
		t.Fatalf("unexpected blob %q %+v", b, info)
	}
	info.Metadata["archive"] = "changed"
	head, err := s.Head(ctx, "p/one.csv")
	if err != nil || head.Metadata["archive"] != "a.zip" {
		t.Fatalf("metadata leaked: %+v %v", head, err)
	}
	if _, err := s.Put(ctx, "q/two.csv", strings.NewReader(""), core.PutOptions{}); err != nil {
		t.Fatalf("put q: %v", err)
	}
	list, _ := s.List(ctx, "p/")
	if len(list) != 1 || list[0].Key != "p/one.csv" {
		t.Fatalf("unexpected list %+v", list)
	}
}

func TestStoreMissingAndEmptyKey(t *testing.T) {
	ctx := context.Background()
	s := New()
	if _, err := s.Head(ctx, "nope"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, _, err := s.Get(ctx, "nope"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.Put(ctx, " ", strings.NewReader(""), core.PutOptions{}); err == nil {
		t.Fatalf("expected empty key error")
	}
}
