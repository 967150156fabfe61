package cache

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"reflect"
	"testing"
	"time"
)

func testEntry(url string, body string) *Entry {
	return &Entry{
		URL:    url,
		Status: http.StatusOK,
		Header: http.Header{
			"Content-Type": []string{"text/plain"},
		},
		Body:          []byte(body),
		RequestHeader: make(http.Header),
		StoredAt:      time.Unix(1700000000, 0),
	}
}

// testStorage runs the behavior every Storage implementation shares.
func testStorage(t *testing.T, s Storage) {
	t.Helper()
	ctx := context.Background()

	v1, err := s.Open(ctx, "cache-v1")
	if err != nil {
		t.Fatalf("Open(cache-v1) error = %v", err)
	}
	if _, err := s.Open(ctx, "cache-v2"); err != nil {
		t.Fatalf("Open(cache-v2) error = %v", err)
	}

	names, err := s.Names(ctx)
	if err != nil {
		t.Fatalf("Names() error = %v", err)
	}
	if !reflect.DeepEqual(names, []string{"cache-v1", "cache-v2"}) {
		t.Fatalf("Names() = %v, want [cache-v1 cache-v2]", names)
	}

	key := Key("GET http://example.com/report.pdf")
	e, err := v1.Match(ctx, key)
	if err != nil || e != nil {
		t.Fatalf("Match() on empty bucket = %v, %v; want nil, nil", e, err)
	}

	if err := v1.Put(ctx, key, testEntry("http://example.com/report.pdf", "first")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	// Last write wins
	if err := v1.Put(ctx, key, testEntry("http://example.com/report.pdf", "second")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	e, err = v1.Match(ctx, key)
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if e == nil {
		t.Fatal("Match() = nil after Put")
	}
	if !bytes.Equal(e.Body, []byte("second")) {
		t.Errorf("Body = %q, want %q", e.Body, "second")
	}
	if e.Status != http.StatusOK {
		t.Errorf("Status = %d, want 200", e.Status)
	}
	if got := e.Header.Get("Content-Type"); got != "text/plain" {
		t.Errorf("Content-Type = %q, want text/plain", got)
	}

	other, _ := s.Open(ctx, "cache-v2")
	if e, _ := other.Match(ctx, key); e != nil {
		t.Error("entry leaked into another bucket")
	}

	all := map[Key]*Entry{
		"GET http://example.com/":              testEntry("http://example.com/", "index"),
		"GET http://example.com/manifest.json": testEntry("http://example.com/manifest.json", "{}"),
	}
	if err := other.PutAll(ctx, all); err != nil {
		t.Fatalf("PutAll() error = %v", err)
	}
	keys, err := other.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}
	want := []Key{"GET http://example.com/", "GET http://example.com/manifest.json"}
	if !reflect.DeepEqual(keys, want) {
		t.Errorf("Keys() = %v, want %v", keys, want)
	}

	ok, err := other.Delete(ctx, "GET http://example.com/")
	if err != nil || !ok {
		t.Errorf("Delete(key) = %v, %v; want true, nil", ok, err)
	}
	ok, _ = other.Delete(ctx, "GET http://example.com/")
	if ok {
		t.Error("second Delete(key) reported an existing entry")
	}

	ok, err = s.Delete(ctx, "cache-v1")
	if err != nil || !ok {
		t.Fatalf("Delete(cache-v1) = %v, %v; want true, nil", ok, err)
	}
	ok, err = s.Delete(ctx, "cache-v1")
	if err != nil || ok {
		t.Errorf("Delete(cache-v1) again = %v, %v; want false, nil", ok, err)
	}
	names, _ = s.Names(ctx)
	if !reflect.DeepEqual(names, []string{"cache-v2"}) {
		t.Errorf("Names() after delete = %v, want [cache-v2]", names)
	}

	// A handle to a deleted bucket must not resurrect it
	err = v1.Put(ctx, key, testEntry("http://example.com/report.pdf", "late"))
	if !errors.Is(err, ErrBucketDeleted) {
		t.Errorf("Put() on deleted bucket error = %v, want ErrBucketDeleted", err)
	}
	names, _ = s.Names(ctx)
	if !reflect.DeepEqual(names, []string{"cache-v2"}) {
		t.Errorf("Names() after late write = %v, want [cache-v2]", names)
	}

	for _, name := range []string{"", ".", "..", " cache-v1"} {
		if _, err := s.Open(ctx, name); !errors.Is(err, ErrInvalidName) {
			t.Errorf("Open(%q) error = %v, want ErrInvalidName", name, err)
		}
	}
}

func TestMemoryStorage(t *testing.T) {
	testStorage(t, NewMemoryStorage())
}

func TestMemoryStorage_MatchReturnsCopy(t *testing.T) {
	ctx := context.Background()
	b, _ := NewMemoryStorage().Open(ctx, "v1")
	b.Put(ctx, "GET http://a/", testEntry("http://a/", "body"))

	e, _ := b.Match(ctx, "GET http://a/")
	e.Body[0] = 'X'
	e.Header.Set("Content-Type", "changed")

	again, _ := b.Match(ctx, "GET http://a/")
	if string(again.Body) != "body" || again.Header.Get("Content-Type") != "text/plain" {
		t.Errorf("stored entry was mutated through a Match result: %q %q", again.Body, again.Header.Get("Content-Type"))
	}
}
