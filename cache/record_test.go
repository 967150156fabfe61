package cache

import (
	"bytes"
	"errors"
	"net/http"
	"strings"
	"testing"
)

func TestRecord(t *testing.T) {
	e := testEntry("http://example.com/", strings.Repeat("invoice ", 512))
	e.Header["Set-Cookie"] = []string{"a=1", "b=2"}
	e.RequestHeader.Set("Accept-Language", "en")
	key := Key("GET http://example.com/")

	data := marshalRecord(key, e)
	if len(data) >= len(e.Body) {
		t.Errorf("record of %d bytes is not compressed (body %d bytes)", len(data), len(e.Body))
	}

	gotKey, got, err := unmarshalRecord(data)
	if err != nil {
		t.Fatalf("unmarshalRecord() error = %v", err)
	}
	if gotKey != key {
		t.Errorf("key = %q, want %q", gotKey, key)
	}
	if got.URL != e.URL || got.Status != e.Status || !got.StoredAt.Equal(e.StoredAt) {
		t.Errorf("got %+v", got)
	}
	if !bytes.Equal(got.Body, e.Body) {
		t.Error("body differs")
	}
	if v := got.Header.Values("Set-Cookie"); len(v) != 2 || v[1] != "b=2" {
		t.Errorf("Set-Cookie = %v", v)
	}
	if got.RequestHeader.Get("Accept-Language") != "en" {
		t.Errorf("request header lost: %v", got.RequestHeader)
	}
}

func TestRecord_Malformed(t *testing.T) {
	for _, data := range [][]byte{
		{0x0a, 0x05, 'a'},
		marshalRecord("", &Entry{Status: http.StatusOK}),
	} {
		if _, _, err := unmarshalRecord(data); !errors.Is(err, errRecord) {
			t.Errorf("unmarshalRecord(%x) error = %v, want errRecord", data, err)
		}
	}
}
