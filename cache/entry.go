package cache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Key identifies a stored response: the request method and its absolute URL.
type Key string

// KeyFor normalizes a request descriptor into a Key.
// The fragment never reaches the server, so it is dropped.
func KeyFor(method string, u *url.URL) Key {
	n := *u
	n.Fragment = ""
	n.RawFragment = ""
	n.Scheme = strings.ToLower(n.Scheme)
	n.Host = strings.ToLower(n.Host)
	if n.Path == "" {
		n.Path = "/"
	}
	return Key(strings.ToUpper(method) + " " + n.String())
}

// URL returns the URL half of the key.
func (k Key) URL() string {
	_, u, _ := strings.Cut(string(k), " ")
	return u
}

// Entry is a stored response.
type Entry struct {
	URL    string
	Status int
	Header http.Header
	Body   []byte

	// Values of the request headers named by the response's Vary header,
	// captured when the entry was stored.
	RequestHeader http.Header
	StoredAt      time.Time
}

// NewEntry builds an entry for resp, whose body has already been read into body.
func NewEntry(req *http.Request, resp *http.Response, body []byte) *Entry {
	e := &Entry{
		URL:           req.URL.String(),
		Status:        resp.StatusCode,
		Header:        resp.Header.Clone(),
		Body:          body,
		RequestHeader: make(http.Header),
		StoredAt:      time.Now(),
	}
	if e.Header == nil {
		e.Header = make(http.Header)
	}
	for _, name := range varyNames(e.Header) {
		if name == "*" {
			continue
		}
		if v, ok := req.Header[name]; ok {
			e.RequestHeader[name] = append([]string(nil), v...)
		}
	}
	return e
}

func varyNames(h http.Header) []string {
	var names []string
	for _, line := range h.Values("Vary") {
		for _, name := range strings.Split(line, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			if name != "*" {
				name = http.CanonicalHeaderKey(name)
			}
			names = append(names, name)
		}
	}
	return names
}

// Matches reports whether the entry may answer req under the entry's Vary header.
func (e *Entry) Matches(req *http.Request) bool {
	for _, name := range varyNames(e.Header) {
		if name == "*" {
			return false
		}
		if strings.Join(req.Header.Values(name), ",") != strings.Join(e.RequestHeader.Values(name), ",") {
			return false
		}
	}
	return true
}

// Response materializes a fresh response for req. Each call gets its own body reader.
func (e *Entry) Response(req *http.Request) *http.Response {
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status)),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        e.Header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

func (e *Entry) clone() *Entry {
	c := *e
	c.Header = e.Header.Clone()
	c.RequestHeader = e.RequestHeader.Clone()
	c.Body = append([]byte(nil), e.Body...)
	return &c
}

func sortedKeys(keys []Key) []Key {
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
