package cache

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/encoding/protowire"
)

// Stored entries are protobuf-framed records:
//
//	1 key string
//	2 url string
//	3 status varint
//	4 header (repeated) {1 name, 2 value (repeated)}
//	5 request header (repeated), same shape as 4
//	6 body bytes, zstd compressed
//	7 stored_at varint, unix nanoseconds
const (
	fieldKey           protowire.Number = 1
	fieldURL           protowire.Number = 2
	fieldStatus        protowire.Number = 3
	fieldHeader        protowire.Number = 4
	fieldRequestHeader protowire.Number = 5
	fieldBody          protowire.Number = 6
	fieldStoredAt      protowire.Number = 7

	fieldHeaderName  protowire.Number = 1
	fieldHeaderValue protowire.Number = 2
)

var errRecord = errors.New("malformed cache record")

var (
	encoder, _ = zstd.NewWriter(nil)
	decoder, _ = zstd.NewReader(nil)
)

func marshalRecord(key Key, e *Entry) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldKey, protowire.BytesType)
	b = protowire.AppendString(b, string(key))
	b = protowire.AppendTag(b, fieldURL, protowire.BytesType)
	b = protowire.AppendString(b, e.URL)
	b = protowire.AppendTag(b, fieldStatus, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Status))
	b = appendHeader(b, fieldHeader, e.Header)
	b = appendHeader(b, fieldRequestHeader, e.RequestHeader)
	b = protowire.AppendTag(b, fieldBody, protowire.BytesType)
	b = protowire.AppendBytes(b, encoder.EncodeAll(e.Body, nil))
	if !e.StoredAt.IsZero() {
		b = protowire.AppendTag(b, fieldStoredAt, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.StoredAt.UnixNano()))
	}
	return b
}

func appendHeader(b []byte, num protowire.Number, h http.Header) []byte {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		var m []byte
		m = protowire.AppendTag(m, fieldHeaderName, protowire.BytesType)
		m = protowire.AppendString(m, name)
		for _, v := range h[name] {
			m = protowire.AppendTag(m, fieldHeaderValue, protowire.BytesType)
			m = protowire.AppendString(m, v)
		}
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	return b
}

func unmarshalRecord(b []byte) (Key, *Entry, error) {
	var key Key
	e := &Entry{
		Header:        make(http.Header),
		RequestHeader: make(http.Header),
	}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", nil, fmt.Errorf("%w: %v", errRecord, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldKey && typ == protowire.BytesType:
			var v string
			v, n = protowire.ConsumeString(b)
			key = Key(v)
		case num == fieldURL && typ == protowire.BytesType:
			e.URL, n = protowire.ConsumeString(b)
		case num == fieldStatus && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			e.Status = int(v)
		case (num == fieldHeader || num == fieldRequestHeader) && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			if n >= 0 {
				h := e.Header
				if num == fieldRequestHeader {
					h = e.RequestHeader
				}
				if err := consumeHeader(v, h); err != nil {
					return "", nil, err
				}
			}
		case num == fieldBody && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			if n >= 0 {
				body, err := decoder.DecodeAll(v, nil)
				if err != nil {
					return "", nil, fmt.Errorf("%w: body: %v", errRecord, err)
				}
				e.Body = body
			}
		case num == fieldStoredAt && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			e.StoredAt = time.Unix(0, int64(v))
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return "", nil, fmt.Errorf("%w: field %d: %v", errRecord, num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	if key == "" {
		return "", nil, fmt.Errorf("%w: missing key", errRecord)
	}
	return key, e, nil
}

func consumeHeader(b []byte, h http.Header) error {
	var name string
	var values []string
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: header: %v", errRecord, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldHeaderName && typ == protowire.BytesType:
			name, n = protowire.ConsumeString(b)
		case num == fieldHeaderValue && typ == protowire.BytesType:
			var v string
			v, n = protowire.ConsumeString(b)
			values = append(values, v)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: header: %v", errRecord, protowire.ParseError(n))
		}
		b = b[n:]
	}
	if name == "" {
		return fmt.Errorf("%w: header without name", errRecord)
	}
	h[name] = append(h[name], values...)
	return nil
}
