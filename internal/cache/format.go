package cache

import (
	"bytes"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RequestTimeHeader carries the request timestamp (milliseconds since the
// epoch) inside a cache file. It is always present in encoded files.
const RequestTimeHeader = "X-Request-Timestamp"

var ErrMalformedEntry = errors.New("malformed cache file")

// EncodeFile serializes a response into the persistent cache file layout:
// one "Name: Value\r\n" line per header in order, a blank line, then the body.
// Date and Content-Length are synthesized when missing and the request
// timestamp header is always rewritten.
func EncodeFile(h Header, body []byte, requestTime time.Time) []byte {
	h = h.Clone()
	if h.Get("Date") == "" {
		h = append(h, Field{Name: "Date", Value: requestTime.UTC().Format(http.TimeFormat)})
	}
	if h.Get("Content-Length") == "" {
		h = append(h, Field{Name: "Content-Length", Value: strconv.Itoa(len(body))})
	}
	h = h.Set(RequestTimeHeader, strconv.FormatInt(requestTime.UnixMilli(), 10))

	var buf bytes.Buffer
	buf.Grow(h.size() + len(body) + 2)
	for _, f := range h {
		buf.WriteString(f.Name)
		buf.WriteString(": ")
		buf.WriteString(f.Value)
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
	buf.Write(body)
	return buf.Bytes()
}

// DecodeFile splits a cache file into its header list and body.
func DecodeFile(b []byte) (Header, []byte, error) {
	var h Header
	rest := b
	for {
		i := bytes.Index(rest, []byte("\r\n"))
		if i < 0 {
			return nil, nil, ErrMalformedEntry
		}
		line := string(rest[:i])
		rest = rest[i+2:]
		if line == "" {
			return h, rest, nil
		}
		name, value, ok := strings.Cut(line, ": ")
		if !ok || name == "" {
			return nil, nil, ErrMalformedEntry
		}
		h = append(h, Field{Name: name, Value: value})
	}
}

// ParseEntry decodes a cache file into an Entry. The expiration is computed
// from the stored header with the request timestamp as the base time.
func ParseEntry(b []byte, now time.Time) (*Entry, error) {
	h, body, err := DecodeFile(b)
	if err != nil {
		return nil, err
	}
	e := &Entry{
		Content: body,
		Header:  h,
	}
	if ms, err := strconv.ParseInt(h.Get(RequestTimeHeader), 10, 64); err == nil {
		e.RequestTime = time.UnixMilli(ms)
	}
	base := e.RequestTime
	if base.IsZero() {
		base = now
	}
	e.Expires = Expiration(h, base, now)
	return e, nil
}
