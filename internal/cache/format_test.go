package cache

import (
	"bytes"
	"testing"
	"time"
)

func TestEncodeFileLayout(t *testing.T) {
	requested := time.UnixMilli(1700000000123)
	h := Header{
		{"Content-Type", "text/plain"},
		{"Date", "Tue, 14 Nov 2023 22:13:20 GMT"},
	}
	got := EncodeFile(h, []byte("hello"), requested)
	want := "Content-Type: text/plain\r\n" +
		"Date: Tue, 14 Nov 2023 22:13:20 GMT\r\n" +
		"Content-Length: 5\r\n" +
		"X-Request-Timestamp: 1700000000123\r\n" +
		"\r\n" +
		"hello"
	if string(got) != want {
		t.Fatalf("encoded file is %q", got)
	}
}

func TestEncodeFileSynthesizesDate(t *testing.T) {
	requested := time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC)
	got := EncodeFile(nil, nil, requested)
	h, body, err := DecodeFile(got)
	if err != nil {
		t.Fatal(err)
	}
	if len(body) != 0 {
		t.Fatalf("body is %q", body)
	}
	if d := h.Get("Date"); d != "Tue, 14 Nov 2023 22:13:20 GMT" {
		t.Fatalf("Date is %q", d)
	}
	if cl := h.Get("Content-Length"); cl != "0" {
		t.Fatalf("Content-Length is %q", cl)
	}
}

func TestCacheFileRoundTripIsByteIdentical(t *testing.T) {
	requested := time.UnixMilli(1700000000000)
	body := []byte("line one\r\n\r\nline two")
	first := EncodeFile(Header{{"X-B", "2"}, {"X-A", "1"}, {"X-B", "3"}}, body, requested)

	h, gotBody, err := DecodeFile(first)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(gotBody, body) {
		t.Fatalf("body is %q", gotBody)
	}
	second := EncodeFile(h, gotBody, requested)
	if !bytes.Equal(first, second) {
		t.Fatalf("re-encoded file differs:\n%q\n%q", first, second)
	}
}

func TestParseEntry(t *testing.T) {
	requested := time.UnixMilli(1700000000000)
	b := EncodeFile(Header{{"Cache-Control", "max-age=60"}}, []byte("x"), requested)
	e, err := ParseEntry(b, requested.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if !e.RequestTime.Equal(requested) {
		t.Fatalf("request time is %s", e.RequestTime)
	}
	if !e.Expires.Equal(requested.Add(time.Minute)) {
		t.Fatalf("expires is %s", e.Expires)
	}
	if _, err := ParseEntry([]byte("no header terminator"), requested); err == nil {
		t.Fatal("expected error for malformed file")
	}
}
