package netload

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// Class tells the pipeline how a request may use the cache.
type Class int

const (
	ClassNormal Class = iota
	ClassAddressBar
	ClassHistory
	ClassSoftReload
	ClassHardReload
	ClassProgrammatic
	ClassDownload
)

func (c Class) String() string {
	switch c {
	case ClassNormal:
		return "normal"
	case ClassAddressBar:
		return "address-bar"
	case ClassHistory:
		return "history"
	case ClassSoftReload:
		return "soft-reload"
	case ClassHardReload:
		return "hard-reload"
	case ClassProgrammatic:
		return "programmatic"
	case ClassDownload:
		return "download"
	}
	return "unknown"
}

func (c Class) readsCache() bool {
	return c != ClassHardReload && c != ClassDownload
}

func (c Class) writesCache() bool {
	return c != ClassDownload
}

func (c Class) alwaysRevalidates() bool {
	return c == ClassAddressBar || c == ClassSoftReload
}

type Enctype int

const (
	EnctypeURLEncoded Enctype = iota
	EnctypeMultipart
)

// File is the value of a file parameter. Data is used when set; otherwise
// the file at Path is read, subject to the sandbox.
type File struct {
	// Name is the file name sent to the server. It defaults to the base of
	// Path.
	Name string
	Path string
	Data []byte
	// ContentType defaults to a type guessed from the name's extension.
	ContentType string
}

// Param is a form parameter. Exactly one of Value and File is meaningful.
type Param struct {
	Name  string
	Value string
	File  *File
}

// Request describes one resource load. A Request is not modified once handed
// to the pipeline; redirects derive new requests with Redirect.
type Request struct {
	URL     *url.URL
	Method  string
	Params  []Param
	Enctype Enctype
	// Charset is used to encode parameter names and values. Empty means UTF-8.
	Charset  string
	Header   http.Header
	Referrer string
	Class    Class
}

// NewRequest parses rawURL into a GET request of class ClassNormal.
func NewRequest(rawURL string) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" {
		return nil, errors.Wrapf(ErrMalformedTarget, "%q", rawURL)
	}
	return &Request{URL: u, Method: http.MethodGet}, nil
}

func (r *Request) method() string {
	if r.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(r.Method)
}

// TargetURL builds the URL the request is sent to. GET parameters are
// appended to the query, after any existing query, and the fragment is kept.
// file: URLs never carry a query.
func (r *Request) TargetURL() (*url.URL, error) {
	if r.URL == nil || r.URL.Scheme == "" {
		return nil, errors.Wrap(ErrMalformedTarget, "missing url or scheme")
	}
	u := *r.URL
	if u.User != nil {
		user := *u.User
		u.User = &user
	}

	if r.method() == http.MethodGet && len(r.Params) > 0 {
		q, err := encodeForm(r.Params, r.Charset)
		if err != nil {
			return nil, errors.Wrapf(ErrMalformedTarget, "encode query: %v", err)
		}
		if u.RawQuery != "" {
			u.RawQuery += "&" + q
		} else {
			u.RawQuery = q
		}
	}
	if strings.EqualFold(u.Scheme, "file") {
		u.RawQuery = ""
		u.ForceQuery = false
	}

	if _, err := url.Parse(u.String()); err != nil {
		return nil, errors.Wrapf(ErrMalformedTarget, "%v", err)
	}
	return &u, nil
}

// Redirect derives the request that follows a redirect response with the
// given status to loc. 301, 302 and 303 turn into a parameterless GET; 307
// and 308 keep the method and parameters.
func (r *Request) Redirect(loc *url.URL, status int) *Request {
	next := *r
	next.URL = loc
	next.Header = r.Header.Clone()
	switch status {
	case http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		// GET parameters already live in the query the server redirected.
		if next.method() == http.MethodGet {
			next.Params = nil
		} else {
			next.Params = append([]Param(nil), r.Params...)
		}
	default:
		if next.method() != http.MethodHead {
			next.Method = http.MethodGet
		}
		next.Params = nil
		next.Enctype = EnctypeURLEncoded
	}
	return &next
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}
