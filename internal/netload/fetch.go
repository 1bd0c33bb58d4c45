package netload

import (
	"context"
	"io"
	"net/http"
	"net/url"

	"github.com/pkg/errors"
)

// Result is a response read to the end by Fetch.
type Result struct {
	URL         *url.URL
	StatusCode  int
	Header      http.Header
	Body        []byte
	Charset     string
	FromCache   bool
	Revalidated bool
}

// Fetch runs req on the calling goroutine and reads the whole response.
func (p *Pipeline) Fetch(ctx context.Context, req *Request) (*Result, error) {
	var (
		res    *Result
		runErr error
	)
	h := NewHandler(req)
	h.OnResponse = func(resp *Response) error {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return errors.Wrap(err, "read body")
		}
		res = &Result{
			URL:         resp.URL,
			StatusCode:  resp.StatusCode,
			Header:      resp.Header,
			Body:        body,
			Charset:     resp.Charset(),
			FromCache:   resp.FromCache,
			Revalidated: resp.Revalidated,
		}
		return nil
	}
	h.OnError = func(_ *Response, err error) bool {
		runErr = err
		return true
	}
	p.Run(ctx, h)
	if runErr != nil {
		return nil, runErr
	}
	if res == nil {
		return nil, ErrCancelled
	}
	return res, nil
}
