package netload

import "github.com/pkg/errors"

var (
	// ErrMalformedTarget is returned when a request URL cannot be built. It is
	// never retried.
	ErrMalformedTarget = errors.New("malformed target url")
	// ErrRedirectLoop is returned when a request is redirected more than
	// maxRedirects times.
	ErrRedirectLoop = errors.New("too many redirects")
	// ErrCancelled marks a run that stopped because it was aborted. It is
	// logged but never reported to the handler as a failure.
	ErrCancelled = errors.New("request cancelled")
	// ErrPathDenied is returned when the sandbox refuses access to a local
	// file.
	ErrPathDenied = errors.New("path not allowed")
	// ErrUnsafeRedirect is returned when an http(s) response redirects to
	// another scheme, such as file:.
	ErrUnsafeRedirect = errors.New("redirect leaves http(s)")
	ErrClosed         = errors.New("scheduler closed")
)
