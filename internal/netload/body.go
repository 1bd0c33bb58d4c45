package netload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
)

const (
	formContentType      = "application/x-www-form-urlencoded"
	multipartContentType = "multipart/form-data"
)

// requestBody is an encoded POST body. length is -1 when the body is sent
// chunked.
type requestBody struct {
	r           io.ReadCloser
	length      int64
	contentType string
}

func charsetEncoder(charset string) (*encoding.Encoder, error) {
	if charset == "" {
		charset = "utf-8"
	}
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil, errors.Wrapf(err, "charset %q", charset)
	}
	return encoding.ReplaceUnsupported(enc.NewEncoder()), nil
}

// encodeForm percent-encodes the parameters in charset and joins them with
// "&". File parameters contribute their file name.
func encodeForm(params []Param, charset string) (string, error) {
	enc, err := charsetEncoder(charset)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for i, p := range params {
		value := p.Value
		if p.File != nil {
			value = p.File.name()
		}
		name, err := enc.String(p.Name)
		if err != nil {
			return "", errors.Wrapf(err, "encode name %q", p.Name)
		}
		value, err = enc.String(value)
		if err != nil {
			return "", errors.Wrapf(err, "encode value of %q", p.Name)
		}
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(name))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(value))
	}
	return b.String(), nil
}

// encodeBody encodes the parameters of req as a POST body. With chunked set
// the body has no length and multipart sections are streamed as they are
// produced; otherwise the whole body is buffered first. File paths are
// checked against sb with the principal of ctx.
func encodeBody(ctx context.Context, req *Request, sb Sandbox, chunked bool) (*requestBody, error) {
	if req.Enctype == EnctypeMultipart {
		return encodeMultipart(ctx, req, sb, chunked)
	}
	form, err := encodeForm(req.Params, req.Charset)
	if err != nil {
		return nil, err
	}
	body := &requestBody{
		r:           io.NopCloser(strings.NewReader(form)),
		length:      int64(len(form)),
		contentType: formContentType,
	}
	if chunked {
		body.length = -1
	}
	return body, nil
}

func encodeMultipart(ctx context.Context, req *Request, sb Sandbox, chunked bool) (*requestBody, error) {
	enc, err := charsetEncoder(req.Charset)
	if err != nil {
		return nil, err
	}
	// fail before any bytes are produced
	for _, p := range req.Params {
		if p.File != nil && p.File.Data == nil && !sb.AllowPath(ctx, p.File.Path) {
			return nil, errors.Wrapf(ErrPathDenied, "%q", p.File.Path)
		}
	}

	if !chunked {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		if err := writeMultipart(mw, req.Params, enc); err != nil {
			return nil, err
		}
		return &requestBody{
			r:           io.NopCloser(bytes.NewReader(buf.Bytes())),
			length:      int64(buf.Len()),
			contentType: mw.FormDataContentType(),
		}, nil
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeMultipart(mw, req.Params, enc))
	}()
	return &requestBody{
		r:           pr,
		length:      -1,
		contentType: mw.FormDataContentType(),
	}, nil
}

func writeMultipart(mw *multipart.Writer, params []Param, enc *encoding.Encoder) error {
	for _, p := range params {
		name, err := enc.String(p.Name)
		if err != nil {
			return errors.Wrapf(err, "encode name %q", p.Name)
		}
		if p.File == nil {
			value, err := enc.String(p.Value)
			if err != nil {
				return errors.Wrapf(err, "encode value of %q", p.Name)
			}
			if err := mw.WriteField(name, value); err != nil {
				return errors.Wrap(err, "write field")
			}
			continue
		}
		if err := writeFilePart(mw, name, p.File); err != nil {
			return err
		}
	}
	return errors.Wrap(mw.Close(), "close multipart body")
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func writeFilePart(mw *multipart.Writer, name string, f *File) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		quoteEscaper.Replace(name), quoteEscaper.Replace(f.name())))
	h.Set("Content-Type", f.contentType())
	w, err := mw.CreatePart(h)
	if err != nil {
		return errors.Wrap(err, "create file part")
	}
	if f.Data != nil {
		_, err = w.Write(f.Data)
		return errors.Wrap(err, "write file part")
	}
	src, err := os.Open(f.Path)
	if err != nil {
		return errors.Wrap(err, "open file parameter")
	}
	defer src.Close()
	_, err = io.Copy(w, src)
	return errors.Wrapf(err, "stream %q", f.Path)
}

func (f *File) name() string {
	if f.Name != "" {
		return f.Name
	}
	return filepath.Base(f.Path)
}

func (f *File) contentType() string {
	if f.ContentType != "" {
		return f.ContentType
	}
	if ct := mime.TypeByExtension(filepath.Ext(f.name())); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
