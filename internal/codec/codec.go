// Copyright 2026 The Polyglot Fetch Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package codec wraps response body streams with on-the-fly
// decompression selected by the content-encoding header.
package codec

import (
	"bufio"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"go.uber.org/zap"
)

// Decode wraps body with the decoder matching the response's
// content-encoding. The input is returned unchanged when the status
// cannot carry a body (204, 304), content-length is 0, or the
// encoding is absent or unrecognized. Decoder errors surface from
// Read on the returned stream; closing it closes body, so an
// upstream cancellation is observed by the decoder instead of the
// decoder waiting forever for more input.
func Decode(status int, header http.Header, body io.ReadCloser, log *zap.Logger) io.ReadCloser {
	if log == nil {
		log = zap.NewNop()
	}
	if status == http.StatusNoContent || status == http.StatusNotModified {
		return body
	}
	if header.Get("Content-Length") == "0" {
		return body
	}
	encoding := strings.ToLower(strings.TrimSpace(header.Get("Content-Encoding")))
	switch encoding {
	case "gzip", "x-gzip":
		return &decodedBody{underlying: body, open: openGzip, log: log, encoding: encoding}
	case "deflate", "x-deflate":
		return &decodedBody{underlying: body, open: openDeflate, log: log, encoding: encoding}
	case "br":
		return &decodedBody{underlying: body, open: openBrotli, log: log, encoding: encoding}
	case "":
		return body
	default:
		log.Debug("unrecognized content-encoding; passing through",
			zap.String("encoding", encoding))
		return body
	}
}

func openGzip(r io.Reader) (io.Reader, error) {
	return gzip.NewReader(r)
}

// openDeflate sniffs the stream: servers send either a zlib-wrapped
// deflate stream (RFC 2616's intent) or a raw one (common in the
// wild). A zlib stream starts with a CMF byte whose low nibble is 8.
func openDeflate(r io.Reader) (io.Reader, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(1)
	if err != nil {
		return br, nil // empty body; let Read surface EOF
	}
	if head[0]&0x0f == 0x08 {
		return zlib.NewReader(br)
	}
	return flate.NewReader(br), nil
}

func openBrotli(r io.Reader) (io.Reader, error) {
	return brotli.NewReader(r), nil
}

// decodedBody opens its decompressor lazily on first read, so a
// response that is never consumed costs nothing, and an open error
// (e.g. a bad gzip header) is delivered to the reader.
type decodedBody struct {
	underlying io.ReadCloser
	open       func(io.Reader) (io.Reader, error)
	log        *zap.Logger
	encoding   string

	dec io.Reader
	err error
}

func (d *decodedBody) Read(p []byte) (int, error) {
	if d.err != nil {
		return 0, d.err
	}
	if d.dec == nil {
		dec, err := d.open(d.underlying)
		if err != nil {
			d.log.Warn("content decoder failed to open",
				zap.String("encoding", d.encoding), zap.Error(err))
			d.err = err
			return 0, err
		}
		d.dec = dec
	}
	n, err := d.dec.Read(p)
	if err != nil && err != io.EOF {
		d.log.Warn("content decoder error",
			zap.String("encoding", d.encoding), zap.Error(err))
		d.err = err
	}
	return n, err
}

func (d *decodedBody) Close() error {
	if d.err == nil {
		d.err = io.ErrClosedPipe
	}
	return d.underlying.Close()
}
