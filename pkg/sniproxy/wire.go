package sniproxy

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/valyala/fasthttp"
)

// maxHeadSize bounds a request or response start line plus header fields.
const maxHeadSize = 64 << 10

var (
	errHeadTooLarge = errors.New("message head too large")
	errBadChunk     = errors.New("malformed chunked body")
)

// Body framing of a relayed message.
const (
	bodyNone    = iota
	bodyLength  // exactly Content-Length bytes
	bodyChunked // chunked, relayed chunk by chunk
	bodyUntilEOF
)

// readHead reads a start line and header fields verbatim, up to and including
// the empty line that ends them. Empty lines before the start line are
// dropped. io.EOF is returned only when the reader ends before any byte.
func readHead(br *bufio.Reader) ([]byte, error) {
	var (
		head    []byte
		partial bool
	)
	for {
		line, err := br.ReadSlice('\n')
		if err != nil && !errors.Is(err, bufio.ErrBufferFull) {
			if errors.Is(err, io.EOF) {
				if len(head) == 0 && len(line) == 0 {
					return nil, io.EOF
				}
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		full := err == nil
		if full && !partial && isEmptyLine(line) {
			if len(head) == 0 {
				continue
			}
			return append(head, line...), nil
		}
		head = append(head, line...)
		if len(head) > maxHeadSize {
			return nil, errHeadTooLarge
		}
		partial = !full
	}
}

func isEmptyLine(line []byte) bool {
	return bytes.Equal(line, []byte("\r\n")) || bytes.Equal(line, []byte("\n"))
}

// parseRequestHead parses a head returned by readHead. Only framing and
// connection fields are read from the result; the head itself is what gets
// relayed.
func parseRequestHead(head []byte, h *fasthttp.RequestHeader) error {
	return h.Read(bufio.NewReaderSize(bytes.NewReader(head), len(head)))
}

// parseResponseHead is parseRequestHead for a backend status line and headers.
func parseResponseHead(head []byte, h *fasthttp.ResponseHeader) error {
	return h.Read(bufio.NewReaderSize(bytes.NewReader(head), len(head)))
}

// requestFraming reports how the body following a request head is delimited.
// A request with neither Content-Length nor chunked encoding has no body.
func requestFraming(h *fasthttp.RequestHeader) (kind int, n int64) {
	switch cl := h.ContentLength(); {
	case cl == -1:
		return bodyChunked, 0
	case cl > 0:
		return bodyLength, int64(cl)
	default:
		return bodyNone, 0
	}
}

// responseFraming reports how the body following a response head is
// delimited. HEAD responses and 1xx, 204 and 304 responses have no body; a
// response with neither Content-Length nor chunked encoding runs until the
// backend closes.
func responseFraming(h *fasthttp.ResponseHeader, head bool) (kind int, n int64) {
	status := h.StatusCode()
	if head || status < 200 || status == fasthttp.StatusNoContent || status == fasthttp.StatusNotModified {
		return bodyNone, 0
	}
	switch cl := h.ContentLength(); {
	case cl == -1:
		return bodyChunked, 0
	case cl == -2:
		return bodyUntilEOF, 0
	case cl > 0:
		return bodyLength, int64(cl)
	default:
		return bodyNone, 0
	}
}

// copyBody relays one message body from src to dst with the given framing.
// Chunked bodies are copied verbatim, chunk extensions and trailers
// included, and dst is flushed after every chunk.
func copyBody(dst *bufio.Writer, src *bufio.Reader, kind int, n int64) (int64, error) {
	var (
		written int64
		err     error
	)
	switch kind {
	case bodyLength:
		written, err = io.CopyN(dst, src, n)
	case bodyChunked:
		written, err = copyChunked(dst, src)
	case bodyUntilEOF:
		written, err = io.Copy(dst, src)
	}
	if err != nil {
		return written, err
	}
	return written, dst.Flush()
}

func copyChunked(dst *bufio.Writer, src *bufio.Reader) (int64, error) {
	var written int64
	for {
		line, err := readLine(src)
		if err != nil {
			return written, err
		}
		size, err := chunkSize(line)
		if err != nil {
			return written, err
		}
		if _, err := dst.Write(line); err != nil {
			return written, err
		}
		if size == 0 {
			// trailer fields, then the final empty line
			for {
				line, err := readLine(src)
				if err != nil {
					return written, err
				}
				if _, err := dst.Write(line); err != nil {
					return written, err
				}
				if isEmptyLine(line) {
					return written, dst.Flush()
				}
			}
		}
		n, err := io.CopyN(dst, src, size)
		written += n
		if err != nil {
			return written, err
		}
		line, err = readLine(src)
		if err != nil {
			return written, err
		}
		if !isEmptyLine(line) {
			return written, errBadChunk
		}
		if _, err := dst.Write(line); err != nil {
			return written, err
		}
		if err := dst.Flush(); err != nil {
			return written, err
		}
	}
}

// readLine returns one line including its terminator. Lines longer than the
// reader's buffer are rejected.
func readLine(br *bufio.Reader) ([]byte, error) {
	line, err := br.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) {
		return nil, errBadChunk
	}
	if errors.Is(err, io.EOF) {
		return nil, io.ErrUnexpectedEOF
	}
	return line, err
}

// chunkSize parses the hex size at the start of a chunk-size line.
func chunkSize(line []byte) (int64, error) {
	s := bytes.TrimRight(line, "\r\n")
	if i := bytes.IndexByte(s, ';'); i >= 0 {
		s = s[:i]
	}
	s = bytes.TrimSpace(s)
	size, err := strconv.ParseInt(string(s), 16, 64)
	if err != nil || size < 0 {
		return 0, fmt.Errorf("%w: size line %q", errBadChunk, line)
	}
	return size, nil
}

// writeTunnelEstablished answers a CONNECT that was accepted. A 2xx answer to
// CONNECT carries neither a body nor Content-Length.
func writeTunnelEstablished(w *bufio.Writer) error {
	var h fasthttp.ResponseHeader
	h.SetStatusCode(fasthttp.StatusOK)
	if err := h.Write(w); err != nil {
		return err
	}
	return w.Flush()
}

// writeStatus writes a response generated by the proxy itself.
func writeStatus(w *bufio.Writer, status int, body string, closeConn bool) error {
	var resp fasthttp.Response
	resp.Header.SetNoDefaultContentType(true)
	resp.SetStatusCode(status)
	if body != "" {
		resp.Header.SetContentType("text/plain; charset=utf-8")
		resp.SetBodyString(body)
	}
	if closeConn {
		resp.SetConnectionClose()
	}
	if err := resp.Write(w); err != nil {
		return err
	}
	return w.Flush()
}
