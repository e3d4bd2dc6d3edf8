package media

import (
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
)

const (
	smallResourceLimit  = 10 << 20
	mediumResourceLimit = 100 << 20

	smallChunkSize  = 256 << 10
	mediumChunkSize = 512 << 10
	largeChunkSize  = 1 << 20
)

const defaultContentType = "application/octet-stream"

var contentTypes = map[string]string{
	".mp4":  "video/mp4",
	".webm": "video/webm",
	".ogg":  "video/ogg",
	".avi":  "video/x-msvideo",
	".mov":  "video/quicktime",
	".mkv":  "video/x-matroska",
}

// ContentTypeFor maps a file name's extension to its video MIME type.
func ContentTypeFor(name string) string {
	if ct, ok := contentTypes[strings.ToLower(path.Ext(name))]; ok {
		return ct
	}
	return defaultContentType
}

// ChunkSizeFor picks the copy buffer size for a resource of size bytes:
// bigger files get bigger chunks, small ones keep per-session memory low.
func ChunkSizeFor(size int64) int {
	switch {
	case size < smallResourceLimit:
		return smallChunkSize
	case size < mediumResourceLimit:
		return mediumChunkSize
	default:
		return largeChunkSize
	}
}

// StreamSession describes one response to a stream request. Body is nil for
// 416 responses; otherwise the session owns it and must Close it exactly once.
type StreamSession struct {
	Status        int
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64
	ChunkSize     int
}

// Close releases the body. It is safe to call more than once.
func (s *StreamSession) Close() error {
	if s == nil || s.Body == nil {
		return nil
	}
	return s.Body.Close()
}

// BuildSession turns a resolved range into a session over the file at path,
// which is size bytes long. Malformed outcomes must be rejected by the caller
// before building. Open failures are reported as ErrResourceUnavailable.
func BuildSession(files Files, filePath string, size int64, outcome RangeOutcome) (*StreamSession, error) {
	header := make(http.Header)

	switch outcome.Kind {
	case RangeUnsatisfiable:
		header.Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		return &StreamSession{Status: http.StatusRequestedRangeNotSatisfiable, Header: header}, nil
	case RangeMalformed:
		return nil, ErrInvalidRange
	}

	status := http.StatusOK
	start, end := int64(0), size-1
	if outcome.Kind == RangeSatisfiable {
		status = http.StatusPartialContent
		start, end = outcome.Range.Start, outcome.Range.End
		header.Set("Content-Range", outcome.Range.ContentRange())
	}
	length := end - start + 1
	if length < 0 {
		length = 0
	}

	header.Set("Accept-Ranges", "bytes")
	header.Set("Content-Length", strconv.FormatInt(length, 10))
	header.Set("Content-Type", ContentTypeFor(filePath))

	session := &StreamSession{
		Status:        status,
		Header:        header,
		ContentLength: length,
		ChunkSize:     ChunkSizeFor(size),
	}
	if length == 0 {
		return session, nil
	}

	body, err := files.OpenRange(filePath, start, end)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrResourceUnavailable, filePath, err)
	}
	session.Body = &onceCloser{ReadCloser: body}
	return session, nil
}

// onceCloser makes Close idempotent.
type onceCloser struct {
	io.ReadCloser
	once sync.Once
	err  error
}

func (c *onceCloser) Close() error {
	c.once.Do(func() { c.err = c.ReadCloser.Close() })
	return c.err
}
