package media

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"mediaflow/internal/platform/logger"
	"mediaflow/internal/platform/metrics"
)

// brokenWriter accepts limit bytes and then fails like a closed connection.
type brokenWriter struct {
	header  http.Header
	status  int
	limit   int
	written bytes.Buffer
	calls   int
}

func (w *brokenWriter) Header() http.Header { return w.header }

func (w *brokenWriter) WriteHeader(code int) { w.status = code }

func (w *brokenWriter) Write(b []byte) (int, error) {
	w.calls++
	room := w.limit - w.written.Len()
	if room <= 0 {
		return 0, errors.New("connection reset by peer")
	}
	if len(b) > room {
		w.written.Write(b[:room])
		return room, errors.New("connection reset by peer")
	}
	return w.written.Write(b)
}

func newTestStreamer(files Files) *Streamer {
	return NewStreamer(files, logger.Discard(), metrics.New())
}

func TestStreamer_Partial(t *testing.T) {
	files := newMemFiles()
	data := payload(1000)
	files.put("a.mp4", data)
	s := newTestStreamer(files)

	req := httptest.NewRequest(http.MethodGet, "/assets/a/stream", nil)
	req.Header.Set("Range", "bytes=200-499")
	rec := httptest.NewRecorder()

	report, err := s.Stream(rec, req, Resource{ID: "a", Path: "a.mp4"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if rec.Code != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", rec.Code)
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes 200-499/1000" {
		t.Errorf("Content-Range = %q", got)
	}
	if !bytes.Equal(rec.Body.Bytes(), data[200:500]) {
		t.Errorf("body mismatch, %d bytes", rec.Body.Len())
	}
	if report.State != SessionCompleted || report.Written != 300 {
		t.Errorf("report = %+v", report)
	}
	if files.closes.Load() != 1 {
		t.Errorf("source closed %d times", files.closes.Load())
	}
}

func TestStreamer_FullWithoutRange(t *testing.T) {
	files := newMemFiles()
	data := payload(1000)
	files.put("a.mp4", data)

	rec := httptest.NewRecorder()
	report, err := newTestStreamer(files).Stream(rec, httptest.NewRequest(http.MethodGet, "/", nil), Resource{ID: "a", Path: "a.mp4"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Header().Get("Accept-Ranges") != "bytes" || rec.Header().Get("Content-Length") != "1000" {
		t.Errorf("headers = %v", rec.Header())
	}
	if !bytes.Equal(rec.Body.Bytes(), data) {
		t.Error("body mismatch")
	}
	if report.Written != 1000 {
		t.Errorf("written = %d", report.Written)
	}
}

func TestStreamer_Unsatisfiable(t *testing.T) {
	files := newMemFiles()
	files.put("a.mp4", payload(1000))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Range", "bytes=2000-3000")
	rec := httptest.NewRecorder()

	if _, err := newTestStreamer(files).Stream(rec, req, Resource{ID: "a", Path: "a.mp4"}); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if rec.Code != http.StatusRequestedRangeNotSatisfiable {
		t.Fatalf("status = %d, want 416", rec.Code)
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes */1000" {
		t.Errorf("Content-Range = %q", got)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("416 body has %d bytes", rec.Body.Len())
	}
}

func TestStreamer_MalformedRange(t *testing.T) {
	files := newMemFiles()
	files.put("a.mp4", payload(1000))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Range", "bytes=abc")
	rec := httptest.NewRecorder()

	_, err := newTestStreamer(files).Stream(rec, req, Resource{ID: "a", Path: "a.mp4"})
	if !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("err = %v, want ErrInvalidRange", err)
	}
	if files.opens.Load() != 0 {
		t.Error("malformed range must not open the file")
	}
}

func TestStreamer_MissingFile(t *testing.T) {
	rec := httptest.NewRecorder()
	_, err := newTestStreamer(newMemFiles()).Stream(rec, httptest.NewRequest(http.MethodGet, "/", nil), Resource{ID: "a", Path: "gone.mp4"})
	if !errors.Is(err, ErrResourceUnavailable) {
		t.Fatalf("err = %v, want ErrResourceUnavailable", err)
	}
	if status, _ := ErrorStatus(err); status != http.StatusNotFound {
		t.Errorf("missing file maps to %d, want 404", status)
	}
}

func TestStreamer_Head(t *testing.T) {
	files := newMemFiles()
	files.put("a.mp4", payload(1000))

	rec := httptest.NewRecorder()
	report, err := newTestStreamer(files).Stream(rec, httptest.NewRequest(http.MethodHead, "/", nil), Resource{ID: "a", Path: "a.mp4"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Length") != "1000" {
		t.Fatalf("status %d headers %v", rec.Code, rec.Header())
	}
	if rec.Body.Len() != 0 || report.Written != 0 {
		t.Errorf("HEAD wrote %d bytes", rec.Body.Len())
	}
	if files.closes.Load() != files.opens.Load() {
		t.Errorf("opens %d closes %d", files.opens.Load(), files.closes.Load())
	}
}

func TestStreamer_ClientDisconnectReleasesSource(t *testing.T) {
	files := newMemFiles()
	files.put("a.mp4", payload(1000))

	w := &brokenWriter{header: make(http.Header), limit: 500}
	report, err := newTestStreamer(files).Stream(w, httptest.NewRequest(http.MethodGet, "/", nil), Resource{ID: "a", Path: "a.mp4"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if report.State != SessionCancelled {
		t.Fatalf("state = %s, want cancelled", report.State)
	}
	if report.Written != 500 || w.written.Len() != 500 {
		t.Errorf("written = %d / %d, want 500", report.Written, w.written.Len())
	}
	if w.calls != 1 {
		t.Errorf("writer called %d times after failure", w.calls)
	}
	if got := files.closes.Load(); got != 1 {
		t.Errorf("source closed %d times, want 1", got)
	}
}

func TestStreamer_CancelledContext(t *testing.T) {
	files := newMemFiles()
	files.put("a.mp4", payload(1000))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	ctx, cancel := context.WithCancel(req.Context())
	cancel()
	rec := httptest.NewRecorder()

	report, err := newTestStreamer(files).Stream(rec, req.WithContext(ctx), Resource{ID: "a", Path: "a.mp4"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if report.State != SessionCancelled || report.Written != 0 {
		t.Errorf("report = %+v", report)
	}
	if files.closes.Load() != 1 {
		t.Errorf("source closed %d times", files.closes.Load())
	}
}

func TestStreamer_SourceFailsMidStream(t *testing.T) {
	files := newMemFiles()
	files.put("a.mp4", payload(1000))
	files.readErr = errors.New("input/output error")
	files.failAfter = 400
	s := newTestStreamer(files)

	req := httptest.NewRequest(http.MethodGet, "/assets/a/stream", nil)
	req.Header.Set("Range", "bytes=0-999")
	rec := httptest.NewRecorder()

	report, err := s.Stream(rec, req, Resource{ID: "a", Path: "a.mp4"})
	if err != nil {
		t.Fatalf("Stream returned %v after headers were sent", err)
	}
	if rec.Code != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", rec.Code)
	}
	if report.State != SessionFailed || !errors.Is(report.Err, files.readErr) {
		t.Errorf("report = %+v, want failed with read error", report)
	}
	if report.Written != 400 || rec.Body.Len() != 400 {
		t.Errorf("written = %d, body = %d, want 400", report.Written, rec.Body.Len())
	}
	if files.closes.Load() != 1 {
		t.Errorf("source closed %d times, want 1", files.closes.Load())
	}
}

func TestStreamer_ShortSource(t *testing.T) {
	files := newMemFiles()
	files.put("a.mp4", payload(1000))
	files.readErr = io.EOF
	files.failAfter = 250
	s := newTestStreamer(files)

	req := httptest.NewRequest(http.MethodGet, "/assets/a/stream", nil)
	rec := httptest.NewRecorder()

	report, err := s.Stream(rec, req, Resource{ID: "a", Path: "a.mp4"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if report.State != SessionFailed || !errors.Is(report.Err, io.ErrUnexpectedEOF) {
		t.Errorf("report = %+v, want failed with unexpected EOF", report)
	}
	if report.Written != 250 {
		t.Errorf("written = %d, want 250", report.Written)
	}
	if files.closes.Load() != 1 {
		t.Errorf("source closed %d times, want 1", files.closes.Load())
	}
}
