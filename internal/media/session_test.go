package media

import (
	"errors"
	"io"
	"net/http"
	"testing"
)

func TestContentTypeFor(t *testing.T) {
	tests := map[string]string{
		"clip.mp4":  "video/mp4",
		"CLIP.MP4":  "video/mp4",
		"a/b.webm":  "video/webm",
		"x.ogg":     "video/ogg",
		"x.avi":     "video/x-msvideo",
		"x.mov":     "video/quicktime",
		"x.mkv":     "video/x-matroska",
		"notes.txt": "application/octet-stream",
		"noext":     "application/octet-stream",
	}
	for name, want := range tests {
		if got := ContentTypeFor(name); got != want {
			t.Errorf("ContentTypeFor(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestChunkSizeFor(t *testing.T) {
	tests := []struct {
		size int64
		want int
	}{
		{0, 256 << 10},
		{10<<20 - 1, 256 << 10},
		{10 << 20, 512 << 10},
		{100<<20 - 1, 512 << 10},
		{100 << 20, 1 << 20},
		{5 << 30, 1 << 20},
	}
	for _, tt := range tests {
		if got := ChunkSizeFor(tt.size); got != tt.want {
			t.Errorf("ChunkSizeFor(%d) = %d, want %d", tt.size, got, tt.want)
		}
	}
}

func TestBuildSession_Partial(t *testing.T) {
	files := newMemFiles()
	data := payload(1000)
	files.put("a.mp4", data)

	s, err := BuildSession(files, "a.mp4", 1000, ResolveRange("bytes=200-499", 1000))
	if err != nil {
		t.Fatalf("BuildSession: %v", err)
	}
	defer s.Close()

	if s.Status != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", s.Status)
	}
	want := map[string]string{
		"Content-Range":  "bytes 200-499/1000",
		"Content-Length": "300",
		"Accept-Ranges":  "bytes",
		"Content-Type":   "video/mp4",
	}
	for k, v := range want {
		if got := s.Header.Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
	body, err := io.ReadAll(s.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if len(body) != 300 || body[0] != data[200] || body[299] != data[499] {
		t.Fatalf("body does not match bytes 200-499")
	}
}

func TestBuildSession_Full(t *testing.T) {
	files := newMemFiles()
	files.put("a.webm", payload(1000))

	s, err := BuildSession(files, "a.webm", 1000, ResolveRange("", 1000))
	if err != nil {
		t.Fatalf("BuildSession: %v", err)
	}
	defer s.Close()

	if s.Status != http.StatusOK {
		t.Fatalf("status = %d, want 200", s.Status)
	}
	if s.Header.Get("Content-Range") != "" {
		t.Error("full response must not carry Content-Range")
	}
	if s.Header.Get("Content-Length") != "1000" || s.ContentLength != 1000 {
		t.Errorf("unexpected length %q / %d", s.Header.Get("Content-Length"), s.ContentLength)
	}
	if s.ChunkSize != 256<<10 {
		t.Errorf("chunk size = %d", s.ChunkSize)
	}
}

func TestBuildSession_Unsatisfiable(t *testing.T) {
	files := newMemFiles()
	files.put("a.mp4", payload(1000))

	s, err := BuildSession(files, "a.mp4", 1000, ResolveRange("bytes=2000-3000", 1000))
	if err != nil {
		t.Fatalf("BuildSession: %v", err)
	}
	if s.Status != http.StatusRequestedRangeNotSatisfiable {
		t.Fatalf("status = %d, want 416", s.Status)
	}
	if got := s.Header.Get("Content-Range"); got != "bytes */1000" {
		t.Errorf("Content-Range = %q", got)
	}
	if s.Body != nil {
		t.Error("416 session must not open the file")
	}
	if files.opens.Load() != 0 {
		t.Errorf("file opened %d times", files.opens.Load())
	}
}

func TestBuildSession_Malformed(t *testing.T) {
	_, err := BuildSession(newMemFiles(), "a.mp4", 1000, RangeOutcome{Kind: RangeMalformed})
	if !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("err = %v, want ErrInvalidRange", err)
	}
}

func TestBuildSession_OpenFailure(t *testing.T) {
	files := newMemFiles()
	files.put("a.mp4", payload(10))
	files.openErr = errors.New("disk gone")

	_, err := BuildSession(files, "a.mp4", 10, ResolveRange("", 10))
	if !errors.Is(err, ErrResourceUnavailable) {
		t.Fatalf("err = %v, want ErrResourceUnavailable", err)
	}
}

func TestStreamSession_CloseOnce(t *testing.T) {
	files := newMemFiles()
	files.put("a.mp4", payload(100))

	s, err := BuildSession(files, "a.mp4", 100, ResolveRange("bytes=0-9", 100))
	if err != nil {
		t.Fatalf("BuildSession: %v", err)
	}
	for range 3 {
		_ = s.Close()
	}
	if got := files.closes.Load(); got != 1 {
		t.Fatalf("source closed %d times, want 1", got)
	}
}
