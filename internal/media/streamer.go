package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"mediaflow/internal/platform/metrics"

	"github.com/dustin/go-humanize"
)

// SessionState tracks one stream request.
type SessionState string

const (
	SessionValidating SessionState = "validating"
	SessionStreaming  SessionState = "streaming"
	SessionCompleted  SessionState = "completed"
	SessionCancelled  SessionState = "cancelled"
	SessionFailed     SessionState = "failed"
)

// Resource identifies the file behind a stream request.
type Resource struct {
	ID   AssetID
	Path string
}

// StreamReport summarises a finished stream request.
type StreamReport struct {
	State   SessionState
	Status  int
	Written int64
	Err     error
}

// Streamer serves files with HTTP range support.
type Streamer struct {
	files   Files
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewStreamer returns a Streamer reading from files. Metrics may be nil.
func NewStreamer(files Files, log *slog.Logger, m *metrics.Metrics) *Streamer {
	return &Streamer{files: files, log: log, metrics: m}
}

// Stream answers r with the contents of res. A non-nil error means nothing
// has been written to w and the caller should send an error response. Once
// headers are out, failures are only logged and reported in StreamReport.
func (s *Streamer) Stream(w http.ResponseWriter, r *http.Request, res Resource) (StreamReport, error) {
	report := StreamReport{State: SessionValidating}

	info, err := s.files.Stat(res.Path)
	if err != nil {
		report.State, report.Err = SessionFailed, err
		return report, fmt.Errorf("%w: %w", ErrResourceUnavailable, err)
	}

	outcome := ResolveRange(r.Header.Get("Range"), info.Size)
	if outcome.Kind == RangeMalformed {
		report.State, report.Err = SessionFailed, ErrInvalidRange
		return report, ErrInvalidRange
	}

	session, err := BuildSession(s.files, res.Path, info.Size, outcome)
	if err != nil {
		report.State, report.Err = SessionFailed, err
		return report, err
	}
	defer session.Close()

	report.State = SessionStreaming
	report.Status = session.Status

	for k, v := range session.Header {
		w.Header()[k] = v
	}
	w.WriteHeader(session.Status)
	s.metrics.ObserveStreamSession(session.Status)

	s.log.Info("stream session started",
		slog.String("asset_id", string(res.ID)),
		slog.Int("status", session.Status),
		slog.Int64("bytes", session.ContentLength),
		slog.String("size", humanize.IBytes(uint64(session.ContentLength))),
	)

	if session.Body == nil || r.Method == http.MethodHead {
		report.State = SessionCompleted
		return report, nil
	}

	written, state, copyErr := pump(r.Context(), w, session)
	report.Written, report.State, report.Err = written, state, copyErr
	s.metrics.AddStreamedBytes(written)

	switch state {
	case SessionCancelled:
		s.metrics.IncStreamDisconnects()
		s.log.Info("stream client disconnected",
			slog.String("asset_id", string(res.ID)),
			slog.Int64("written", written),
			slog.Int64("expected", session.ContentLength),
		)
	case SessionFailed:
		s.log.Error("stream aborted",
			slog.String("asset_id", string(res.ID)),
			slog.Int64("written", written),
			slog.String("error", copyErr.Error()),
		)
	}
	return report, nil
}

// pump copies the session body to w in ChunkSize pieces until the body is
// exhausted, the context is cancelled or a side fails.
func pump(ctx context.Context, w io.Writer, session *StreamSession) (int64, SessionState, error) {
	buf := make([]byte, session.ChunkSize)
	var written int64
	for written < session.ContentLength {
		if err := ctx.Err(); err != nil {
			return written, SessionCancelled, err
		}
		n, readErr := session.Body.Read(buf)
		if n > 0 {
			wn, writeErr := w.Write(buf[:n])
			written += int64(wn)
			if writeErr != nil {
				return written, SessionCancelled, writeErr
			}
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return written, SessionFailed, readErr
		}
	}
	if written < session.ContentLength {
		return written, SessionFailed, io.ErrUnexpectedEOF
	}
	return written, SessionCompleted, nil
}
