package media

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	"mediaflow/internal/platform/metrics"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

// DefaultMaxUploadBytes caps uploads when no limit is configured.
const DefaultMaxUploadBytes int64 = 500 << 20

const maxTitleLength = 200

// Scheduler is the part of the processing queue the service depends on.
type Scheduler interface {
	Enqueue(ctx context.Context, job Job) (int, error)
	Status(ctx context.Context) (QueueStatus, error)
}

// Viewer is the authenticated caller, as established by the upstream auth layer.
type Viewer struct {
	ID    OwnerID
	Admin bool
}

// CanAccess reports whether v may see or change a.
func (v Viewer) CanAccess(a Asset) bool {
	return v.Admin || a.OwnerID == v.ID
}

// UploadInput is a parsed upload request.
type UploadInput struct {
	Title    string
	Filename string
	Body     io.Reader
}

// ServiceConfig tunes a Service. Zero values select the defaults.
type ServiceConfig struct {
	MaxUploadBytes int64
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
	Now            func() time.Time
	NewID          func() string
}

// Service implements the asset lifecycle on top of the store, the file
// provider and the processing queue.
type Service struct {
	store     Store
	files     Files
	scheduler Scheduler
	log       *slog.Logger
	metrics   *metrics.Metrics
	maxUpload int64
	now       func() time.Time
	newID     func() string
}

// NewService returns a Service. If cfg.MaxUploadBytes <= 0,
// DefaultMaxUploadBytes is used.
func NewService(store Store, files Files, scheduler Scheduler, cfg ServiceConfig) *Service {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Service{
		store:     store,
		files:     files,
		scheduler: scheduler,
		log:       cfg.Logger,
		metrics:   cfg.Metrics,
		maxUpload: cfg.MaxUploadBytes,
		now:       cfg.Now,
		newID:     cfg.NewID,
	}
}

// MaxUploadBytes returns the configured upload limit.
func (s *Service) MaxUploadBytes() int64 {
	return s.maxUpload
}

func validateTitle(title string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", fmt.Errorf("%w: title is required", ErrValidation)
	}
	if utf8.RuneCountInString(title) > maxTitleLength {
		return "", fmt.Errorf("%w: title cannot exceed %d characters", ErrValidation, maxTitleLength)
	}
	return title, nil
}

// Upload stores the file, records the asset as queued and hands it to the
// processing queue. The returned position is the asset's place in the
// pending line, or 0 if it could not be enqueued right away (it stays queued
// in the store and is picked up on the next start).
func (s *Service) Upload(ctx context.Context, v Viewer, in UploadInput) (Asset, int, error) {
	if v.ID == "" {
		return Asset{}, 0, fmt.Errorf("%w: owner is required", ErrValidation)
	}
	title, err := validateTitle(in.Title)
	if err != nil {
		return Asset{}, 0, err
	}
	filename := path.Base(strings.ReplaceAll(strings.TrimSpace(in.Filename), "\\", "/"))
	if filename == "" || filename == "." || filename == "/" {
		return Asset{}, 0, fmt.Errorf("%w: file name is required", ErrValidation)
	}
	if in.Body == nil {
		return Asset{}, 0, fmt.Errorf("%w: file is required", ErrValidation)
	}

	id := AssetID(s.newID())
	storedPath := "assets/" + string(id) + strings.ToLower(path.Ext(filename))

	n, err := s.files.Save(storedPath, io.LimitReader(in.Body, s.maxUpload+1))
	if err != nil {
		_ = s.files.Remove(storedPath)
		return Asset{}, 0, fmt.Errorf("store upload: %w", err)
	}
	if n == 0 || n > s.maxUpload {
		_ = s.files.Remove(storedPath)
		if n == 0 {
			return Asset{}, 0, fmt.Errorf("%w: file is empty", ErrValidation)
		}
		return Asset{}, 0, fmt.Errorf("%w: file size exceeds maximum limit of %s", ErrValidation, humanize.IBytes(uint64(s.maxUpload)))
	}

	now := s.now()
	asset := Asset{
		ID:             id,
		OwnerID:        v.ID,
		Title:          title,
		Filename:       filename,
		FilePath:       storedPath,
		Size:           n,
		MimeType:       ContentTypeFor(filename),
		State:          StateQueued,
		Classification: ClassificationPending,
		UploadedAt:     now,
		UpdatedAt:      now,
		Version:        SchemaVersion,
	}
	if err := s.store.Create(ctx, asset); err != nil {
		if rmErr := s.files.Remove(storedPath); rmErr != nil {
			s.log.Error("remove file after failed create",
				slog.String("asset_id", string(id)),
				slog.String("error", rmErr.Error()))
		}
		return Asset{}, 0, fmt.Errorf("create asset: %w", err)
	}
	s.metrics.IncUploads()
	s.log.Info("asset uploaded",
		slog.String("asset_id", string(id)),
		slog.String("owner_id", string(v.ID)),
		slog.String("size", humanize.IBytes(uint64(n))),
	)

	position, err := s.scheduler.Enqueue(ctx, asset.Job())
	if err != nil {
		s.log.Warn("enqueue after upload failed",
			slog.String("asset_id", string(id)),
			slog.String("error", err.Error()))
		return asset, 0, nil
	}
	return asset, position, nil
}

// List returns the viewer's assets, newest first.
func (s *Service) List(ctx context.Context, v Viewer, f Filter) ([]Asset, error) {
	if f.State != "" && !f.State.Valid() {
		return nil, fmt.Errorf("%w: unknown state %q", ErrValidation, f.State)
	}
	return s.store.ListByOwner(ctx, v.ID, f)
}

// Get returns the asset if the viewer may access it.
func (s *Service) Get(ctx context.Context, v Viewer, id AssetID) (Asset, error) {
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return Asset{}, err
	}
	if !v.CanAccess(a) {
		return Asset{}, ErrAccessDenied
	}
	return a, nil
}

// UpdateTitle renames an asset.
func (s *Service) UpdateTitle(ctx context.Context, v Viewer, id AssetID, title string) (Asset, error) {
	title, err := validateTitle(title)
	if err != nil {
		return Asset{}, err
	}
	if _, err := s.Get(ctx, v, id); err != nil {
		return Asset{}, err
	}
	return s.store.Update(ctx, id, AssetUpdate{Title: &title})
}

// Delete removes the asset's file and record. A file that cannot be removed
// is logged and does not prevent deleting the record.
func (s *Service) Delete(ctx context.Context, v Viewer, id AssetID) error {
	a, err := s.Get(ctx, v, id)
	if err != nil {
		return err
	}
	if err := s.files.Remove(a.FilePath); err != nil {
		s.log.Error("remove asset file",
			slog.String("asset_id", string(id)),
			slog.String("error", err.Error()))
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.log.Info("asset deleted", slog.String("asset_id", string(id)))
	return nil
}

// Retry puts a failed asset back into the processing queue. Failed jobs are
// never retried automatically; this is the explicit path.
func (s *Service) Retry(ctx context.Context, v Viewer, id AssetID) (Asset, int, error) {
	a, err := s.Get(ctx, v, id)
	if err != nil {
		return Asset{}, 0, err
	}
	switch a.State {
	case StateCompleted:
		return Asset{}, 0, ErrAlreadyProcessed
	case StateQueued, StateRunning:
		return Asset{}, 0, ErrAlreadyQueued
	}

	queued := StateQueued
	zero := 0
	noError := ""
	pending := ClassificationPending
	a, err = s.store.Update(ctx, id, AssetUpdate{State: &queued, Progress: &zero, Error: &noError, Classification: &pending})
	if err != nil {
		return Asset{}, 0, err
	}
	job := a.Job()
	job.EnqueuedAt = s.now()
	position, err := s.scheduler.Enqueue(ctx, job)
	if err != nil {
		return Asset{}, 0, err
	}
	return a, position, nil
}

// StreamResource returns what the streamer needs to serve the asset. Only
// completed assets can be streamed.
func (s *Service) StreamResource(ctx context.Context, v Viewer, id AssetID) (Resource, error) {
	a, err := s.Get(ctx, v, id)
	if err != nil {
		return Resource{}, err
	}
	if a.State != StateCompleted {
		return Resource{}, fmt.Errorf("%w: state %s", ErrNotReady, a.State)
	}
	if !s.files.Exists(a.FilePath) {
		return Resource{}, fmt.Errorf("%w: file missing for asset %s: %w", ErrResourceUnavailable, id, fs.ErrNotExist)
	}
	return Resource{ID: a.ID, Path: a.FilePath}, nil
}

// QueueStatus returns the scheduler snapshot.
func (s *Service) QueueStatus(ctx context.Context) (QueueStatus, error) {
	return s.scheduler.Status(ctx)
}

// Snapshot returns the status event for one asset, honouring ownership.
func (s *Service) Snapshot(ctx context.Context, v Viewer, id AssetID) (Event, error) {
	a, err := s.Get(ctx, v, id)
	if err != nil {
		return Event{}, err
	}
	return StatusEvent(a, s.now()), nil
}
