package media

import "time"

// AssetID uniquely identifies an uploaded asset. Processing jobs share the id
// of the asset they work on.
type AssetID string

// OwnerID identifies the user who uploaded an asset.
type OwnerID string

// JobState is the processing lifecycle of an asset:
// queued -> running -> completed | failed.
type JobState string

const (
	StateQueued    JobState = "queued"
	StateRunning   JobState = "running"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
)

// Valid reports whether s is one of the known states.
func (s JobState) Valid() bool {
	switch s {
	case StateQueued, StateRunning, StateCompleted, StateFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition can happen from s.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Classification is the verdict attached to an asset when processing completes.
type Classification string

const (
	ClassificationPending Classification = "pending"
	ClassificationSafe    Classification = "safe"
	ClassificationFlagged Classification = "flagged"
)

// SchemaVersion is stamped on every stored asset record.
const SchemaVersion = 1

// Asset is the durable record kept in the metadata store. It doubles as the
// persisted view of the asset's processing job.
type Asset struct {
	ID             AssetID        `json:"id"`
	OwnerID        OwnerID        `json:"ownerId"`
	Title          string         `json:"title"`
	Filename       string         `json:"filename"`
	FilePath       string         `json:"-"`
	Size           int64          `json:"size"`
	MimeType       string         `json:"mimeType"`
	State          JobState       `json:"state"`
	Progress       int            `json:"progress"`
	Classification Classification `json:"classification"`
	Error          string         `json:"error,omitempty"`
	UploadedAt     time.Time      `json:"uploadedAt"`
	StartedAt      *time.Time     `json:"startedAt,omitempty"`
	ProcessedAt    *time.Time     `json:"processedAt,omitempty"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	Version        int            `json:"version"`
}

// Job returns the processing job view of the asset.
func (a Asset) Job() Job {
	return Job{
		AssetID:     a.ID,
		OwnerID:     a.OwnerID,
		State:       a.State,
		Progress:    a.Progress,
		EnqueuedAt:  a.UploadedAt,
		StartedAt:   a.StartedAt,
		CompletedAt: a.ProcessedAt,
	}
}

// Job is one unit of work handed to the processing queue.
type Job struct {
	AssetID     AssetID    `json:"assetId"`
	OwnerID     OwnerID    `json:"ownerId"`
	State       JobState   `json:"state"`
	Progress    int        `json:"progress"`
	EnqueuedAt  time.Time  `json:"enqueuedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// AssetUpdate is a partial update. Nil fields are left untouched.
type AssetUpdate struct {
	Title          *string
	State          *JobState
	Progress       *int
	Classification *Classification
	Error          *string
	StartedAt      *time.Time
	ProcessedAt    *time.Time
}

// Apply copies the set fields of u onto a and stamps UpdatedAt.
func (u AssetUpdate) Apply(a *Asset, now time.Time) {
	if u.Title != nil {
		a.Title = *u.Title
	}
	if u.State != nil {
		a.State = *u.State
	}
	if u.Progress != nil {
		a.Progress = *u.Progress
	}
	if u.Classification != nil {
		a.Classification = *u.Classification
	}
	if u.Error != nil {
		a.Error = *u.Error
	}
	if u.StartedAt != nil {
		t := *u.StartedAt
		a.StartedAt = &t
	}
	if u.ProcessedAt != nil {
		t := *u.ProcessedAt
		a.ProcessedAt = &t
	}
	a.UpdatedAt = now
}

// Filter narrows ListByOwner results. The zero value matches everything.
type Filter struct {
	State JobState
}

// Matches reports whether a passes the filter.
func (f Filter) Matches(a Asset) bool {
	return f.State == "" || a.State == f.State
}

// QueueStatus is a point-in-time snapshot of the processing queue.
type QueueStatus struct {
	Pending     []AssetID `json:"pending"`
	Active      []AssetID `json:"active"`
	ActiveCount int       `json:"activeCount"`
	Capacity    int       `json:"capacity"`
}

// EventKind names a notification sent to subscribers.
type EventKind string

const (
	EventProgress EventKind = "progress"
	EventComplete EventKind = "complete"
	EventFailed   EventKind = "failed"
	EventStatus   EventKind = "status"
)

// Event is a processing notification addressed to the owner of an asset.
type Event struct {
	Kind           EventKind      `json:"kind"`
	OwnerID        OwnerID        `json:"ownerId"`
	AssetID        AssetID        `json:"assetId"`
	State          JobState       `json:"state,omitempty"`
	Progress       int            `json:"progress"`
	Classification Classification `json:"classification,omitempty"`
	Error          string         `json:"error,omitempty"`
	Asset          *Asset         `json:"asset,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// StatusEvent builds the snapshot event for a.
func StatusEvent(a Asset, now time.Time) Event {
	return Event{
		Kind:           EventStatus,
		OwnerID:        a.OwnerID,
		AssetID:        a.ID,
		State:          a.State,
		Progress:       a.Progress,
		Classification: a.Classification,
		Error:          a.Error,
		Asset:          &a,
		Timestamp:      now,
	}
}

// Publisher delivers events to interested subscribers. Publish must not block
// on slow consumers.
type Publisher interface {
	Publish(ev Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ev Event)

// Publish implements Publisher.
func (f PublisherFunc) Publish(ev Event) { f(ev) }
