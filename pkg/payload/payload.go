package payload

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// State represents the lifecycle stage of a payload.
type State string

const (
	// StateCreated is an open bucket still accepting files.
	StateCreated State = "created"
	// StateUpload is a closed bucket whose files are being copied to blob storage.
	StateUpload State = "upload"
	// StateNotify is a fully uploaded payload waiting for its workflow request to be published.
	StateNotify State = "notify"
)

var ErrEmptyKey = errors.New("payload key cannot be empty")

// Payload is a batch of files sharing a grouping key.
type Payload struct {
	ID             string       `json:"id" bson:"_id"`
	Key            string       `json:"key" bson:"key"`
	CorrelationID  string       `json:"correlation_id" bson:"correlation_id"`
	TimeoutSeconds uint         `json:"timeout_seconds" bson:"timeout_seconds"`
	Files          []FileRecord `json:"files" bson:"files"`
	State          State        `json:"state" bson:"state"`
	RetryCount     int          `json:"retry_count" bson:"retry_count"`
	Version        int64        `json:"version" bson:"version"`
	CreatedAt      time.Time    `json:"created_at" bson:"created_at"`
	LastActivityAt time.Time    `json:"last_activity_at" bson:"last_activity_at"`
	// Owner names the gateway instance that opened the payload. Only the owner reopens it after a restart.
	Owner          string       `json:"owner,omitempty" bson:"owner,omitempty"`
}

// New creates an empty payload in the Created state.
func New(key, correlationID string, timeoutSeconds uint, now time.Time) (*Payload, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	now = now.UTC()
	return &Payload{
		ID:             uuid.New().String(),
		Key:            key,
		CorrelationID:  correlationID,
		TimeoutSeconds: timeoutSeconds,
		Files:          []FileRecord{},
		State:          StateCreated,
		CreatedAt:      now,
		LastActivityAt: now,
	}, nil
}

// Add appends a file and restarts the idle timer.
func (p *Payload) Add(file FileRecord, now time.Time) {
	p.Files = append(p.Files, file)
	p.LastActivityAt = now.UTC()
}

// RemoveLast drops the most recently appended file. Used to roll back an append that could not be persisted.
func (p *Payload) RemoveLast() {
	if len(p.Files) == 0 {
		return
	}
	p.Files = p.Files[:len(p.Files)-1]
}

func (p *Payload) Count() int {
	return len(p.Files)
}

// IdleTime returns how long the payload has gone without a new file.
func (p *Payload) IdleTime(now time.Time) time.Duration {
	return now.Sub(p.LastActivityAt)
}

// HasTimedOut reports whether the idle time reached the payload's timeout.
func (p *Payload) HasTimedOut(now time.Time) bool {
	return p.IdleTime(now) >= time.Duration(p.TimeoutSeconds)*time.Second
}

// IsUploadCompleted reports whether every file has been copied to blob storage.
func (p *Payload) IsUploadCompleted() bool {
	for i := range p.Files {
		if !p.Files[i].Uploaded {
			return false
		}
	}
	return true
}

// Workflows returns the union of all files' workflow names in first-seen order.
func (p *Payload) Workflows() []string {
	seen := make(map[string]struct{})
	workflows := []string{}
	for _, file := range p.Files {
		for _, workflow := range file.Workflows {
			if _, ok := seen[workflow]; ok {
				continue
			}
			seen[workflow] = struct{}{}
			workflows = append(workflows, workflow)
		}
	}
	return workflows
}

// UploadedFiles returns the files already marked as uploaded.
func (p *Payload) UploadedFiles() []FileRecord {
	files := make([]FileRecord, 0, len(p.Files))
	for _, file := range p.Files {
		if file.Uploaded {
			files = append(files, file)
		}
	}
	return files
}

// CallingAETitle returns the calling AE title of the first DICOM file, if any.
func (p *Payload) CallingAETitle() string {
	for _, file := range p.Files {
		if file.CallingAETitle != "" {
			return file.CallingAETitle
		}
	}
	return ""
}

// CalledAETitle returns the called AE title of the first DICOM file, if any.
func (p *Payload) CalledAETitle() string {
	for _, file := range p.Files {
		if file.CalledAETitle != "" {
			return file.CalledAETitle
		}
	}
	return ""
}

func (p *Payload) IncrementRetry() int {
	p.RetryCount++
	return p.RetryCount
}

func (p *Payload) ResetRetry() {
	p.RetryCount = 0
}

// Clone returns a deep copy so that stored and in-flight payloads never share file slices.
func (p *Payload) Clone() *Payload {
	c := *p
	c.Files = make([]FileRecord, len(p.Files))
	for i, file := range p.Files {
		c.Files[i] = file.Clone()
	}
	return &c
}
