package schema

import "time"

// BlockStorageInfo locates one uploaded file and its optional metadata sidecar.
type BlockStorageInfo struct {
	Path         string `json:"path"`
	MetadataPath string `json:"metadata_path,omitempty"`
}

// WorkflowRequestEvent announces that a payload has been uploaded and is ready for processing.
type WorkflowRequestEvent struct {
	Bucket         string             `json:"bucket"`
	PayloadID      string             `json:"payload_id"`
	Workflows      []string           `json:"workflows"`
	FileCount      int                `json:"file_count"`
	CorrelationID  string             `json:"correlation_id"`
	Timestamp      time.Time          `json:"timestamp"`
	CallingAETitle string             `json:"calling_aet,omitempty"`
	CalledAETitle  string             `json:"called_aet,omitempty"`
	Files          []BlockStorageInfo `json:"files"`
}

// NewWorkflowRequestEvent creates an event with an empty file list.
func NewWorkflowRequestEvent(bucket, payloadID, correlationID string, workflows []string, fileCount int, timestamp time.Time) *WorkflowRequestEvent {
	if workflows == nil {
		workflows = []string{}
	}
	return &WorkflowRequestEvent{
		Bucket:        bucket,
		PayloadID:     payloadID,
		Workflows:     workflows,
		FileCount:     fileCount,
		CorrelationID: correlationID,
		Timestamp:     timestamp,
		Files:         []BlockStorageInfo{},
	}
}

func (e *WorkflowRequestEvent) AddFile(path, metadataPath string) {
	e.Files = append(e.Files, BlockStorageInfo{Path: path, MetadataPath: metadataPath})
}
