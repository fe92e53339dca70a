package payload

import (
	"path"
	"strings"
)

// FileRecord describes one ingested file waiting to be delivered as part of a payload.
type FileRecord struct {
	ID                  string   `json:"id" bson:"id"`
	CorrelationID       string   `json:"correlation_id" bson:"correlation_id"`
	StoragePath         string   `json:"storage_path" bson:"storage_path"`
	UploadPath          string   `json:"upload_path" bson:"upload_path"`
	MetadataStoragePath string   `json:"metadata_storage_path,omitempty" bson:"metadata_storage_path,omitempty"`
	MetadataUploadPath  string   `json:"metadata_upload_path,omitempty" bson:"metadata_upload_path,omitempty"`
	ContentType         string   `json:"content_type" bson:"content_type"`
	Source              string   `json:"source" bson:"source"`
	Workflows           []string `json:"workflows" bson:"workflows"`
	CallingAETitle      string   `json:"calling_aet,omitempty" bson:"calling_aet,omitempty"`
	CalledAETitle       string   `json:"called_aet,omitempty" bson:"called_aet,omitempty"`
	Uploaded            bool     `json:"uploaded" bson:"uploaded"`
}

func (f FileRecord) HasMetadata() bool {
	return f.MetadataStoragePath != ""
}

// DestinationPath is the object key of the file inside the payload directory.
func (f FileRecord) DestinationPath(payloadID string) string {
	return scopedPath(payloadID, f.UploadPath)
}

// MetadataDestinationPath is the object key of the sidecar, or "" when the file has none.
func (f FileRecord) MetadataDestinationPath(payloadID string) string {
	if !f.HasMetadata() {
		return ""
	}
	uploadPath := f.MetadataUploadPath
	if uploadPath == "" {
		uploadPath = f.UploadPath + ".json"
	}
	return scopedPath(payloadID, uploadPath)
}

// scopedPath joins p under the payload directory. p is cleaned as an absolute path first so that ".." segments
// cannot climb out of it.
func scopedPath(payloadID, p string) string {
	return path.Join(payloadID, path.Clean("/" + p)[1:])
}

// ObjectMetadata is the user metadata attached to the uploaded object.
func (f FileRecord) ObjectMetadata() map[string]string {
	return map[string]string{
		"source":    f.Source,
		"workflows": strings.Join(f.Workflows, ","),
	}
}

func (f FileRecord) Clone() FileRecord {
	c := f
	if f.Workflows != nil {
		c.Workflows = append([]string(nil), f.Workflows...)
	}
	return c
}
