package broker

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const contentTypeJSON = "application/json"

// Header names carried next to the body on every broker.
const (
	HeaderMessageID     = "message_id"
	HeaderApplicationID = "application_id"
	HeaderCorrelationID = "correlation_id"
	HeaderContentType   = "content_type"
	HeaderCreationTime  = "creation_date_time"
)

// Message is the envelope published to a broker.
type Message struct {
	MessageID        string
	ApplicationID    string
	CorrelationID    string
	ContentType      string
	CreationDateTime time.Time
	Body             []byte
}

// NewJSONMessage serializes body and wraps it in a new envelope.
func NewJSONMessage(body interface{}, applicationID, correlationID string) (*Message, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal message body: %w", err)
	}
	return &Message{
		MessageID:        uuid.New().String(),
		ApplicationID:    applicationID,
		CorrelationID:    correlationID,
		ContentType:      contentTypeJSON,
		CreationDateTime: time.Now().UTC(),
		Body:             data,
	}, nil
}

// Headers returns the envelope fields as string headers.
func (m *Message) Headers() map[string]string {
	return map[string]string{
		HeaderMessageID:     m.MessageID,
		HeaderApplicationID: m.ApplicationID,
		HeaderCorrelationID: m.CorrelationID,
		HeaderContentType:   m.ContentType,
		HeaderCreationTime:  m.CreationDateTime.Format(time.RFC3339Nano),
	}
}
