package objectstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/book-expert/voice-assistant/internal/core"
)

const audioKeySuffix = ".wav"

// ReplyArchive uploads each reply recording and announces it with an
// events.AudioChunkCreatedEvent. All replies from one process share a workflow ID.
type ReplyArchive struct {
	store      core.ObjectStore
	conn       *nats.Conn
	subject    string
	workflowID string
	log        *logger.Logger
}

// NewReplyArchive creates an archive that publishes on subject. conn may be nil
// to upload without announcing.
func NewReplyArchive(store core.ObjectStore, conn *nats.Conn, subject string, log *logger.Logger) *ReplyArchive {
	return &ReplyArchive{
		store:      store,
		conn:       conn,
		subject:    subject,
		workflowID: uuid.NewString(),
		log:        log,
	}
}

// WorkflowID identifies the events published by this archive.
func (a *ReplyArchive) WorkflowID() string {
	return a.workflowID
}

// Archive stores wav under a fresh key and returns the key. A failed
// announcement is logged; the upload still counts.
func (a *ReplyArchive) Archive(ctx context.Context, wav []byte) (string, error) {
	audioKey := uuid.NewString() + audioKeySuffix

	err := a.store.Upload(ctx, audioKey, wav)
	if err != nil {
		return "", fmt.Errorf("failed to upload reply audio for key '%s': %w", audioKey, err)
	}

	if a.conn == nil {
		return audioKey, nil
	}

	err = a.publish(audioKey)
	if err != nil {
		a.log.Warn("Uploaded %s but failed to announce it: %v", audioKey, err)
	}

	return audioKey, nil
}

func (a *ReplyArchive) publish(audioKey string) error {
	event := &events.AudioChunkCreatedEvent{
		Header: events.EventHeader{
			Timestamp:  time.Now(),
			WorkflowID: a.workflowID,
			EventID:    uuid.NewString(),
		},
		AudioKey: audioKey,
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audio created event: %w", err)
	}

	err = a.conn.Publish(a.subject, data)
	if err != nil {
		return fmt.Errorf("failed to publish audio created event: %w", err)
	}

	return nil
}
