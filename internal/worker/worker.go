// Package worker answers chat requests arriving over NATS.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/book-expert/logger"
	"github.com/nats-io/nats.go"

	"github.com/book-expert/voice-assistant/internal/api"
	"github.com/book-expert/voice-assistant/internal/pipeline"
)

const handleMessageTimeout = 5 * time.Minute

const errMsgInvalidRequest = "request must be JSON with a message field"

// Assistant answers a typed message.
type Assistant interface {
	HandleText(ctx context.Context, message string) (pipeline.TextResult, error)
}

// NatsWorker listens for chat requests on a NATS subject and replies to each
// with an api.ChatResponse or an api.ErrorResponse.
type NatsWorker struct {
	natsConnection *nats.Conn
	subject        string
	assistant      Assistant
	timeout        time.Duration
	log            *logger.Logger
}

// NewNatsWorker creates a new instance of a NATS worker.
func NewNatsWorker(
	natsConnection *nats.Conn,
	subject string,
	assistant Assistant,
	log *logger.Logger,
) *NatsWorker {
	return &NatsWorker{
		natsConnection: natsConnection,
		subject:        subject,
		assistant:      assistant,
		timeout:        handleMessageTimeout,
		log:            log,
	}
}

// Run subscribes and serves requests until ctx is cancelled, then drains the
// subscription so in-flight requests are answered.
func (w *NatsWorker) Run(ctx context.Context) error {
	sub, err := w.natsConnection.Subscribe(w.subject, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.subject, err)
	}

	w.log.Info("Listening for chat requests on %s", w.subject)

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

func (w *NatsWorker) handleMessage(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	var request api.ChatRequest

	err := json.Unmarshal(msg.Data, &request)
	if err != nil {
		w.log.Error("Failed to unmarshal chat request: %v", err)
		w.respond(msg, api.ErrorResponse{Error: errMsgInvalidRequest})

		return
	}

	result, err := w.assistant.HandleText(ctx, request.Message)
	if err != nil {
		w.log.Error("Failed to answer chat request on %s: %v", msg.Subject, err)
		w.respond(msg, api.ErrorResponse{Error: err.Error()})

		return
	}

	w.respond(msg, api.NewChatResponse(result))
}

// respond marshals body and sends it to the request's reply inbox. Messages
// published without a reply subject are answered nowhere.
func (w *NatsWorker) respond(msg *nats.Msg, body any) {
	if msg.Reply == "" {
		return
	}

	data, err := json.Marshal(body)
	if err != nil {
		w.log.Error("Failed to marshal chat reply: %v", err)

		return
	}

	err = msg.Respond(data)
	if err != nil {
		w.log.Error("Failed to publish chat reply: %v", err)
	}
}
