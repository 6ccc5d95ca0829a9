// Package envelope defines the payloads that cross the broker and the
// websocket: requests from the gateway to the worker, responses from the
// worker to the relay, and frames sent to the browser.
package envelope

import (
	"fmt"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	relayerrors "github.com/drblury/chatrelay/internal/runtime/errors"
	"github.com/drblury/chatrelay/internal/runtime/ids"
	"github.com/drblury/chatrelay/internal/runtime/jsoncodec"
	"github.com/drblury/chatrelay/internal/runtime/metadata"
)

// Sender identifies who authored a frame or a persisted message.
type Sender string

const (
	SenderUser   Sender = "USER"
	SenderBot    Sender = "BOT"
	SenderSystem Sender = "SYSTEM"
)

// RequestEnvelope is one user message queued for the worker.
type RequestEnvelope struct {
	ClientID string    `json:"client_id"`
	Content  string    `json:"content"`
	SentAt   time.Time `json:"sent_at"`
}

// ResponseEnvelope is one completion result queued for the relay.
type ResponseEnvelope struct {
	ClientID    string    `json:"client_id"`
	Content     string    `json:"content"`
	ProcessedAt time.Time `json:"processed_at"`
}

// ClientFrame is the JSON object written to the browser.
type ClientFrame struct {
	Sender  Sender `json:"sender"`
	Content string `json:"content"`
}

// NewRequest stamps a request with now in UTC.
func NewRequest(clientID, content string, now time.Time) RequestEnvelope {
	return RequestEnvelope{ClientID: clientID, Content: content, SentAt: now.UTC()}
}

// NewResponse stamps a response with now in UTC.
func NewResponse(clientID, content string, now time.Time) ResponseEnvelope {
	return ResponseEnvelope{ClientID: clientID, Content: content, ProcessedAt: now.UTC()}
}

// Validate requires a non-blank client id and content.
func (r RequestEnvelope) Validate() error {
	return validate(r.ClientID, r.Content)
}

// Validate requires a non-blank client id. Empty content is allowed: the
// worker always answers with something, even an apology.
func (r ResponseEnvelope) Validate() error {
	if strings.TrimSpace(r.ClientID) == "" {
		return relayerrors.ErrClientIDRequired
	}
	return nil
}

func validate(clientID, content string) error {
	if strings.TrimSpace(clientID) == "" {
		return relayerrors.ErrClientIDRequired
	}
	if strings.TrimSpace(content) == "" {
		return relayerrors.ErrContentRequired
	}
	return nil
}

// SystemFrame builds a frame authored by the relay itself.
func SystemFrame(content string) ClientFrame {
	return ClientFrame{Sender: SenderSystem, Content: content}
}

// BotFrame builds a frame carrying a completion result.
func BotFrame(content string) ClientFrame {
	return ClientFrame{Sender: SenderBot, Content: content}
}

// Encode serialises a frame for the websocket.
func (f ClientFrame) Encode() ([]byte, error) {
	return jsoncodec.Marshal(f)
}

// DecodeRequest parses and validates a request payload. Both syntax and
// validation failures wrap ErrMalformedEnvelope.
func DecodeRequest(payload []byte) (RequestEnvelope, error) {
	var req RequestEnvelope
	if err := jsoncodec.Unmarshal(payload, &req); err != nil {
		return RequestEnvelope{}, fmt.Errorf("%w: %w", relayerrors.ErrMalformedEnvelope, err)
	}
	if err := req.Validate(); err != nil {
		return RequestEnvelope{}, fmt.Errorf("%w: %w", relayerrors.ErrMalformedEnvelope, err)
	}
	return req, nil
}

// DecodeResponse parses and validates a response payload.
func DecodeResponse(payload []byte) (ResponseEnvelope, error) {
	var resp ResponseEnvelope
	if err := jsoncodec.Unmarshal(payload, &resp); err != nil {
		return ResponseEnvelope{}, fmt.Errorf("%w: %w", relayerrors.ErrMalformedEnvelope, err)
	}
	if err := resp.Validate(); err != nil {
		return ResponseEnvelope{}, fmt.Errorf("%w: %w", relayerrors.ErrMalformedEnvelope, err)
	}
	return resp, nil
}

// RequestMessage wraps a request in a Watermill message with a fresh ULID
// and the standard headers. A blank correlationID defaults to the message id.
func RequestMessage(req RequestEnvelope, correlationID string) (*message.Message, error) {
	payload, err := jsoncodec.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	id := ids.NewMessageID()
	if correlationID == "" {
		correlationID = id
	}
	msg := message.NewMessage(id, payload)
	metadata.Apply(msg, metadata.New(
		metadata.KeyMessageID, id,
		metadata.KeyCorrelationID, correlationID,
		metadata.KeyClientID, req.ClientID,
		metadata.KeyKind, metadata.KindRequest,
	))
	return msg, nil
}

// ResponseMessage wraps a response in a Watermill message. Headers of the
// originating request are copied, then the id, kind and client headers are
// replaced.
func ResponseMessage(resp ResponseEnvelope, request *message.Message) (*message.Message, error) {
	payload, err := jsoncodec.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	id := ids.NewMessageID()
	md := metadata.FromMessage(request)
	if md.CorrelationID() == "" && request != nil {
		md = md.With(metadata.KeyCorrelationID, request.UUID)
	}
	md = md.With(metadata.KeyMessageID, id).
		With(metadata.KeyClientID, resp.ClientID).
		With(metadata.KeyKind, metadata.KindResponse)

	msg := message.NewMessage(id, payload)
	metadata.Apply(msg, md)
	return msg, nil
}
