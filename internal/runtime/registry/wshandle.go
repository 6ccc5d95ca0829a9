package registry

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	relayerrors "github.com/drblury/chatrelay/internal/runtime/errors"
)

const (
	DefaultWriteTimeout = 10 * time.Second
	DefaultSendBuffer   = 16
)

// FrameConn is the subset of *websocket.Conn a WSHandle writes through.
type FrameConn interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type delivery struct {
	payload []byte
	result  chan error
}

// WSHandle owns a websocket connection. All writes run on a single writer
// goroutine fed through a bounded queue.
type WSHandle struct {
	conn         FrameConn
	writeTimeout time.Duration
	queue        chan delivery
	done         chan struct{}
	stopped      chan struct{}
	closeOnce    sync.Once
	closeErr     error
}

// NewWSHandle starts the writer goroutine for conn. Non-positive arguments
// fall back to DefaultWriteTimeout and DefaultSendBuffer.
func NewWSHandle(conn FrameConn, writeTimeout time.Duration, sendBuffer int) *WSHandle {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	if sendBuffer <= 0 {
		sendBuffer = DefaultSendBuffer
	}
	h := &WSHandle{
		conn:         conn,
		writeTimeout: writeTimeout,
		queue:        make(chan delivery, sendBuffer),
		done:         make(chan struct{}),
		stopped:      make(chan struct{}),
	}
	go h.writeLoop()
	return h
}

func (h *WSHandle) writeLoop() {
	defer close(h.stopped)
	for {
		select {
		case <-h.done:
			return
		case d := <-h.queue:
			d.result <- h.writeFrame(d.payload)
		}
	}
}

func (h *WSHandle) writeFrame(payload []byte) error {
	if err := h.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout)); err != nil {
		return err
	}
	return h.conn.WriteMessage(websocket.TextMessage, payload)
}

// Write queues payload as a text frame and waits for the writer goroutine.
// A full queue fails immediately with ErrSendQueueFull.
func (h *WSHandle) Write(ctx context.Context, payload []byte) error {
	d := delivery{payload: payload, result: make(chan error, 1)}

	select {
	case <-h.done:
		return relayerrors.ErrHandleClosed
	default:
	}

	select {
	case h.queue <- d:
	case <-h.done:
		return relayerrors.ErrHandleClosed
	default:
		return relayerrors.ErrSendQueueFull
	}

	select {
	case err := <-d.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return relayerrors.ErrHandleClosed
	}
}

// Close stops the writer and closes the connection. Subsequent calls
// return the first result.
func (h *WSHandle) Close() error {
	h.closeOnce.Do(func() {
		close(h.done)
		<-h.stopped
		h.closeErr = h.conn.Close()
	})
	return h.closeErr
}

// Done is closed once Close has been called.
func (h *WSHandle) Done() <-chan struct{} {
	return h.done
}
