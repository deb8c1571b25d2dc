package mocks

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// MockWebSocketConn implements room.WebSocketConn for testing
type MockWebSocketConn struct {
	mu            sync.Mutex
	WriteMessages []MockMessage
	Deadlines     []time.Time
	closed        bool
	writeErr      error
}

type MockMessage struct {
	MessageType int
	Data        []byte
}

func NewMockWebSocketConn() *MockWebSocketConn {
	return &MockWebSocketConn{WriteMessages: make([]MockMessage, 0)}
}

func (m *MockWebSocketConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MockWebSocketConn) WriteMessage(messageType int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return websocket.ErrCloseSent
	}
	if m.writeErr != nil {
		return m.writeErr
	}

	m.WriteMessages = append(m.WriteMessages, MockMessage{
		MessageType: messageType,
		Data:        data,
	})
	return nil
}

func (m *MockWebSocketConn) SetWriteDeadline(t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Deadlines = append(m.Deadlines, t)
	return nil
}

// GetWrittenMessages returns all messages written to the connection
func (m *MockWebSocketConn) GetWrittenMessages() []MockMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockMessage{}, m.WriteMessages...)
}

// SetWriteError sets an error to be returned on subsequent writes
func (m *MockWebSocketConn) SetWriteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}
