package websocket

import (
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/conneroisu/strata/internal/build"
)

// Message types sent to clients.
const (
	MessageCompile = "compile"
)

// Client is one subscribed connection.
type Client struct {
	conn        *websocket.Conn
	send        chan []byte
	done        chan struct{}
	closeOnce   sync.Once
	connectedAt time.Time
	remoteAddr  string
}

// Message is the envelope of every broadcast.
type Message struct {
	Type      string        `json:"type"`
	Result    *build.Result `json:"result,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// NewCompileMessage wraps a compile result.
func NewCompileMessage(result build.Result) Message {
	return Message{Type: MessageCompile, Result: &result, Timestamp: time.Now()}
}

// Stats reports hub activity.
type Stats struct {
	Clients int   `json:"clients"`
	Sent    int64 `json:"sent"`
	Dropped int64 `json:"dropped"`
}
