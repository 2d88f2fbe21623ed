package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentforge/agentforge/internal/agent"
	"github.com/agentforge/agentforge/internal/bridge"
	"github.com/agentforge/agentforge/internal/common/logger"
)

// TerminalHandler serves dedicated binary WebSocket connections for live
// terminal I/O. Binary frames bypass JSON entirely so xterm.js can attach
// directly to the session stream.
type TerminalHandler struct {
	manager *agent.Manager
	pool    *bridge.Pool
	logger  *logger.Logger
}

// NewTerminalHandler wires a TerminalHandler.
func NewTerminalHandler(manager *agent.Manager, pool *bridge.Pool, log *logger.Logger) *TerminalHandler {
	return &TerminalHandler{
		manager: manager,
		pool:    pool,
		logger:  log.WithFields(zap.String("component", "terminal_handler")),
	}
}

// terminalUpgrader uses larger buffers for better TUI performance.
var terminalUpgrader = gorillaws.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     checkWebSocketOrigin,
}

// resizeMessage is the only text frame the terminal socket accepts.
type resizeMessage struct {
	Type string `json:"type"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

// terminalWriter serializes concurrent writes to one terminal socket.
type terminalWriter struct {
	conn *gorillaws.Conn
	mu   sync.Mutex
}

func (w *terminalWriter) writeBinary(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(gorillaws.BinaryMessage, data)
}

func (w *terminalWriter) writePing() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(gorillaws.PingMessage, nil)
}

// HandleConnection attaches one viewer to an agent's terminal.
func (t *TerminalHandler) HandleConnection(c *gin.Context) {
	agentID := c.Param("agent_id")
	a, err := t.manager.Get(agentID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}

	conn, err := terminalUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		t.logger.Error("Failed to upgrade terminal connection", zap.Error(err))
		return
	}
	defer conn.Close()

	log := t.logger.WithFields(zap.String("agent_id", agentID))
	b := t.pool.Get(a.SessionName)

	sub, err := b.Subscribe(c.Request.Context())
	if err != nil {
		log.Error("Failed to attach to session", zap.Error(err))
		return
	}
	defer b.Unsubscribe(sub)

	log.Debug("Terminal viewer attached")

	writer := &terminalWriter{conn: conn}
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// Outbound: session output and keep-alive pings.
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case chunk, ok := <-sub.C:
				if !ok {
					cancel()
					return
				}
				if err := writer.writeBinary(chunk); err != nil {
					cancel()
					return
				}
			case <-ticker.C:
				if err := writer.writePing(); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	// Inbound: binary keystrokes and text resize commands.
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if gorillaws.IsUnexpectedCloseError(err, gorillaws.CloseGoingAway, gorillaws.CloseAbnormalClosure) {
				log.Debug("Terminal read error", zap.Error(err))
			}
			return
		}

		switch msgType {
		case gorillaws.BinaryMessage:
			if err := b.SendInput(ctx, data); err != nil {
				log.Warn("Failed to forward keystrokes", zap.Error(err))
			}
		case gorillaws.TextMessage:
			var msg resizeMessage
			if err := json.Unmarshal(data, &msg); err != nil || msg.Type != "resize" {
				continue
			}
			if msg.Cols > 0 && msg.Rows > 0 {
				if err := b.Resize(ctx, msg.Cols, msg.Rows); err != nil {
					log.Warn("Failed to resize session", zap.Error(err))
				}
			}
		}
	}
}
