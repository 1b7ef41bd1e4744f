package httpapi

import (
	"net/http"
	"time"

	"wisefido-vitals/internal/session"
	"wisefido-vitals/internal/view"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pingInterval = 30 * time.Second
	// refreshInterval 会话没有推送时重新计算状态（stale）
	refreshInterval = 5 * time.Second
	pongWait     = 60 * time.Second
	writeWait    = 10 * time.Second
	maxReadSize  = 4096
)

// SessionLookup 按患者查找会话
type SessionLookup interface {
	Session(patientID string) (*session.Session, bool)
}

// LiveHandler 通过 websocket 推送患者视图
type LiveHandler struct {
	sessions SessionLookup
	upgrader websocket.Upgrader
	refresh  time.Duration
	logger   *zap.Logger
}

func NewLiveHandler(sessions SessionLookup, logger *zap.Logger) *LiveHandler {
	return &LiveHandler{
		sessions: sessions,
		refresh:  refreshInterval,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// ServeWS GET /vitals/api/v1/live?patient_id=
func (h *LiveHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	patientID := r.URL.Query().Get("patient_id")
	if patientID == "" {
		writeJSON(w, http.StatusBadRequest, Fail("patient_id is required"))
		return
	}
	sess, ok := h.sessions.Session(patientID)
	if !ok {
		writeJSON(w, http.StatusNotFound, Fail("patient is not monitored"))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	updates, cancel := sess.Watch()
	c := &liveConn{
		patientID: patientID,
		ws:        conn,
		current:   sess.Current,
		refresh:   h.refresh,
		logger:    h.logger,
	}
	h.logger.Info("Live feed connected", zap.String("patient_id", patientID))
	go c.run(updates, cancel)
}

// liveConn 单个 websocket 连接的读写循环
type liveConn struct {
	patientID string
	ws        *websocket.Conn
	current   func() session.Update
	refresh   time.Duration
	logger    *zap.Logger
}

func (c *liveConn) run(updates <-chan session.Update, cancel func()) {
	defer func() {
		cancel()
		_ = c.ws.Close()
		c.logger.Info("Live feed closed", zap.String("patient_id", c.patientID))
	}()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		c.readPump()
	}()
	c.writePump(updates, closed)
}

// readPump 只处理控制帧，客户端断开时返回
func (c *liveConn) readPump() {
	c.ws.SetReadLimit(maxReadSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *liveConn) writePump(updates <-chan session.Update, closed <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	refresh := time.NewTicker(c.refresh)
	defer refresh.Stop()

	var last session.Status
	for {
		select {
		case <-closed:
			return
		case u, ok := <-updates:
			if !ok {
				_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"))
				return
			}
			if u.PatientID == "" {
				continue
			}
			if err := c.writeView(u); err != nil {
				return
			}
			last = u.Status
		case <-refresh.C:
			u := c.current()
			if u.PatientID == "" || u.State == session.Closed || u.Status == last {
				continue
			}
			if err := c.writeView(u); err != nil {
				return
			}
			last = u.Status
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *liveConn) writeView(u session.Update) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteJSON(view.FromUpdate(u)); err != nil {
		c.logger.Debug("Live feed write failed", zap.String("patient_id", c.patientID), zap.Error(err))
		return err
	}
	return nil
}

func (c *liveConn) write(messageType int, data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(messageType, data)
}
