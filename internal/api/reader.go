package api

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"readaloud/internal/auth"
	"readaloud/internal/reader"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	socketWriteWait  = 10 * time.Second
	socketPongWait   = 60 * time.Second
	socketPingPeriod = socketPongWait * 9 / 10
	socketReadLimit  = 16 << 10
)

func (h *Handler) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.allowedOrigin,
	}
}

func (h *Handler) allowedOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.origins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}

// readerSocket opens one reader session for the connection. The session
// lives exactly as long as the socket.
func (h *Handler) readerSocket(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	token, _ := auth.AuthTokenFromContext(c)
	up := h.upgrader()
	conn, err := up.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logrus.WithError(err).WithField("user_id", userID).Debug("reader upgrade failed")
		return
	}
	provider := h.auth.ProviderFor(token)
	sess := h.readers.Open(userID, provider, provider)
	log := logrus.WithFields(logrus.Fields{"user_id": userID, "session": sess.ID()})
	log.Info("reader connected")

	go writePump(conn, sess, log)
	readPump(conn, sess, log)
	log.Info("reader disconnected")
}

func readPump(conn *websocket.Conn, sess *reader.Session, log *logrus.Entry) {
	defer func() {
		sess.Close()
		conn.Close()
	}()
	conn.SetReadLimit(socketReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(socketPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(socketPongWait))
	})
	for {
		var msg reader.Inbound
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithError(err).Debug("reader socket closed unexpectedly")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(socketPongWait))
		sess.Handle(msg)
	}
}

// writePump is the only writer on conn. It sends the latest state after
// every update and forwards speech commands and upload progress in order.
func writePump(conn *websocket.Conn, sess *reader.Session, log *logrus.Entry) {
	ticker := time.NewTicker(socketPingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	send := func(msg reader.Outbound) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
		if err := conn.WriteJSON(msg); err != nil {
			log.WithError(err).Debug("reader write failed")
			return false
		}
		return true
	}
	sendState := func() bool {
		snap := sess.Latest()
		return send(reader.Outbound{Type: "state", State: &snap})
	}

	if !sendState() {
		return
	}
	for {
		select {
		case msg, ok := <-sess.Outbound():
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"))
				return
			}
			if !send(msg) {
				return
			}
		case <-sess.Updates():
			if !sendState() {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
