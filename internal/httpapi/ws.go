package httpapi

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/streamspace-dev/chatrelay/internal/wsrelay"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkWebSocketOrigin,
}

// checkWebSocketOrigin applies the CORS_ALLOWED_ORIGINS list;
// non-browser clients send no Origin header and are let through.
func checkWebSocketOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	allowedEnv := os.Getenv("CORS_ALLOWED_ORIGINS")
	var allowed []string
	if allowedEnv != "" {
		for _, o := range strings.Split(allowedEnv, ",") {
			allowed = append(allowed, strings.TrimSpace(o))
		}
	}
	if len(allowed) == 0 {
		allowed = []string{"http://localhost:3000", "http://localhost:8000"}
	}
	for _, a := range allowed {
		if origin == a {
			return true
		}
	}
	return false
}

// newWSHandler serves `GET /ws/{userId}?token=...`: it upgrades the
// socket, verifies the token, enforces the userId/token match, then
// hands the socket to the connection manager. Rejections complete the
// upgrade first so the client receives a real close frame with one of
// the wsrelay.Close* codes instead of a bare HTTP error.
func newWSHandler(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			d.Log.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}

		pathUserID := c.Param("userId")
		result, err := d.Authr.Verify(c.Query("token"))
		if err != nil {
			closeWithCode(conn, wsrelay.CloseInvalidToken, "invalid token")
			return
		}
		if !wsrelay.MatchesPath(result.UserID, pathUserID) {
			closeWithCode(conn, wsrelay.CloseUserIDMismatch, "user id mismatch")
			return
		}
		if result.Disabled {
			closeWithCode(conn, wsrelay.CloseDisabled, "account disabled")
			return
		}

		client, err := d.Manager.Accept(c.Request.Context(), conn, result.UserID, c.ClientIP())
		if err != nil {
			conn.Close()
			return
		}

		client.ReadPump(func(ev wsrelay.Event) {
			d.Manager.HandleFrame(c.Request.Context(), client, ev)
		})
	}
}

func closeWithCode(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	conn.Close()
}
