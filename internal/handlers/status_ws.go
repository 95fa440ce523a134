// internal/handlers/status_ws.go
package handlers

import (
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/sirupsen/logrus"

	"github.com/alienarcade/bingo-service/internal/session"
)

// StatusWSHandler upgrades the connection and pushes the same viewer-scoped
// snapshot the polling endpoint serves, once per second, until the lobby
// finishes or the client goes away. Purely a push mirror of Status: it leaks
// nothing the polling surface would not.
func (a *API) StatusWSHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := a.identity(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		lobbyID := r.PathValue("lobby_id")

		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: []string{"*"}, // Adjust for production security.
		})
		if err != nil {
			a.Logger.Warnf("WebSocket accept error for lobby %s: %v", lobbyID, err)
			return
		}
		defer c.CloseNow()

		wsLog := a.Logger.WithFields(logrus.Fields{
			"lobby":  lobbyID,
			"remote": r.RemoteAddr,
		})
		wsLog.Info("status stream opened")

		ctx := r.Context()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()

		for {
			snap, err := a.Engine.Status(ctx, lobbyID, identity)
			if err != nil {
				wsLog.WithError(err).Info("status stream closed, lobby gone")
				c.Close(websocket.StatusNormalClosure, "lobby gone")
				return
			}
			if err := wsjson.Write(ctx, c, snap); err != nil {
				wsLog.WithError(err).Info("status stream closed by client")
				return
			}
			if snap.Phase == session.PhaseFinished {
				wsLog.Info("status stream closed, game finished")
				c.Close(websocket.StatusNormalClosure, "game finished")
				return
			}

			select {
			case <-ctx.Done():
				wsLog.Info("status stream context done")
				return
			case <-ticker.C:
			}
		}
	}
}
