package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/johndauphine/flatbridge/internal/logging"
	"github.com/johndauphine/flatbridge/internal/registry"
)

const wsWriteTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// transfersWS pushes the full transfer list on connect and again after
// every registry change, until the client goes away.
func transfersWS(w http.ResponseWriter, r *http.Request, reg *registry.Registry) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Debug("websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	changes, unsubscribe := reg.Subscribe()
	defer unsubscribe()

	// Client messages are ignored; reading detects the close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	send := func() bool {
		data, err := json.Marshal(reg.List())
		if err != nil {
			logging.Error("encoding transfer list: %v", err)
			return false
		}
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteMessage(websocket.TextMessage, data) == nil
	}

	if !send() {
		return
	}
	for {
		select {
		case <-gone:
			return
		case _, ok := <-changes:
			if !ok || !send() {
				return
			}
		}
	}
}
