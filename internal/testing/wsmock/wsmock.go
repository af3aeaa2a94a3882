// Package wsmock provides websocket server helpers for tests
package wsmock

import (
	"net/http"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{}

// HandlerFunc handles a single received message on a mock server connection
type HandlerFunc func(messageType int, msg []byte, conn *websocket.Conn) error

// Upgrader upgrades an http request to websocket and routes every received
// message through fn until the connection closes or fn errors
func Upgrader(tb testing.TB, w http.ResponseWriter, r *http.Request, fn HandlerFunc) {
	tb.Helper()
	c, err := upgrader.Upgrade(w, r, nil)
	require.NoError(tb, err, "Upgrade must not error")
	defer c.Close()
	for {
		mType, msg, err := c.ReadMessage()
		if err != nil {
			return // Closed connection is the standard exit path
		}
		if err := fn(mType, msg, c); err != nil {
			return
		}
	}
}

// EchoHandler writes back any message it receives
func EchoHandler(mType int, msg []byte, conn *websocket.Conn) error {
	return conn.WriteMessage(mType, msg)
}
