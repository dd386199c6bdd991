package hub

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true }, // same-origin policy enforced by the bearer check below
}

// Authenticator validates the bearer token or session cookie on an incoming
// upgrade request. Returns ok=false to reject the connection before it is
// upgraded.
type Authenticator func(r *http.Request) (ok bool)

// ServeUpgrade upgrades r to a WebSocket connection after authenticating it,
// registers it with topics parsed from the "topics" query parameter, and
// runs its read pump (which exists only to detect client-initiated close;
// the Hub never expects inbound data on this connection).
func (h *Hub) ServeUpgrade(auth Authenticator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !auth(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.WithError(err).Warn("hub: upgrade failed")
			return
		}

		topics := strings.Split(r.URL.Query().Get("topics"), ",")
		if err := h.Register(conn, topics); err != nil {
			conn.Close()
			return
		}

		go h.readPump(conn)
	}
}

func (h *Hub) readPump(conn *websocket.Conn) {
	defer h.Unregister(conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// BearerAuthenticator builds an Authenticator performing a constant-time
// comparison against the configured token, in the style of
// stats-service/main.go's auth middleware.
func BearerAuthenticator(expectedToken string) Authenticator {
	return func(r *http.Request) bool {
		got := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(got, prefix) {
			got = r.URL.Query().Get("token")
		} else {
			got = strings.TrimPrefix(got, prefix)
		}
		if got == "" || expectedToken == "" {
			return false
		}
		return subtle.ConstantTimeCompare([]byte(got), []byte(expectedToken)) == 1
	}
}
