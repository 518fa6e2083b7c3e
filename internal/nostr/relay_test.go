package nostr

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
)

// testRelay is a minimal in-process relay: it accepts websocket clients,
// tracks their subscriptions, and forwards published events to every
// matching subscription.
type testRelay struct {
	srv *httptest.Server

	mu      sync.Mutex
	clients map[*testRelayClient]struct{}
}

type testRelayClient struct {
	conn *websocket.Conn
	wmu  sync.Mutex
	subs map[string]Filter
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()
	r := &testRelay{clients: make(map[*testRelayClient]struct{})}
	upgrader := websocket.Upgrader{}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		client := &testRelayClient{conn: conn, subs: make(map[string]Filter)}
		r.mu.Lock()
		r.clients[client] = struct{}{}
		r.mu.Unlock()
		r.serve(client)
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *testRelay) URL() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http")
}

func (r *testRelay) serve(client *testRelayClient) {
	defer func() {
		r.mu.Lock()
		delete(r.clients, client)
		r.mu.Unlock()
		client.conn.Close()
	}()

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame []json.RawMessage
		if err := json.Unmarshal(data, &frame); err != nil || len(frame) == 0 {
			continue
		}
		var kind string
		_ = json.Unmarshal(frame[0], &kind)

		switch kind {
		case "REQ":
			if len(frame) < 3 {
				continue
			}
			var subID string
			var filter Filter
			_ = json.Unmarshal(frame[1], &subID)
			_ = json.Unmarshal(frame[2], &filter)
			r.mu.Lock()
			client.subs[subID] = filter
			r.mu.Unlock()
			client.write([]interface{}{"EOSE", subID})
		case "CLOSE":
			if len(frame) < 2 {
				continue
			}
			var subID string
			_ = json.Unmarshal(frame[1], &subID)
			r.mu.Lock()
			delete(client.subs, subID)
			r.mu.Unlock()
		case "EVENT":
			if len(frame) < 2 {
				continue
			}
			var ev Event
			if err := json.Unmarshal(frame[1], &ev); err != nil {
				continue
			}
			client.write([]interface{}{"OK", ev.ID, true, ""})
			r.forward(&ev)
		}
	}
}

func (r *testRelay) forward(ev *Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for client := range r.clients {
		for subID, filter := range client.subs {
			if filter.Matches(ev) {
				client.write([]interface{}{"EVENT", subID, ev})
			}
		}
	}
}

func (c *testRelayClient) write(frame []interface{}) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.WriteMessage(websocket.TextMessage, data)
}
