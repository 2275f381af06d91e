package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestConnJoinAndReceive(t *testing.T) {
	hub := NewHub(discardLogger())
	upgrader := websocket.Upgrader{}
	joined := make(chan string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := NewConn(ws, hub, "customer-1", "customer", discardLogger())
		c.Serve(r.Context(), func(ctx context.Context, c *Conn, event string, data json.RawMessage) error {
			if event != "join_order" {
				return errors.New("unsupported")
			}
			var req struct {
				OrderID string `json:"orderId"`
			}
			if err := json.Unmarshal(data, &req); err != nil {
				return err
			}
			hub.Join(c, req.OrderID)
			joined <- req.OrderID
			return nil
		})
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	if err := client.WriteJSON(map[string]any{"event": "join_order", "data": map[string]string{"orderId": "o-42"}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case <-joined:
	case <-time.After(2 * time.Second):
		t.Fatal("join never handled")
	}

	hub.Deliver(Envelope{Event: "DELIVERY_STATUS", Payload: json.RawMessage(`{"orderId":"o-42"}`), Rooms: []string{"o-42"}})

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if err := client.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Event != "DELIVERY_STATUS" || string(got.Data) != `{"orderId":"o-42"}` {
		t.Fatalf("unexpected frame %+v", got)
	}

	client.Close()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Size("o-42") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("disconnected conn still in room")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
