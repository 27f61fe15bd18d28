package acquisition

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPushListenerDeliversUpdateNotifications(t *testing.T) {
	t.Parallel()

	upgrader := websocket.Upgrader{}
	var gotKey atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/push" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("deployment_key") != "key-1" {
			http.Error(w, "unknown deployment", http.StatusForbidden)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		msg, _ := json.Marshal(pushMessage{
			Type:      pushTypeUpdateAvailable,
			Data:      map[string]interface{}{"deployment_key": "key-1"},
			Timestamp: time.Now(),
		})
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
		// Hold the connection open until the client disconnects.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	pl, err := NewPushListener(PushListenerOptions{
		ServerURL:     srv.URL,
		DeploymentKey: "key-1",
		ClientID:      "client-1",
		Handler:       func(key string) { gotKey.Store(key) },
	})
	if err != nil {
		t.Fatalf("NewPushListener: %v", err)
	}
	pl.Start()
	defer pl.Stop()

	waitFor(t, "connection", pl.IsConnected)
	waitFor(t, "update notification", func() bool {
		key, _ := gotKey.Load().(string)
		return key == "key-1"
	})
}

func TestPushListenerReconnectsAfterDrop(t *testing.T) {
	t.Parallel()

	upgrader := websocket.Upgrader{}
	var upgrades atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if upgrades.Add(1) == 1 {
			// Drop the first connection immediately to force a reconnect.
			conn.Close()
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	pl, err := NewPushListener(PushListenerOptions{
		ServerURL:      srv.URL,
		DeploymentKey:  "key-1",
		ClientID:       "client-1",
		ReconnectDelay: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewPushListener: %v", err)
	}
	pl.Start()
	defer pl.Stop()

	waitFor(t, "reconnection", func() bool {
		return upgrades.Load() >= 2 && pl.IsConnected()
	})
}

func TestPushListenerRejectsBadScheme(t *testing.T) {
	t.Parallel()

	_, err := NewPushListener(PushListenerOptions{ServerURL: "ftp://updates.example.com"})
	if err == nil {
		t.Fatal("expected an error for unsupported scheme")
	}
}
