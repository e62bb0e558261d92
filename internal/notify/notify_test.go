package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/animus-labs/ledger-go/internal/domain"
	"github.com/gorilla/websocket"
)

func TestChannelDropsWhenFull(t *testing.T) {
	c := NewChannel(1)
	c.Notify(context.Background(), Notification{CommandID: "c-1"})
	c.Notify(context.Background(), Notification{CommandID: "c-2"})

	if c.Dropped() != 1 {
		t.Fatalf("Dropped()=%d, want 1", c.Dropped())
	}
	got := <-c.C()
	if got.CommandID != "c-1" {
		t.Fatalf("CommandID=%s, want c-1", got.CommandID)
	}
}

func TestMultiFansOut(t *testing.T) {
	a, b := NewChannel(1), NewChannel(1)
	Multi{a, nil, b}.Notify(context.Background(), Notification{CommandID: "c-1"})
	if len(a.C()) != 1 || len(b.C()) != 1 {
		t.Fatalf("each notifier should receive one notification")
	}
}

func TestHubDeliversOnlyToTenantSubscribers(t *testing.T) {
	hub := NewHub(nil, nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, r.URL.Query().Get("tenant"))
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?tenant=t-1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() err=%v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers("t-1") == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	hub.Notify(context.Background(), Notification{CommandID: "other", TenantID: "t-2", Status: domain.CommandStatusCompleted})
	hub.Notify(context.Background(), Notification{CommandID: "mine", TenantID: "t-1", Status: domain.CommandStatusFailed})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Notification
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("ReadJSON() err=%v", err)
	}
	if got.CommandID != "mine" || got.TenantID != "t-1" || got.Status != domain.CommandStatusFailed {
		t.Fatalf("got %+v, want t-1/mine", got)
	}
}

func TestHubCloseTenantDisconnectsSubscribers(t *testing.T) {
	hub := NewHub(nil, nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, r.URL.Query().Get("tenant"))
	}))
	defer srv.Close()

	base := "ws" + strings.TrimPrefix(srv.URL, "http")
	purged, _, err := websocket.DefaultDialer.Dial(base+"/?tenant=t-1", nil)
	if err != nil {
		t.Fatalf("Dial() err=%v", err)
	}
	defer purged.Close()
	other, _, err := websocket.DefaultDialer.Dial(base+"/?tenant=t-2", nil)
	if err != nil {
		t.Fatalf("Dial() err=%v", err)
	}
	defer other.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers("t-1") == 0 || hub.Subscribers("t-2") == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscribers never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if n := hub.CloseTenant("t-1"); n != 1 {
		t.Fatalf("CloseTenant()=%d, want 1", n)
	}
	if n := hub.CloseTenant("t-1"); n != 0 {
		t.Fatalf("second CloseTenant()=%d, want 0", n)
	}

	_ = purged.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = purged.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("ReadMessage() err=%v, want normal closure", err)
	}

	hub.Notify(context.Background(), Notification{CommandID: "after", TenantID: "t-2", Status: domain.CommandStatusCompleted})
	_ = other.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Notification
	if err := other.ReadJSON(&got); err != nil {
		t.Fatalf("ReadJSON() err=%v", err)
	}
	if got.CommandID != "after" {
		t.Fatalf("got %+v, want t-2/after", got)
	}
}
