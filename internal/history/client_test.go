package history

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRecentMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/messages/room/room-1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true,"data":[
			{"id":"m2","chatRoomId":"room-1","senderId":"u2","content":"second","type":"TEXT"},
			{"id":"m1","chatRoomId":"room-1","senderId":"u1","content":"first","type":"TEXT"}
		]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	msgs, err := c.RecentMessages(context.Background(), "room-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	// Server order is newest first; the client must not reorder.
	if msgs[0].ID != "m2" || msgs[1].ID != "m1" {
		t.Errorf("order changed: %v", msgs)
	}
	if msgs[1].RoomID != "room-1" {
		t.Errorf("chatRoomId not mapped: %+v", msgs[1])
	}
}

func TestAPIErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":false,"message":"room not found"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	if _, err := c.RecentMessages(context.Background(), "nope"); err == nil {
		t.Fatal("expected error for success=false")
	}
}

func TestHTTPStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	if _, err := c.RecentMessages(context.Background(), "room-1"); err == nil {
		t.Fatal("expected error for 500")
	}
}

func TestUserByID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/users/u1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"success":true,"data":{"id":"u1","name":"Alice"}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	user, err := c.UserByID(context.Background(), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if user.Name != "Alice" {
		t.Errorf("expected Alice, got %+v", user)
	}
}

func TestOnlineUsers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/online-users" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"success":true,"data":["u1","u2"]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	ids, err := c.OnlineUsers(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != 2 || ids[0] != "u1" {
		t.Errorf("unexpected ids: %v", ids)
	}
}

func TestContextCancellation(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	c := NewClient(srv.URL, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := c.RecentMessages(ctx, "room-1"); err == nil {
		t.Fatal("expected context cancellation error")
	}
}
