package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/abelbrown/ddwatch/internal/apierr"
	"github.com/abelbrown/ddwatch/internal/pipeline"
)

type testEndpoint struct {
	base string
}

func (e testEndpoint) StreamURL(ddID string) string { return e.base + "/findings-stream?dd_id=" + ddID }

func (e testEndpoint) Header() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer tok")
	return h
}

func TestSSEDialerReadsEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("accept = %q", r.Header.Get("Accept"))
		}
		if r.URL.Query().Get("dd_id") != "dd1" {
			t.Errorf("dd_id = %q", r.URL.Query().Get("dd_id"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprint(w, "data: {\"type\": \"finding\", \"timestamp\": \"2026-03-01T10:00:00Z\",\n")
		fmt.Fprint(w, "data: \"data\": {\"id\": \"a\"}}\n\n")
		fmt.Fprint(w, "event: finding\r\ndata: {\"data\": {\"id\": \"b\"}}\r\n\r\n")
		fmt.Fprint(w, "data: {broken\n\n")
	}))
	defer srv.Close()

	d := &SSEDialer{Endpoint: testEndpoint{base: srv.URL}}
	conn, err := d.Dial(context.Background(), "dd1")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	env, err := conn.Next()
	if err != nil || env.Type != "finding" || env.Timestamp != "2026-03-01T10:00:00Z" {
		t.Fatalf("first = %+v, %v", env, err)
	}
	env, err = conn.Next()
	if err != nil || env.Type != "finding" || string(env.Data) != `{"id": "b"}` {
		t.Fatalf("second = %+v (%s), %v", env, env.Data, err)
	}
	env, err = conn.Next()
	if err != nil || env.Type == "finding" {
		t.Fatalf("malformed = %+v, %v", env, err)
	}
	if _, err := conn.Next(); !errors.Is(err, ErrClosedByServer) {
		t.Errorf("end of stream err = %v", err)
	}
}

func TestSSEDialerClassifiesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	d := &SSEDialer{Endpoint: testEndpoint{base: srv.URL}}
	_, err := d.Dial(context.Background(), "dd1")
	if !errors.Is(err, &apierr.Error{Kind: apierr.KindAuth, Code: apierr.CodeUnauthenticated}) {
		t.Errorf("err = %v", err)
	}
}

func TestWSDialer(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("authorization = %q", r.Header.Get("Authorization"))
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type": "finding", "data": {"id": "w1"}}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
	}))
	defer srv.Close()

	d := &WSDialer{Endpoint: testEndpoint{base: srv.URL}}
	conn, err := d.Dial(context.Background(), "dd1")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	env, err := conn.Next()
	if err != nil || env.Type != "finding" {
		t.Fatalf("first = %+v, %v", env, err)
	}
	var w pipeline.WireFinding
	if err := json.Unmarshal(env.Data, &w); err != nil || w.ID != "w1" {
		t.Errorf("data = %s, %v", env.Data, err)
	}
	if env, err := conn.Next(); err != nil || env.Type != "malformed" {
		t.Fatalf("second = %+v, %v", env, err)
	}
	if _, err := conn.Next(); !errors.Is(err, ErrClosedByServer) {
		t.Errorf("close err = %v", err)
	}
}
