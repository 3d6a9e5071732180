package wspush

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func feedServer(t *testing.T, frames ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for _, f := range frames {
			if err := ws.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func TestNew_RejectsBadURL(t *testing.T) {
	if _, err := New(Config{URL: "http://example.com/ws"}); err == nil {
		t.Fatal("expected error for http scheme")
	}
	if _, err := New(Config{URL: "://bad"}); err == nil {
		t.Fatal("expected error for unparseable url")
	}
}

func TestDial_UnwrapsAndFiltersEvents(t *testing.T) {
	srv := feedServer(t,
		`{"event":"heartbeat","data":{}}`,
		`{"event":"bot_update","data":{"price":67900}}`,
		`{"price":67901}`,
	)
	defer srv.Close()

	d, err := New(Config{URL: wsURL(srv)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := d.Dial(ctx)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	first, err := c.ReadMessage(ctx)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if string(first) != `{"price":67900}` {
		t.Errorf("first payload = %s", first)
	}
	second, err := c.ReadMessage(ctx)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if string(second) != `{"price":67901}` {
		t.Errorf("second payload = %s", second)
	}
}

func TestClose_UnblocksRead(t *testing.T) {
	srv := feedServer(t)
	defer srv.Close()

	d, _ := New(Config{URL: wsURL(srv)})
	c, err := d.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := c.ReadMessage(context.Background())
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	c.Close()
	c.Close()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected read error after close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ReadMessage did not return after Close")
	}
}

func TestDial_Refused(t *testing.T) {
	srv := feedServer(t)
	url := wsURL(srv)
	srv.Close()

	d, _ := New(Config{URL: url, HandshakeTimeout: time.Second})
	if _, err := d.Dial(context.Background()); err == nil {
		t.Fatal("expected dial error against a closed server")
	}
}
