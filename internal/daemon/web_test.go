package daemon

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"mupeer.dev/go/mupeer/internal/transport"
)

func newTestWeb(t *testing.T) (*Daemon, *httptest.Server) {
	t.Helper()
	d := newTestDaemon(t, transport.NewMemoryNetwork(), "web")
	srv := httptest.NewServer(NewWebServer(d, 0).Handler())
	t.Cleanup(srv.Close)
	return d, srv
}

func doJSON(t *testing.T, method, url, body string, out any) int {
	t.Helper()

	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestWebValues(t *testing.T) {
	_, srv := newTestWeb(t)

	var info ValueInfo
	if code := doJSON(t, http.MethodPut, srv.URL+"/api/values/counter", `{"n":3}`, &info); code != http.StatusOK {
		t.Fatalf("PUT status = %d", code)
	}
	if string(info.Value) != `{"n":3}` {
		t.Errorf("PUT value = %s", info.Value)
	}

	var infos []ValueInfo
	doJSON(t, http.MethodGet, srv.URL+"/api/values", "", &infos)
	if len(infos) != 2 || string(infos[0].Value) != `{"n":3}` {
		t.Errorf("GET /api/values = %+v", infos)
	}
}

func TestWebStatusCodes(t *testing.T) {
	_, srv := newTestWeb(t)

	tests := []struct {
		method string
		path   string
		body   string
		want   int
	}{
		{http.MethodGet, "/api/status", "", http.StatusOK},
		{http.MethodGet, "/api/peers?all=true", "", http.StatusOK},
		{http.MethodGet, "/api/metrics", "", http.StatusOK},
		{http.MethodGet, "/api/logs?level=warn&limit=10", "", http.StatusOK},
		{http.MethodGet, "/api/logs?since=yesterday", "", http.StatusBadRequest},
		{http.MethodGet, "/api/values/missing", "", http.StatusNotFound},
		{http.MethodPut, "/api/values/counter", "{", http.StatusBadRequest},
		{http.MethodPut, "/api/values/score", "1", http.StatusForbidden},
		{http.MethodDelete, "/api/values/counter", "", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			if got := doJSON(t, tt.method, srv.URL+tt.path, tt.body, nil); got != tt.want {
				t.Errorf("status = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestWebHostClaim(t *testing.T) {
	_, srv := newTestWeb(t)

	var host HostInfo
	if code := doJSON(t, http.MethodPost, srv.URL+"/api/host/claim", "", &host); code != http.StatusOK {
		t.Fatalf("claim status = %d", code)
	}
	if !host.IsHost || host.Host == nil {
		t.Fatalf("claim result = %+v", host)
	}

	// A host may write host-only values
	if code := doJSON(t, http.MethodPut, srv.URL+"/api/values/score", "5", nil); code != http.StatusOK {
		t.Errorf("PUT score status = %d", code)
	}
}

func TestWebSocketStream(t *testing.T) {
	d, srv := newTestWeb(t)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()

	// Registration goes through the hub loop
	deadline := time.Now().Add(5 * time.Second)
	for d.Hub().ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("websocket client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := d.SetValue("counter", json.RawMessage("11")); err != nil {
		t.Fatalf("SetValue() error = %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read event: %v", err)
		}
		if ev.Event != EventValueChanged {
			continue
		}
		var changed ValueChanged
		if err := json.Unmarshal(ev.Payload, &changed); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if changed.Name != "counter" || string(changed.Value) != "11" {
			t.Errorf("event = %+v", changed)
		}
		return
	}
}

func TestLocalOrigin(t *testing.T) {
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:7841", true},
		{"http://127.0.0.1:7841", true},
		{"http://[::1]:7841", true},
		{"https://example.com", false},
		{"http://localhost.example.com", false},
	}

	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := localOrigin(r); got != tt.want {
			t.Errorf("localOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}
