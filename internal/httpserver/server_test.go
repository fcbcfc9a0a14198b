package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/parleyrtc/signal-relay/internal/config"
	"github.com/parleyrtc/signal-relay/internal/metrics"
	"github.com/parleyrtc/signal-relay/internal/room"
	"github.com/parleyrtc/signal-relay/internal/session"
	"github.com/parleyrtc/signal-relay/internal/signaling"
)

func testServerConfig() config.Config {
	return config.Config{
		ListenAddr:      "127.0.0.1:0",
		LogFormat:       config.LogFormatText,
		LogLevel:        slog.LevelInfo,
		ShutdownTimeout: 2 * time.Second,
		Mode:            config.ModeDev,
	}
}

func startTestServer(t *testing.T, cfg config.Config, handlers Handlers) (baseURL string) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	build := BuildInfo{Commit: "abc", BuildTime: "time"}
	srv := New(cfg, log, build, handlers)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-errCh
	})

	return "http://" + ln.Addr().String()
}

func getJSON(t *testing.T, url string, wantStatus int) map[string]any {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("status=%d, want %d", resp.StatusCode, wantStatus)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return body
}

func TestHealthzReadyzVersion(t *testing.T) {
	baseURL := startTestServer(t, testServerConfig(), Handlers{})

	t.Run("healthz", func(t *testing.T) {
		body := getJSON(t, baseURL+"/healthz", http.StatusOK)
		if body["ok"] != true {
			t.Fatalf("body=%v, want ok=true", body)
		}
	})

	t.Run("readyz", func(t *testing.T) {
		body := getJSON(t, baseURL+"/readyz", http.StatusOK)
		if body["ready"] != true {
			t.Fatalf("body=%v, want ready=true", body)
		}
	})

	t.Run("version", func(t *testing.T) {
		body := getJSON(t, baseURL+"/version", http.StatusOK)
		if body["commit"] != "abc" || body["buildTime"] != "time" {
			t.Fatalf("body=%v", body)
		}
	})
}

func TestReadyzReportsICEConfigError(t *testing.T) {
	t.Setenv("RELAY_ICE_SERVERS_JSON", "[")

	cfg, err := config.Load([]string{"--listen-addr", "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("config.Load returned fatal error: %v", err)
	}
	if cfg.ICEConfigError() == nil {
		t.Fatalf("expected ICE config error to be captured for readiness")
	}

	baseURL := startTestServer(t, cfg, Handlers{})

	body := getJSON(t, baseURL+"/readyz", http.StatusServiceUnavailable)
	if body["ready"] != false {
		t.Fatalf("body=%v, want ready=false", body)
	}
}

func TestWebRTCICEEndpoint(t *testing.T) {
	cfg := testServerConfig()
	cfg.ICEServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}}

	baseURL := startTestServer(t, cfg, Handlers{})

	body := getJSON(t, baseURL+"/webrtc/ice", http.StatusOK)
	servers, ok := body["iceServers"].([]any)
	if !ok || len(servers) != 1 {
		t.Fatalf("body=%v, want one ice server", body)
	}
}

func TestWebRTCICEOriginPolicy(t *testing.T) {
	cfg := testServerConfig()
	cfg.AllowedOrigins = []string{"https://app.example.com"}
	cfg.ICEServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.example.com"}}}

	baseURL := startTestServer(t, cfg, Handlers{})

	t.Run("allowed origin gets CORS headers", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, baseURL+"/webrtc/ice", nil)
		req.Header.Set("Origin", "https://app.example.com")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d", resp.StatusCode)
		}
		if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
			t.Fatalf("allow-origin=%q", got)
		}
	})

	t.Run("disallowed origin forbidden", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, baseURL+"/webrtc/ice", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusForbidden {
			t.Fatalf("status=%d, want 403", resp.StatusCode)
		}
	})
}

func TestMetricsRouteMounted(t *testing.T) {
	m := metrics.New()
	baseURL := startTestServer(t, testServerConfig(), Handlers{Metrics: m.Handler()})

	resp, err := http.Get(baseURL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
}

// TestWebSocketUpgradeThroughMiddleware mounts a real signaling handler the
// way main does and upgrades through the full middleware chain. The logging
// wrapper must keep the connection hijackable for this to work.
func TestWebSocketUpgradeThroughMiddleware(t *testing.T) {
	cfg := testServerConfig()
	cfg.MaxSignalingMessageBytes = 1024
	cfg.MaxSignalingMessagesPerSecond = 1000
	cfg.WSIdleTimeout = time.Minute
	cfg.WSPingInterval = 20 * time.Second
	cfg.SendQueueMessages = 16

	m := metrics.New()
	registry := session.NewRegistry(cfg.MaxSessions, m)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	router := signaling.NewRouter(room.NewDirectory(), registry, nil, m, log)
	ws := signaling.NewWebSocketServer(cfg, registry, router, m, log)

	baseURL := startTestServer(t, cfg, Handlers{Signaling: ws})
	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/ws"

	type event struct {
		Type   string `json:"type"`
		UserID string `json:"userId"`
	}
	readEvent := func(t *testing.T, conn *websocket.Conn) event {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var ev event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
		return ev
	}

	first, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { first.Close() })

	ev := readEvent(t, first)
	if ev.Type != "connected" || ev.UserID == "" {
		t.Fatalf("first event = %+v, want connected with userId", ev)
	}
	if err := first.WriteJSON(map[string]string{"type": "join", "room": "lobby"}); err != nil {
		t.Fatalf("join: %v", err)
	}

	second, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial second: %v", err)
	}
	t.Cleanup(func() { second.Close() })

	ev = readEvent(t, second)
	if ev.Type != "connected" {
		t.Fatalf("second client first event = %+v, want connected", ev)
	}
	joinedID := ev.UserID
	if err := second.WriteJSON(map[string]string{"type": "join", "room": "lobby"}); err != nil {
		t.Fatalf("join second: %v", err)
	}

	ev = readEvent(t, first)
	if ev.Type != "user_joined" || ev.UserID != joinedID {
		t.Fatalf("event = %+v, want user_joined from %s", ev, joinedID)
	}
}

func TestRequestIDHeaderEchoed(t *testing.T) {
	baseURL := startTestServer(t, testServerConfig(), Handlers{})

	req, _ := http.NewRequest(http.MethodGet, baseURL+"/healthz", nil)
	req.Header.Set("X-Request-ID", "req-123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("X-Request-ID"); got != "req-123" {
		t.Fatalf("request id=%q, want req-123", got)
	}
}
