package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/websocket"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/apsl-space/apsl/internal/platform/metrics"
	"github.com/apsl-space/apsl/internal/services/compiler"
)

const (
	testOrigin   = "http://localhost:5173"
	testDealer   = "EQAAAQIDBAUGBwgJCgsMDQ4PEBESExQVFhcYGRobHB0eHx2j"
	testCustomer = "UQCrq6urq6urq6urq6urq6urq6urq6urq6urq6urq6urq5jh"
)

type stubToolchain struct{}

func (stubToolchain) Run(_ context.Context, cmd compiler.Command) (compiler.Result, error) {
	for _, arg := range cmd.Args {
		if arg == "--config" {
			return compiler.Result{}, nil
		}
	}
	return compiler.Result{Stdout: []byte(`{"code":"te6ccgEBAQEAAgAAAA==","data":"te6ccgEBAQEAAwAAAUA="}`)}, nil
}

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		HTTPAddr:        "127.0.0.1:0",
		DBPath:          filepath.Join(t.TempDir(), "market.db"),
		AllowedOrigins:  []string{testOrigin},
		ChatTokenSecret: "test-secret",
		ShutdownTimeout: 2 * time.Second,
		Metrics:         metrics.NewRegistry(),
	}
}

func startServer(t *testing.T, cfg Config) (*Server, func()) {
	t.Helper()

	srv, err := NewServer(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.ListenAndServe(ctx)
	}()
	stopped := false
	stop := func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("listen and serve: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("server did not stop after cancel")
		}
		srv.Close()
	}
	t.Cleanup(stop)
	return srv, stop
}

func postJSON(t *testing.T, url string, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func getBody(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func receiveFrame(t *testing.T, conn *websocket.Conn) map[string]json.RawMessage {
	t.Helper()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	var raw string
	if err := websocket.Message.Receive(conn, &raw); err != nil {
		t.Fatalf("receive frame: %v", err)
	}
	var frame map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &frame); err != nil {
		t.Fatalf("decode frame %q: %v", raw, err)
	}
	return frame
}

func frameType(frame map[string]json.RawMessage) string {
	var typ string
	_ = json.Unmarshal(frame["type"], &typ)
	return typ
}

func TestNewServerRequiresHTTPAddr(t *testing.T) {
	if _, err := NewServer(context.Background(), Config{DBPath: filepath.Join(t.TempDir(), "m.db")}); err == nil {
		t.Fatal("expected error for empty http address")
	}
}

func TestNewServerRequiresDBPath(t *testing.T) {
	if _, err := NewServer(context.Background(), Config{HTTPAddr: "127.0.0.1:0"}); err == nil {
		t.Fatal("expected error for empty db path")
	}
}

func TestNewServerRejectsBadCompilerConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Compile = CompileConfig{Enabled: true}
	if _, err := NewServer(context.Background(), cfg); err == nil {
		t.Fatal("expected error for compiler without project dir")
	}
}

func TestListenAndServeNilServer(t *testing.T) {
	var s *Server
	if err := s.ListenAndServe(context.Background()); err == nil {
		t.Fatal("expected error for nil server")
	}
	s.Close()
}

func TestServerServesMarketplaceSurface(t *testing.T) {
	cfg := testConfig(t)
	srv, _ := startServer(t, cfg)
	base := "http://" + srv.HTTPAddr()

	resp, body := getBody(t, base+"/up")
	if resp.StatusCode != http.StatusOK || string(body) != "OK" {
		t.Fatalf("/up = %d %q", resp.StatusCode, body)
	}

	resp, body = postJSON(t, base+"/check-or-create-chat", `{"userAddress":"`+testCustomer+`","currentUserAddress":"`+testDealer+`","reward":"10"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("check-or-create status = %d body = %s", resp.StatusCode, body)
	}
	var created struct {
		ChatID string `json:"chatId"`
		Token  string `json:"token"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatalf("decode check-or-create: %v", err)
	}
	if created.ChatID == "" || created.Token == "" {
		t.Fatalf("check-or-create body = %s, want chat id and token", body)
	}

	conn, err := websocket.Dial("ws://"+srv.HTTPAddr()+"/ws", "", testOrigin)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()

	join, _ := json.Marshal(map[string]any{
		"type":    "chat.join",
		"payload": map[string]any{"chat_id": created.ChatID, "token": created.Token},
	})
	if err := websocket.Message.Send(conn, string(join)); err != nil {
		t.Fatalf("send join: %v", err)
	}
	if got := frameType(receiveFrame(t, conn)); got != "chat.joined" {
		t.Fatalf("join reply = %q, want chat.joined", got)
	}

	send, _ := json.Marshal(map[string]any{
		"type":    "chat.send",
		"payload": map[string]any{"message": "hello", "client_message_id": "c-1"},
	})
	if err := websocket.Message.Send(conn, string(send)); err != nil {
		t.Fatalf("send message: %v", err)
	}
	if got := frameType(receiveFrame(t, conn)); got != "chat.ack" {
		t.Fatalf("send reply = %q, want chat.ack", got)
	}
	if got := frameType(receiveFrame(t, conn)); got != "chat.message" {
		t.Fatalf("broadcast = %q, want chat.message", got)
	}

	resp, body = getBody(t, base+"/get-messages/"+created.ChatID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get-messages status = %d", resp.StatusCode)
	}
	var messages []struct {
		Message string `json:"message"`
		Sender  string `json:"sender"`
	}
	if err := json.Unmarshal(body, &messages); err != nil {
		t.Fatalf("decode messages: %v", err)
	}
	if len(messages) != 1 || messages[0].Message != "hello" || messages[0].Sender != testDealer {
		t.Fatalf("messages = %+v", messages)
	}

	resp, _ = postJSON(t, base+"/compile", `{"dealer":"`+testDealer+`","customer":"`+testCustomer+`"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("compile without compiler = %d, want 404", resp.StatusCode)
	}

	resp, body = getBody(t, base+"/metrics")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "apsl_chat_messages_total 1") {
		t.Fatalf("metrics missing chat message counter: %d", resp.StatusCode)
	}
}

func TestServerShutdownClosesOpenWebSockets(t *testing.T) {
	srv, stop := startServer(t, testConfig(t))

	conn, err := websocket.Dial("ws://"+srv.HTTPAddr()+"/ws", "", testOrigin)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()

	stop()

	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	var raw string
	if err := websocket.Message.Receive(conn, &raw); err == nil {
		t.Fatalf("expected closed connection, got frame %q", raw)
	}
}

func TestServerCompileAndGRPCHealth(t *testing.T) {
	cfg := testConfig(t)
	cfg.GRPCAddr = "127.0.0.1:0"
	cfg.Compile = CompileConfig{
		Enabled:    true,
		ProjectDir: t.TempDir(),
		Runner:     stubToolchain{},
	}
	srv, _ := startServer(t, cfg)

	resp, body := postJSON(t, "http://"+srv.HTTPAddr()+"/compile", `{"dealer":"`+testDealer+`","customer":"`+testCustomer+`"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("compile status = %d body = %s", resp.StatusCode, body)
	}
	var artifact compiler.Artifact
	if err := json.Unmarshal(body, &artifact); err != nil {
		t.Fatalf("decode artifact: %v", err)
	}
	if artifact.Code == "" || artifact.Data == "" {
		t.Fatalf("artifact = %+v", artifact)
	}

	resp, body = postJSON(t, "http://"+srv.HTTPAddr()+"/compile", `{"dealer":"`+testDealer+`"}`)
	if resp.StatusCode != http.StatusBadRequest || !strings.Contains(string(body), "Missing required fields") {
		t.Fatalf("compile missing field = %d %s", resp.StatusCode, body)
	}

	conn, err := gogrpc.NewClient(srv.GRPCAddr(), gogrpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial grpc: %v", err)
	}
	defer conn.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client := grpc_health_v1.NewHealthClient(conn)
	for {
		health, err := client.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: HealthService})
		if err == nil && health.GetStatus() == grpc_health_v1.HealthCheckResponse_SERVING {
			break
		}
		select {
		case <-ctx.Done():
			t.Fatalf("grpc health never reported SERVING: %v", err)
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestServerOpensRESTCORSButRestrictsWebSocketOrigins(t *testing.T) {
	srv, _ := startServer(t, testConfig(t))
	const otherOrigin = "https://other.example"

	req, err := http.NewRequest(http.MethodOptions, "http://"+srv.HTTPAddr()+"/gettasks", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Origin", otherOrigin)
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	_ = resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("REST allow origin = %q, want *", got)
	}

	conn, err := websocket.Dial("ws://"+srv.HTTPAddr()+"/ws", "", otherOrigin)
	if conn != nil {
		_ = conn.Close()
	}
	if err == nil {
		t.Fatal("expected websocket handshake from unlisted origin to fail")
	}
}
