package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"
	"golang.org/x/net/websocket"

	"github.com/apsl-space/apsl/internal/services/market/domain/chatgrant"
	"github.com/apsl-space/apsl/internal/services/market/service"
	"github.com/apsl-space/apsl/internal/services/market/storage/sqlite"
)

const (
	dealerAddr   = "UQDealerAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
	customerAddr = "UQCustomerBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB"
)

type wsTestFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type wsTestAckPayload struct {
	Result struct {
		Status    string `json:"status"`
		MessageID string `json:"message_id"`
		Sequence  int64  `json:"sequence"`
		Duplicate bool   `json:"duplicate"`
		Count     int    `json:"count"`
	} `json:"result"`
}

type wsTestMessagePayload struct {
	Message struct {
		ID       string `json:"_id"`
		ChatID   string `json:"chatId"`
		Sequence int64  `json:"sequence"`
		Message  string `json:"message"`
		Sender   string `json:"sender"`
	} `json:"message"`
}

type relayFixture struct {
	svc    *service.Service
	relay  *Relay
	srv    *httptest.Server
	chatID string
	token  string
}

func newRelayFixture(t *testing.T, svcOpts []service.Option, relayOpts ...Option) *relayFixture {
	t.Helper()

	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "market.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	svc, err := service.New(store, svcOpts...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	relay, err := NewRelay(svc, relayOpts...)
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/ws", relay.Handler())
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	t.Cleanup(relay.Close)

	result, err := svc.CheckOrCreateDeal(context.Background(), service.DealRequest{
		UserAddress:        customerAddr,
		CurrentUserAddress: dealerAddr,
	})
	if err != nil {
		t.Fatalf("create deal: %v", err)
	}
	return &relayFixture{svc: svc, relay: relay, srv: srv, chatID: result.Deal.ChatID, token: result.Token}
}

func (f *relayFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()

	conn, err := dialWSWithServerURL(f.srv.URL, "/ws", f.srv.URL)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

func dialWSWithServerURL(httpURL string, path string, origin string) (*websocket.Conn, error) {
	wsURL := "ws" + strings.TrimPrefix(httpURL, "http") + path
	return websocket.Dial(wsURL, "", origin)
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	t.Helper()
	if err := json.NewEncoder(conn).Encode(frame); err != nil {
		t.Fatalf("encode frame: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) wsTestFrame {
	t.Helper()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	var got wsTestFrame
	if err := json.NewDecoder(conn).Decode(&got); err != nil {
		t.Fatalf("decode server frame: %v", err)
	}
	return got
}

func decodeAckPayload(t *testing.T, payload json.RawMessage) wsTestAckPayload {
	t.Helper()
	var ack wsTestAckPayload
	if err := json.Unmarshal(payload, &ack); err != nil {
		t.Fatalf("decode ack payload: %v", err)
	}
	return ack
}

func decodeMessagePayload(t *testing.T, payload json.RawMessage) wsTestMessagePayload {
	t.Helper()
	var msg wsTestMessagePayload
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatalf("decode message payload: %v", err)
	}
	return msg
}

func joinChat(t *testing.T, conn *websocket.Conn, chatID string, token string) {
	t.Helper()
	writeFrame(t, conn, map[string]any{
		"type":       "chat.join",
		"request_id": "req-join-1",
		"payload": map[string]any{
			"chat_id": chatID,
			"token":   token,
		},
	})
	got := readFrame(t, conn)
	if got.Type != "chat.joined" {
		t.Fatalf("frame type = %q, want %q (payload %s)", got.Type, "chat.joined", string(got.Payload))
	}
}

func sendMessage(t *testing.T, conn *websocket.Conn, requestID string, clientMessageID string, body string) {
	t.Helper()
	writeFrame(t, conn, map[string]any{
		"type":       "chat.send",
		"request_id": requestID,
		"payload": map[string]any{
			"client_message_id": clientMessageID,
			"message":           body,
			"sender":            dealerAddr,
		},
	})
}

func TestWebSocketJoinReturnsJoinedFrame(t *testing.T) {
	f := newRelayFixture(t, nil)
	conn := f.dial(t)

	writeFrame(t, conn, map[string]any{
		"type":       "chat.join",
		"request_id": "req-join-1",
		"payload":    map[string]any{"chat_id": f.chatID},
	})

	got := readFrame(t, conn)
	if got.Type != "chat.joined" {
		t.Fatalf("frame type = %q, want %q", got.Type, "chat.joined")
	}
	if got.RequestID != "req-join-1" {
		t.Fatalf("request id = %q, want req-join-1", got.RequestID)
	}
	if !strings.Contains(string(got.Payload), f.chatID) {
		t.Fatalf("joined payload = %s, expected chat id", string(got.Payload))
	}
}

func TestWebSocketJoinUnknownChatReturnsNotFound(t *testing.T) {
	f := newRelayFixture(t, nil)
	conn := f.dial(t)

	writeFrame(t, conn, map[string]any{
		"type":    "chat.join",
		"payload": map[string]any{"chat_id": "missing"},
	})
	got := readFrame(t, conn)
	if got.Type != "chat.error" || !strings.Contains(string(got.Payload), "NOT_FOUND") {
		t.Fatalf("frame = %s %s, want NOT_FOUND error", got.Type, string(got.Payload))
	}
}

func TestWebSocketUnknownTypeReturnsChatError(t *testing.T) {
	f := newRelayFixture(t, nil)
	conn := f.dial(t)

	writeFrame(t, conn, map[string]any{
		"type":       "chat.unknown",
		"request_id": "req-bad-1",
		"payload":    map[string]any{},
	})

	got := readFrame(t, conn)
	if got.Type != "chat.error" {
		t.Fatalf("frame type = %q, want %q", got.Type, "chat.error")
	}
	if !strings.Contains(string(got.Payload), "INVALID_ARGUMENT") {
		t.Fatalf("error payload = %s, expected INVALID_ARGUMENT code", string(got.Payload))
	}
}

func TestWebSocketSendBeforeJoinReturnsForbidden(t *testing.T) {
	f := newRelayFixture(t, nil)
	conn := f.dial(t)

	sendMessage(t, conn, "req-send-before-join", "cli-1", "hello")

	got := readFrame(t, conn)
	if got.Type != "chat.error" {
		t.Fatalf("frame type = %q, want %q", got.Type, "chat.error")
	}
	if !strings.Contains(string(got.Payload), "FORBIDDEN") {
		t.Fatalf("error payload = %s, expected FORBIDDEN", string(got.Payload))
	}
}

func TestWebSocketSendBroadcastsWithinChatRoom(t *testing.T) {
	f := newRelayFixture(t, nil)
	connA := f.dial(t)
	connB := f.dial(t)

	joinChat(t, connA, f.chatID, "")
	joinChat(t, connB, f.chatID, "")

	sendMessage(t, connA, "req-send-1", "cli-1", "hello room")

	ack := readFrame(t, connA)
	if ack.Type != "chat.ack" {
		t.Fatalf("sender frame type = %q, want %q", ack.Type, "chat.ack")
	}
	senderMessage := readFrame(t, connA)
	if senderMessage.Type != "chat.message" {
		t.Fatalf("sender frame type = %q, want %q", senderMessage.Type, "chat.message")
	}

	receiverMessage := readFrame(t, connB)
	if receiverMessage.Type != "chat.message" {
		t.Fatalf("receiver frame type = %q, want %q", receiverMessage.Type, "chat.message")
	}
	payload := decodeMessagePayload(t, receiverMessage.Payload)
	if payload.Message.Message != "hello room" {
		t.Fatalf("receiver message body = %q, want %q", payload.Message.Message, "hello room")
	}
	if payload.Message.Sender != dealerAddr || payload.Message.ChatID != f.chatID {
		t.Fatalf("receiver message = %+v", payload.Message)
	}

	stored, err := f.svc.ListMessages(context.Background(), f.chatID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(stored) != 1 || stored[0].Body != "hello room" {
		t.Fatalf("stored messages = %+v", stored)
	}
}

func TestWebSocketSendIsIdempotentByClientMessageID(t *testing.T) {
	f := newRelayFixture(t, nil)
	conn := f.dial(t)
	joinChat(t, conn, f.chatID, "")

	sendMessage(t, conn, "req-send-1", "cli-dup-1", "hello once")
	firstAck := readFrame(t, conn)
	if firstAck.Type != "chat.ack" {
		t.Fatalf("first frame type = %q, want %q", firstAck.Type, "chat.ack")
	}
	_ = readFrame(t, conn)

	sendMessage(t, conn, "req-send-2", "cli-dup-1", "hello twice")
	secondAck := readFrame(t, conn)
	if secondAck.Type != "chat.ack" {
		t.Fatalf("second frame type = %q, want %q", secondAck.Type, "chat.ack")
	}

	first := decodeAckPayload(t, firstAck.Payload)
	second := decodeAckPayload(t, secondAck.Payload)
	if first.Result.MessageID == "" {
		t.Fatal("expected first ack message_id")
	}
	if first.Result.MessageID != second.Result.MessageID {
		t.Fatalf("message_id mismatch: %q != %q", first.Result.MessageID, second.Result.MessageID)
	}
	if first.Result.Sequence != second.Result.Sequence {
		t.Fatalf("sequence mismatch: %d != %d", first.Result.Sequence, second.Result.Sequence)
	}
	if !second.Result.Duplicate {
		t.Fatal("expected duplicate flag on retried send")
	}
}

func TestWebSocketHistoryBeforeReturnsMessagesAndAck(t *testing.T) {
	f := newRelayFixture(t, nil)
	conn := f.dial(t)
	joinChat(t, conn, f.chatID, "")

	var lastSequence int64
	for i, body := range []string{"m1", "m2", "m3"} {
		sendMessage(t, conn, "req-send", "cli-"+body, body)
		ack := decodeAckPayload(t, readFrame(t, conn).Payload)
		_ = readFrame(t, conn)
		if i == 2 {
			lastSequence = ack.Result.Sequence
		}
	}

	writeFrame(t, conn, map[string]any{
		"type":       "chat.history.before",
		"request_id": "req-history-1",
		"payload": map[string]any{
			"before_sequence": lastSequence,
			"limit":           10,
		},
	})

	m1 := readFrame(t, conn)
	m2 := readFrame(t, conn)
	ack := readFrame(t, conn)
	if m1.Type != "chat.message" || m2.Type != "chat.message" {
		t.Fatalf("expected two chat.message frames, got %q and %q", m1.Type, m2.Type)
	}
	if got := decodeMessagePayload(t, m1.Payload).Message.Message; got != "m1" {
		t.Fatalf("first history message = %q, want m1", got)
	}
	if ack.Type != "chat.ack" {
		t.Fatalf("ack frame type = %q, want %q", ack.Type, "chat.ack")
	}
	ackPayload := decodeAckPayload(t, ack.Payload)
	if ackPayload.Result.Count != 2 {
		t.Fatalf("history ack count = %d, want 2", ackPayload.Result.Count)
	}
}

func TestWebSocketRejectsOversizedMessage(t *testing.T) {
	f := newRelayFixture(t, nil)
	conn := f.dial(t)
	joinChat(t, conn, f.chatID, "")

	sendMessage(t, conn, "req-long", "cli-long", strings.Repeat("a", 2001))
	got := readFrame(t, conn)
	if got.Type != "chat.error" || !strings.Contains(string(got.Payload), "INVALID_ARGUMENT") {
		t.Fatalf("frame = %s %s, want INVALID_ARGUMENT error", got.Type, string(got.Payload))
	}
}

func TestWebSocketClosesAfterRepeatedDecodeErrors(t *testing.T) {
	f := newRelayFixture(t, nil)
	conn := f.dial(t)

	for i := 0; i < maxDecodeErrorsPerConn; i++ {
		if _, err := conn.Write([]byte("{not json")); err != nil {
			t.Fatalf("write garbage: %v", err)
		}
		got := readFrame(t, conn)
		if got.Type != "chat.error" {
			t.Fatalf("frame type = %q, want chat.error", got.Type)
		}
	}
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	var frame wsTestFrame
	if err := json.NewDecoder(conn).Decode(&frame); err == nil {
		t.Fatalf("expected closed connection, got frame %q", frame.Type)
	}
}

func TestWebSocketGrantRequiredToJoin(t *testing.T) {
	signer := chatgrant.NewSigner(chatgrant.Config{Secret: []byte("s3cret")})
	f := newRelayFixture(t, []service.Option{service.WithGrantSigner(signer)})
	conn := f.dial(t)

	writeFrame(t, conn, map[string]any{
		"type":    "chat.join",
		"payload": map[string]any{"chat_id": f.chatID},
	})
	got := readFrame(t, conn)
	if got.Type != "chat.error" || !strings.Contains(string(got.Payload), "UNAUTHENTICATED") {
		t.Fatalf("frame = %s %s, want UNAUTHENTICATED error", got.Type, string(got.Payload))
	}

	joinChat(t, conn, f.chatID, f.token)
	writeFrame(t, conn, map[string]any{
		"type":       "chat.send",
		"request_id": "req-send-1",
		"payload": map[string]any{
			"message": "signed in",
			"sender":  "someone-else",
		},
	})
	_ = readFrame(t, conn)
	msg := decodeMessagePayload(t, readFrame(t, conn).Payload)
	if msg.Message.Sender != dealerAddr {
		t.Fatalf("sender = %q, want grant subject %q", msg.Message.Sender, dealerAddr)
	}
}

func TestWebSocketRejectsDisallowedOrigin(t *testing.T) {
	f := newRelayFixture(t, nil, WithAllowedOrigins([]string{"https://apsl.space"}))

	conn, err := dialWSWithServerURL(f.srv.URL, "/ws", "https://evil.example")
	if conn != nil {
		_ = conn.Close()
	}
	if err == nil {
		t.Fatal("expected websocket dial error")
	}
	if !strings.Contains(err.Error(), "bad status") {
		t.Fatalf("dial error = %v, expected bad status", err)
	}
}

func TestWebSocketRejectsNonGet(t *testing.T) {
	f := newRelayFixture(t, nil)
	resp, err := http.Post(f.srv.URL+"/ws", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusMethodNotAllowed)
	}
}

func TestRelayCloseReleasesConnections(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "market.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	svc, err := service.New(store)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	result, err := svc.CheckOrCreateDeal(context.Background(), service.DealRequest{UserAddress: customerAddr, CurrentUserAddress: dealerAddr})
	if err != nil {
		t.Fatalf("create deal: %v", err)
	}
	relay, err := NewRelay(svc)
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}
	srv := httptest.NewServer(relay.Handler())
	defer srv.Close()

	conn, err := dialWSWithServerURL(srv.URL, "", srv.URL)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()
	joinChat(t, conn, result.Deal.ChatID, "")
	if got := relay.hub.roomCount(); got != 1 {
		t.Fatalf("rooms = %d, want 1", got)
	}

	relay.Close()

	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	var frame wsTestFrame
	if err := json.NewDecoder(conn).Decode(&frame); err == nil {
		t.Fatalf("expected closed connection, got frame %q", frame.Type)
	}
	deadline := time.Now().Add(2 * time.Second)
	for relay.hub.roomCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := relay.hub.roomCount(); got != 0 {
		t.Fatalf("rooms after close = %d, want 0", got)
	}
}

func TestOriginAllowed(t *testing.T) {
	if !originAllowed(nil, nil) {
		t.Fatal("empty allow list should accept")
	}
	if !originAllowed([]string{"*"}, nil) {
		t.Fatal("wildcard should accept")
	}
	origin, err := websocket.NewConfig("ws://localhost/ws", "http://localhost:5173/")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if !originAllowed([]string{"http://localhost:5173"}, origin.Origin) {
		t.Fatal("expected listed origin to be accepted")
	}
	if originAllowed([]string{"http://localhost:5174"}, origin.Origin) {
		t.Fatal("expected unlisted origin to be rejected")
	}
}

func TestWebSocketRateLimitClosesConnection(t *testing.T) {
	f := newRelayFixture(t, nil)
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f.relay.now = func() time.Time { return fixed }
	conn := f.dial(t)

	for i := 0; i <= maxFramesPerSecond; i++ {
		writeFrame(t, conn, map[string]any{
			"type":    "chat.unknown",
			"payload": map[string]any{},
		})
	}
	for i := 0; i < maxFramesPerSecond; i++ {
		got := readFrame(t, conn)
		if got.Type != "chat.error" || !strings.Contains(string(got.Payload), "INVALID_ARGUMENT") {
			t.Fatalf("frame %d = %s %s, want INVALID_ARGUMENT error", i, got.Type, string(got.Payload))
		}
	}
	got := readFrame(t, conn)
	if got.Type != "chat.error" || !strings.Contains(string(got.Payload), "RESOURCE_EXHAUSTED") {
		t.Fatalf("frame = %s %s, want RESOURCE_EXHAUSTED error", got.Type, string(got.Payload))
	}

	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	var frame wsTestFrame
	if err := json.NewDecoder(conn).Decode(&frame); err == nil {
		t.Fatalf("expected closed connection, got frame %q", frame.Type)
	}
}

func TestWebSocketJoinSecondRoomLeavesFirst(t *testing.T) {
	f := newRelayFixture(t, nil)
	other, err := f.svc.CheckOrCreateDeal(context.Background(), service.DealRequest{
		UserAddress:        "UQOtherCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCC",
		CurrentUserAddress: dealerAddr,
	})
	if err != nil {
		t.Fatalf("create second deal: %v", err)
	}
	connA := f.dial(t)
	connB := f.dial(t)

	joinChat(t, connA, f.chatID, "")
	joinChat(t, connA, other.Deal.ChatID, "")
	joinChat(t, connB, f.chatID, "")
	if got := f.relay.hub.roomCount(); got != 2 {
		t.Fatalf("rooms = %d, want 2", got)
	}

	sendMessage(t, connB, "req-send-1", "cli-1", "only for the first room")
	if got := readFrame(t, connB); got.Type != "chat.ack" {
		t.Fatalf("sender frame type = %q, want chat.ack", got.Type)
	}
	if got := readFrame(t, connB); got.Type != "chat.message" {
		t.Fatalf("sender frame type = %q, want chat.message", got.Type)
	}

	_ = connA.SetDeadline(time.Now().Add(300 * time.Millisecond))
	var frame wsTestFrame
	if err := json.NewDecoder(connA).Decode(&frame); err == nil {
		t.Fatalf("connection that left the room received %q", frame.Type)
	}
}
