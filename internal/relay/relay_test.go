package relay_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/yaratul2005/OmegleXTalkNow/internal/audit"
	"github.com/yaratul2005/OmegleXTalkNow/internal/match"
	"github.com/yaratul2005/OmegleXTalkNow/internal/moderation"
	"github.com/yaratul2005/OmegleXTalkNow/internal/profile"
	"github.com/yaratul2005/OmegleXTalkNow/internal/registry"
	"github.com/yaratul2005/OmegleXTalkNow/internal/relay"
	"github.com/yaratul2005/OmegleXTalkNow/pkg/config"
	"github.com/yaratul2005/OmegleXTalkNow/pkg/transport"
)

// --- Test Suite Setup ---

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

// recordingSink captures audit writes for assertions.
type recordingSink struct {
	mu       sync.Mutex
	started  []audit.SessionRecord
	ended    []string
	messages []audit.MessageRecord
}

func (s *recordingSink) SessionStarted(rec audit.SessionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, rec)
}

func (s *recordingSink) SessionEnded(sessionID string, _ time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = append(s.ended, sessionID)
}

func (s *recordingSink) MessageSaved(rec audit.MessageRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, rec)
}

func (s *recordingSink) endedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ended...)
}

func (s *recordingSink) messageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

type harness struct {
	relay    *relay.Relay
	sink     *recordingSink
	profiles *profile.InMemoryDirectory
	server   *httptest.Server
	wg       sync.WaitGroup

	mu    sync.Mutex
	peers map[string]*relay.Peer
}

// newHarness runs the relay behind a real WebSocket endpoint. The participant
// identity comes from the id query param; callers are anonymous unless dialed
// with dialRegistered.
func newHarness(t *testing.T, moderator moderation.Moderator) *harness {
	t.Helper()
	logger := newTestLogger()
	sink := &recordingSink{}
	profiles := profile.NewInMemoryDirectory()

	rel := relay.New(
		logger,
		match.NewQueue(logger),
		registry.New(logger),
		moderator,
		profiles,
		sink,
		[]config.ICEServerConfig{{URLs: "stun:stun.example.org:3478"}},
	)

	h := &harness{relay: rel, sink: sink, profiles: profiles, peers: make(map[string]*relay.Peer)}
	h.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		participant := r.URL.Query().Get("id")
		anonymous := r.URL.Query().Get("registered") == ""
		wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		conn := transport.NewConnection(r.Context(), &h.wg, wsConn, transport.ConnectionConfig{WriteTimeout: time.Second}, nil, nil, logger)
		p := rel.Attach(participant, anonymous, conn)
		h.mu.Lock()
		h.peers[participant] = p
		h.mu.Unlock()
		conn.Run()
		<-conn.Done()
	}))
	t.Cleanup(h.server.Close)
	return h
}

func (h *harness) dial(t *testing.T, participant string) *websocket.Conn {
	t.Helper()
	return h.dialURL(t, participant, "/?id="+participant)
}

// dialRegistered connects as a non-anonymous participant, so find_match
// resolves entitlement from the profile directory.
func (h *harness) dialRegistered(t *testing.T, participant string) *websocket.Conn {
	t.Helper()
	return h.dialURL(t, participant, "/?id="+participant+"&registered=1")
}

func (h *harness) dialURL(t *testing.T, participant, path string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + path
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial as %s failed: %v", participant, err)
	}
	t.Cleanup(func() { c.Close(websocket.StatusNormalClosure, "") })
	return c
}

func (h *harness) peer(t *testing.T, participant string) *relay.Peer {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.peers[participant]
	if !ok {
		t.Fatalf("no peer attached for %s", participant)
	}
	return p
}

func sendJSON(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	payload, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := c.Write(ctx, websocket.MessageText, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
}

type readResult struct {
	data []byte
	err  error
}

var (
	readersMu sync.Mutex
	readers   = map[*websocket.Conn]chan readResult{}
)

// reads returns a channel fed by a single background read loop for c, so
// helpers can wait with a timeout. Cancelling a read context instead would
// make coder/websocket close the whole connection.
func reads(c *websocket.Conn) chan readResult {
	readersMu.Lock()
	defer readersMu.Unlock()
	ch, ok := readers[c]
	if !ok {
		ch = make(chan readResult, 16)
		readers[c] = ch
		go func() {
			for {
				_, data, err := c.Read(context.Background())
				ch <- readResult{data: data, err: err}
				if err != nil {
					return
				}
			}
		}()
	}
	return ch
}

func readNotice(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	select {
	case res := <-reads(c):
		if res.err != nil {
			t.Fatalf("read: %v", res.err)
		}
		var notice map[string]any
		if err := json.Unmarshal(res.data, &notice); err != nil {
			t.Fatalf("unmarshal %q: %v", res.data, err)
		}
		return notice
	case <-time.After(2 * time.Second):
		t.Fatalf("read: timed out waiting for message")
		return nil
	}
}

// expectSilence fails if anything arrives on the connection within the grace
// window.
func expectSilence(t *testing.T, c *websocket.Conn) {
	t.Helper()
	select {
	case res := <-reads(c):
		if res.err == nil {
			t.Fatalf("expected no message, got %q", res.data)
		}
	case <-time.After(300 * time.Millisecond):
	}
}

// pairUp drives two clients through find_match and returns their connections
// plus the shared session id.
func pairUp(t *testing.T, h *harness) (a, b *websocket.Conn, sessionID string) {
	t.Helper()
	a = h.dial(t, "A")
	sendJSON(t, a, map[string]any{"type": "find_match", "interests": []string{"gaming"}, "prefer_video": false})
	if notice := readNotice(t, a); notice["type"] != "waiting" {
		t.Fatalf("first caller got %v, want waiting", notice["type"])
	}

	b = h.dial(t, "B")
	sendJSON(t, b, map[string]any{"type": "find_match", "interests": []string{"gaming"}, "prefer_video": false})

	aNotice := readNotice(t, a)
	bNotice := readNotice(t, b)
	if aNotice["type"] != "matched" || bNotice["type"] != "matched" {
		t.Fatalf("expected both matched, got %v / %v", aNotice["type"], bNotice["type"])
	}
	sessionID, _ = aNotice["session_id"].(string)
	return a, b, sessionID
}

// --- Tests ---

func TestPairingFlow(t *testing.T) {
	h := newHarness(t, moderation.NewStaticModerator(moderation.AllowVerdict()))

	a := h.dial(t, "A")
	sendJSON(t, a, map[string]any{"type": "find_match", "interests": []string{"gaming"}, "prefer_video": false})

	waiting := readNotice(t, a)
	if waiting["type"] != "waiting" {
		t.Fatalf("got %v, want waiting", waiting["type"])
	}
	if qs, _ := waiting["queue_size"].(float64); qs != 1 {
		t.Errorf("queue_size = %v, want 1", waiting["queue_size"])
	}
	if got := h.peer(t, "A").State(); got != relay.StateQueued {
		t.Errorf("unmatched caller state = %v, want StateQueued", got)
	}

	b := h.dial(t, "B")
	sendJSON(t, b, map[string]any{"type": "find_match", "interests": []string{"gaming", "music"}, "prefer_video": false})

	aNotice := readNotice(t, a)
	bNotice := readNotice(t, b)

	for name, notice := range map[string]map[string]any{"A": aNotice, "B": bNotice} {
		if notice["type"] != "matched" {
			t.Fatalf("%s got %v, want matched", name, notice["type"])
		}
		if notice["chat_type"] != "text" {
			t.Errorf("%s chat_type = %v, want text", name, notice["chat_type"])
		}
		if servers, ok := notice["ice_servers"].([]any); !ok || len(servers) == 0 {
			t.Errorf("%s matched notice missing ice_servers", name)
		}
	}
	if aNotice["session_id"] != bNotice["session_id"] {
		t.Errorf("session ids differ: %v vs %v", aNotice["session_id"], bNotice["session_id"])
	}
	if aNotice["partner_id"] != "B" || bNotice["partner_id"] != "A" {
		t.Errorf("partner ids wrong: A sees %v, B sees %v", aNotice["partner_id"], bNotice["partner_id"])
	}
	// Both sides enter the session before the pairing caller's own notice is
	// sent, so by now both peers report Matched.
	for _, id := range []string{"A", "B"} {
		if got := h.peer(t, id).State(); got != relay.StateMatched {
			t.Errorf("%s state = %v, want StateMatched", id, got)
		}
	}
}

func TestPremiumProfileGatesPairing(t *testing.T) {
	h := newHarness(t, moderation.NewStaticModerator(moderation.AllowVerdict()))
	h.profiles.Put("premium", profile.Profile{Premium: true, Gender: "male"})
	h.profiles.Put("female", profile.Profile{Gender: "female"})

	drifter := h.dial(t, "drifter")
	sendJSON(t, drifter, map[string]any{"type": "find_match", "prefer_video": false})
	if notice := readNotice(t, drifter); notice["type"] != "waiting" {
		t.Fatalf("drifter got %v, want waiting", notice["type"])
	}

	// The premium caller's preference comes from the directory-resolved
	// entitlement; the waiting anonymous entry has no gender and is skipped.
	prem := h.dialRegistered(t, "premium")
	sendJSON(t, prem, map[string]any{"type": "find_match", "prefer_video": false, "gender_preference": "female"})
	if notice := readNotice(t, prem); notice["type"] != "waiting" {
		t.Fatalf("premium caller got %v, want waiting", notice["type"])
	}

	fem := h.dialRegistered(t, "female")
	sendJSON(t, fem, map[string]any{"type": "find_match", "prefer_video": false})

	femNotice := readNotice(t, fem)
	premNotice := readNotice(t, prem)
	if femNotice["type"] != "matched" || premNotice["type"] != "matched" {
		t.Fatalf("expected both matched, got %v / %v", femNotice["type"], premNotice["type"])
	}
	if femNotice["partner_id"] != "premium" || premNotice["partner_id"] != "female" {
		t.Errorf("partner ids wrong: female sees %v, premium sees %v", femNotice["partner_id"], premNotice["partner_id"])
	}
	expectSilence(t, drifter)
}

func TestSignalForwarding(t *testing.T) {
	h := newHarness(t, moderation.NewStaticModerator(moderation.AllowVerdict()))
	a, b, _ := pairUp(t, h)

	sendJSON(t, a, map[string]any{
		"type":       "offer",
		"partner_id": "B",
		"data":       map[string]any{"sdp": "v=0 fake"},
	})

	notice := readNotice(t, b)
	if notice["type"] != "offer" {
		t.Fatalf("got %v, want offer", notice["type"])
	}
	if notice["from"] != "A" {
		t.Errorf("from = %v, want A", notice["from"])
	}
	data, _ := notice["data"].(map[string]any)
	if data["sdp"] != "v=0 fake" {
		t.Errorf("payload not forwarded verbatim: %v", notice["data"])
	}
}

func TestChatMessageBlocked(t *testing.T) {
	h := newHarness(t, moderation.NewStaticModerator(moderation.Verdict{
		IsSafe: false, Confidence: 0.9, Action: moderation.ActionBlock,
	}))
	a, b, sessionID := pairUp(t, h)

	sendJSON(t, a, map[string]any{
		"type":       "chat_message",
		"session_id": sessionID,
		"content":    "something vile",
		"partner_id": "B",
	})

	notice := readNotice(t, a)
	if notice["type"] != "message_blocked" {
		t.Fatalf("sender got %v, want message_blocked", notice["type"])
	}
	expectSilence(t, b)

	if h.sink.messageCount() != 0 {
		t.Error("blocked message must not be persisted")
	}
}

func TestChatMessageWarnedButDelivered(t *testing.T) {
	h := newHarness(t, moderation.NewStaticModerator(moderation.Verdict{
		IsSafe: false, Confidence: 0.6, Action: moderation.ActionWarn,
	}))
	a, b, sessionID := pairUp(t, h)

	sendJSON(t, a, map[string]any{
		"type":       "chat_message",
		"session_id": sessionID,
		"content":    "borderline",
		"partner_id": "B",
	})

	notice := readNotice(t, b)
	if notice["type"] != "chat_message" {
		t.Fatalf("partner got %v, want chat_message", notice["type"])
	}
	if warned, _ := notice["is_warned"].(bool); !warned {
		t.Error("warn verdict should annotate the delivered message")
	}
	if notice["from"] != "A" || notice["content"] != "borderline" {
		t.Errorf("message mangled in transit: %v", notice)
	}
	if h.sink.messageCount() != 1 {
		t.Errorf("message count = %d, want 1", h.sink.messageCount())
	}
}

func TestSkipEndsSessionAndReadiesCaller(t *testing.T) {
	h := newHarness(t, moderation.NewStaticModerator(moderation.AllowVerdict()))
	a, b, sessionID := pairUp(t, h)

	sendJSON(t, a, map[string]any{"type": "skip", "session_id": sessionID, "partner_id": "B"})

	if notice := readNotice(t, b); notice["type"] != "partner_disconnected" {
		t.Errorf("partner got %v, want partner_disconnected", notice["type"])
	}
	if notice := readNotice(t, a); notice["type"] != "ready_to_match" {
		t.Errorf("caller got %v, want ready_to_match", notice["type"])
	}
	// Skip returns both sides to idle before their notices go out.
	for _, id := range []string{"A", "B"} {
		if got := h.peer(t, id).State(); got != relay.StateIdle {
			t.Errorf("%s state after skip = %v, want StateIdle", id, got)
		}
	}

	ended := h.sink.endedIDs()
	if len(ended) != 1 || ended[0] != sessionID {
		t.Errorf("session end not persisted, got %v", ended)
	}
}

func TestTransportCloseNotifiesPartner(t *testing.T) {
	h := newHarness(t, moderation.NewStaticModerator(moderation.AllowVerdict()))
	a, b, sessionID := pairUp(t, h)

	a.Close(websocket.StatusNormalClosure, "bye")

	if notice := readNotice(t, b); notice["type"] != "partner_disconnected" {
		t.Errorf("partner got %v, want partner_disconnected", notice["type"])
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		ended := h.sink.endedIDs()
		if len(ended) == 1 && ended[0] == sessionID {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session end not persisted after disconnect, got %v", ended)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMalformedMessagesAreIgnored(t *testing.T) {
	h := newHarness(t, moderation.NewStaticModerator(moderation.AllowVerdict()))

	a := h.dial(t, "A")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := a.Write(ctx, websocket.MessageText, []byte("not json at all")); err != nil {
		t.Fatalf("write: %v", err)
	}
	sendJSON(t, a, map[string]any{"type": "no_such_kind"})
	expectSilence(t, a)

	// The loop must still be alive.
	sendJSON(t, a, map[string]any{"type": "find_match", "interests": []string{}, "prefer_video": false})
	if notice := readNotice(t, a); notice["type"] != "waiting" {
		t.Errorf("connection dead after garbage input, got %v", notice["type"])
	}
}
