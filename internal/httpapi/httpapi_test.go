package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/sioree/messaging/internal/auth"
	"github.com/sioree/messaging/internal/bus"
	"github.com/sioree/messaging/internal/delivery"
	"github.com/sioree/messaging/internal/receipts"
	"github.com/sioree/messaging/internal/registry"
	"github.com/sioree/messaging/internal/store"
	"github.com/sioree/messaging/internal/wire"
)

const testSecret = "test-secret"

func newTestServer(t *testing.T) (*httptest.Server, *store.DB) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	logger := zap.NewNop()
	reg := registry.New()
	b := bus.New()
	dispatch := delivery.NewDispatcher(db, reg, b, logger, 100)
	rec := receipts.NewReconciler(db, b, logger)
	api := New(db, dispatch, rec, auth.NewVerifier(testSecret), logger, 50)

	srv := httptest.NewServer(api.Router(http.NotFoundHandler(), nil))
	t.Cleanup(srv.Close)
	return srv, db
}

func signToken(t *testing.T, identity string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"userId": identity,
		"exp":    time.Now().Add(time.Hour).Unix(),
	})
	s, err := tok.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func doJSON(t *testing.T, method, url, identity string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		buf = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if identity != "" {
		req.Header.Set("Authorization", "Bearer "+signToken(t, identity))
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return resp, data
}

func TestRequiresBearerToken(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/api/messages/conversations", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/messages/conversations", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp2.StatusCode)
	}
}

func TestCreateDirectConversationIdempotent(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/messages/conversation", "alice", map[string]string{"userId": "bob"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	var first conversationJSON
	if err := json.Unmarshal(body, &first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if first.Kind != "direct" || first.ID == "" {
		t.Fatalf("unexpected conversation: %+v", first)
	}

	// Opening from the other side lands on the same thread.
	_, body = doJSON(t, http.MethodPost, srv.URL+"/api/messages/conversation", "bob", map[string]string{"userId": "alice"})
	var second conversationJSON
	if err := json.Unmarshal(body, &second); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("ids differ: %s vs %s", first.ID, second.ID)
	}

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/messages/conversation", "alice", map[string]string{"userId": "alice"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("self conversation status = %d, want 400", resp.StatusCode)
	}
}

func TestSendListAndMarkRead(t *testing.T) {
	srv, _ := newTestServer(t)

	_, body := doJSON(t, http.MethodPost, srv.URL+"/api/messages/conversation", "alice", map[string]string{"userId": "bob"})
	var conv conversationJSON
	if err := json.Unmarshal(body, &conv); err != nil {
		t.Fatalf("decode: %v", err)
	}

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/messages/", "alice", wire.SendMessage{ConversationID: conv.ID, Text: "hello over rest"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("send status = %d, body %s", resp.StatusCode, body)
	}
	var sent struct {
		Message  wire.MessagePayload `json:"message"`
		Delivery string              `json:"delivery"`
	}
	if err := json.Unmarshal(body, &sent); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sent.Delivery != "queued" {
		t.Fatalf("delivery = %s, want queued (no live sessions)", sent.Delivery)
	}
	if sent.Message.Seq != 1 || sent.Message.ReceiverID != "bob" {
		t.Fatalf("unexpected message: %+v", sent.Message)
	}

	_, body = doJSON(t, http.MethodGet, srv.URL+"/api/messages/conversations", "bob", nil)
	var list struct {
		Conversations []conversationJSON `json:"conversations"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Conversations) != 1 {
		t.Fatalf("got %d conversations, want 1", len(list.Conversations))
	}
	got := list.Conversations[0]
	if got.UnreadCount != 1 || got.Preview != "hello over rest" || got.Peer != "alice" {
		t.Fatalf("unexpected listing: %+v", got)
	}

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/api/messages/"+conv.ID+"/read", "bob", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("mark read status = %d, body %s", resp.StatusCode, body)
	}
	var read struct {
		Updated int64 `json:"updated"`
	}
	if err := json.Unmarshal(body, &read); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if read.Updated != 1 {
		t.Fatalf("updated = %d, want 1", read.Updated)
	}

	_, body = doJSON(t, http.MethodGet, srv.URL+"/api/messages/conversations", "bob", nil)
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if list.Conversations[0].UnreadCount != 0 {
		t.Fatalf("unread = %d after mark read", list.Conversations[0].UnreadCount)
	}
}

func TestHistoryPaginationAndAccess(t *testing.T) {
	srv, _ := newTestServer(t)

	_, body := doJSON(t, http.MethodPost, srv.URL+"/api/messages/conversation", "alice", map[string]string{"userId": "bob"})
	var conv conversationJSON
	if err := json.Unmarshal(body, &conv); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for i := 1; i <= 5; i++ {
		doJSON(t, http.MethodPost, srv.URL+"/api/messages/", "alice", wire.SendMessage{ConversationID: conv.ID, Text: fmt.Sprintf("m%d", i)})
	}

	type page struct {
		Messages   []wire.MessagePayload `json:"messages"`
		NextBefore int64                 `json:"nextBefore"`
	}
	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/messages/"+conv.ID+"?limit=2", "bob", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history status = %d, body %s", resp.StatusCode, body)
	}
	var p1 page
	if err := json.Unmarshal(body, &p1); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(p1.Messages) != 2 || p1.Messages[0].Text != "m5" || p1.Messages[1].Text != "m4" {
		t.Fatalf("unexpected first page: %+v", p1.Messages)
	}
	if p1.NextBefore != 4 {
		t.Fatalf("nextBefore = %d, want 4", p1.NextBefore)
	}

	_, body = doJSON(t, http.MethodGet, fmt.Sprintf("%s/api/messages/%s?limit=2&before=%d", srv.URL, conv.ID, p1.NextBefore), "bob", nil)
	var p2 page
	if err := json.Unmarshal(body, &p2); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(p2.Messages) != 2 || p2.Messages[0].Text != "m3" || p2.Messages[1].Text != "m2" {
		t.Fatalf("unexpected second page: %+v", p2.Messages)
	}

	// Outsiders get forbidden, not an empty page.
	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/api/messages/"+conv.ID, "mallory", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("outsider status = %d, want 403", resp.StatusCode)
	}

	// Unknown conversation on send surfaces 404.
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/messages/", "alice", wire.SendMessage{ConversationID: "missing", Text: "hi"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown conversation status = %d, want 404", resp.StatusCode)
	}
}

func TestGroupLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/messages/group", "alice", map[string]any{
		"title":     "launch party",
		"memberIds": []string{"bob", "carol"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create group status = %d, body %s", resp.StatusCode, body)
	}
	var conv conversationJSON
	if err := json.Unmarshal(body, &conv); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if conv.Kind != "group" || conv.Title != "launch party" {
		t.Fatalf("unexpected group: %+v", conv)
	}

	// Only the admin may mutate membership.
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/messages/group/"+conv.ID+"/members", "bob", map[string]string{"userId": "dave"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("non-admin add status = %d, want 400", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/messages/group/"+conv.ID+"/members", "alice", map[string]string{"userId": "dave"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin add status = %d", resp.StatusCode)
	}

	// New member sees the group and can post to it.
	_, body = doJSON(t, http.MethodGet, srv.URL+"/api/messages/conversations", "dave", nil)
	var list struct {
		Conversations []conversationJSON `json:"conversations"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Conversations) != 1 || list.Conversations[0].ID != conv.ID {
		t.Fatalf("dave does not see the group: %+v", list.Conversations)
	}
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/messages/", "dave", wire.SendMessage{ConversationID: conv.ID, Text: "hi all"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("member send status = %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodDelete, srv.URL+"/api/messages/group/"+conv.ID+"/members/dave", "alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("remove status = %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/messages/", "dave", wire.SendMessage{ConversationID: conv.ID, Text: "still here?"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("removed member send status = %d, want 403", resp.StatusCode)
	}
}
