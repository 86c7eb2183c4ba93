package bot

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/xaenox/onebot-agent/internal/onebot"
	"github.com/xaenox/onebot-agent/pkg/config"
	"go.uber.org/zap"
)

type recordingHandler struct {
	events chan onebot.Event
}

func (h *recordingHandler) HandleEvent(ctx context.Context, ev onebot.Event) {
	if _, ok := ctx.Deadline(); !ok {
		panic("event context has no deadline")
	}
	h.events <- ev
}

func newTestServer(t *testing.T, secret string) (*Server, *recordingHandler) {
	t.Helper()
	h := &recordingHandler{events: make(chan onebot.Event, 4)}
	s := NewServer(config.ServerConfig{
		WebhookPath:    "/onebot",
		Secret:         secret,
		EventTimeout:   time.Minute,
		MetricsEnabled: true,
	}, h, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s, h
}

const privatePayload = `{"post_type":"message","message_type":"private","user_id":7,"message":[{"type":"text","data":{"text":"hi"}}],"sender":{"user_id":7}}`

func post(s *Server, body, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/onebot", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(signatureHeader, signature)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func sign(secret, body string) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha1=" + hex.EncodeToString(mac.Sum(nil))
}

func waitEvent(t *testing.T, h *recordingHandler) onebot.Event {
	t.Helper()
	select {
	case ev := <-h.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("event was not dispatched")
		return nil
	}
}

func TestWebhookDispatchesEvent(t *testing.T) {
	s, h := newTestServer(t, "")

	w := post(s, privatePayload, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body := strings.TrimSpace(w.Body.String()); body != "{}" {
		t.Errorf("body = %q", body)
	}

	ev := waitEvent(t, h)
	if pm, ok := ev.(*onebot.PrivateMessage); !ok || pm.UserID != 7 {
		t.Errorf("event = %#v", ev)
	}
}

func TestWebhookIgnoresUnparsableEvents(t *testing.T) {
	s, h := newTestServer(t, "")

	for _, body := range []string{`{"post_type":"message_sent"}`, `nonsense`} {
		if w := post(s, body, ""); w.Code != http.StatusOK {
			t.Errorf("%s: status = %d", body, w.Code)
		}
	}
	select {
	case ev := <-h.events:
		t.Errorf("unexpected event %#v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWebhookSignature(t *testing.T) {
	s, h := newTestServer(t, "s3cret")

	tests := []struct {
		name      string
		signature string
		want      int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong secret", sign("other", privatePayload), http.StatusUnauthorized},
		{"not hex", "sha1=zz", http.StatusUnauthorized},
		{"valid", sign("s3cret", privatePayload), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := post(s, privatePayload, tt.signature); w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}

	waitEvent(t, h)
	select {
	case ev := <-h.events:
		t.Errorf("rejected request dispatched %#v", ev)
	default:
	}
}

func TestHealthAndMetrics(t *testing.T) {
	s, _ := newTestServer(t, "")

	for _, path := range []string{"/healthz", "/metrics"} {
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusOK {
			t.Errorf("GET %s = %d", path, w.Code)
		}
	}
}
