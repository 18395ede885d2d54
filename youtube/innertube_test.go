package youtube

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

const watchPage = `<!DOCTYPE html><html><head><script>
var ytcfg = {"INNERTUBE_API_KEY":"test-key-123","OTHER":"x"};
</script></head><body><script>
window["ytInitialData"] = {"liveChatRenderer":{"continuations":[{"reloadContinuationData":{"continuation":"cont-initial"}}]}};
</script></body></html>`

func TestOpenSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/watch" || r.URL.Query().Get("v") != "dQw4w9WgXcQ" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL)
		}
		fmt.Fprint(w, watchPage)
	}))
	defer srv.Close()

	it := NewInnerTube(srv.Client())
	it.BaseURL = srv.URL

	sess, err := it.OpenSession(context.Background(), "dQw4w9WgXcQ")
	if err != nil {
		t.Fatalf("OpenSession() error = %v", err)
	}
	if sess.APIKey != "test-key-123" {
		t.Errorf("APIKey = %q", sess.APIKey)
	}
	if sess.Continuation != "cont-initial" {
		t.Errorf("Continuation = %q", sess.Continuation)
	}
}

func TestOpenSessionErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{
			name:    "not found",
			status:  http.StatusNotFound,
			wantErr: "status 404",
		},
		{
			name:    "no api key",
			status:  http.StatusOK,
			body:    `<html>nothing useful</html>`,
			wantErr: "no InnerTube api key",
		},
		{
			name:    "not live",
			status:  http.StatusOK,
			body:    `{"INNERTUBE_API_KEY":"k"} but no chat`,
			wantErr: "no live chat continuation",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			it := NewInnerTube(srv.Client())
			it.BaseURL = srv.URL

			_, err := it.OpenSession(context.Background(), "vid")
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("OpenSession() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestPollAdvancesContinuation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/youtubei/v1/live_chat/get_live_chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("key") != "test-key" {
			t.Errorf("key = %q", r.URL.Query().Get("key"))
		}
		fmt.Fprint(w, `{
			"continuationContents": {
				"liveChatContinuation": {
					"continuations": [
						{"timedContinuationData": {"continuation": "cont-2", "timeoutMs": 4500}}
					],
					"actions": [
						{"addChatItemAction": {"item": {"liveChatTextMessageRenderer": {"id": "m1", "message": {"runs": [{"text": "hi"}]}, "authorName": {"simpleText": "U"}}}}}
					]
				}
			}
		}`)
	}))
	defer srv.Close()

	it := NewInnerTube(srv.Client())
	it.BaseURL = srv.URL

	page, next, err := it.Poll(context.Background(), ChatSession{APIKey: "test-key", Continuation: "cont-1"})
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if next.Continuation != "cont-2" {
		t.Errorf("next continuation = %q, want cont-2", next.Continuation)
	}
	if next.APIKey != "test-key" {
		t.Errorf("next api key = %q", next.APIKey)
	}
	if page.Timeout != 4500*time.Millisecond {
		t.Errorf("Timeout = %v", page.Timeout)
	}
	if len(page.Actions) != 1 {
		t.Fatalf("Actions = %d", len(page.Actions))
	}
}

func TestPollInvalidationContinuation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"continuationContents": {
				"liveChatContinuation": {
					"continuations": [
						{"invalidationContinuationData": {"continuation": "cont-inv", "timeoutMs": 1000}}
					]
				}
			}
		}`)
	}))
	defer srv.Close()

	it := NewInnerTube(srv.Client())
	it.BaseURL = srv.URL

	_, next, err := it.Poll(context.Background(), ChatSession{APIKey: "k", Continuation: "c"})
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if next.Continuation != "cont-inv" {
		t.Errorf("next continuation = %q", next.Continuation)
	}
}

func TestPollChatEnded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"continuationContents": {
				"liveChatContinuation": {
					"actions": [
						{"markChatItemAsDeletedAction": {"targetItemId": "m1"}}
					]
				}
			}
		}`)
	}))
	defer srv.Close()

	it := NewInnerTube(srv.Client())
	it.BaseURL = srv.URL

	page, _, err := it.Poll(context.Background(), ChatSession{APIKey: "k", Continuation: "c"})
	if !errors.Is(err, ErrChatEnded) {
		t.Fatalf("Poll() error = %v, want ErrChatEnded", err)
	}
	if len(page.Actions) != 1 {
		t.Errorf("final page should still carry actions, got %d", len(page.Actions))
	}
}

func TestPollServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	it := NewInnerTube(srv.Client())
	it.BaseURL = srv.URL

	_, _, err := it.Poll(context.Background(), ChatSession{APIKey: "k", Continuation: "c"})
	if err == nil || !strings.Contains(err.Error(), "status 503") {
		t.Errorf("Poll() error = %v, want status 503", err)
	}
}
