package notify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-flow/internal/orchestrator"
)

type fakeChannel struct {
	name string
	err  error
	mu   sync.Mutex
	sent []string
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Send(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return f.err
}

func sampleResult() *orchestrator.Result {
	return &orchestrator.Result{
		WorkflowID:      "wf-1",
		OriginalRequest: "summarize the quarterly report",
		FinalOutput:     "Revenue grew 12%.",
		Success:         true,
		ElapsedSeconds:  4.2,
	}
}

func TestBroadcasterFansOut(t *testing.T) {
	ok := &fakeChannel{name: "ok"}
	bad := &fakeChannel{name: "bad", err: errors.New("rate limited")}
	b := NewBroadcaster(zap.NewNop(), ok, bad)

	err := b.Notify(context.Background(), sampleResult())
	if err == nil || !strings.Contains(err.Error(), "bad: rate limited") {
		t.Fatalf("expected joined error naming the failed channel, got %v", err)
	}
	if len(ok.sent) != 1 || len(bad.sent) != 1 {
		t.Fatalf("expected both channels attempted, got %d/%d", len(ok.sent), len(bad.sent))
	}
	hist := b.History(0)
	if len(hist) != 1 {
		t.Fatalf("expected 1 history record, got %d", len(hist))
	}
	if len(hist[0].Delivered) != 1 || hist[0].Delivered[0] != "ok" || hist[0].Failed[0] != "bad" {
		t.Errorf("unexpected record %+v", hist[0])
	}
}

func TestBroadcasterWithoutChannels(t *testing.T) {
	if err := NewBroadcaster(zap.NewNop()).Notify(context.Background(), sampleResult()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestFormat(t *testing.T) {
	r := sampleResult()
	text := Format(r)
	if !strings.HasPrefix(text, "✅ Workflow wf-1 succeeded") {
		t.Errorf("unexpected header: %q", text)
	}
	if !strings.Contains(text, "Revenue grew 12%.") {
		t.Error("expected final output excerpt")
	}

	r.Success = false
	r.Error = "Tasks failed: T2"
	r.FinalOutput = strings.Repeat("y", excerptLen*2)
	text = Format(r)
	if !strings.HasPrefix(text, "❌") || !strings.Contains(text, "Error: Tasks failed: T2") {
		t.Errorf("unexpected failure text: %q", text[:80])
	}
	clipped := strings.Repeat("y", excerptLen)
	if !strings.HasSuffix(text, "\n"+clipped+"...") || strings.Contains(text, clipped+"y") {
		t.Errorf("expected output clipped to %d chars", excerptLen)
	}

	r.FinalOutput = strings.Repeat("é", excerptLen)
	text = Format(r)
	if !utf8.ValidString(text) || !strings.HasSuffix(text, "é...") {
		t.Errorf("expected clip on a rune boundary, got tail %q", text[len(text)-8:])
	}
}

func TestSlackPostsMessage(t *testing.T) {
	var got struct {
		channel, text string
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat.postMessage") {
			http.NotFound(w, r)
			return
		}
		_ = r.ParseForm()
		got.channel, got.text = r.Form.Get("channel"), r.Form.Get("text")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"channel":"C1","ts":"1.2"}`))
	}))
	defer srv.Close()

	s := NewSlack("xoxb-test", "C1", slack.OptionAPIURL(srv.URL+"/"))
	if err := s.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got.channel != "C1" || got.text != "hello" {
		t.Errorf("unexpected post: %+v", got)
	}
}

func TestSlackError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":false,"error":"channel_not_found"}`))
	}))
	defer srv.Close()

	err := NewSlack("xoxb-test", "C404", slack.OptionAPIURL(srv.URL+"/")).Send(context.Background(), "x")
	if err == nil || !strings.Contains(err.Error(), "channel_not_found") {
		t.Fatalf("expected slack error, got %v", err)
	}
}
