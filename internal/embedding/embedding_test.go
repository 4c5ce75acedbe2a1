package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/embeddings", handler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestAPIEmbedderEmbed(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer k" {
			t.Errorf("authorization = %q", got)
		}
		var req embedRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "m" || len(req.Input) != 2 {
			t.Errorf("unexpected request %+v", req)
		}
		w.Write([]byte(`{"data":[{"index":1,"embedding":[0.4,0.5,0.6]},{"index":0,"embedding":[0.1,0.2,0.3]}]}`))
	})

	p := NewAPIEmbedder(Config{Endpoint: srv.URL + "/", Model: "m", APIKey: "k", Dimension: 8}, nil)
	if d := p.Dimension(); d != 8 {
		t.Fatalf("dimension before embed = %d, want 8", d)
	}

	vecs, err := p.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vecs[0][0] != 0.1 || vecs[1][0] != 0.4 {
		t.Errorf("vectors not reordered by index: %v", vecs)
	}
	if d := p.Dimension(); d != 3 {
		t.Errorf("dimension = %d, want 3", d)
	}
}

func TestAPIEmbedderEmptyInput(t *testing.T) {
	p := NewAPIEmbedder(Config{Endpoint: "http://unused"}, nil)
	vecs, err := p.Embed(context.Background(), nil)
	if err != nil || vecs != nil {
		t.Fatalf("got %v, %v; want nil, nil", vecs, err)
	}
}

func TestAPIEmbedderStatusError(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota", http.StatusTooManyRequests)
	})
	p := NewAPIEmbedder(Config{Endpoint: srv.URL}, nil)
	if _, err := p.Embed(context.Background(), []string{"a"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestEmbedOneEmpty(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"index":0,"embedding":[]}]}`))
	})
	p := NewAPIEmbedder(Config{Endpoint: srv.URL}, nil)
	if _, err := EmbedOne(context.Background(), p, "a"); !errors.Is(err, ErrEmptyEmbedding) {
		t.Fatalf("err = %v, want ErrEmptyEmbedding", err)
	}
}
