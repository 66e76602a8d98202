package sdserver

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestClientProvider_ReusesAndRebuilds(t *testing.T) {
	p := NewClientProvider("http://127.0.0.1:1", time.Second, time.Minute)

	first := p.Get()
	if p.Get() != first {
		t.Fatal("Get() should return the same live client")
	}

	first.Close()
	second := p.Get()
	if second == first {
		t.Fatal("Get() should rebuild a closed client")
	}

	p.Close()
	if !second.IsClosed() {
		t.Error("provider Close should close the live client")
	}
	if third := p.Get(); third == second || third.IsClosed() {
		t.Error("Get() after provider Close should build a fresh client")
	}
}

func TestClientProvider_ConcurrentFirstUse(t *testing.T) {
	p := NewClientProvider("http://127.0.0.1:1", time.Second, time.Minute)

	const n = 32
	clients := make([]*Client, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			clients[i] = p.Get()
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if clients[i] != clients[0] {
			t.Fatalf("goroutine %d got a different client", i)
		}
	}
}

func TestClient_PostJSONAndClose(t *testing.T) {
	var gotBody, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, 5*time.Second)
	resp, err := c.PostJSON(context.Background(), "/sdapi/v1/txt2img", map[string]any{"prompt": "a cat"})
	if err != nil {
		t.Fatalf("PostJSON() error = %v", err)
	}
	resp.Body.Close()

	if gotBody != `{"prompt":"a cat"}` || gotType != "application/json" {
		t.Errorf("server saw body=%q content-type=%q", gotBody, gotType)
	}

	c.Close()
	if _, err := c.Get(context.Background(), "/"); !errors.Is(err, ErrClientClosed) {
		t.Errorf("Get() after Close = %v, want ErrClientClosed", err)
	}
}
