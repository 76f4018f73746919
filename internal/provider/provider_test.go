package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeGroq serves an OpenAI-compatible chat endpoint. Models listed in
// decommissioned answer with a model_decommissioned error.
type fakeGroq struct {
	mu             sync.Mutex
	probes         []string
	decommissioned map[string]bool
	fragments      []string
	lastStream     map[string]any
	// gate, when set, holds probes until it is closed.
	gate chan struct{}
}

func (f *fakeGroq) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"error":{"message":"Invalid API Key","type":"invalid_request_error","code":"invalid_api_key"}}`)
			return
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		model, _ := body["model"].(string)

		f.mu.Lock()
		stream, _ := body["stream"].(bool)
		if stream {
			f.lastStream = body
		} else {
			f.probes = append(f.probes, model)
		}
		dead := f.decommissioned[model]
		f.mu.Unlock()

		if dead {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, `{"error":{"message":"The model %s has been decommissioned and is no longer supported.","type":"invalid_request_error","code":"model_decommissioned"}}`, model)
			return
		}
		if !stream {
			if f.gate != nil {
				<-f.gate
			}
			fmt.Fprintf(w, `{"id":"x","model":%q,"choices":[{"message":{"role":"assistant","content":"p"},"finish_reason":"length"}]}`, model)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, frag := range f.fragments {
			data, _ := json.Marshal(map[string]any{
				"choices": []map[string]any{{"delta": map[string]string{"content": frag}}},
			})
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	})
}

func (f *fakeGroq) probeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.probes)
}

func newTestInitializer(t *testing.T, f *fakeGroq) (*Initializer, func()) {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	p := NewOpenAIProvider(ProviderConfig{ID: "groq", Name: "Groq", Endpoint: srv.URL, APIKey: "test-key"}, zap.NewNop())
	p.client = srv.Client()
	router := NewRouter(zap.NewNop())
	router.Register(p)
	return NewInitializer(router, 5*time.Second, zap.NewNop()), srv.Close
}

func TestInitHealthyModel(t *testing.T) {
	f := &fakeGroq{}
	in, done := newTestInitializer(t, f)
	defer done()

	m, err := in.Init(context.Background(), ModelConfig{Model: "llama3-70b-8192"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if m.Name() != "llama3-70b-8192" || m.UsedFallback() {
		t.Errorf("model = %s fallback=%v", m.Name(), m.UsedFallback())
	}
	if m.Provider() != "groq" {
		t.Errorf("provider = %s, want groq", m.Provider())
	}

	// memoized: no second probe
	if _, err := in.Init(context.Background(), ModelConfig{Model: "llama3-70b-8192"}); err != nil {
		t.Fatalf("second init: %v", err)
	}
	if f.probeCount() != 1 {
		t.Errorf("probes = %d, want 1", f.probeCount())
	}
}

func TestInitSurvivesCancelledWaiter(t *testing.T) {
	f := &fakeGroq{gate: make(chan struct{})}
	in, done := newTestInitializer(t, f)
	defer done()
	cfg := ModelConfig{Model: "llama3-70b-8192"}

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := in.Init(ctx, cfg)
		first <- err
	}()
	deadline := time.Now().Add(5 * time.Second)
	for f.probeCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if f.probeCount() != 1 {
		t.Fatalf("probes = %d, want 1", f.probeCount())
	}

	second := make(chan error, 1)
	go func() {
		_, err := in.Init(context.Background(), cfg)
		second <- err
	}()

	cancel()
	if err := <-first; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled caller got %v, want context.Canceled", err)
	}
	close(f.gate)
	if err := <-second; err != nil {
		t.Fatalf("waiting caller: %v", err)
	}
	if f.probeCount() != 1 {
		t.Errorf("probes = %d, want 1", f.probeCount())
	}
}

func TestInitDecommissionedFallsBackOnce(t *testing.T) {
	f := &fakeGroq{decommissioned: map[string]bool{"llama3-8b-8192": true}}
	in, done := newTestInitializer(t, f)
	defer done()

	m, err := in.Init(context.Background(), ModelConfig{Model: "llama3-8b-8192", FallbackModel: "llama-3.1-8b-instant"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if m.Name() != "llama-3.1-8b-instant" || !m.UsedFallback() {
		t.Errorf("model = %s fallback=%v", m.Name(), m.UsedFallback())
	}
	if got := f.probes; len(got) != 2 || got[0] != "llama3-8b-8192" || got[1] != "llama-3.1-8b-instant" {
		t.Errorf("probes = %v", got)
	}
}

func TestInitDecommissionedWithoutFallback(t *testing.T) {
	f := &fakeGroq{decommissioned: map[string]bool{"llama3-8b-8192": true}}
	in, done := newTestInitializer(t, f)
	defer done()

	_, err := in.Init(context.Background(), ModelConfig{Model: "llama3-8b-8192"})
	var initErr *InitError
	if !errors.As(err, &initErr) {
		t.Fatalf("got %v, want *InitError", err)
	}
	if !initErr.Decommissioned {
		t.Error("expected Decommissioned")
	}
	if !errors.Is(err, ErrModelDecommissioned) {
		t.Error("expected errors.Is ErrModelDecommissioned")
	}
	if f.probeCount() != 1 {
		t.Errorf("probes = %d, want exactly 1 (no fallback attempt)", f.probeCount())
	}
}

func TestInitFallbackAlsoDecommissioned(t *testing.T) {
	f := &fakeGroq{decommissioned: map[string]bool{"a": true, "b": true}}
	in, done := newTestInitializer(t, f)
	defer done()

	_, err := in.Init(context.Background(), ModelConfig{Model: "a", FallbackModel: "b"})
	var initErr *InitError
	if !errors.As(err, &initErr) || !initErr.Decommissioned || initErr.Fallback != "b" {
		t.Fatalf("got %v", err)
	}
	if f.probeCount() != 2 {
		t.Errorf("probes = %d, want 2", f.probeCount())
	}
}

func TestInitOtherErrorKeepsProviderMessage(t *testing.T) {
	f := &fakeGroq{}
	srv := httptest.NewServer(f.handler(t))
	defer srv.Close()
	p := NewOpenAIProvider(ProviderConfig{ID: "groq", Endpoint: srv.URL, APIKey: "wrong"}, zap.NewNop())
	p.client = srv.Client()
	router := NewRouter(zap.NewNop())
	router.Register(p)
	in := NewInitializer(router, time.Second, zap.NewNop())

	_, err := in.Init(context.Background(), ModelConfig{Model: "llama3-70b-8192", FallbackModel: "other"})
	var initErr *InitError
	if !errors.As(err, &initErr) || initErr.Decommissioned {
		t.Fatalf("got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized || apiErr.Message != "Invalid API Key" {
		t.Errorf("api error = %+v", apiErr)
	}
	if f.probeCount() != 0 {
		t.Errorf("rejected requests should not be recorded, got %d", f.probeCount())
	}
}

func TestInitMissingAPIKey(t *testing.T) {
	router := NewRouter(zap.NewNop())
	router.Register(NewOpenAIProvider(ProviderConfig{ID: "groq", Endpoint: GroqEndpoint}, zap.NewNop()))
	in := NewInitializer(router, time.Second, zap.NewNop())

	_, err := in.Init(context.Background(), ModelConfig{Model: "llama3-70b-8192"})
	if !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("got %v, want ErrMissingAPIKey", err)
	}
}

func TestCompleteStreamsFragmentsInOrder(t *testing.T) {
	f := &fakeGroq{fragments: []string{"Thought: count", " rows\n", "Action: ", "execute_query"}}
	in, done := newTestInitializer(t, f)
	defer done()

	m, err := in.Init(context.Background(), ModelConfig{Model: "llama3-70b-8192"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	var got []string
	text, err := m.Complete(context.Background(),
		[]Message{{Role: "user", Content: "How many students?"}},
		CompleteOptions{Temperature: 0.1, Stop: []string{"\nObservation:"}},
		func(s string) { got = append(got, s) })
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if strings.Join(got, "|") != strings.Join(f.fragments, "|") {
		t.Errorf("fragments = %q", got)
	}
	if text != strings.Join(f.fragments, "") {
		t.Errorf("text = %q", text)
	}

	stop, _ := f.lastStream["stop"].([]any)
	if len(stop) != 1 || stop[0] != "\nObservation:" {
		t.Errorf("stop = %v", f.lastStream["stop"])
	}
	if temp, _ := f.lastStream["temperature"].(float64); temp != 0.1 {
		t.Errorf("temperature = %v", f.lastStream["temperature"])
	}
}

func TestCompleteTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Thought\"}}]}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	p := NewOpenAIProvider(ProviderConfig{ID: "groq", Endpoint: srv.URL, APIKey: "k"}, zap.NewNop())
	p.client = srv.Client()
	m := &Model{provider: p, name: "slow", timeout: 100 * time.Millisecond}

	var frags int
	_, err := m.Complete(context.Background(), []Message{{Role: "user", Content: "q"}}, CompleteOptions{}, func(string) { frags++ })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want deadline exceeded", err)
	}
	if frags != 1 {
		t.Errorf("fragments before timeout = %d, want 1", frags)
	}
}

func TestAnthropicStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body anthropicRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		if body.System != "be brief" || len(body.Messages) != 1 || len(body.StopSequences) != 1 {
			t.Errorf("request = %+v", body)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message_start\ndata: {\"type\":\"message_start\"}\n\n")
		fmt.Fprint(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"Final \"}}\n\n")
		fmt.Fprint(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"Answer: 5\"}}\n\n")
		fmt.Fprint(w, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
	}))
	defer srv.Close()

	p := NewAnthropicProvider(ProviderConfig{ID: "anthropic", Endpoint: srv.URL, APIKey: "k"}, zap.NewNop())
	p.client = srv.Client()
	m := &Model{provider: p, name: "claude", timeout: time.Second}
	text, err := m.Complete(context.Background(), []Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "count"},
	}, CompleteOptions{Stop: []string{"\nObservation:"}}, nil)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if text != "Final Answer: 5" {
		t.Errorf("text = %q", text)
	}
}

func TestParseAPIError(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		decomm bool
		msg    string
	}{
		{"code", `{"error":{"message":"gone","code":"model_decommissioned"}}`, true, "gone"},
		{"message", `{"error":{"message":"The model has been decommissioned"}}`, true, "The model has been decommissioned"},
		{"other", `{"error":{"message":"rate limited","code":"rate_limit_exceeded"}}`, false, "rate limited"},
		{"plain", `upstream unavailable`, false, "upstream unavailable"},
		{"numeric code", `{"error":{"message":"bad","code":400}}`, false, "bad"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := parseAPIError(400, []byte(tt.body))
			if errors.Is(err, ErrModelDecommissioned) != tt.decomm {
				t.Errorf("decommissioned = %v, want %v", !tt.decomm, tt.decomm)
			}
			if err.Message != tt.msg {
				t.Errorf("message = %q, want %q", err.Message, tt.msg)
			}
		})
	}
}

func TestDescribeModelUsesCatalogue(t *testing.T) {
	m := describeModel("groq", "Llama3-70b-8192")
	if m.Name != "Llama3 70B" || m.MaxTokens != 8192 || m.Provider != "groq" {
		t.Errorf("got %+v", m)
	}
	unknown := describeModel("groq", "gemma-7b-it")
	if unknown.Name != "gemma-7b-it" {
		t.Errorf("got %+v", unknown)
	}
}
