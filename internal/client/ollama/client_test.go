package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/snapcap/internal/config"
)

func newTestClient(baseURL string) *Client {
	return NewClient(config.EndpointConfig{
		BaseURL:    baseURL,
		Model:      "llava",
		TimeoutSec: 5,
	})
}

// TestCaptionSendsNativeGenerateRequest checks the request shape and the
// parsed, trimmed result.
func TestCaptionSendsNativeGenerateRequest(t *testing.T) {
	var got generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("path = %s, want /api/generate", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(generateResponse{Response: "  A dog on a beach.  "})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	result, err := c.Caption(context.Background(), [][]byte{[]byte("img")}, "describe")
	if err != nil {
		t.Fatalf("Caption() error = %v", err)
	}

	if result.Text != "A dog on a beach." {
		t.Errorf("Text = %q, want trimmed caption", result.Text)
	}
	if result.Model != "llava" {
		t.Errorf("Model = %q, want llava", result.Model)
	}
	if got.Model != "llava" || got.Prompt != "describe" || got.Stream {
		t.Errorf("request = %+v, want model llava, prompt describe, stream false", got)
	}
	if len(got.Images) != 1 || got.Images[0] != "aW1n" {
		t.Errorf("Images = %v, want single base64 payload", got.Images)
	}
}

// TestCaptionMultipleImages verifies frames batch into one request.
func TestCaptionMultipleImages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Images) != 3 {
			t.Errorf("len(Images) = %d, want 3", len(req.Images))
		}
		json.NewEncoder(w).Encode(generateResponse{Response: "clip summary"})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	payloads := [][]byte{[]byte("f1"), []byte("f2"), []byte("f3")}
	if _, err := c.Caption(context.Background(), payloads, "describe"); err != nil {
		t.Fatalf("Caption() error = %v", err)
	}
}

// TestCaptionModelNotFound maps a 404 to the non-retryable error class.
func TestCaptionModelNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(generateResponse{Error: `model "llava" not found`})
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Caption(context.Background(), [][]byte{[]byte("x")}, "p")
	if !errors.Is(err, ErrModelNotFound) {
		t.Fatalf("error = %v, want ErrModelNotFound", err)
	}
}

// TestCaptionServerError maps 5xx to the retryable connection class.
func TestCaptionServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Caption(context.Background(), [][]byte{[]byte("x")}, "p")
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("error = %v, want ErrConnection", err)
	}
}

// TestCaptionMalformedBody covers unparsable JSON and empty captions.
func TestCaptionMalformedBody(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"garbage json", `{"response": `},
		{"empty caption", `{"response": "   "}`},
		{"only think block", `{"response": "<think>reasoning</think>"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := newTestClient(srv.URL).Caption(context.Background(), [][]byte{[]byte("x")}, "p")
			if !errors.Is(err, ErrMalformedResponse) {
				t.Fatalf("error = %v, want ErrMalformedResponse", err)
			}
		})
	}
}

// TestCaptionConnectionRefused maps transport failure to ErrConnection.
func TestCaptionConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	_, err := newTestClient(srv.URL).Caption(context.Background(), [][]byte{[]byte("x")}, "p")
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("error = %v, want ErrConnection", err)
	}
}

// TestCaptionTimeout maps a slow server to ErrTimeout.
func TestCaptionTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer srv.Close()

	c := NewClient(config.EndpointConfig{BaseURL: srv.URL, Model: "llava", TimeoutSec: 1})
	_, err := c.Caption(context.Background(), [][]byte{[]byte("x")}, "p")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("error = %v, want ErrTimeout", err)
	}
}

// TestHealth exercises the preflight check against both outcomes.
func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("path = %s, want /api/tags", r.URL.Path)
		}
		w.Write([]byte(`{"models": []}`))
	}))
	defer srv.Close()

	if err := newTestClient(srv.URL).Health(context.Background()); err != nil {
		t.Fatalf("Health() error = %v", err)
	}

	srv.Close()
	if err := newTestClient(srv.URL).Health(context.Background()); !errors.Is(err, ErrConnection) {
		t.Fatalf("Health() error = %v, want ErrConnection", err)
	}
}

// TestCleanCaption covers the formatting artifacts models emit.
func TestCleanCaption(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"plain", "A cat.", "A cat."},
		{"whitespace", "  \n A cat. \n", "A cat."},
		{"think block", "<think>hmm, fur</think>A cat.", "A cat."},
		{"multiline think block", "<think>line1\nline2</think>\nA cat.", "A cat."},
		{"role marker", "Assistant: A cat.", "A cat."},
		{"caption marker", "caption: A cat.", "A cat."},
		{"fullwidth colon", "Description： A cat.", "A cat."},
		{"marker mid-text untouched", "The description: simple.", "The description: simple."},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CleanCaption(tc.raw); got != tc.want {
				t.Errorf("CleanCaption(%q) = %q, want %q", tc.raw, got, tc.want)
			}
		})
	}
}
