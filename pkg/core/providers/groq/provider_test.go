package groq

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vango-go/vai-callcenter/pkg/core"
)

func TestNew_AppliesOptions(t *testing.T) {
	client := &http.Client{}
	p := New("test-key", WithBaseURL("https://example.com"), WithHTTPClient(client))

	if p.baseURL != "https://example.com" {
		t.Fatalf("baseURL = %q, want https://example.com", p.baseURL)
	}
	if p.httpClient != client {
		t.Fatal("httpClient option was not applied")
	}
	if p.inner == nil {
		t.Fatal("expected inner OpenAI provider to be initialized")
	}
	if p.Name() != "groq" {
		t.Fatalf("name = %q, want groq", p.Name())
	}
}

func TestGenerate_UsesMaxTokensAndGroqIdentity(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		fmt.Fprint(w, `{"model":"llama-3.3-70b","choices":[{"finish_reason":"stop","message":{"role":"assistant","content":"hello"}}]}`)
	}))
	defer server.Close()

	p := New("k", WithBaseURL(server.URL), WithHTTPClient(server.Client()))
	resp, err := p.Generate(t.Context(), &core.GenerateRequest{
		Model:     "llama-3.3-70b",
		MaxTokens: 50,
		Messages:  []core.Message{{Role: core.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if resp.Provider != "groq" || resp.Text != "hello" {
		t.Fatalf("response = %+v", resp)
	}
	if _, ok := gotBody["max_tokens"]; !ok {
		t.Fatalf("request missing max_tokens: %#v", gotBody)
	}
}
