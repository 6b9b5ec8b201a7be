//go:build integration && cgo

package lightrag

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const (
	ollamaURL   = "http://localhost:11434"
	chatModel   = "llama3.2"
	embedModel  = "nomic-embed-text"
	testTimeout = 10 * time.Minute
)

func ollamaAvailable() bool {
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(ollamaURL + "/api/tags")
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// warmModel sends a tiny request to force Ollama to load a model into memory.
func warmModel(model string) error {
	body := fmt.Sprintf(`{"model":%q,"messages":[{"role":"user","content":"hi"}],"stream":false,"options":{"num_predict":1}}`, model)
	client := &http.Client{Timeout: 5 * time.Minute}
	resp, err := client.Post(ollamaURL+"/api/chat", "application/json", strings.NewReader(body))
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

const story = `Ebenezer Scrooge ran a counting-house in London with his clerk Bob Cratchit.
Scrooge's late partner, Jacob Marley, appeared to him as a ghost on Christmas Eve and warned
him that three spirits would visit. Bob Cratchit's son, Tiny Tim, was ill, and after the
visits Scrooge became a second father to him.`

func TestOllamaEndToEnd(t *testing.T) {
	if !ollamaAvailable() {
		t.Skip("ollama not available")
	}
	if err := warmModel(chatModel); err != nil {
		t.Fatalf("warming chat model: %v", err)
	}

	cfg := DefaultConfig()
	cfg.WorkingDir = filepath.Join(t.TempDir(), "dickens")
	cfg.Chat.BaseURL = ollamaURL
	cfg.Embedding.BaseURL = ollamaURL
	cfg.ExportGraphML = true

	eng, err := New(cfg)
	if err != nil {
		t.Fatalf("creating engine: %v", err)
	}
	defer eng.Close()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	start := time.Now()
	if _, err := eng.Insert(ctx, story); err != nil {
		t.Fatalf("insert: %v", err)
	}
	t.Logf("insert took %s", time.Since(start).Round(time.Millisecond))

	stats, err := eng.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Entities == 0 {
		t.Fatal("expected entities to be extracted")
	}
	if err := eng.Graph().Verify(ctx); err != nil {
		t.Fatal(err)
	}

	for _, mode := range []Mode{ModeNaive, ModeLocal, ModeGlobal, ModeHybrid} {
		ans, err := eng.Query(ctx, "Who is Tiny Tim's father?", QueryParam{Mode: mode})
		if err != nil {
			t.Fatalf("%s query: %v", mode, err)
		}
		if ans.NoContext {
			t.Errorf("%s query found no context", mode)
		}
		t.Logf("%s: %s", mode, ans.Text)
	}

	s, err := eng.QueryStream(ctx, "What happened on Christmas Eve?", QueryParam{Mode: ModeHybrid})
	if err != nil {
		t.Fatal(err)
	}
	text, err := s.Collect()
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if strings.TrimSpace(text) == "" {
		t.Error("stream produced no text")
	}
}
