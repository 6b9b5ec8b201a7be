package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brunobiangulo/lightrag"
	"github.com/brunobiangulo/lightrag/llm"
	"github.com/brunobiangulo/lightrag/store"
)

type fakeEngine struct {
	inserted []string
	lastMode lightrag.Mode
	queryErr error
	stream   []string
	docs     map[string]store.Document
}

func (f *fakeEngine) Insert(_ context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: text is empty", lightrag.ErrInvalidInput)
	}
	f.inserted = append(f.inserted, text)
	id := lightrag.DocumentID(text)
	f.docs[id] = store.Document{ID: id, Status: store.StatusProcessed, ChunkCount: 1}
	return id, nil
}

func (f *fakeEngine) Query(_ context.Context, q string, p lightrag.QueryParam) (*lightrag.Answer, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	f.lastMode = p.Mode
	return &lightrag.Answer{QueryID: "q-1", Mode: p.Mode, Text: "answer to " + q}, nil
}

func (f *fakeEngine) QueryStream(_ context.Context, _ string, _ lightrag.QueryParam) (*llm.Stream, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return llm.StaticStream(f.stream...), nil
}

func (f *fakeEngine) Documents(context.Context) ([]store.Document, error) {
	var out []store.Document
	for _, d := range f.docs {
		out = append(out, d)
	}
	return out, nil
}

func (f *fakeEngine) Document(_ context.Context, id string) (*store.Document, error) {
	d, ok := f.docs[id]
	if !ok {
		return nil, lightrag.ErrDocumentNotFound
	}
	return &d, nil
}

func (f *fakeEngine) Stats(context.Context) (*store.DBStats, error) {
	return &store.DBStats{Documents: len(f.docs)}, nil
}

func (f *fakeEngine) ExportGraphML(_ context.Context, w io.Writer) error {
	_, err := io.WriteString(w, "<graphml/>")
	return err
}

func newTestServer(t *testing.T, apiKey string) (*fakeEngine, *httptest.Server) {
	t.Helper()
	fe := &fakeEngine{docs: map[string]store.Document{}}
	srv := httptest.NewServer(newServer(newHandler(fe), prometheus.NewRegistry(), apiKey, ""))
	t.Cleanup(srv.Close)
	return fe, srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestInsertJSON(t *testing.T) {
	fe, srv := newTestServer(t, "")

	resp := postJSON(t, srv.URL+"/insert", map[string]string{"text": "Alice works with Bob."})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, lightrag.DocumentID("Alice works with Bob."), body["document_id"])
	assert.Equal(t, store.StatusProcessed, body["status"])
	assert.Equal(t, []string{"Alice works with Bob."}, fe.inserted)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestInsertEmptyTextIsBadRequest(t *testing.T) {
	_, srv := newTestServer(t, "")
	resp := postJSON(t, srv.URL+"/insert", map[string]string{"text": "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestInsertUpload(t *testing.T) {
	fe, srv := newTestServer(t, "")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "../notes.md")
	require.NoError(t, err)
	io.WriteString(fw, "# Notes\nBob moved to Paris.")
	require.NoError(t, mw.Close())

	resp, err := http.Post(srv.URL+"/insert", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "notes.md", decode(t, resp)["filename"])
	require.Len(t, fe.inserted, 1)
	assert.Contains(t, fe.inserted[0], "Bob moved to Paris.")
}

func TestQuery(t *testing.T) {
	fe, srv := newTestServer(t, "")

	resp := postJSON(t, srv.URL+"/query", map[string]any{"question": "who?", "mode": "local"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, "answer to who?", body["answer"])
	assert.Equal(t, lightrag.ModeLocal, fe.lastMode)

	resp = postJSON(t, srv.URL+"/query", map[string]any{"mode": "local"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestQueryErrorStatuses(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: bad mode", lightrag.ErrInvalidInput), http.StatusBadRequest},
		{fmt.Errorf("chat: %w", lightrag.ErrBackendTimeout), http.StatusGatewayTimeout},
		{lightrag.ErrEmbedding, http.StatusBadGateway},
		{lightrag.ErrClosed, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		fe, srv := newTestServer(t, "")
		fe.queryErr = tc.err
		resp := postJSON(t, srv.URL+"/query", map[string]any{"question": "q"})
		assert.Equal(t, tc.want, resp.StatusCode, tc.err.Error())
	}
}

func TestQueryStream(t *testing.T) {
	fe, srv := newTestServer(t, "")
	fe.stream = []string{"Alice ", "works ", "with Bob."}

	resp := postJSON(t, srv.URL+"/query", map[string]any{"question": "q", "stream": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	var text strings.Builder
	var done bool
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		var line map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &line))
		if frag, ok := line["response"].(string); ok {
			text.WriteString(frag)
		}
		if line["done"] == true {
			done = true
		}
	}
	assert.Equal(t, "Alice works with Bob.", text.String())
	assert.True(t, done)
}

func TestDocumentsAndGraph(t *testing.T) {
	fe, srv := newTestServer(t, "")
	id, _ := fe.Insert(context.Background(), "hello")

	resp, err := http.Get(srv.URL + "/documents/" + id)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	missing, err := http.Get(srv.URL + "/documents/doc-missing")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)

	list, err := http.Get(srv.URL + "/documents")
	require.NoError(t, err)
	defer list.Body.Close()
	assert.Len(t, decode(t, list)["documents"], 1)

	g, err := http.Get(srv.URL + "/graph.graphml")
	require.NoError(t, err)
	defer g.Body.Close()
	b, _ := io.ReadAll(g.Body)
	assert.Equal(t, "<graphml/>", string(b))
}

func TestAuth(t *testing.T) {
	_, srv := newTestServer(t, "secret")

	resp := postJSON(t, srv.URL+"/query", map[string]any{"question": "q"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/documents", nil)
	req.Header.Set("Authorization", "Bearer secret")
	ok, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer ok.Body.Close()
	assert.Equal(t, http.StatusOK, ok.StatusCode)

	health, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)

	m, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer m.Body.Close()
	assert.Equal(t, http.StatusOK, m.StatusCode)
}
