package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/brunobiangulo/lightrag"
	"github.com/brunobiangulo/lightrag/llm"
	"github.com/brunobiangulo/lightrag/loader"
	"github.com/brunobiangulo/lightrag/store"
)

// engine is the part of *lightrag.Engine the handlers use.
type engine interface {
	Insert(ctx context.Context, text string) (string, error)
	Query(ctx context.Context, question string, p lightrag.QueryParam) (*lightrag.Answer, error)
	QueryStream(ctx context.Context, question string, p lightrag.QueryParam) (*llm.Stream, error)
	Documents(ctx context.Context) ([]store.Document, error)
	Document(ctx context.Context, id string) (*store.Document, error)
	Stats(ctx context.Context) (*store.DBStats, error)
	ExportGraphML(ctx context.Context, w io.Writer) error
}

type handler struct {
	engine engine
}

func newHandler(e engine) *handler {
	return &handler{engine: e}
}

// POST /insert
// Accepts a multipart file upload or JSON with inline text.
func (h *handler) handleInsert(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()

	var text, source string
	if err := r.ParseMultipartForm(100 << 20); err == nil { // 100MB max
		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, http.StatusBadRequest, "multipart request needs a 'file' field")
			return
		}
		defer file.Close()
		source = filepath.Base(header.Filename)
		if text, err = loadUpload(ctx, source, file); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, lightrag.ErrInvalidInput) {
				status = http.StatusBadRequest
			}
			writeError(w, status, err.Error())
			return
		}
	} else {
		var req struct {
			Text string `json:"text"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request: expected multipart file or JSON with 'text'")
			return
		}
		text = req.Text
	}

	id, err := h.engine.Insert(ctx, text)
	if err != nil {
		writeEngineError(w, r, "insert failed", err)
		return
	}
	resp := map[string]any{"document_id": id}
	if source != "" {
		resp["filename"] = source
	}
	if doc, err := h.engine.Document(ctx, id); err == nil {
		resp["status"] = doc.Status
		resp["chunk_count"] = doc.ChunkCount
	}
	writeJSON(w, http.StatusOK, resp)
}

// loadUpload copies an upload to a temp file so loaders that need random
// access (pdf, xlsx) can read it.
func loadUpload(ctx context.Context, name string, r io.Reader) (string, error) {
	dst, err := os.CreateTemp("", "lightrag-*-"+name)
	if err != nil {
		return "", err
	}
	defer os.Remove(dst.Name())
	if _, err := io.Copy(dst, r); err != nil {
		dst.Close()
		return "", err
	}
	if err := dst.Close(); err != nil {
		return "", err
	}
	return loader.Load(ctx, dst.Name())
}

type queryRequest struct {
	Question string `json:"question"`
	lightrag.QueryParam
}

// POST /query
// With "stream": true the answer is written as newline-delimited JSON
// fragments.
func (h *handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Question == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return
	}

	if !req.Stream {
		ans, err := h.engine.Query(ctx, req.Question, req.QueryParam)
		if err != nil {
			writeEngineError(w, r, "query failed", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"query_id":   ans.QueryID,
			"mode":       ans.Mode,
			"answer":     ans.Text,
			"no_context": ans.NoContext,
			"elapsed_ms": ans.Elapsed.Milliseconds(),
		})
		return
	}

	s, err := h.engine.QueryStream(ctx, req.Question, req.QueryParam)
	if err != nil {
		writeEngineError(w, r, "query failed", err)
		return
	}
	defer s.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	for frag, err := range s.All() {
		if err != nil {
			// Headers are already sent; report the failure in-band.
			enc.Encode(map[string]string{"error": "stream interrupted"})
			slog.Error("query stream error", "request_id", requestID(r), "error", err)
			return
		}
		enc.Encode(map[string]string{"response": frag})
		if flusher != nil {
			flusher.Flush()
		}
	}
	enc.Encode(map[string]bool{"done": true})
}

// GET /documents
func (h *handler) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := h.engine.Documents(r.Context())
	if err != nil {
		writeEngineError(w, r, "failed to list documents", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

// GET /documents/{id}
func (h *handler) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.engine.Document(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, r, "failed to load document", err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// GET /graph.graphml
func (h *handler) handleGraphML(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/xml")
	if err := h.engine.ExportGraphML(r.Context(), w); err != nil {
		slog.Error("graphml export error", "request_id", requestID(r), "error", err)
	}
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.Stats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "stats": stats})
}

// writeEngineError maps the engine's error taxonomy onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, lightrag.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, lightrag.ErrDocumentNotFound):
		writeError(w, http.StatusNotFound, "not found")
		return
	case errors.Is(err, lightrag.ErrBackendTimeout), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.Is(err, lightrag.ErrEmbedding):
		status = http.StatusBadGateway
	case errors.Is(err, lightrag.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	slog.Error(msg, "request_id", requestID(r), "error", err)
	writeError(w, status, msg)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
