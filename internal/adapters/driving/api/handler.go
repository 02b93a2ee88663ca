package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/custodia-labs/kbsearch/internal/core/domain"
)

type namespaceKey struct{}

// namespaceCtx validates {tenant}/{project} and stores the namespace in the
// request context.
func namespaceCtx(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ns := domain.Namespace{
			Tenant:  chi.URLParam(r, "tenant"),
			Project: chi.URLParam(r, "project"),
		}
		if err := ns.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), namespaceKey{}, ns)))
	})
}

func namespaceFrom(r *http.Request) domain.Namespace {
	ns, _ := r.Context().Value(namespaceKey{}).(domain.Namespace)
	return ns
}

// SearchRequest is the body of search and retrieve calls.
type SearchRequest struct {
	Query         string   `json:"query"`
	TopK          int      `json:"topK,omitempty"`
	MinSimilarity *float64 `json:"minSimilarity,omitempty"`
	VectorWeight  *float64 `json:"vectorWeight,omitempty"`
	KeywordWeight *float64 `json:"keywordWeight,omitempty"`
	MinScore      *float64 `json:"minScore,omitempty"`
	MaxResults    int      `json:"maxResults,omitempty"`
	Lambda        *float64 `json:"lambda,omitempty"`
}

// Options converts the request into search options.
func (r SearchRequest) Options() domain.SearchOptions {
	return domain.SearchOptions{
		TopK:          r.TopK,
		MinSimilarity: r.MinSimilarity,
		VectorWeight:  r.VectorWeight,
		KeywordWeight: r.KeywordWeight,
		MinScore:      r.MinScore,
		MaxResults:    r.MaxResults,
		Lambda:        r.Lambda,
	}
}

// IngestRequest is the body of a chunk ingest call.
type IngestRequest struct {
	Chunks []domain.Chunk `json:"chunks"`
}

type handler struct {
	ports Ports
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (h *handler) search(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if !decode(w, r, &req) {
		return
	}
	results, err := h.ports.Retrieval.Search(r.Context(), namespaceFrom(r), req.Query, req.Options())
	if err != nil {
		writeServiceError(w, "search", err)
		return
	}
	if results == nil {
		results = []domain.SearchCandidate{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results, "count": len(results)})
}

func (h *handler) retrieve(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if !decode(w, r, &req) {
		return
	}
	rc, err := h.ports.Retrieval.Retrieve(r.Context(), namespaceFrom(r), req.Query, req.Options())
	if err != nil {
		writeServiceError(w, "retrieve", err)
		return
	}
	writeJSON(w, http.StatusOK, rc)
}

func (h *handler) buildIndex(w http.ResponseWriter, r *http.Request) {
	res, err := h.ports.Index.BuildIndex(r.Context(), namespaceFrom(r))
	if err != nil {
		writeServiceError(w, "build index", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	st, err := h.ports.Index.Status(r.Context(), namespaceFrom(r))
	if err != nil {
		writeServiceError(w, "index status", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *handler) ingest(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.Chunks) == 0 {
		writeError(w, http.StatusBadRequest, "chunks are required")
		return
	}
	res, err := h.ports.Index.Ingest(r.Context(), namespaceFrom(r), req.Chunks)
	if err != nil {
		writeServiceError(w, "ingest", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) removeSource(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "sourceID")
	if sourceID == "" {
		writeError(w, http.StatusBadRequest, "source id is required")
		return
	}
	res, err := h.ports.Index.RemoveSource(r.Context(), namespaceFrom(r), sourceID)
	if err != nil {
		writeServiceError(w, "remove source", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) getConfig(w http.ResponseWriter, _ *http.Request) {
	if h.ports.Config == nil {
		writeError(w, http.StatusNotFound, "config service not configured")
		return
	}
	writeJSON(w, http.StatusOK, h.ports.Config.Config())
}

func (h *handler) putConfig(w http.ResponseWriter, r *http.Request) {
	if h.ports.Config == nil {
		writeError(w, http.StatusNotFound, "config service not configured")
		return
	}
	cfg := h.ports.Config.Config()
	if !decode(w, r, &cfg) {
		return
	}
	if err := h.ports.Config.UpdateConfig(cfg); err != nil {
		writeServiceError(w, "update config", err)
		return
	}
	writeJSON(w, http.StatusOK, h.ports.Config.Config())
}
