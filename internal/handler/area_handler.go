package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/tenkibot/internal/area"
	"github.com/hitoshi/tenkibot/internal/middleware"
	"github.com/hitoshi/tenkibot/internal/model"
)

// AreaCatalog は地域カタログの参照インターフェース。
type AreaCatalog interface {
	Get(code string) (model.AreaEntry, error)
	ChildrenOf(code string) []model.AreaEntry
	Len() int
}

// AreaResolver は自由入力の地域名を解決する。
type AreaResolver interface {
	Resolve(query string) area.Resolution
}

// AreaHandler は地域カタログのHTTPハンドラー。
type AreaHandler struct {
	catalog  AreaCatalog
	resolver AreaResolver
}

// NewAreaHandler はAreaHandlerを生成する。
func NewAreaHandler(catalog AreaCatalog, resolver AreaResolver) *AreaHandler {
	return &AreaHandler{catalog: catalog, resolver: resolver}
}

type candidateResponse struct {
	Area  model.AreaEntry `json:"area"`
	Match string          `json:"match"`
}

type resolveResponse struct {
	Query      string              `json:"query"`
	Status     string              `json:"status"`
	Area       *model.AreaEntry    `json:"area,omitempty"`
	Candidates []candidateResponse `json:"candidates,omitempty"`
}

// Resolve は地域名を地域に解決する。
// GET /api/areas/resolve?q=
func (h *AreaHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		middleware.WriteBadRequest(w, "q に地域名を指定してください。")
		return
	}

	res := h.resolver.Resolve(q)
	switch res.Kind {
	case area.Resolved:
		middleware.WriteJSON(w, http.StatusOK, resolveResponse{Query: q, Status: res.Kind.String(), Area: res.Area})
	case area.Ambiguous:
		middleware.WriteJSON(w, http.StatusOK, resolveResponse{Query: q, Status: res.Kind.String(), Candidates: toCandidates(res.Candidates)})
	default:
		handleServiceError(w, model.NewLocationNotFoundError(q))
	}
}

// GetArea は地域コードのエントリを返す。
// GET /api/areas/{code}
func (h *AreaHandler) GetArea(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	entry, err := h.catalog.Get(code)
	if err != nil {
		handleServiceError(w, model.NewAreaNotFoundError(code))
		return
	}
	middleware.WriteJSON(w, http.StatusOK, entry)
}

// ListChildren は直下の子地域を返す。
// GET /api/areas/{code}/children
func (h *AreaHandler) ListChildren(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	if _, err := h.catalog.Get(code); err != nil {
		handleServiceError(w, model.NewAreaNotFoundError(code))
		return
	}
	middleware.WriteJSON(w, http.StatusOK, h.catalog.ChildrenOf(code))
}

func toCandidates(cs []area.Candidate) []candidateResponse {
	out := make([]candidateResponse, 0, len(cs))
	for _, c := range cs {
		out = append(out, candidateResponse{Area: c.Area, Match: c.Match.String()})
	}
	return out
}
