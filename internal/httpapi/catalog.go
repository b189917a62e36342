package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

func (s *Server) mountCatalog(r chi.Router) {
	r.Get("/categories", s.listCategories)
	r.Get("/services", s.listServices)
	r.Get("/services/{slug}", s.getService)
	r.Get("/search", s.searchServices)
}

func (s *Server) listCategories(w http.ResponseWriter, r *http.Request) {
	cats, err := s.catalog.ListCategories(r.Context(), s.conn)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, cats)
}

func (s *Server) listServices(w http.ResponseWriter, r *http.Request) {
	services, err := s.catalog.ListServices(r.Context(), s.conn, r.URL.Query().Get("category"))
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, services)
}

func (s *Server) getService(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	svc, err := s.catalog.ServiceBySlug(r.Context(), s.conn, slug)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}

	plans, err := s.catalog.PlansForService(r.Context(), s.conn, svc.ID)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Service any `json:"service"`
		Plans   any `json:"plans"`
	}{svc, plans})
}

func (s *Server) searchServices(w http.ResponseWriter, r *http.Request) {
	term := r.URL.Query().Get("q")
	results, err := s.catalog.Search(r.Context(), s.conn, term)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func parseUUIDParam(r *http.Request, name string) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, name))
}
