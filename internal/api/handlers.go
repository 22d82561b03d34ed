package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"limitboard/internal/coalesce"
	"limitboard/internal/company"
	"limitboard/internal/domain"
	"limitboard/internal/upstream"
	"limitboard/internal/util"
)

// PoolResponse is the body of GET /api/pool/{kind}.
type PoolResponse struct {
	Kind    domain.PoolKind    `json:"kind"`
	Date    string             `json:"date"`
	Count   int                `json:"count"`
	Entries []domain.PoolEntry `json:"entries"`
}

// CompaniesResponse is the body of GET /api/company.
type CompaniesResponse struct {
	Count   int                            `json:"count"`
	Records map[string]company.StockRecord `json:"records"`
}

const maxBodyBytes = 1 << 16

type licenseRequest struct {
	License string `json:"license"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	kind, err := domain.ParsePoolKind(chi.URLParam(r, "kind"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	date, ok := s.date(w, r)
	if !ok || !s.acceptLicense(w, r) {
		return
	}

	entries, err := s.pools.RefreshPool(r.Context(), kind, date, queryBool(r, "bypass"))
	if err != nil {
		s.upstreamError(w, err, "fetching pool", "kind", kind, "date", date)
		return
	}
	if entries == nil {
		entries = []domain.PoolEntry{}
	}
	s.writeJSON(w, PoolResponse{Kind: kind, Date: date, Count: len(entries), Entries: entries})
}

func (s *Server) handleSentiment(w http.ResponseWriter, r *http.Request) {
	date, ok := s.date(w, r)
	if !ok || !s.acceptLicense(w, r) {
		return
	}
	out, err := s.pools.Sentiment(r.Context(), date)
	if err != nil {
		s.upstreamError(w, err, "computing sentiment", "date", date)
		return
	}
	s.writeJSON(w, out)
}

func (s *Server) handleCompanies(w http.ResponseWriter, r *http.Request) {
	all := s.records.All()
	s.writeJSON(w, CompaniesResponse{Count: len(all), Records: all})
}

func (s *Server) handleCompany(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	rec, ok := s.records.Get(code)
	if !ok {
		s.writeError(w, http.StatusNotFound, "no record for "+code)
		return
	}
	s.writeJSON(w, rec)
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	if !s.acceptLicense(w, r) {
		return
	}
	if _, err := s.pools.Profile(r.Context(), code, queryBool(r, "force")); err != nil {
		s.upstreamError(w, err, "fetching company profile", "code", code)
		return
	}
	rec, _ := s.records.Get(code)
	s.writeJSON(w, rec)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	data, err := s.records.ExportSnapshot()
	if err != nil {
		s.log.Error("exporting snapshot", "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="company-cache.json"`)
	w.Write(data)
}

func (s *Server) handlePutLicense(w http.ResponseWriter, r *http.Request) {
	var req licenseRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := s.license.Set(r.Context(), req.License); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// date returns the ?date= parameter or today's trading date.
func (s *Server) date(w http.ResponseWriter, r *http.Request) (string, bool) {
	date := r.URL.Query().Get("date")
	if date == "" {
		return util.TradingDate(s.now()), true
	}
	if _, err := util.ParseDate(date); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return date, true
}

// acceptLicense stores a ?license= parameter before the upstream call.
func (s *Server) acceptLicense(w http.ResponseWriter, r *http.Request) bool {
	v := strings.TrimSpace(r.URL.Query().Get("license"))
	if v == "" || s.license == nil {
		return true
	}
	if err := s.license.Set(r.Context(), v); err != nil {
		s.log.Error("storing license", "error", err)
		s.writeError(w, http.StatusInternalServerError, "storing license: "+err.Error())
		return false
	}
	return true
}

func (s *Server) upstreamError(w http.ResponseWriter, err error, msg string, args ...any) {
	var se *coalesce.StatusError
	switch {
	case errors.Is(err, upstream.ErrMissingCredential):
		s.writeError(w, http.StatusUnauthorized, err.Error())
		return
	case errors.Is(err, upstream.ErrNoProfile):
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.As(err, &se):
		s.log.Warn(msg, append(args, "error", err)...)
		s.writeError(w, http.StatusBadGateway, fmt.Sprintf("%s: upstream returned HTTP %d", msg, se.Code))
		return
	}
	s.log.Error(msg, append(args, "error", err)...)
	s.writeError(w, http.StatusBadGateway, err.Error())
}

func queryBool(r *http.Request, name string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(name))
	return err == nil && v
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
