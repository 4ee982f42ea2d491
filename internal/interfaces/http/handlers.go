package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/fzheng/SigmaPilot/internal/persistence"
)

const defaultLimit = 100

type errorResponse struct {
	Error string `json:"error"`
}

type healthResponse struct {
	Status    string    `json:"status"`
	Database  string    `json:"database"`
	Timestamp time.Time `json:"timestamp"`
}

type rankedResponse struct {
	PeriodDays int                        `json:"period_days"`
	Count      int                        `json:"count"`
	Entries    []persistence.RankedRecord `json:"entries"`
}

type pnlResponse struct {
	PeriodDays int                    `json:"period_days"`
	Address    string                 `json:"address"`
	Count      int                    `json:"count"`
	Points     []persistence.PnlPoint `json:"points"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Database: "ok", Timestamp: time.Now().UTC()}
	status := http.StatusOK
	if s.pinger != nil {
		if err := s.pinger.Ping(r.Context()); err != nil {
			resp.Status = "degraded"
			resp.Database = "unreachable"
			status = http.StatusServiceUnavailable
		}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, status, resp)
}

func (s *Server) handleRanked(w http.ResponseWriter, r *http.Request) {
	period, limit, ok := s.listParams(w, r)
	if !ok {
		return
	}
	records, err := s.repo.ReadRanked(r.Context(), period, limit)
	if err != nil {
		log.Error().Err(err).Int("period", period).Msg("read ranked failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "storage unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, rankedResponse{PeriodDays: period, Count: len(records), Entries: records})
}

func (s *Server) handleSelected(w http.ResponseWriter, r *http.Request) {
	period, limit, ok := s.listParams(w, r)
	if !ok {
		return
	}
	records, err := s.repo.ReadSelected(r.Context(), period, limit)
	if err != nil {
		log.Error().Err(err).Int("period", period).Msg("read selected failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "storage unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, rankedResponse{PeriodDays: period, Count: len(records), Entries: records})
}

func (s *Server) handlePnlPoints(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	period, err := strconv.Atoi(vars["period"])
	if err != nil || period <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid period"})
		return
	}
	address := strings.ToLower(strings.TrimSpace(vars["address"]))
	if address == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "address required"})
		return
	}
	points, err := s.repo.ReadPnlPoints(r.Context(), period, address)
	if err != nil {
		log.Error().Err(err).Int("period", period).Str("address", address).Msg("read pnl points failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "storage unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, pnlResponse{PeriodDays: period, Address: address, Count: len(points), Points: points})
}

// listParams extracts the period path variable and the optional limit query
// parameter.
func (s *Server) listParams(w http.ResponseWriter, r *http.Request) (period, limit int, ok bool) {
	period, err := strconv.Atoi(mux.Vars(r)["period"])
	if err != nil || period <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid period"})
		return 0, 0, false
	}
	limit = defaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > 1000 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be in 1..1000"})
			return 0, 0, false
		}
	}
	return period, limit, true
}

func handleNotFound(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("encode response failed")
	}
}
