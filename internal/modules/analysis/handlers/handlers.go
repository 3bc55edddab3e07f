// Package handlers provides HTTP handlers for allocation analysis.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aristath/allocator/internal/modules/analysis"
	"github.com/aristath/allocator/internal/modules/optimization"
	"github.com/aristath/allocator/internal/modules/prices"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

const maxBodyBytes = 16 << 20

// Handler handles analysis HTTP requests
type Handler struct {
	service *analysis.Service
	maxBody int64
	log     zerolog.Logger
}

// NewHandler creates a new analysis handler
func NewHandler(service *analysis.Service, log zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		maxBody: maxBodyBytes,
		log:     log.With().Str("handler", "analysis").Logger(),
	}
}

// AnalyzeRequest is the JSON body of POST /api/analysis. Dates are optional
// and use the 2006-01-02 layout.
type AnalyzeRequest struct {
	Tickers      []string    `json:"tickers"`
	Dates        []string    `json:"dates,omitempty"`
	Returns      [][]float64 `json:"returns"`
	RiskFreeRate *float64    `json:"risk_free_rate,omitempty"`
	Policies     []string    `json:"policies,omitempty"`
	Source       string      `json:"source,omitempty"`
}

// EvaluateRequest is the JSON body of POST /api/analysis/evaluate.
type EvaluateRequest struct {
	Tickers      []string    `json:"tickers"`
	Returns      [][]float64 `json:"returns"`
	Weights      []float64   `json:"weights"`
	RiskFreeRate *float64    `json:"risk_free_rate,omitempty"`
}

// MetricsResponse carries portfolio metrics. SharpeRatio is null when the
// portfolio has no volatility.
type MetricsResponse struct {
	AnnualizedReturn     float64  `json:"annualized_return"`
	AnnualizedVolatility float64  `json:"annualized_volatility"`
	SharpeRatio          *float64 `json:"sharpe_ratio"`
}

type runResponse struct {
	*analysis.Run
	ExportError string `json:"export_error,omitempty"`
}

// HandleAnalyze handles POST /api/analysis. The body is either a JSON
// AnalyzeRequest or a text/csv price table.
func (h *Handler) HandleAnalyze(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)

	var (
		result *analysis.Result
		err    error
	)
	if isCSV(r) {
		result, err = h.analyzeCSV(r)
	} else {
		result, err = h.analyzeJSON(r)
	}
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	response := runResponse{Run: result.Run}
	if result.ExportErr != nil {
		response.ExportError = result.ExportErr.Error()
	}
	h.writeJSON(w, http.StatusCreated, response)
}

func (h *Handler) analyzeCSV(r *http.Request) (*analysis.Result, error) {
	query := r.URL.Query()
	tickers := splitList(query.Get("tickers"))

	var rf *float64
	if raw := query.Get("risk_free_rate"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, badRequest("invalid risk_free_rate")
		}
		rf = &v
	}

	source := query.Get("source")
	if source == "" {
		source = "upload.csv"
	}
	return h.service.RunFromReader(r.Context(), r.Body, source, tickers, rf)
}

func (h *Handler) analyzeJSON(r *http.Request) (*analysis.Result, error) {
	var request AnalyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		return nil, decodeError(err)
	}

	matrix, err := buildMatrix(request.Tickers, request.Dates, request.Returns)
	if err != nil {
		return nil, err
	}

	policies := make([]optimization.Policy, 0, len(request.Policies))
	for _, s := range request.Policies {
		p, err := optimization.ParsePolicy(s)
		if err != nil {
			return nil, badRequest(err.Error())
		}
		policies = append(policies, p)
	}

	source := request.Source
	if source == "" {
		source = "api"
	}
	return h.service.Run(r.Context(), analysis.Request{
		Source:       source,
		Matrix:       matrix,
		RiskFreeRate: request.RiskFreeRate,
		Policies:     policies,
	})
}

// HandleEvaluate handles POST /api/analysis/evaluate
func (h *Handler) HandleEvaluate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)

	var request EvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		h.writeServiceError(w, decodeError(err))
		return
	}

	matrix, err := buildMatrix(request.Tickers, nil, request.Returns)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	metrics, err := h.service.Evaluate(matrix, request.Weights, request.RiskFreeRate)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	response := MetricsResponse{
		AnnualizedReturn:     metrics.AnnualizedReturn,
		AnnualizedVolatility: metrics.AnnualizedVolatility,
	}
	if v, ok := metrics.Sharpe(); ok {
		response.SharpeRatio = &v
	}
	h.writeJSON(w, http.StatusOK, response)
}

// HandleListRuns handles GET /api/analysis/runs
func (h *Handler) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			h.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = v
	}

	runs, err := h.service.ListRuns(r.Context(), limit)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

// HandleGetRun handles GET /api/analysis/runs/{id}
func (h *Handler) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.service.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, run)
}

// HandleDeleteRun handles DELETE /api/analysis/runs/{id}
func (h *Handler) HandleDeleteRun(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteRun(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleChart handles GET /api/analysis/runs/{id}/chart.png
func (h *Handler) HandleChart(w http.ResponseWriter, r *http.Request) {
	png, err := h.service.Chart(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(png)))
	if _, err := w.Write(png); err != nil {
		h.log.Warn().Err(err).Msg("Failed to write chart")
	}
}

func buildMatrix(tickers, dates []string, returns [][]float64) (*optimization.ReturnMatrix, error) {
	var parsed []time.Time
	if len(dates) > 0 {
		parsed = make([]time.Time, len(dates))
		for i, d := range dates {
			t, err := time.Parse("2006-01-02", d)
			if err != nil {
				return nil, badRequest("invalid date " + strconv.Quote(d))
			}
			parsed[i] = t
		}
	}
	return optimization.NewReturnMatrix(parsed, tickers, returns)
}

func isCSV(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "text/csv"
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

type requestError struct {
	message string
}

func (e *requestError) Error() string {
	return e.message
}

func badRequest(message string) error {
	return &requestError{message: message}
}

// decodeError keeps an oversized body distinguishable from malformed JSON.
func decodeError(err error) error {
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		return fmt.Errorf("request body exceeds %d bytes: %w", maxBytes.Limit, err)
	}
	return badRequest("Invalid request body: " + err.Error())
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	var reqErr *requestError
	var maxBytes *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge
	case errors.As(err, &reqErr):
		return http.StatusBadRequest
	case errors.Is(err, analysis.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, analysis.ErrNoRepository):
		return http.StatusServiceUnavailable
	case errors.Is(err, optimization.ErrOptimizationFailure):
		return http.StatusUnprocessableEntity
	case errors.Is(err, optimization.ErrInsufficientData),
		errors.Is(err, optimization.ErrInvalidUniverse),
		errors.Is(err, optimization.ErrInvalidReturns),
		errors.Is(err, prices.ErrNoData),
		errors.Is(err, prices.ErrMissingTickers),
		errors.Is(err, prices.ErrInvalidCSV):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("Analysis request failed")
	} else {
		h.log.Debug().Err(err).Int("status", status).Msg("Analysis request rejected")
	}
	h.writeError(w, status, err.Error())
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{
		"error": message,
	})
}
