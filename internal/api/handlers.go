package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/sells-group/lead-dedupe/internal/dedupe"
	"github.com/sells-group/lead-dedupe/internal/lead"
	"github.com/sells-group/lead-dedupe/internal/merge"
	"github.com/sells-group/lead-dedupe/internal/tracing"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
	maxBodyBytes     = 1 << 20
)

type dedupeRequest struct {
	JobID     string   `json:"job_id" validate:"omitempty,max=128"`
	LeadIDs   []string `json:"lead_ids" validate:"omitempty,max=5000,dive,required,max=128"`
	AutoMerge bool     `json:"auto_merge"`
}

// invalidFields names the request fields that failed validation without
// echoing the validator's message text.
func invalidFields(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if f := fe.Field(); !slices.Contains(fields, f) {
			fields = append(fields, f)
		}
	}
	return "invalid fields: " + strings.Join(fields, ", ")
}

type dedupeResponse struct {
	Success          bool          `json:"success"`
	DuplicatesFound  int           `json:"duplicates_found"`
	MergedCount      int           `json:"merged_count"`
	MergeFailedCount int           `json:"merge_failed_count"`
	DuplicatePairs   []dedupe.Pair `json:"duplicate_pairs"`
}

func (s *Server) handleDedupe(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.StartSpan(r.Context(), "api.dedupe")
	defer span.End()

	var req dedupeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, invalidFields(err))
		return
	}

	res, err := s.runner.Run(ctx, dedupe.Request{
		JobID:     req.JobID,
		LeadIDs:   req.LeadIDs,
		AutoMerge: req.AutoMerge,
	})
	if err != nil {
		zap.L().Error("api: dedupe run failed",
			zap.String("job_id", req.JobID),
			zap.Int("lead_ids", len(req.LeadIDs)),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	pairs := res.Pairs
	if pairs == nil {
		pairs = []dedupe.Pair{}
	}
	writeJSON(w, http.StatusOK, dedupeResponse{
		Success:          true,
		DuplicatesFound:  res.DuplicatesFound,
		MergedCount:      res.MergedCount,
		MergeFailedCount: res.MergeFailed,
		DuplicatePairs:   pairs,
	})
}

type duplicatesResponse struct {
	Success    bool             `json:"success"`
	Duplicates []lead.Duplicate `json:"duplicates"`
}

func (s *Server) handleListDuplicates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := lead.DuplicateFilter{
		LeadID: q.Get("lead_id"),
		Limit:  defaultListLimit,
	}
	if v := q.Get("unmerged"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid unmerged")
			return
		}
		filter.UnmergedOnly = b
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxListLimit {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}

	rows, err := s.store.ListDuplicates(r.Context(), filter)
	if err != nil {
		zap.L().Error("api: list duplicates", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if rows == nil {
		rows = []lead.Duplicate{}
	}
	writeJSON(w, http.StatusOK, duplicatesResponse{Success: true, Duplicates: rows})
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.StartSpan(r.Context(), "api.merge")
	defer span.End()

	id := chi.URLParam(r, "id")
	err := s.merger.MergeByID(ctx, id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "relationship_id": id})
	case errors.Is(err, merge.ErrPairMissing):
		writeError(w, http.StatusNotFound, "relationship not found")
	case errors.Is(err, merge.ErrAlreadyMerged):
		writeError(w, http.StatusConflict, "already merged")
	case errors.Is(err, merge.ErrLeadMissing), errors.Is(err, merge.ErrPrimaryTerminal):
		writeError(w, http.StatusConflict, "pair can no longer be merged")
	default:
		zap.L().Error("api: merge pair", zap.String("relationship_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		zap.L().Warn("api: health check", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
