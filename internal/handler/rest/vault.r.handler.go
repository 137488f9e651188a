package hrest

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"custody-service/internal/domain"
	"custody-service/pkg/response"

	"github.com/go-chi/chi/v5"
)

func (h *CustodyRestHandler) ListVaults(w http.ResponseWriter, r *http.Request) {
	snapshots, err := h.sourcingUC.Snapshots(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, snapshots)
}

type RebalanceJSON struct {
	Asset     string `json:"asset"`
	Network   string `json:"network"`
	Direction string `json:"direction"`
	Amount    int64  `json:"amount"`
	Priority  string `json:"priority,omitempty"`
	Reason    string `json:"reason"`
	ActorID   string `json:"actor_id"`
}

// CreateRebalancing queues a manual treasury move. Automatic cold-to-hot
// moves come from withdrawal sourcing; this endpoint is for operator-driven
// adjustments.
func (h *CustodyRestHandler) CreateRebalancing(w http.ResponseWriter, r *http.Request) {
	var in RebalanceJSON
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		response.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if in.ActorID == "" || in.Asset == "" || in.Network == "" || in.Amount <= 0 {
		response.Error(w, http.StatusBadRequest, "actor_id, asset, network and a positive amount are required")
		return
	}

	direction := domain.RebalanceDirection(in.Direction)
	if direction != domain.DirectionColdToHot && direction != domain.DirectionHotToCold {
		response.Error(w, http.StatusBadRequest, "direction must be cold_to_hot or hot_to_cold")
		return
	}
	priority := domain.Priority(in.Priority)
	if priority == "" {
		priority = domain.PriorityMedium
	}

	rec, eta, err := h.sourcingUC.RequestRebalancing(r.Context(), in.Asset, in.Network, direction, in.Amount, priority, in.Reason, in.ActorID)
	if err != nil {
		writeError(w, err)
		return
	}
	response.JSON(w, http.StatusCreated, map[string]interface{}{
		"rebalancing":          rec,
		"estimated_completion": eta,
	})
}

func (h *CustodyRestHandler) GetRebalancing(w http.ResponseWriter, r *http.Request) {
	rec, err := h.sourcingUC.GetRebalancing(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, rec)
}

func (h *CustodyRestHandler) ListRebalancings(w http.ResponseWriter, r *http.Request) {
	filter := parseRebalancingFilter(r)
	records, total, err := h.sourcingUC.ListRebalancings(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, map[string]interface{}{
		"items":  records,
		"total":  total,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

func (h *CustodyRestHandler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := &domain.AuditFilter{Limit: 100}

	if v := q.Get("resource_type"); v != "" {
		filter.ResourceType = &v
	}
	if v := q.Get("resource_id"); v != "" {
		filter.ResourceID = &v
	}
	if v := q.Get("actor"); v != "" {
		filter.Actor = &v
	}
	if v := q.Get("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.FromDate = &t
		}
	}
	if v := q.Get("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.ToDate = &t
		}
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			filter.Offset = n
		}
	}

	entries, total, err := h.auditUC.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, map[string]interface{}{
		"items": entries,
		"total": total,
	})
}

func parseRebalancingFilter(r *http.Request) *domain.RebalancingFilter {
	q := r.URL.Query()
	filter := &domain.RebalancingFilter{Limit: 50}

	if v := q.Get("status"); v != "" {
		s := domain.RebalanceStatus(v)
		filter.Status = &s
	}
	if v := q.Get("asset"); v != "" {
		filter.Asset = &v
	}
	if v := q.Get("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.FromDate = &t
		}
	}
	if v := q.Get("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.ToDate = &t
		}
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			filter.Offset = n
		}
	}
	return filter
}
