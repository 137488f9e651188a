package hrest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"custody-service/internal/domain"
	"custody-service/internal/usecase"
	"custody-service/internal/xerrors"
	"custody-service/pkg/response"

	"github.com/go-chi/chi/v5"
)

type CustodyRestHandler struct {
	withdrawalUC *usecase.WithdrawalUsecase
	screeningUC  *usecase.ScreeningUsecase
	sourcingUC   *usecase.SourcingUsecase
	auditUC      *usecase.AuditUsecase
}

func NewCustodyRestHandler(
	withdrawalUC *usecase.WithdrawalUsecase,
	screeningUC *usecase.ScreeningUsecase,
	sourcingUC *usecase.SourcingUsecase,
	auditUC *usecase.AuditUsecase,
) *CustodyRestHandler {
	return &CustodyRestHandler{
		withdrawalUC: withdrawalUC,
		screeningUC:  screeningUC,
		sourcingUC:   sourcingUC,
		auditUC:      auditUC,
	}
}

type CreateWithdrawalJSON struct {
	IdempotencyKey *string  `json:"idempotency_key,omitempty"`
	RequestedBy    string   `json:"requested_by"`
	SourceType     string   `json:"source_type"`
	SourceRef      string   `json:"source_ref"`
	Destination    string   `json:"destination"`
	Asset          string   `json:"asset"`
	Network        string   `json:"network"`
	Amount         int64    `json:"amount"`
	Title          string   `json:"title"`
	Description    *string  `json:"description,omitempty"`
	Priority       string   `json:"priority,omitempty"`
	OriginatorInfo *string  `json:"originator_info,omitempty"`
	ApproverIDs    []string `json:"approver_ids,omitempty"`
}

func (h *CustodyRestHandler) CreateWithdrawal(w http.ResponseWriter, r *http.Request) {
	var in CreateWithdrawalJSON
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		response.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req := &domain.CreateWithdrawalRequest{
		IdempotencyKey: in.IdempotencyKey,
		RequestedBy:    in.RequestedBy,
		SourceType:     domain.SourceType(in.SourceType),
		SourceRef:      in.SourceRef,
		Destination:    in.Destination,
		Asset:          in.Asset,
		Network:        in.Network,
		Amount:         in.Amount,
		Title:          in.Title,
		Description:    in.Description,
		Priority:       domain.Priority(in.Priority),
		OriginatorInfo: in.OriginatorInfo,
		ApproverIDs:    in.ApproverIDs,
	}

	created, err := h.withdrawalUC.Create(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	response.JSON(w, http.StatusCreated, created)
}

func (h *CustodyRestHandler) GetWithdrawal(w http.ResponseWriter, r *http.Request) {
	detail, err := h.withdrawalUC.GetDetail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, detail)
}

func (h *CustodyRestHandler) GetWithdrawalStatus(w http.ResponseWriter, r *http.Request) {
	status := h.withdrawalUC.Status(chi.URLParam(r, "id"))
	if status == nil {
		// Tracker miss, fall back to the ledger.
		wd, err := h.withdrawalUC.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		response.JSON(w, http.StatusOK, map[string]interface{}{
			"request_id": wd.ID,
			"state":      wd.State,
		})
		return
	}
	response.JSON(w, http.StatusOK, status)
}

func (h *CustodyRestHandler) ListWithdrawals(w http.ResponseWriter, r *http.Request) {
	filter := parseWithdrawalFilter(r)
	items, total, err := h.withdrawalUC.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, map[string]interface{}{
		"items":  items,
		"total":  total,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

type ApprovalJSON struct {
	ApproverID string `json:"approver_id"`
	Reason     string `json:"reason,omitempty"`
}

func (h *CustodyRestHandler) Approve(w http.ResponseWriter, r *http.Request) {
	var in ApprovalJSON
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.ApproverID == "" {
		response.Error(w, http.StatusBadRequest, "approver_id is required")
		return
	}

	approval, err := h.withdrawalUC.SubmitApproval(r.Context(), chi.URLParam(r, "id"), in.ApproverID)
	if err != nil {
		writeError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, approval)
}

func (h *CustodyRestHandler) Reject(w http.ResponseWriter, r *http.Request) {
	var in ApprovalJSON
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.ApproverID == "" {
		response.Error(w, http.StatusBadRequest, "approver_id is required")
		return
	}
	if in.Reason == "" {
		response.Error(w, http.StatusBadRequest, "reason is required")
		return
	}

	approval, err := h.withdrawalUC.SubmitRejection(r.Context(), chi.URLParam(r, "id"), in.ApproverID, in.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, approval)
}

type ActorJSON struct {
	ActorID string `json:"actor_id"`
	Reason  string `json:"reason,omitempty"`
}

func (h *CustodyRestHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var in ActorJSON
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.ActorID == "" {
		response.Error(w, http.StatusBadRequest, "actor_id is required")
		return
	}

	if err := h.withdrawalUC.Cancel(r.Context(), chi.URLParam(r, "id"), in.ActorID, in.Reason); err != nil {
		writeError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, map[string]string{"state": string(domain.StateStopped)})
}

func (h *CustodyRestHandler) Stop(w http.ResponseWriter, r *http.Request) {
	var in ActorJSON
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.ActorID == "" {
		response.Error(w, http.StatusBadRequest, "actor_id is required")
		return
	}
	if in.Reason == "" {
		response.Error(w, http.StatusBadRequest, "reason is required")
		return
	}

	if err := h.withdrawalUC.AdminStop(r.Context(), chi.URLParam(r, "id"), in.ActorID, in.Reason); err != nil {
		writeError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, map[string]string{"state": string(domain.StateStopped)})
}

func (h *CustodyRestHandler) SubmitDraft(w http.ResponseWriter, r *http.Request) {
	var in ActorJSON
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.ActorID == "" {
		response.Error(w, http.StatusBadRequest, "actor_id is required")
		return
	}

	wd, err := h.withdrawalUC.SubmitDraft(r.Context(), chi.URLParam(r, "id"), in.ActorID)
	if err != nil {
		writeError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, wd)
}

func (h *CustodyRestHandler) Reapply(w http.ResponseWriter, r *http.Request) {
	var in ActorJSON
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.ActorID == "" {
		response.Error(w, http.StatusBadRequest, "actor_id is required")
		return
	}

	fresh, err := h.withdrawalUC.Reapply(r.Context(), chi.URLParam(r, "id"), in.ActorID)
	if err != nil {
		writeError(w, err)
		return
	}
	response.JSON(w, http.StatusCreated, fresh)
}

func (h *CustodyRestHandler) Archive(w http.ResponseWriter, r *http.Request) {
	var in ActorJSON
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.ActorID == "" {
		response.Error(w, http.StatusBadRequest, "actor_id is required")
		return
	}

	if err := h.withdrawalUC.Archive(r.Context(), chi.URLParam(r, "id"), in.ActorID); err != nil {
		writeError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, map[string]string{"state": string(domain.StateArchived)})
}

type DispositionJSON struct {
	AdminID string `json:"admin_id"`
	Approve bool   `json:"approve"`
	Reason  string `json:"reason"`
}

func (h *CustodyRestHandler) Disposition(w http.ResponseWriter, r *http.Request) {
	var in DispositionJSON
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.AdminID == "" {
		response.Error(w, http.StatusBadRequest, "admin_id is required")
		return
	}
	if in.Reason == "" {
		response.Error(w, http.StatusBadRequest, "reason is required")
		return
	}

	if err := h.withdrawalUC.ManualDisposition(r.Context(), chi.URLParam(r, "id"), in.AdminID, in.Approve, in.Reason); err != nil {
		writeError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, map[string]bool{"approved": in.Approve})
}

// Screen re-runs compliance screening for a request whose first pass never
// produced a check, usually because the risk scorer was down.
func (h *CustodyRestHandler) Screen(w http.ResponseWriter, r *http.Request) {
	var in DispositionJSON
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.AdminID == "" {
		response.Error(w, http.StatusBadRequest, "admin_id is required")
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.withdrawalUC.ScreenPending(r.Context(), id, in.AdminID); err != nil {
		writeError(w, err)
		return
	}

	detail, err := h.withdrawalUC.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, map[string]string{"state": string(detail.State)})
}

func (h *CustodyRestHandler) GetComplianceHistory(w http.ResponseWriter, r *http.Request) {
	checks, err := h.screeningUC.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, checks)
}

func (h *CustodyRestHandler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	entries, err := h.auditUC.Trail(r.Context(), "withdrawal", chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, entries)
}

// writeError maps domain sentinels onto HTTP status codes. Unknown errors
// surface as 500 without leaking internals.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, xerrors.ErrNotFound):
		response.Error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, xerrors.ErrInvalidInput),
		errors.Is(err, xerrors.ErrInvalidAmount),
		errors.Is(err, xerrors.ErrInvalidAsset),
		errors.Is(err, xerrors.ErrInvalidNetwork),
		errors.Is(err, xerrors.ErrAddressNotWhitelisted),
		errors.Is(err, xerrors.ErrAddressWithdrawBlocked),
		errors.Is(err, xerrors.ErrEmptyApproverList),
		errors.Is(err, xerrors.ErrDuplicateApprover):
		response.Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, xerrors.ErrIdempotencyConflict),
		errors.Is(err, xerrors.ErrOutOfOrder),
		errors.Is(err, xerrors.ErrAlreadyDecided),
		errors.Is(err, xerrors.ErrWindowClosed),
		errors.Is(err, xerrors.ErrNotCancellable),
		errors.Is(err, xerrors.ErrInvalidTransition),
		errors.Is(err, xerrors.ErrNotRejected),
		errors.Is(err, xerrors.ErrAlreadyDisposed),
		errors.Is(err, xerrors.ErrNotFlagged),
		errors.Is(err, xerrors.ErrVersionConflict):
		response.Error(w, http.StatusConflict, err.Error())
	case errors.Is(err, xerrors.ErrInsufficientHotBalance),
		errors.Is(err, xerrors.ErrExceedsCustodyBalance),
		errors.Is(err, xerrors.ErrVaultNotConfigured):
		response.Error(w, http.StatusUnprocessableEntity, err.Error())
	default:
		response.Error(w, http.StatusInternalServerError, "internal server error")
	}
}

func parseWithdrawalFilter(r *http.Request) *domain.WithdrawalFilter {
	q := r.URL.Query()
	filter := &domain.WithdrawalFilter{
		Limit:  50,
		Offset: 0,
	}
	if v := q.Get("state"); v != "" {
		s := domain.State(v)
		filter.State = &s
	}
	if v := q.Get("source_ref"); v != "" {
		filter.SourceRef = &v
	}
	if v := q.Get("requested_by"); v != "" {
		filter.RequestedBy = &v
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
