package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"crmnotify/internal/crm"
	"crmnotify/internal/storage"

	"github.com/go-chi/chi/v5"
)

type subjectRequest struct {
	Name       string `json:"name"`
	AssigneeID string `json:"assigneeId,omitempty"`
}

func (h *Handler) createLead(w http.ResponseWriter, r *http.Request) {
	var req subjectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request", err)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required", nil)
		return
	}
	l, err := h.store.CreateLead(r.Context(), crm.Lead{Name: strings.TrimSpace(req.Name), AssigneeID: strings.TrimSpace(req.AssigneeID)})
	if err != nil {
		writeStoreError(w, "failed to create lead", err)
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

func (h *Handler) createDeal(w http.ResponseWriter, r *http.Request) {
	var req subjectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request", err)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required", nil)
		return
	}
	d, err := h.store.CreateDeal(r.Context(), crm.Deal{Name: strings.TrimSpace(req.Name), AssigneeID: strings.TrimSpace(req.AssigneeID)})
	if err != nil {
		writeStoreError(w, "failed to create deal", err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (h *Handler) putAssignee(w http.ResponseWriter, r *http.Request) {
	var a crm.Assignee
	if err := decodeJSON(r, &a); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request", err)
		return
	}
	a.ID = chi.URLParam(r, "id")
	if strings.TrimSpace(a.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required", nil)
		return
	}
	if tz := strings.TrimSpace(a.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			writeError(w, http.StatusBadRequest, "invalid timezone", err)
			return
		}
	}
	out, err := h.store.UpsertAssignee(r.Context(), a)
	if err != nil {
		writeStoreError(w, "failed to save assignee", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type reminderRequest struct {
	DueAt      time.Time     `json:"dueAt"`
	Note       string        `json:"note,omitempty"`
	AssigneeID string        `json:"assigneeId,omitempty"`
	DealType   crm.DealType  `json:"dealType,omitempty"`
	Recurring  bool          `json:"recurring,omitempty"`
	Frequency  crm.Frequency `json:"frequency,omitempty"`
}

type reminderView struct {
	crm.Reminder
	NotifiedLevels []crm.Level `json:"notifiedLevels"`
}

func viewOf(r crm.Reminder) reminderView {
	return reminderView{Reminder: r, NotifiedLevels: r.Notified.Levels()}
}

// kindParam reads {kind}, accepting "lead", "leads", "deal" and "deals".
func kindParam(r *http.Request) (crm.Kind, error) {
	return crm.ParseKind(chi.URLParam(r, "kind"))
}

func (h *Handler) createReminder(kind crm.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req reminderRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request", err)
			return
		}
		if req.DueAt.IsZero() {
			writeError(w, http.StatusBadRequest, "dueAt is required", nil)
			return
		}
		rem := crm.Reminder{
			Kind:      kind,
			SubjectID: chi.URLParam(r, "id"),
			DueAt:     req.DueAt,
			Note:      strings.TrimSpace(req.Note),
		}
		if id := strings.TrimSpace(req.AssigneeID); id != "" {
			rem.Assignee = &crm.Assignee{ID: id}
		}
		if kind == crm.KindDeal {
			if req.DealType != "" && !req.DealType.Valid() {
				writeError(w, http.StatusBadRequest, "invalid dealType", nil)
				return
			}
			if req.Recurring && !req.Frequency.Valid() {
				writeError(w, http.StatusBadRequest, "recurring reminders need a valid frequency", nil)
				return
			}
			rem.DealType, rem.Recurring, rem.Frequency = req.DealType, req.Recurring, req.Frequency
		}

		out, err := h.store.CreateReminder(r.Context(), rem)
		if err != nil {
			writeStoreError(w, "failed to create reminder", err)
			return
		}
		writeJSON(w, http.StatusCreated, viewOf(out))
	}
}

func (h *Handler) listReminders(kind crm.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rs, err := h.store.ListReminders(r.Context(), kind, chi.URLParam(r, "id"))
		if err != nil {
			writeStoreError(w, "failed to list reminders", err)
			return
		}
		out := make([]reminderView, 0, len(rs))
		for _, rem := range rs {
			out = append(out, viewOf(rem))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

type completeResponse struct {
	Completed bool          `json:"completed"`
	Next      *reminderView `json:"next,omitempty"`
}

func (h *Handler) completeReminder(w http.ResponseWriter, r *http.Request) {
	kind, err := kindParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid reminder type", err)
		return
	}
	next, err := h.store.CompleteReminder(r.Context(), kind, chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, "failed to complete reminder", err)
		return
	}
	resp := completeResponse{Completed: true}
	if next != nil {
		v := viewOf(*next)
		resp.Next = &v
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) deleteReminder(w http.ResponseWriter, r *http.Request) {
	kind, err := kindParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid reminder type", err)
		return
	}
	if err := h.store.DeleteReminder(r.Context(), kind, chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "reminder not found", nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to delete reminder", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
