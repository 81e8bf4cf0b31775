package rest

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/apsl-space/apsl/internal/services/market/domain/task"
	"github.com/apsl-space/apsl/internal/services/market/service"
)

// nextPageTokenHeader carries the task page cursor when paging is requested.
const nextPageTokenHeader = "X-Next-Page-Token"

type handlers struct {
	svc    *service.Service
	logger *zap.Logger
}

type createTaskRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Skills      string `json:"skills"`
	Reward      string `json:"reward"`
	Deadline    string `json:"deadline"`
	UserAddress string `json:"userAddress"`
}

func (h *handlers) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var payload createTaskRequest
	if err := decodeJSON(w, r, &payload); err != nil {
		h.writeError(w, r, err, "Error creating task")
		return
	}
	created, err := h.svc.CreateTask(r.Context(), task.Draft{
		Title:       payload.Title,
		Description: payload.Description,
		Category:    payload.Category,
		Skills:      payload.Skills,
		Reward:      payload.Reward,
		Deadline:    payload.Deadline,
		UserAddress: payload.UserAddress,
	})
	if err != nil {
		h.writeError(w, r, err, "Error creating task")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"message": "Task created successfully",
		"task":    toTaskJSON(created),
	})
}

func (h *handlers) handleListTasks(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	pageSize, err := parseNonNegativeInt("page_size", strings.TrimSpace(query.Get("page_size")))
	if err != nil {
		h.writeError(w, r, err, "Error fetching tasks")
		return
	}
	page, err := h.svc.ListTasks(r.Context(), service.TaskListRequest{
		Filter:    query.Get("filter"),
		PageSize:  pageSize,
		PageToken: query.Get("page_token"),
	})
	if err != nil {
		h.writeError(w, r, err, "Error fetching tasks")
		return
	}
	if page.NextPageToken != "" {
		w.Header().Set(nextPageTokenHeader, page.NextPageToken)
	}
	tasks := make([]taskJSON, 0, len(page.Tasks))
	for _, t := range page.Tasks {
		tasks = append(tasks, toTaskJSON(t))
	}
	writeJSON(w, http.StatusOK, tasks)
}

type checkOrCreateChatRequest struct {
	UserAddress        string `json:"userAddress"`
	CurrentUserAddress string `json:"currentUserAddress"`
	Reward             string `json:"reward"`
}

type checkOrCreateChatResponse struct {
	ChatID  string `json:"chatId"`
	Created bool   `json:"created"`
	Token   string `json:"token,omitempty"`
}

func (h *handlers) handleCheckOrCreateChat(w http.ResponseWriter, r *http.Request) {
	var payload checkOrCreateChatRequest
	if err := decodeJSON(w, r, &payload); err != nil {
		h.writeError(w, r, err, "Error checking/creating chat")
		return
	}
	result, err := h.svc.CheckOrCreateDeal(r.Context(), service.DealRequest{
		UserAddress:        payload.UserAddress,
		CurrentUserAddress: payload.CurrentUserAddress,
		Reward:             payload.Reward,
	})
	if err != nil {
		h.writeError(w, r, err, "Error checking/creating chat")
		return
	}
	writeJSON(w, http.StatusOK, checkOrCreateChatResponse{
		ChatID:  result.Deal.ChatID,
		Created: result.Created,
		Token:   result.Token,
	})
}

func (h *handlers) handleListChats(w http.ResponseWriter, r *http.Request) {
	deals, err := h.svc.ListDeals(r.Context(), r.URL.Query().Get("currentUserAddress"))
	if err != nil {
		h.writeError(w, r, err, "Error fetching chats")
		return
	}
	out := make([]dealJSON, 0, len(deals))
	for _, d := range deals {
		out = append(out, toDealJSON(d))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) handleListMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := h.svc.ListMessages(r.Context(), chi.URLParam(r, "chatId"))
	if err != nil {
		h.writeError(w, r, err, "Error fetching messages")
		return
	}
	out := make([]messageJSON, 0, len(messages))
	for _, m := range messages {
		out = append(out, toMessageJSON(m))
	}
	writeJSON(w, http.StatusOK, out)
}

type updateStageRequest struct {
	ChatID string `json:"chatId"`
	Stage  string `json:"stage"`
}

func (h *handlers) handleUpdateTransactionStage(w http.ResponseWriter, r *http.Request) {
	var payload updateStageRequest
	if err := decodeJSON(w, r, &payload); err != nil {
		h.writeError(w, r, err, "Error updating transaction stage")
		return
	}
	counters, err := h.svc.AdvanceStage(r.Context(), payload.ChatID, payload.Stage)
	if err != nil {
		h.writeError(w, r, err, "Error updating transaction stage")
		return
	}
	writeJSON(w, http.StatusOK, toStageJSON(counters))
}

type updateAddressRequest struct {
	ChatID  string `json:"chatId"`
	Address string `json:"address"`
}

func (h *handlers) handleUpdateAddress(w http.ResponseWriter, r *http.Request) {
	var payload updateAddressRequest
	if err := decodeJSON(w, r, &payload); err != nil {
		h.writeError(w, r, err, "Error updating address")
		return
	}
	updated, err := h.svc.UpdateAddress(r.Context(), payload.ChatID, payload.Address)
	if err != nil {
		h.writeError(w, r, err, "Error updating address")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Address updated successfully",
		"chat":    toDealJSON(updated),
	})
}

// dealLookup serves one projection of a deal found by the chatId path param.
func (h *handlers) dealLookup(fallback string, project func(d dealJSON) any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stored, err := h.svc.GetDeal(r.Context(), chi.URLParam(r, "chatId"))
		if err != nil {
			h.writeError(w, r, err, fallback)
			return
		}
		writeJSON(w, http.StatusOK, project(toDealJSON(stored)))
	}
}

func (h *handlers) handleGetAddress() http.HandlerFunc {
	return h.dealLookup("Error fetching address", func(d dealJSON) any {
		return map[string]string{"address": d.Address}
	})
}

func (h *handlers) handleGetDealer() http.HandlerFunc {
	return h.dealLookup("Error fetching dealer", func(d dealJSON) any {
		return map[string]string{"dealer": d.Dealer}
	})
}

func (h *handlers) handleGetDealerCustomer() http.HandlerFunc {
	return h.dealLookup("Error fetching dealer", func(d dealJSON) any {
		return map[string]string{"dealer": d.Dealer, "customer": d.Customer}
	})
}

func (h *handlers) handleGetReward() http.HandlerFunc {
	return h.dealLookup("Error fetching reward", func(d dealJSON) any {
		return map[string]string{"reward": d.Reward}
	})
}

func (h *handlers) handleGetChat() http.HandlerFunc {
	return h.dealLookup("Error fetching chat", func(d dealJSON) any {
		return d
	})
}
