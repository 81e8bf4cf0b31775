package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/apsl-space/apsl/internal/platform/errors"
	"github.com/apsl-space/apsl/internal/services/market/domain/deal"
	"github.com/apsl-space/apsl/internal/services/market/storage"
)

const maxRequestBodyBytes = 1 << 20

type taskJSON struct {
	ID          string `json:"_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Skills      string `json:"skills"`
	Reward      string `json:"reward"`
	Deadline    string `json:"deadline"`
	UserAddress string `json:"userAddress"`
	CreatedAt   string `json:"createdAt"`
}

type dealJSON struct {
	ChatID    string `json:"chatId"`
	Dealer    string `json:"dealer"`
	Customer  string `json:"customer"`
	Send      int    `json:"send"`
	Payment   int    `json:"payment"`
	Finalize  int    `json:"finalize"`
	Dispute   int    `json:"dispute"`
	Address   string `json:"address"`
	Reward    string `json:"reward"`
	Status    string `json:"status"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

type messageJSON struct {
	ID        string `json:"_id"`
	ChatID    string `json:"chatId"`
	Message   string `json:"message"`
	Sender    string `json:"sender"`
	Timestamp string `json:"timestamp"`
	Sequence  int64  `json:"sequence"`
}

// stageJSON reports counters keyed by wire stage name.
type stageJSON struct {
	SendTransaction int `json:"sendtransaction"`
	Payment         int `json:"payment"`
	FinalizeDeal    int `json:"finalizedeal"`
	Dispute         int `json:"dispute"`
}

type errorJSON struct {
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.UTC().Format(time.RFC3339Nano)
}

func toTaskJSON(t storage.Task) taskJSON {
	return taskJSON{
		ID:          t.ID,
		Title:       t.Title,
		Description: t.Description,
		Category:    t.Category,
		Skills:      t.Skills,
		Reward:      t.Reward,
		Deadline:    t.Deadline,
		UserAddress: t.UserAddress,
		CreatedAt:   formatTime(t.CreatedAt),
	}
}

func toDealJSON(d storage.Deal) dealJSON {
	return dealJSON{
		ChatID:    d.ChatID,
		Dealer:    d.Dealer,
		Customer:  d.Customer,
		Send:      d.Counters.Send,
		Payment:   d.Counters.Payment,
		Finalize:  d.Counters.Finalize,
		Dispute:   d.Counters.Dispute,
		Address:   d.Address,
		Reward:    d.Reward,
		Status:    string(d.Counters.Status()),
		CreatedAt: formatTime(d.CreatedAt),
		UpdatedAt: formatTime(d.UpdatedAt),
	}
}

func toMessageJSON(m storage.Message) messageJSON {
	return messageJSON{
		ID:        m.ID,
		ChatID:    m.ChatID,
		Message:   m.Body,
		Sender:    m.Sender,
		Timestamp: formatTime(m.CreatedAt),
		Sequence:  m.Sequence,
	}
}

func toStageJSON(c deal.Counters) stageJSON {
	return stageJSON{
		SendTransaction: c.Send,
		Payment:         c.Payment,
		FinalizeDeal:    c.Finalize,
		Dispute:         c.Dispute,
	}
}

// writeJSON writes JSON responses with a consistent content type.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(payload)
}

// decodeJSON reads one JSON object from a bounded request body.
func decodeJSON(w http.ResponseWriter, r *http.Request, target any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return apperrors.Wrap(apperrors.CodeInvalidArgument, "Request body too large", err)
		}
		return apperrors.Wrap(apperrors.CodeInvalidArgument, "Invalid JSON body", err)
	}
	return nil
}

// writeError maps err to an HTTP status. Domain failures report their own
// message; anything else is logged and reported with fallback.
func (h *handlers) writeError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	code := apperrors.CodeOf(err)
	status := code.HTTPStatus()
	if status >= http.StatusInternalServerError {
		h.logger.Error(fallback,
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("code", string(code)),
			zap.Error(err),
		)
		writeJSON(w, status, errorJSON{Message: fallback, Error: "internal error"})
		return
	}
	writeJSON(w, status, errorJSON{
		Message: apperrors.MessageOf(err, fallback),
		Error:   string(code),
	})
}

func parseNonNegativeInt(name string, value string) (int, error) {
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return 0, apperrors.WithMetadata(apperrors.CodeInvalidArgument, "Invalid "+name, map[string]string{"field": name})
	}
	return parsed, nil
}
