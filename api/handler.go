package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/ledgerops/go-unstake-scheduler/domain"
	"github.com/pkg/errors"
)

// UnstakeService is the admission and observability surface of the
// scheduler.
type UnstakeService interface {
	Register(ctx context.Context, caller, account string, poolID *uint32) error
	Deregister(ctx context.Context, caller, account string) error
	SetEpochsPerTick(ctx context.Context, caller string, rate uint32) error
	Queue() []domain.QueueEntry
	Head() *domain.UnstakeRequest
	EpochsPerTick() uint32
}

type Handler struct {
	service UnstakeService
}

type registerRequest struct {
	Caller  string  `json:"caller"`
	Account string  `json:"account"`
	PoolID  *uint32 `json:"poolId,omitempty"`
}

type deregisterRequest struct {
	Caller  string `json:"caller"`
	Account string `json:"account"`
}

type rateRequest struct {
	Caller        string `json:"caller"`
	EpochsPerTick uint32 `json:"epochsPerTick"`
}

type queueResponse struct {
	Entries []domain.QueueEntry `json:"entries"`
}

type headResponse struct {
	Head *domain.UnstakeRequest `json:"head"`
}

type rateResponse struct {
	EpochsPerTick uint32 `json:"epochsPerTick"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type healthResponse struct {
	Status string `json:"status"`
}

func NewHandler(service UnstakeService) *Handler {
	return &Handler{service: service}
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var request registerRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	err := h.service.Register(r.Context(), request.Caller, request.Account, request.PoolID)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Deregister(w http.ResponseWriter, r *http.Request) {
	var request deregisterRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	err := h.service.Deregister(r.Context(), request.Caller, request.Account)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) SetRate(w http.ResponseWriter, r *http.Request) {
	var request rateRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	err := h.service.SetEpochsPerTick(r.Context(), request.Caller, request.EpochsPerTick)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) GetQueue(w http.ResponseWriter, _ *http.Request) {
	entries := h.service.Queue()
	if entries == nil {
		entries = []domain.QueueEntry{}
	}
	writeJSON(w, queueResponse{Entries: entries})
}

func (h *Handler) GetHead(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, headResponse{Head: h.service.Head()})
}

func (h *Handler) GetRate(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, rateResponse{EpochsPerTick: h.service.EpochsPerTick()})
}

func (h *Handler) GetHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, healthResponse{Status: "UP"})
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotAuthorized):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrAlreadyQueued), errors.Is(err, domain.ErrAlreadyActive):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrNotQueued):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrNotFullyCommitted):
		status = http.StatusUnprocessableEntity
	default:
		log.Printf("[WARN] Request failed: %v", err)
	}
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(status)
	encodeErr := json.NewEncoder(w).Encode(errorResponse{Error: err.Error()})
	if encodeErr != nil {
		log.Printf("Error encoding response: %v", encodeErr)
	}
}

func writeJSON(w http.ResponseWriter, body any) {
	w.Header().Add("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(body)
	if err != nil {
		log.Printf("Error encoding response: %v", err)
		http.Error(w, "Error encoding response", http.StatusInternalServerError)
	}
}
