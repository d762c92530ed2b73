package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pliu/heartline/internal/models"
	"github.com/pliu/heartline/internal/personality"
	"github.com/pliu/heartline/internal/store"
	"go.uber.org/zap"
)

type PersonalityHandler struct {
	Store  store.Store
	Bank   personality.Bank
	Logger *zap.Logger
}

type SubmitAnswersRequest struct {
	Answers map[int]string `json:"answers"`
}

type PersonalityResponse struct {
	Result  *models.PersonalityResult `json:"result"`
	Percent map[personality.Trait]int `json:"percent"`
}

func newPersonalityResponse(r *models.PersonalityResult) PersonalityResponse {
	return PersonalityResponse{
		Result: r,
		Percent: map[personality.Trait]int{
			personality.Extraversion: personality.Percent(r.Extraversion),
			personality.Sensing:      personality.Percent(r.Sensing),
			personality.Thinking:     personality.Percent(r.Thinking),
			personality.Judging:      personality.Percent(r.Judging),
		},
	}
}

func (h *PersonalityHandler) GetQuestions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Bank)
}

// Submit scores a complete set of answers and stores the result.
func (h *PersonalityHandler) Submit(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	var req SubmitAnswersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	session := personality.NewSession(h.Bank)
	for questionID, optionID := range req.Answers {
		if err := session.Answer(questionID, optionID); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	result, err := session.Finalize(r.Context(), h.Store, userID)
	if errors.Is(err, personality.ErrIncomplete) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		h.Logger.Error("save personality result", zap.String("user_id", userID), zap.Error(err))
		http.Error(w, "Failed to save result", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, newPersonalityResponse(result))
}

func (h *PersonalityHandler) GetLatest(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	result, err := h.Store.GetLatestPersonalityResult(r.Context(), userID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "No result yet", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, newPersonalityResponse(result))
}
