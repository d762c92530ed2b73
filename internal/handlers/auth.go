package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pliu/heartline/internal/auth"
	"github.com/pliu/heartline/internal/models"
	"github.com/pliu/heartline/internal/store"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type SignupRequest struct {
	Credentials
	Nickname string `json:"nickname"`
	Avatar   string `json:"avatar"`
}

type AuthHandler struct {
	Store  store.Store
	Signer *auth.Signer
	Logger *zap.Logger
}

func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Username == "" || req.Password == "" {
		http.Error(w, "username and password are required", http.StatusBadRequest)
		return
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	profile := &models.Profile{
		Username: req.Username,
		Nickname: req.Nickname,
		Avatar:   req.Avatar,
		Password: string(hashedPassword),
	}
	if err := h.Store.CreateProfile(r.Context(), profile); err != nil {
		h.Logger.Info("signup rejected", zap.String("username", req.Username), zap.Error(err))
		http.Error(w, "Username already exists", http.StatusConflict)
		return
	}

	writeJSON(w, http.StatusCreated, profile)
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var creds Credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	profile, err := h.Store.GetProfileByUsername(r.Context(), creds.Username)
	if err != nil {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(profile.Password), []byte(creds.Password)); err != nil {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	h.Signer.SetSession(w, profile.ID)
	writeJSON(w, http.StatusOK, profile)
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{Name: auth.SessionCookie, Value: "", Path: "/", MaxAge: -1})
	w.WriteHeader(http.StatusNoContent)
}

func (h *AuthHandler) SearchUsers(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeJSON(w, http.StatusOK, []models.Profile{})
		return
	}

	profiles, err := h.Store.SearchProfiles(r.Context(), query)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, profiles)
}

type ProfileResponse struct {
	ID string `json:"id"`
	models.DisplayProfile
}

// GetProfile returns the display fields of a user, with the default name
// and avatar filled in.
func (h *AuthHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	profile, err := h.Store.GetProfileByID(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "User not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, ProfileResponse{ID: profile.ID, DisplayProfile: profile.Display()})
}
