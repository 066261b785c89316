package httpapi

import (
	"net/http"
	"strings"
	"time"

	"idgate.org/internal/identity"
	"idgate.org/internal/obs"
)

type loginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

type refreshRequest struct {
	Refresh string `json:"refresh"`
}

type registerRequest struct {
	Username        string `json:"username"`
	Email           string `json:"email"`
	Phone           string `json:"phone"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirm_password"`
}

type tokenPairResponse struct {
	Refresh          string                   `json:"refresh"`
	Access           string                   `json:"access"`
	AccessExpiresAt  time.Time                `json:"access_expires_at"`
	RefreshExpiresAt time.Time                `json:"refresh_expires_at"`
	Account          identity.AccountSnapshot `json:"account"`
	Message          string                   `json:"message,omitempty"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Login) == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "login and password are required")
		return
	}

	result, err := a.directory.Authenticate(r.Context(), req.Login, req.Password)
	if err != nil {
		obs.ObserveLogin("failure")
		handleDirectoryError(w, r, err)
		return
	}
	obs.ObserveLogin("success")

	a.audit(r.Context(), "directory.auth.login", "account", result.Account.ID, map[string]string{
		"username": result.Account.Username,
	})

	writeJSON(w, http.StatusOK, tokenPairResponse{
		Refresh:          result.Tokens.Refresh,
		Access:           result.Tokens.Access,
		AccessExpiresAt:  result.Tokens.AccessExpiresAt,
		RefreshExpiresAt: result.Tokens.RefreshExpiresAt,
		Account:          a.directory.Snapshot(result.Account),
		Message:          "Login successful",
	})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Refresh) == "" {
		writeError(w, r, http.StatusBadRequest, "refresh token is required")
		return
	}

	access, expiresAt, err := a.directory.Refresh(r.Context(), req.Refresh)
	if err != nil {
		handleDirectoryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access":            access,
		"access_expires_at": expiresAt,
	})
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	result, err := a.directory.Register(r.Context(), identity.RegisterInput{
		Username:        req.Username,
		Email:           req.Email,
		Phone:           req.Phone,
		Password:        req.Password,
		ConfirmPassword: req.ConfirmPassword,
	})
	if err != nil {
		handleDirectoryError(w, r, err)
		return
	}

	a.audit(r.Context(), "directory.account.register", "account", result.Account.ID, map[string]string{
		"username": result.Account.Username,
	})

	w.Header().Set("Location", "/v1/accounts/"+result.Account.ID)
	writeJSON(w, http.StatusCreated, tokenPairResponse{
		Refresh:          result.Tokens.Refresh,
		Access:           result.Tokens.Access,
		AccessExpiresAt:  result.Tokens.AccessExpiresAt,
		RefreshExpiresAt: result.Tokens.RefreshExpiresAt,
		Account:          a.directory.Snapshot(result.Account),
	})
}
