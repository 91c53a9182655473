package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"hostpanel/internal/gateway"
	"hostpanel/internal/logging"
	"hostpanel/internal/model"
	"hostpanel/internal/repository"
	"hostpanel/internal/service"
)

type Handler struct {
	svc  service.LifecycleService
	auth *Authenticator
}

func NewHandler(svc service.LifecycleService, auth *Authenticator) *Handler {
	return &Handler{svc: svc, auth: auth}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)

	mux.HandleFunc("GET /cron/auto-suspend", h.CronScan)
	mux.HandleFunc("GET /monitor/auto-suspend", h.MonitorScan)
	mux.HandleFunc("POST /admin/auto-suspend", h.auth.RequireAdmin(h.AdminScan))
	mux.HandleFunc("POST /admin/resync", h.auth.RequireAdmin(h.Resync))

	mux.HandleFunc("POST /servers/expire-check", h.auth.RequireSession(h.ExpireCheck))
	mux.HandleFunc("POST /servers/renew", h.auth.RequireSession(h.Renew))
	mux.HandleFunc("GET /servers", h.auth.RequireSession(h.ListServers))
	mux.HandleFunc("GET /servers/{id}/status", h.auth.RequireSession(h.ServerStatus))
	mux.HandleFunc("POST /servers/power", h.auth.RequireSession(h.Power))
	mux.HandleFunc("DELETE /servers/{id}", h.auth.RequireSession(h.DeleteServer))
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// CronScan checks the shared secret before touching any data.
func (h *Handler) CronScan(w http.ResponseWriter, r *http.Request) {
	if !h.auth.CheckCronSecret(r.URL.Query().Get("secret")) {
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	h.scan(w, r, service.SurfaceCron)
}

func (h *Handler) MonitorScan(w http.ResponseWriter, r *http.Request) {
	h.scan(w, r, service.SurfaceMonitor)
}

func (h *Handler) AdminScan(w http.ResponseWriter, r *http.Request) {
	h.scan(w, r, service.SurfaceAdmin)
}

func (h *Handler) scan(w http.ResponseWriter, r *http.Request, surface service.Surface) {
	summary, err := h.svc.RunScan(r.Context(), surface)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

func (h *Handler) Resync(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Resync(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (h *Handler) ExpireCheck(w http.ResponseWriter, r *http.Request) {
	summary, err := h.svc.CheckAccount(r.Context(), accountID(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

func (h *Handler) Renew(w http.ResponseWriter, r *http.Request) {
	var req model.RenewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	res, err := h.svc.Renew(r.Context(), accountID(r.Context()), req, key)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"newExpiry":  res.NewExpiry,
		"cost":       res.Cost.StringFixed(2),
		"newBalance": res.NewBalance.StringFixed(2),
	})
}

func (h *Handler) ListServers(w http.ResponseWriter, r *http.Request) {
	views, err := h.svc.ListInstances(r.Context(), accountID(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"servers": views})
}

func (h *Handler) ServerStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	status, err := h.svc.InstanceStatus(r.Context(), accountID(r.Context()), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"serverId": id, "status": string(status)})
}

func (h *Handler) Power(w http.ResponseWriter, r *http.Request) {
	var req model.PowerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if err := h.svc.Power(r.Context(), accountID(r.Context()), req); err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (h *Handler) DeleteServer(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteInstance(r.Context(), accountID(r.Context()), r.PathValue("id")); err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusNoContent, nil)
}

// fail maps domain errors onto status codes. Anything unrecognised is
// logged and answered with a generic message.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var funds *service.InsufficientFundsError
	switch {
	case errors.As(err, &funds):
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error":    "Insufficient funds",
			"required": funds.Required.StringFixed(2),
			"current":  funds.Current.StringFixed(2),
		})
	case errors.Is(err, service.ErrValidation):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrInstanceExpired):
		respondError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, repository.ErrAccountNotFound), errors.Is(err, repository.ErrInstanceNotFound):
		respondError(w, http.StatusNotFound, "Server not found")
	case errors.Is(err, repository.ErrAlreadyProcessed):
		respondError(w, http.StatusConflict, "Request already processed")
	case errors.Is(err, repository.ErrConflict):
		respondError(w, http.StatusConflict, "Server changed concurrently, retry")
	default:
		var gwErr *gateway.Error
		if errors.As(err, &gwErr) {
			logging.FromContext(r.Context()).Warn().Err(err).Msg("Remote panel request failed")
			respondError(w, http.StatusBadGateway, "Remote panel request failed")
			return
		}
		logging.FromContext(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
		respondError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
