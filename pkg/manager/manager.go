// Package manager implements the public REST API the admin UI talks to
// (spec.md §4.10 and §6, component C10): server settings, access-key CRUD,
// and the metrics opt-in toggle, all behind a secret URL-prefix guard.
package manager

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Jigsaw-Code/shadowbox/internal/httpserver"
	"github.com/Jigsaw-Code/shadowbox/pkg/accesskey"
	"github.com/Jigsaw-Code/shadowbox/pkg/serverconfig"
)

// Repository is the subset of *accesskey.Repository the manager needs.
type Repository interface {
	CreateNewAccessKey(ctx context.Context) (accesskey.AccessKey, error)
	RemoveAccessKey(ctx context.Context, id string) error
	RenameAccessKey(id, name string) error
	ListAccessKeys() []accesskey.AccessKey
	SetPortForNewAccessKeys(port int) error
	SetHostname(hostname string) error
	SetAccessKeyDataLimit(ctx context.Context, id string, limit serverconfig.DataLimit) error
	RemoveAccessKeyDataLimit(ctx context.Context, id string) error
	SetDefaultDataLimit(ctx context.Context, limit serverconfig.DataLimit) error
	RemoveDefaultDataLimit(ctx context.Context) error
}

// UsageSource answers GET /metrics/transfer.
type UsageSource interface {
	OutboundByCallsBytes(ctx context.Context, hours int) (map[string]uint64, error)
}

// Handler mounts the manager API behind a secret prefix.
type Handler struct {
	logger       *slog.Logger
	repo         Repository
	serverConfig *serverconfig.ServerConfig
	usage        UsageSource
	secretPrefix string
}

// NewHandler wires a Handler against its collaborators.
func NewHandler(logger *slog.Logger, repo Repository, serverConfig *serverconfig.ServerConfig, usageSource UsageSource, secretPrefix string) *Handler {
	return &Handler{
		logger:       logger,
		repo:         repo,
		serverConfig: serverConfig,
		usage:        usageSource,
		secretPrefix: secretPrefix,
	}
}

// Routes mounts every endpoint from spec.md §6 behind the secret prefix
// guard.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(httpserver.SecretPrefix("/" + h.secretPrefix))

	r.Route("/"+h.secretPrefix, func(r chi.Router) {
		r.Get("/server", h.handleGetServer)
		r.Put("/name", h.handleSetName)
		r.Put("/server/hostname-for-access-keys", h.handleSetHostname)
		r.Put("/server/port-for-new-access-keys", h.handleSetPortForNewAccessKeys)
		r.Put("/server/access-key-data-limit", h.handleSetDefaultDataLimit)
		r.Delete("/server/access-key-data-limit", h.handleRemoveDefaultDataLimit)

		r.Get("/access-keys", h.handleListAccessKeys)
		r.Post("/access-keys", h.handleCreateAccessKey)
		r.Delete("/access-keys/{id}", h.handleRemoveAccessKey)
		r.Put("/access-keys/{id}/name", h.handleRenameAccessKey)
		r.Put("/access-keys/{id}/data-limit", h.handleSetAccessKeyDataLimit)
		r.Delete("/access-keys/{id}/data-limit", h.handleRemoveAccessKeyDataLimit)

		r.Get("/metrics/transfer", h.handleGetMetricsTransfer)
		r.Get("/metrics/enabled", h.handleGetMetricsEnabled)
		r.Put("/metrics/enabled", h.handleSetMetricsEnabled)
	})
	return r
}

type serverResponse struct {
	Name                  string                  `json:"name"`
	ServerID              string                  `json:"serverId"`
	MetricsEnabled        bool                    `json:"metricsEnabled"`
	CreatedTimestampMs    int64                   `json:"createdTimestampMs"`
	Version               string                  `json:"version"`
	AccessKeyDataLimit    *serverconfig.DataLimit `json:"accessKeyDataLimit,omitempty"`
	PortForNewAccessKeys  int                     `json:"portForNewAccessKeys"`
	HostnameForAccessKeys string                  `json:"hostnameForAccessKeys"`
}

func (h *Handler) handleGetServer(w http.ResponseWriter, r *http.Request) {
	snap := h.serverConfig.Snapshot()
	httpserver.Respond(w, http.StatusOK, serverResponse{
		Name:                  snap.Name,
		ServerID:              snap.ServerID,
		MetricsEnabled:        snap.MetricsEnabled,
		CreatedTimestampMs:    snap.CreatedTimestampMs,
		Version:               snap.Version,
		AccessKeyDataLimit:    snap.AccessKeyDataLimit,
		PortForNewAccessKeys:  snap.PortForNewAccessKeys,
		HostnameForAccessKeys: snap.Hostname,
	})
}

type nameRequest struct {
	Name string `json:"name" validate:"required,max=100"`
}

func (h *Handler) handleSetName(w http.ResponseWriter, r *http.Request) {
	var req nameRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	if err := h.serverConfig.SetName(req.Name); err != nil {
		h.logger.Error("setting server name", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to set name")
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

type hostnameRequest struct {
	Hostname string `json:"hostname" validate:"required"`
}

func (h *Handler) handleSetHostname(w http.ResponseWriter, r *http.Request) {
	var req hostnameRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	if err := h.repo.SetHostname(req.Hostname); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_hostname", err.Error())
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

type portRequest struct {
	Port int `json:"port" validate:"required"`
}

func (h *Handler) handleSetPortForNewAccessKeys(w http.ResponseWriter, r *http.Request) {
	var req portRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	err := h.repo.SetPortForNewAccessKeys(req.Port)
	switch {
	case errors.Is(err, accesskey.ErrInvalidPortNumber):
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_port", err.Error())
	case errors.Is(err, accesskey.ErrPortUnavailable):
		httpserver.RespondError(w, http.StatusConflict, "port_unavailable", err.Error())
	case err != nil:
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to set port")
	default:
		httpserver.Respond(w, http.StatusNoContent, nil)
	}
}

// dataLimitRequest carries the limit as a pointer so a present-but-zero
// limit (block-all, spec.md §6/§7) validates distinctly from an absent one;
// Bytes is a uint64 so it can never be negative.
type dataLimitRequest struct {
	Limit *serverconfig.DataLimit `json:"limit" validate:"required"`
}

func (h *Handler) handleSetDefaultDataLimit(w http.ResponseWriter, r *http.Request) {
	var req dataLimitRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	if err := h.repo.SetDefaultDataLimit(r.Context(), *req.Limit); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_data_limit", err.Error())
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

func (h *Handler) handleRemoveDefaultDataLimit(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.RemoveDefaultDataLimit(r.Context()); err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to remove data limit")
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

type accessKeyResponse struct {
	ID        string                  `json:"id"`
	Name      string                  `json:"name"`
	Password  string                  `json:"password"`
	Port      int                     `json:"port"`
	Method    string                  `json:"method"`
	AccessURL string                  `json:"accessUrl"`
	DataLimit *serverconfig.DataLimit `json:"dataLimit,omitempty"`
}

func toAccessKeyResponse(k accesskey.AccessKey) accessKeyResponse {
	return accessKeyResponse{
		ID:        k.ID,
		Name:      k.Name,
		Password:  k.Password,
		Port:      k.Port,
		Method:    k.EncryptionMethod,
		AccessURL: k.AccessURL,
		DataLimit: k.DataLimit,
	}
}

func (h *Handler) handleListAccessKeys(w http.ResponseWriter, r *http.Request) {
	keys := h.repo.ListAccessKeys()
	resp := make([]accessKeyResponse, len(keys))
	for i, k := range keys {
		resp[i] = toAccessKeyResponse(k)
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"accessKeys": resp})
}

func (h *Handler) handleCreateAccessKey(w http.ResponseWriter, r *http.Request) {
	key, err := h.repo.CreateNewAccessKey(r.Context())
	if err != nil {
		h.logger.Error("creating access key", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to create access key")
		return
	}
	httpserver.Respond(w, http.StatusCreated, toAccessKeyResponse(key))
}

func (h *Handler) handleRemoveAccessKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := h.repo.RemoveAccessKey(r.Context(), id)
	switch {
	case errors.Is(err, accesskey.ErrAccessKeyNotFound):
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "access key not found")
	case err != nil:
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to remove access key")
	default:
		httpserver.Respond(w, http.StatusNoContent, nil)
	}
}

func (h *Handler) handleRenameAccessKey(w http.ResponseWriter, r *http.Request) {
	var req nameRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	err := h.repo.RenameAccessKey(id, req.Name)
	switch {
	case errors.Is(err, accesskey.ErrAccessKeyNotFound):
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "access key not found")
	case err != nil:
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to rename access key")
	default:
		httpserver.Respond(w, http.StatusNoContent, nil)
	}
}

func (h *Handler) handleSetAccessKeyDataLimit(w http.ResponseWriter, r *http.Request) {
	var req dataLimitRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	err := h.repo.SetAccessKeyDataLimit(r.Context(), id, *req.Limit)
	switch {
	case errors.Is(err, accesskey.ErrAccessKeyNotFound):
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "access key not found")
	case err != nil:
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_data_limit", err.Error())
	default:
		httpserver.Respond(w, http.StatusNoContent, nil)
	}
}

func (h *Handler) handleRemoveAccessKeyDataLimit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := h.repo.RemoveAccessKeyDataLimit(r.Context(), id)
	switch {
	case errors.Is(err, accesskey.ErrAccessKeyNotFound):
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "access key not found")
	case err != nil:
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to remove access key data limit")
	default:
		httpserver.Respond(w, http.StatusNoContent, nil)
	}
}

func (h *Handler) handleGetMetricsTransfer(w http.ResponseWriter, r *http.Request) {
	usageByKey, err := h.usage.OutboundByCallsBytes(r.Context(), h.serverConfig.DataUsageTimeframeHours())
	if err != nil {
		h.logger.Error("reading usage for metrics/transfer", "error", err)
		usageByKey = map[string]uint64{}
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"bytesTransferredByUserId": usageByKey})
}

func (h *Handler) handleGetMetricsEnabled(w http.ResponseWriter, r *http.Request) {
	httpserver.Respond(w, http.StatusOK, map[string]bool{"metricsEnabled": h.serverConfig.MetricsEnabled()})
}

type metricsEnabledRequest struct {
	MetricsEnabled bool `json:"metricsEnabled"`
}

func (h *Handler) handleSetMetricsEnabled(w http.ResponseWriter, r *http.Request) {
	var req metricsEnabledRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	if err := h.serverConfig.SetMetricsEnabled(req.MetricsEnabled); err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to set metrics enabled")
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}
