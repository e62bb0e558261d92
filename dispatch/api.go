package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/animus-labs/ledger-go/internal/apispec"
	"github.com/animus-labs/ledger-go/internal/auditexport"
	"github.com/animus-labs/ledger-go/internal/chain"
	"github.com/animus-labs/ledger-go/internal/domain"
	"github.com/animus-labs/ledger-go/internal/executor"
	"github.com/animus-labs/ledger-go/internal/platform/auth"
	apperrors "github.com/animus-labs/ledger-go/internal/platform/errors"
	"github.com/animus-labs/ledger-go/internal/platform/httpserver"
	"github.com/animus-labs/ledger-go/internal/platform/requestid"
	"github.com/animus-labs/ledger-go/internal/service/ledger"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

const (
	maxBodyBytes    = 1 << 20
	defaultPageSize = 100
	maxPageSize     = 200
)

// ledgerService is the guarded facade the handlers call.
type ledgerService interface {
	Submit(ctx context.Context, principal string, cmd domain.Command) (executor.SubmitResult, error)
	GetCommand(ctx context.Context, principal, tenantID, commandID string) (domain.Command, error)
	Append(ctx context.Context, principal, tenantID string, payload []byte) (domain.ChainEntry, error)
	ListEntries(ctx context.Context, principal, tenantID string, afterIndex int64, limit int) ([]domain.ChainEntry, error)
	Verify(ctx context.Context, principal, tenantID string) (chain.Verification, error)
	Export(ctx context.Context, principal, tenantID string) (auditexport.Receipt, error)
	CheckAnchor(ctx context.Context, principal, tenantID string) (auditexport.AnchorCheck, error)
	Subscribe(ctx context.Context, principal, tenantID string) error
	PutCredential(ctx context.Context, principal, tenantID, provider string, token *oauth2.Token) error
	DeleteCredential(ctx context.Context, principal, tenantID, provider string) error
	Purge(ctx context.Context, principal, tenantID string) (ledger.PurgeResult, error)
}

type eventStream interface {
	ServeWS(w http.ResponseWriter, r *http.Request, tenantID string)
}

type dispatchAPI struct {
	logger     *slog.Logger
	svc        ledgerService
	validator  *apispec.Validator
	events     eventStream
	defaultTTL time.Duration
	now        func() time.Time
}

func newDispatchAPI(logger *slog.Logger, svc ledgerService, validator *apispec.Validator, events eventStream, defaultTTL time.Duration) *dispatchAPI {
	return &dispatchAPI{
		logger:     logger,
		svc:        svc,
		validator:  validator,
		events:     events,
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
}

func (api *dispatchAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /openapi.yaml", api.handleDocument)

	mux.HandleFunc("POST /tenants/{tenant_id}/commands", api.handleSubmit)
	mux.HandleFunc("GET /tenants/{tenant_id}/commands/{command_id}", api.handleGetCommand)

	mux.HandleFunc("GET /tenants/{tenant_id}/chain", api.handleListEntries)
	mux.HandleFunc("POST /tenants/{tenant_id}/chain", api.handleAppend)
	mux.HandleFunc("GET /tenants/{tenant_id}/chain/verify", api.handleVerify)
	mux.HandleFunc("GET /tenants/{tenant_id}/chain/anchor", api.handleAnchor)
	mux.HandleFunc("POST /tenants/{tenant_id}/chain/export", api.handleExport)

	mux.HandleFunc("PUT /tenants/{tenant_id}/credentials/{provider}", api.handlePutCredential)
	mux.HandleFunc("DELETE /tenants/{tenant_id}/credentials/{provider}", api.handleDeleteCredential)

	mux.HandleFunc("GET /tenants/{tenant_id}/events", api.handleEvents)
	mux.HandleFunc("DELETE /tenants/{tenant_id}", api.handlePurge)
}

type submitRequest struct {
	CommandID  string          `json:"command_id"`
	Provider   string          `json:"provider"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  *time.Time      `json:"created_at"`
	ExpiresAt  *time.Time      `json:"expires_at"`
	TTLSeconds int             `json:"ttl_seconds"`
}

type submitResponse struct {
	CommandID string               `json:"command_id"`
	Status    domain.CommandStatus `json:"status"`
	Duplicate bool                 `json:"duplicate"`
}

func (api *dispatchAPI) handleDocument(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(apispec.Document())
}

func (api *dispatchAPI) handleSubmit(w http.ResponseWriter, r *http.Request) {
	tenantID := strings.TrimSpace(r.PathValue("tenant_id"))
	body, ok := api.readBody(w, r, apispec.SchemaSubmitCommand)
	if !ok {
		return
	}
	var req submitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		api.writeError(w, r, apperrors.Wrap(apperrors.CodeInvalidCommand, "decode request", err))
		return
	}

	now := api.now().UTC()
	cmd := domain.Command{
		ID:        strings.TrimSpace(req.CommandID),
		TenantID:  tenantID,
		Provider:  strings.TrimSpace(req.Provider),
		CreatedAt: now,
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if len(req.Payload) > 0 {
		cmd.Payload = []byte(req.Payload)
	}
	if req.CreatedAt != nil {
		cmd.CreatedAt = req.CreatedAt.UTC()
	}
	switch {
	case req.ExpiresAt != nil:
		cmd.ExpiresAt = req.ExpiresAt.UTC()
	case req.TTLSeconds > 0:
		cmd.ExpiresAt = cmd.CreatedAt.Add(time.Duration(req.TTLSeconds) * time.Second)
	default:
		cmd.ExpiresAt = cmd.CreatedAt.Add(api.defaultTTL)
	}

	res, err := api.svc.Submit(r.Context(), auth.PrincipalFromContext(r.Context()), cmd)
	if err != nil {
		api.writeError(w, r, err)
		return
	}
	status := http.StatusAccepted
	if res.Duplicate {
		status = http.StatusOK
	}
	httpserver.WriteJSON(w, status, submitResponse{
		CommandID: res.Command.ID,
		Status:    res.Command.Status,
		Duplicate: res.Duplicate,
	})
}

func (api *dispatchAPI) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	tenantID := strings.TrimSpace(r.PathValue("tenant_id"))
	commandID := strings.TrimSpace(r.PathValue("command_id"))
	cmd, err := api.svc.GetCommand(r.Context(), auth.PrincipalFromContext(r.Context()), tenantID, commandID)
	if err != nil {
		api.writeError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, cmd)
}

func (api *dispatchAPI) handleListEntries(w http.ResponseWriter, r *http.Request) {
	tenantID := strings.TrimSpace(r.PathValue("tenant_id"))
	after, err := parseInt64Query(r, "after", -1)
	if err != nil || after < -1 {
		api.writeError(w, r, apperrors.New(apperrors.CodeInvalidCommand, "after must be an integer >= -1"))
		return
	}
	limit, err := parseInt64Query(r, "limit", defaultPageSize)
	if err != nil || limit < 1 {
		api.writeError(w, r, apperrors.New(apperrors.CodeInvalidCommand, "limit must be a positive integer"))
		return
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	entries, err := api.svc.ListEntries(r.Context(), auth.PrincipalFromContext(r.Context()), tenantID, after, int(limit))
	if err != nil {
		api.writeError(w, r, err)
		return
	}
	records := make([]auditexport.Record, 0, len(entries))
	for _, entry := range entries {
		records = append(records, auditexport.NewRecord(entry))
	}
	resp := map[string]any{"entries": records}
	if len(entries) == int(limit) {
		resp["next_after"] = entries[len(entries)-1].Index
	}
	httpserver.WriteJSON(w, http.StatusOK, resp)
}

func (api *dispatchAPI) handleAppend(w http.ResponseWriter, r *http.Request) {
	tenantID := strings.TrimSpace(r.PathValue("tenant_id"))
	body, ok := api.readBody(w, r, apispec.SchemaAppendEntry)
	if !ok {
		return
	}
	var req struct {
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		api.writeError(w, r, apperrors.Wrap(apperrors.CodeInvalidCommand, "decode request", err))
		return
	}
	var payload bytes.Buffer
	if err := json.Compact(&payload, req.Payload); err != nil {
		api.writeError(w, r, apperrors.Wrap(apperrors.CodeInvalidCommand, "compact payload", err))
		return
	}
	entry, err := api.svc.Append(r.Context(), auth.PrincipalFromContext(r.Context()), tenantID, payload.Bytes())
	if err != nil {
		api.writeError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusCreated, auditexport.NewRecord(entry))
}

func (api *dispatchAPI) handleVerify(w http.ResponseWriter, r *http.Request) {
	tenantID := strings.TrimSpace(r.PathValue("tenant_id"))
	v, err := api.svc.Verify(r.Context(), auth.PrincipalFromContext(r.Context()), tenantID)
	if err != nil {
		api.writeError(w, r, err)
		return
	}
	if !v.Valid {
		api.logger.Warn("chain verification failed",
			"tenant_id", tenantID,
			"broken_at", v.BrokenAt,
			"reason", v.Reason,
		)
	}
	httpserver.WriteJSON(w, http.StatusOK, v)
}

func (api *dispatchAPI) handleAnchor(w http.ResponseWriter, r *http.Request) {
	tenantID := strings.TrimSpace(r.PathValue("tenant_id"))
	check, err := api.svc.CheckAnchor(r.Context(), auth.PrincipalFromContext(r.Context()), tenantID)
	if err != nil {
		api.writeError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, check)
}

func (api *dispatchAPI) handleExport(w http.ResponseWriter, r *http.Request) {
	tenantID := strings.TrimSpace(r.PathValue("tenant_id"))
	receipt, err := api.svc.Export(r.Context(), auth.PrincipalFromContext(r.Context()), tenantID)
	if err != nil {
		api.writeError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusCreated, receipt)
}

func (api *dispatchAPI) handleEvents(w http.ResponseWriter, r *http.Request) {
	tenantID := strings.TrimSpace(r.PathValue("tenant_id"))
	if api.events == nil {
		api.writeError(w, r, apperrors.New(apperrors.CodeStorageUnavailable, "event stream not configured"))
		return
	}
	if err := api.svc.Subscribe(r.Context(), auth.PrincipalFromContext(r.Context()), tenantID); err != nil {
		api.writeError(w, r, err)
		return
	}
	api.events.ServeWS(w, r, tenantID)
}

func (api *dispatchAPI) handlePutCredential(w http.ResponseWriter, r *http.Request) {
	tenantID := strings.TrimSpace(r.PathValue("tenant_id"))
	providerName := strings.TrimSpace(r.PathValue("provider"))
	body, ok := api.readBody(w, r, apispec.SchemaPutCredential)
	if !ok {
		return
	}
	var token oauth2.Token
	if err := json.Unmarshal(body, &token); err != nil {
		api.writeError(w, r, apperrors.Wrap(apperrors.CodeInvalidCommand, "decode request", err))
		return
	}
	if err := api.svc.PutCredential(r.Context(), auth.PrincipalFromContext(r.Context()), tenantID, providerName, &token); err != nil {
		api.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (api *dispatchAPI) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	tenantID := strings.TrimSpace(r.PathValue("tenant_id"))
	providerName := strings.TrimSpace(r.PathValue("provider"))
	if err := api.svc.DeleteCredential(r.Context(), auth.PrincipalFromContext(r.Context()), tenantID, providerName); err != nil {
		api.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (api *dispatchAPI) handlePurge(w http.ResponseWriter, r *http.Request) {
	tenantID := strings.TrimSpace(r.PathValue("tenant_id"))
	res, err := api.svc.Purge(r.Context(), auth.PrincipalFromContext(r.Context()), tenantID)
	if err != nil {
		api.writeError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, res)
}

// readBody reads a size-limited body and validates it against schema,
// writing the rejection itself when it returns false.
func (api *dispatchAPI) readBody(w http.ResponseWriter, r *http.Request, schema string) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		api.writeError(w, r, apperrors.Wrap(apperrors.CodeInvalidCommand, "read request body", err))
		return nil, false
	}
	if err := api.validator.ValidateBody(schema, body); err != nil {
		var verr *apispec.ValidationError
		if errors.As(err, &verr) {
			api.writeJSONError(w, r, http.StatusBadRequest, map[string]any{
				"error":   string(apperrors.CodeInvalidCommand),
				"message": "request does not match " + verr.Schema,
				"issues":  verr.Issues,
			})
			return nil, false
		}
		api.writeError(w, r, err)
		return nil, false
	}
	return body, true
}

func (api *dispatchAPI) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperrors.CodeOf(err)
	status := code.HTTPStatus()
	body := map[string]any{"error": string(code)}

	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		body["message"] = appErr.Message
		if len(appErr.Metadata) > 0 {
			body["metadata"] = appErr.Metadata
		}
	} else {
		body["error"] = "internal_error"
	}

	if status >= http.StatusInternalServerError {
		id, _ := requestid.FromContext(r.Context())
		api.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"code", string(code),
			"request_id", id,
			"error", err,
		)
	}
	api.writeJSONError(w, r, status, body)
}

func (api *dispatchAPI) writeJSONError(w http.ResponseWriter, r *http.Request, status int, body map[string]any) {
	if id, ok := requestid.FromContext(r.Context()); ok {
		body["request_id"] = id
	}
	httpserver.WriteJSON(w, status, body)
}

func parseInt64Query(r *http.Request, key string, def int64) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}
