// internal/server/mux.go
// Package server implements the HTTP handlers and routing for the HealthFund
// service. It exposes the hospital registry, the medical record store and the
// funding workflow over RESTful endpoints with JWT authentication, schema
// validation and event publishing.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Pawar-007/healthfund-go/internal/config"
	errordefs "github.com/Pawar-007/healthfund-go/internal/errors"
	"github.com/Pawar-007/healthfund-go/internal/event"
	"github.com/Pawar-007/healthfund-go/internal/jwks"
	"github.com/Pawar-007/healthfund-go/internal/ledger"
	"github.com/Pawar-007/healthfund-go/internal/metrics"
	"github.com/Pawar-007/healthfund-go/internal/model"
	"github.com/Pawar-007/healthfund-go/internal/pinning"
	"github.com/Pawar-007/healthfund-go/internal/schema"
	"github.com/Pawar-007/healthfund-go/internal/storage"
	"github.com/Pawar-007/healthfund-go/internal/wallet"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ContextKey is used for context values to avoid collisions.
type ContextKey string

const (
	ContextKeyWallet        ContextKey = "wallet"        // Caller wallet from the JWT subject
	ContextKeyCorrelationID ContextKey = "correlationId" // Unique ID for request tracking

	// Default limits for the operation log listing
	DefaultOpsLimit = 50
	MaxOpsLimit     = 500
)

const tracerName = "healthfund-service"

// Mux handles HTTP requests for the HealthFund service. All workflow rules
// live in the ledger; the handlers translate between HTTP and the workflow and
// enforce the session boundary.
type Mux struct {
	mux        *http.ServeMux
	ledger     *ledger.Ledger
	p          event.Publisher
	jwksClient *jwks.Client
	jwtIssuer  string
	jwtAudience string
	validator  *schema.Validator
	pinClient  *pinning.Client
	metrics    *metrics.Metrics

	// Pinning limits
	maxPinSize       int64
	allowedMimeTypes []string
	env              string

	// CORS configuration
	corsAllowedOrigins []string
}

// NewMux creates the HTTP mux with all HealthFund endpoints registered.
// pinClient may be nil when no staging store is configured; the pin endpoints
// then fall back to a local placeholder URL.
func NewMux(l *ledger.Ledger, p event.Publisher, jwksClient *jwks.Client, pinClient *pinning.Client, cfg config.Config) *http.ServeMux {
	validator, err := schema.NewValidator()
	if err != nil {
		slog.Error("failed to initialize schema validator", "error", err)
		os.Exit(1)
	}

	if jwksClient == nil {
		jwksClient = jwks.NewClient(fmt.Sprintf("%s/.well-known/jwks.json", cfg.JWTIssuer))
	}

	m := &Mux{
		mux:         http.NewServeMux(),
		ledger:      l,
		p:           p,
		jwksClient:  jwksClient,
		jwtIssuer:   cfg.JWTIssuer,
		jwtAudience: cfg.JWTAudience,
		validator:   validator,
		pinClient:   pinClient,
		metrics:     metrics.NewMetrics(),

		maxPinSize:       cfg.MaxPinSize,
		allowedMimeTypes: cfg.AllowedMimeTypes,
		env:              cfg.Env,

		corsAllowedOrigins: cfg.CORSAllowedOrigins,
	}

	// Health endpoints
	m.mux.HandleFunc("/healthz", m.handleHealthz)
	m.mux.HandleFunc("/readyz", m.handleReadyz)
	m.mux.Handle("/metrics", promhttp.Handler())

	// Hospital registry
	m.mux.HandleFunc("/v1/hospitals", m.route(map[string]http.HandlerFunc{
		"POST": m.withMiddleware(m.handleRegisterHospital),
		"GET":  m.withMiddleware(m.handleListHospitals),
	}))
	m.mux.HandleFunc("/v1/hospitals/verify", m.method("POST", m.withMiddleware(m.handleVerifyHospital)))
	m.mux.HandleFunc("/v1/hospitals/balance", m.method("GET", m.withMiddleware(m.handleHospitalBalance)))

	// Patients and medical records
	m.mux.HandleFunc("/v1/patients/register", m.method("POST", m.withMiddleware(m.handleRegisterPatient)))
	m.mux.HandleFunc("/v1/records", m.route(map[string]http.HandlerFunc{
		"POST": m.withMiddleware(m.handleUploadRecord),
		"GET":  m.withMiddleware(m.handleListRecords),
	}))
	m.mux.HandleFunc("/v1/records/share", m.method("POST", m.withMiddleware(m.handleShareRecord)))
	m.mux.HandleFunc("/v1/records/grant", m.method("POST", m.withMiddleware(m.handleGrantAccess)))

	// Funding workflow
	m.mux.HandleFunc("/v1/requests", m.route(map[string]http.HandlerFunc{
		"POST": m.withMiddleware(m.handleCreateRequest),
		"GET":  m.withMiddleware(m.handleBrowseRequests),
	}))
	m.mux.HandleFunc("/v1/requests/all", m.method("GET", m.withMiddleware(m.handleAllRequests)))
	m.mux.HandleFunc("/v1/requests/pending", m.method("GET", m.withMiddleware(m.handlePendingRequests)))
	m.mux.HandleFunc("/v1/requests/funded", m.method("GET", m.withMiddleware(m.handleFundedRequests)))
	m.mux.HandleFunc("/v1/requests/verify", m.method("POST", m.withMiddleware(m.handleVerifyStep)))
	m.mux.HandleFunc("/v1/requests/donate", m.method("POST", m.withMiddleware(m.handleDonate)))
	m.mux.HandleFunc("/v1/requests/release", m.method("POST", m.withMiddleware(m.handleRelease)))
	m.mux.HandleFunc("/v1/requests/reject", m.method("POST", m.withMiddleware(m.handleReject)))

	// Administration and audit
	m.mux.HandleFunc("/v1/admins", m.method("POST", m.withMiddleware(m.handleAddAdmin)))
	m.mux.HandleFunc("/v1/donations", m.method("GET", m.withMiddleware(m.handleListDonations)))
	m.mux.HandleFunc("/v1/ops", m.method("GET", m.withMiddleware(m.handleListOps)))

	// Document pinning
	m.mux.HandleFunc("/v1/pin/init", m.method("POST", m.withMiddleware(m.handlePinInit)))
	m.mux.HandleFunc("/v1/pin/verify", m.method("POST", m.withMiddleware(m.handlePinVerify)))

	return m.mux
}

// method ensures the HTTP method matches the expected method
func (m *Mux) method(method string, h http.HandlerFunc) http.HandlerFunc {
	return m.route(map[string]http.HandlerFunc{method: h})
}

// route dispatches by HTTP method; anything unregistered is a bad request.
func (m *Mux) route(handlers map[string]http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h, ok := handlers[r.Method]; ok {
			h(w, r)
			return
		}
		if r.Method == "OPTIONS" {
			m.writeCORS(w, r)
			w.WriteHeader(http.StatusOK)
			return
		}
		err := errordefs.New(errordefs.HF_BAD_REQUEST, "method not allowed", "")
		m.writeErrorDef(w, err)
	}
}

// writeCORS sets the CORS headers when the origin is allowed.
func (m *Mux) writeCORS(w http.ResponseWriter, r *http.Request) {
	if len(m.corsAllowedOrigins) == 0 {
		return
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	for _, allowedOrigin := range m.corsAllowedOrigins {
		if allowedOrigin == "*" || allowedOrigin == origin {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Correlation-Id")
			w.Header().Set("Access-Control-Max-Age", "86400")
			return
		}
	}
}

// statusRecorder captures the response status for metrics and logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

// withMiddleware applies CORS, correlation IDs, JWT authentication and request
// metrics around a handler. Mutating endpoints must carry a valid token; the
// caller wallet from the subject claim is placed on the request context.
func (m *Mux) withMiddleware(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		m.writeCORS(w, r)

		correlationID := r.Header.Get("X-Correlation-Id")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		r = r.WithContext(context.WithValue(r.Context(), ContextKeyCorrelationID, correlationID))
		w.Header().Set("X-Correlation-Id", correlationID)

		// Mutations and private reads require a caller identity.
		if r.Method == "POST" || r.URL.Path == "/v1/records" || r.URL.Path == "/v1/ops" {
			caller, err := m.validateJWT(r)
			if err != nil {
				var errorDef *errordefs.Error
				if e, ok := err.(*errordefs.Error); ok {
					errorDef = e
					errorDef.CorrelationID = correlationID
				} else {
					errorDef = errordefs.New(errordefs.HF_AUTHZ, err.Error(), correlationID)
				}
				m.writeErrorDef(w, errorDef)
				m.logRequest(r, errorDef.HTTPStatus, time.Since(start), correlationID, err)
				return
			}
			r = r.WithContext(context.WithValue(r.Context(), ContextKeyWallet, caller))
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)

		status := strconv.Itoa(rec.status)
		m.metrics.HTTPRequestTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		m.metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
	}
}

// validateJWT validates the bearer token and returns the caller wallet.
func (m *Mux) validateJWT(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", errordefs.New(errordefs.HF_AUTHN, "missing Authorization header", "")
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", errordefs.New(errordefs.HF_AUTHN, "invalid Authorization header format", "")
	}
	tokenString := strings.TrimPrefix(authHeader, "Bearer ")

	claims, err := m.jwksClient.ValidateJWT(r.Context(), tokenString, m.jwtIssuer, m.jwtAudience)
	if err != nil {
		errStr := err.Error()
		switch {
		case strings.Contains(errStr, "expired"):
			return "", errordefs.New(errordefs.HF_JWT_EXPIRED, "JWT token expired", "")
		case strings.Contains(errStr, "invalid issuer"):
			return "", errordefs.New(errordefs.HF_JWT_INVALID, "invalid JWT issuer", "")
		case strings.Contains(errStr, "invalid audience"):
			return "", errordefs.New(errordefs.HF_JWT_INVALID, "invalid JWT audience", "")
		case strings.Contains(errStr, "kid"):
			return "", errordefs.New(errordefs.HF_JWT_MALFORMED, "missing or invalid kid in JWT header", "")
		case strings.Contains(errStr, "signature"), strings.Contains(errStr, "verify"):
			return "", errordefs.New(errordefs.HF_JWT_INVALID, "invalid JWT signature", "")
		default:
			return "", errordefs.New(errordefs.HF_JWT_INVALID, fmt.Sprintf("failed to validate JWT: %v", err), "")
		}
	}

	caller, err := jwks.CallerWallet(claims)
	if err != nil {
		return "", errordefs.New(errordefs.HF_JWT_INVALID, err.Error(), "")
	}
	return caller, nil
}

// caller returns the authenticated wallet from the request context.
func (m *Mux) caller(ctx context.Context) string {
	w, _ := ctx.Value(ContextKeyWallet).(string)
	return w
}

func (m *Mux) correlationID(ctx context.Context) string {
	id, _ := ctx.Value(ContextKeyCorrelationID).(string)
	return id
}

// writeSuccess writes a successful response
func (m *Mux) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]interface{}{
		"data": data,
	}
	_ = json.NewEncoder(w).Encode(response)
}

// writeError writes an error response following the service error taxonomy
func (m *Mux) writeError(w http.ResponseWriter, statusCode int, code, message, correlationID string, details interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]interface{}{
		"error": map[string]interface{}{
			"code":          code,
			"message":       message,
			"correlationId": correlationID,
		},
	}
	if details != nil {
		response["error"].(map[string]interface{})["details"] = details
	}
	_ = json.NewEncoder(w).Encode(response)
}

// writeErrorDef writes an error response using the error definitions package
func (m *Mux) writeErrorDef(w http.ResponseWriter, err *errordefs.Error) {
	m.writeError(w, err.HTTPStatus, string(err.Code), err.Message, err.CorrelationID, err.Details)
}

// mapWorkflowError translates ledger and storage errors into the taxonomy.
func (m *Mux) mapWorkflowError(err error, correlationID string) *errordefs.Error {
	switch {
	case errors.Is(err, ledger.ErrNotOwner), errors.Is(err, ledger.ErrNotAdmin), errors.Is(err, ledger.ErrAccessDenied):
		return errordefs.New(errordefs.HF_AUTHZ, err.Error(), correlationID)
	case errors.Is(err, ledger.ErrGoalBelowMinimum), errors.Is(err, ledger.ErrBadAmount), errors.Is(err, ledger.ErrUnknownStep):
		return errordefs.New(errordefs.HF_VALIDATION, err.Error(), correlationID)
	case errors.Is(err, ledger.ErrActiveRequestExists):
		return errordefs.New(errordefs.HF_CONFLICT, err.Error(), correlationID)
	case errors.Is(err, ledger.ErrAlreadyFunded):
		return errordefs.New(errordefs.HF_ALREADY_FUNDED, err.Error(), correlationID)
	case errors.Is(err, ledger.ErrNotVerified):
		return errordefs.New(errordefs.HF_NOT_VERIFIED, err.Error(), correlationID)
	case errors.Is(err, ledger.ErrGoalExceeded):
		return errordefs.New(errordefs.HF_GOAL_EXCEEDED, err.Error(), correlationID)
	case errors.Is(err, ledger.ErrPatientNotRegistered), errors.Is(err, ledger.ErrNotRecordOwner), errors.Is(err, ledger.ErrRequestInactive):
		return errordefs.New(errordefs.HF_PRECONDITION, err.Error(), correlationID)
	case errors.Is(err, storage.ErrNotFound):
		return errordefs.New(errordefs.HF_NOT_FOUND, err.Error(), correlationID)
	case errors.Is(err, storage.ErrConflict):
		return errordefs.New(errordefs.HF_CONFLICT, err.Error(), correlationID)
	default:
		return errordefs.New(errordefs.HF_INTERNAL, "internal error", correlationID)
	}
}

// readValidated reads the body, validates it against the named schema and
// unmarshals into dst.
func (m *Mux) readValidated(r *http.Request, schemaName string, dst interface{}) *errordefs.Error {
	correlationID := m.correlationID(r.Context())
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return errordefs.New(errordefs.HF_BAD_REQUEST, "failed to read request body", correlationID)
	}

	if err := m.validator.Validate(schemaName, body); err != nil {
		m.metrics.SchemaValidationTotal.WithLabelValues(schemaName, "reject").Inc()
		return errordefs.NewWithDetails(errordefs.HF_SCHEMA_REJECT, "payload failed schema validation", correlationID, err.Error())
	}
	m.metrics.SchemaValidationTotal.WithLabelValues(schemaName, "ok").Inc()

	if err := json.Unmarshal(body, dst); err != nil {
		return errordefs.New(errordefs.HF_VALIDATION, "invalid JSON", correlationID)
	}
	return nil
}

// readJSON decodes a body without schema validation, for the small payloads
// that are fully checked by the workflow itself.
func (m *Mux) readJSON(r *http.Request, dst interface{}) *errordefs.Error {
	correlationID := m.correlationID(r.Context())
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errordefs.New(errordefs.HF_VALIDATION, "invalid JSON", correlationID)
	}
	return nil
}

// normalizeAddr validates a payload wallet address.
func (m *Mux) normalizeAddr(addr, correlationID string) (string, *errordefs.Error) {
	normalized, err := wallet.Normalize(addr)
	if err != nil {
		return "", errordefs.New(errordefs.HF_BAD_ADDRESS, fmt.Sprintf("invalid wallet address: %s", addr), correlationID)
	}
	return normalized, nil
}

// observeOp records a workflow operation metric.
func (m *Mux) observeOp(op string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.metrics.LedgerOperationTotal.WithLabelValues(op, status).Inc()
	m.metrics.LedgerOperationDuration.WithLabelValues(op, status).Observe(time.Since(start).Seconds())
}

// logRequest logs request details
func (m *Mux) logRequest(r *http.Request, status int, duration time.Duration, correlationID string, err error) {
	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Duration("duration", duration),
		slog.String("user_agent", r.UserAgent()),
		slog.String("remote_addr", r.RemoteAddr),
	}
	if correlationID != "" {
		attrs = append(attrs, slog.String("correlation_id", correlationID))
	}
	if caller, ok := r.Context().Value(ContextKeyWallet).(string); ok && caller != "" {
		attrs = append(attrs, slog.String("wallet", caller))
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		slog.LogAttrs(r.Context(), slog.LevelError, "request completed with error", attrs...)
	} else {
		slog.LogAttrs(r.Context(), slog.LevelInfo, "request completed", attrs...)
	}
}

// handleHealthz handles liveness health check requests
func (m *Mux) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz handles readiness health check requests
func (m *Mux) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	// Probe the store with a lookup that is expected to miss. ErrNotFound
	// means the store answered.
	_, err := m.ledger.Request(ctx, "0x0000000000000000000000000000000000000000")
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleRegisterHospital handles POST /v1/hospitals
func (m *Mux) handleRegisterHospital(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer(tracerName).Start(r.Context(), "handleRegisterHospital")
	defer span.End()
	start := time.Now()
	correlationID := m.correlationID(ctx)

	var req model.RegisterHospitalRequest
	if errDef := m.readValidated(r, schema.HospitalRegister, &req); errDef != nil {
		span.SetStatus(codes.Error, "invalid payload")
		m.writeErrorDef(w, errDef)
		return
	}
	span.SetAttributes(attribute.String("hospital.name", req.Name))

	h, err := m.ledger.RegisterHospital(ctx, m.caller(ctx), req)
	m.observeOp("registerHospital", start, err)
	if err != nil {
		errDef := m.mapWorkflowError(err, correlationID)
		m.writeErrorDef(w, errDef)
		m.logRequest(r, errDef.HTTPStatus, time.Since(start), correlationID, err)
		return
	}

	if err := m.p.PublishHospitalRegistered(ctx, *h); err != nil {
		slog.Warn("failed to publish hospital registered event", "error", err)
	}

	m.writeSuccess(w, http.StatusOK, h)
	m.logRequest(r, http.StatusOK, time.Since(start), correlationID, nil)
}

// handleListHospitals handles GET /v1/hospitals
func (m *Mux) handleListHospitals(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer(tracerName).Start(r.Context(), "handleListHospitals")
	defer span.End()

	hospitals, err := m.ledger.Hospitals(ctx)
	if err != nil {
		m.writeErrorDef(w, m.mapWorkflowError(err, m.correlationID(ctx)))
		return
	}
	m.writeSuccess(w, http.StatusOK, hospitals)
}

// handleVerifyHospital handles POST /v1/hospitals/verify (owner only)
func (m *Mux) handleVerifyHospital(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer(tracerName).Start(r.Context(), "handleVerifyHospital")
	defer span.End()
	start := time.Now()
	correlationID := m.correlationID(ctx)

	var req model.VerifyHospitalRequest
	if errDef := m.readJSON(r, &req); errDef != nil {
		m.writeErrorDef(w, errDef)
		return
	}

	hospital, errDef := m.normalizeAddr(req.Hospital, correlationID)
	if errDef != nil {
		m.writeErrorDef(w, errDef)
		return
	}
	span.SetAttributes(attribute.String("hospital", hospital), attribute.Bool("verified", req.Verified))

	err := m.ledger.VerifyHospital(ctx, m.caller(ctx), hospital, req.Verified)
	m.observeOp("verifyHospital", start, err)
	if err != nil {
		errDef := m.mapWorkflowError(err, correlationID)
		m.writeErrorDef(w, errDef)
		m.logRequest(r, errDef.HTTPStatus, time.Since(start), correlationID, err)
		return
	}

	m.writeSuccess(w, http.StatusOK, map[string]interface{}{"hospital": hospital, "verified": req.Verified})
	m.logRequest(r, http.StatusOK, time.Since(start), correlationID, nil)
}

// handleHospitalBalance handles GET /v1/hospitals/balance?wallet=0x..
func (m *Mux) handleHospitalBalance(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer(tracerName).Start(r.Context(), "handleHospitalBalance")
	defer span.End()
	correlationID := m.correlationID(ctx)

	walletAddr, errDef := m.normalizeAddr(r.URL.Query().Get("wallet"), correlationID)
	if errDef != nil {
		m.writeErrorDef(w, errDef)
		return
	}

	balance, err := m.ledger.HospitalBalance(ctx, walletAddr)
	if err != nil {
		m.writeErrorDef(w, m.mapWorkflowError(err, correlationID))
		return
	}
	m.writeSuccess(w, http.StatusOK, map[string]interface{}{"wallet": walletAddr, "balance": balance})
}

// handleRegisterPatient handles POST /v1/patients/register
func (m *Mux) handleRegisterPatient(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer(tracerName).Start(r.Context(), "handleRegisterPatient")
	defer span.End()
	start := time.Now()
	correlationID := m.correlationID(ctx)

	caller := m.caller(ctx)
	err := m.ledger.RegisterPatient(ctx, caller)
	m.observeOp("registerPatient", start, err)
	if err != nil {
		errDef := m.mapWorkflowError(err, correlationID)
		m.writeErrorDef(w, errDef)
		m.logRequest(r, errDef.HTTPStatus, time.Since(start), correlationID, err)
		return
	}

	m.writeSuccess(w, http.StatusOK, map[string]interface{}{"wallet": caller, "registered": true})
	m.logRequest(r, http.StatusOK, time.Since(start), correlationID, nil)
}

// handleUploadRecord handles POST /v1/records
func (m *Mux) handleUploadRecord(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer(tracerName).Start(r.Context(), "handleUploadRecord")
	defer span.End()
	start := time.Now()
	correlationID := m.correlationID(ctx)

	var req model.UploadRecordRequest
	if errDef := m.readValidated(r, schema.RecordUpload, &req); errDef != nil {
		span.SetStatus(codes.Error, "invalid payload")
		m.writeErrorDef(w, errDef)
		return
	}
	span.SetAttributes(attribute.String("record.cid", req.ContentCID))

	rec, err := m.ledger.UploadRecord(ctx, m.caller(ctx), req)
	m.observeOp("uploadRecord", start, err)
	if err != nil {
		errDef := m.mapWorkflowError(err, correlationID)
		m.writeErrorDef(w, errDef)
		m.logRequest(r, errDef.HTTPStatus, time.Since(start), correlationID, err)
		return
	}

	if err := m.p.PublishRecordUploaded(ctx, *rec); err != nil {
		slog.Warn("failed to publish record uploaded event", "error", err)
	}

	m.writeSuccess(w, http.StatusOK, rec)
	m.logRequest(r, http.StatusOK, time.Since(start), correlationID, nil)
}

// handleListRecords handles GET /v1/records[?owner=0x..]
// Without an owner parameter, the caller's own records are returned.
func (m *Mux) handleListRecords(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer(tracerName).Start(r.Context(), "handleListRecords")
	defer span.End()
	correlationID := m.correlationID(ctx)

	caller := m.caller(ctx)
	owner := caller
	if q := r.URL.Query().Get("owner"); q != "" {
		var errDef *errordefs.Error
		owner, errDef = m.normalizeAddr(q, correlationID)
		if errDef != nil {
			m.writeErrorDef(w, errDef)
			return
		}
	}
	span.SetAttributes(attribute.String("owner", owner))

	records, err := m.ledger.RecordsOf(ctx, caller, owner)
	if err != nil {
		m.writeErrorDef(w, m.mapWorkflowError(err, correlationID))
		return
	}
	m.writeSuccess(w, http.StatusOK, records)
}

// handleShareRecord handles POST /v1/records/share
func (m *Mux) handleShareRecord(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer(tracerName).Start(r.Context(), "handleShareRecord")
	defer span.End()
	start := time.Now()
	correlationID := m.correlationID(ctx)

	var req model.ShareRecordRequest
	if errDef := m.readJSON(r, &req); errDef != nil {
		m.writeErrorDef(w, errDef)
		return
	}
	span.SetAttributes(attribute.Int("record.index", req.Index), attribute.Bool("shared", req.Shared))

	err := m.ledger.ShareRecord(ctx, m.caller(ctx), req.Index, req.Shared)
	m.observeOp("shareRecord", start, err)
	if err != nil {
		errDef := m.mapWorkflowError(err, correlationID)
		m.writeErrorDef(w, errDef)
		m.logRequest(r, errDef.HTTPStatus, time.Since(start), correlationID, err)
		return
	}

	m.writeSuccess(w, http.StatusOK, map[string]interface{}{"index": req.Index, "shared": req.Shared})
	m.logRequest(r, http.StatusOK, time.Since(start), correlationID, nil)
}

// handleGrantAccess handles POST /v1/records/grant
func (m *Mux) handleGrantAccess(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer(tracerName).Start(r.Context(), "handleGrantAccess")
	defer span.End()
	start := time.Now()
	correlationID := m.correlationID(ctx)

	var req model.GrantAccessRequest
	if errDef := m.readJSON(r, &req); errDef != nil {
		m.writeErrorDef(w, errDef)
		return
	}

	grantee, errDef := m.normalizeAddr(req.Grantee, correlationID)
	if errDef != nil {
		m.writeErrorDef(w, errDef)
		return
	}

	err := m.ledger.GrantAccess(ctx, m.caller(ctx), grantee)
	m.observeOp("grantAccess", start, err)
	if err != nil {
		errDef := m.mapWorkflowError(err, correlationID)
		m.writeErrorDef(w, errDef)
		m.logRequest(r, errDef.HTTPStatus, time.Since(start), correlationID, err)
		return
	}

	m.writeSuccess(w, http.StatusOK, map[string]interface{}{"grantee": grantee})
	m.logRequest(r, http.StatusOK, time.Since(start), correlationID, nil)
}

// handleCreateRequest handles POST /v1/requests
func (m *Mux) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer(tracerName).Start(r.Context(), "handleCreateRequest")
	defer span.End()
	start := time.Now()
	correlationID := m.correlationID(ctx)

	var req model.CreateRequestRequest
	if errDef := m.readValidated(r, schema.RequestCreate, &req); errDef != nil {
		span.SetStatus(codes.Error, "invalid payload")
		m.writeErrorDef(w, errDef)
		return
	}

	hospitalWallet, errDef := m.normalizeAddr(req.HospitalWallet, correlationID)
	if errDef != nil {
		m.writeErrorDef(w, errDef)
		return
	}
	req.HospitalWallet = hospitalWallet
	span.SetAttributes(
		attribute.String("hospital", hospitalWallet),
		attribute.Int64("goal", req.GoalAmount),
	)

	fr, err := m.ledger.CreateRequest(ctx, m.caller(ctx), req)
	m.observeOp("createRequest", start, err)
	if err != nil {
		errDef := m.mapWorkflowError(err, correlationID)
		m.writeErrorDef(w, errDef)
		m.logRequest(r, errDef.HTTPStatus, time.Since(start), correlationID, err)
		return
	}

	if err := m.p.PublishRequestCreated(ctx, *fr); err != nil {
		slog.Warn("failed to publish request created event", "error", err)
	}

	m.writeSuccess(w, http.StatusOK, fr)
	m.logRequest(r, http.StatusOK, time.Since(start), correlationID, nil)
}

// handleBrowseRequests handles GET /v1/requests, the public listing.
func (m *Mux) handleBrowseRequests(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer(tracerName).Start(r.Context(), "handleBrowseRequests")
	defer span.End()

	requests, err := m.ledger.Browse(ctx)
	if err != nil {
		m.writeErrorDef(w, m.mapWorkflowError(err, m.correlationID(ctx)))
		return
	}
	m.writeSuccess(w, http.StatusOK, requests)
}

// adminListing gates a listing endpoint on admin rights.
func (m *Mux) adminListing(w http.ResponseWriter, r *http.Request, list func(context.Context) ([]model.FundingRequest, error)) {
	ctx := r.Context()
	correlationID := m.correlationID(ctx)

	caller, err := m.validateJWT(r)
	if err != nil {
		var errorDef *errordefs.Error
		if e, ok := err.(*errordefs.Error); ok {
			errorDef = e
			errorDef.CorrelationID = correlationID
		} else {
			errorDef = errordefs.New(errordefs.HF_AUTHN, err.Error(), correlationID)
		}
		m.writeErrorDef(w, errorDef)
		return
	}

	ok, err := m.ledger.IsAdmin(ctx, caller)
	if err != nil {
		m.writeErrorDef(w, m.mapWorkflowError(err, correlationID))
		return
	}
	if !ok {
		m.writeErrorDef(w, errordefs.New(errordefs.HF_AUTHZ, "caller is not an admin", correlationID))
		return
	}

	requests, err := list(ctx)
	if err != nil {
		m.writeErrorDef(w, m.mapWorkflowError(err, correlationID))
		return
	}
	m.writeSuccess(w, http.StatusOK, requests)
}

// handleAllRequests handles GET /v1/requests/all (admin)
func (m *Mux) handleAllRequests(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer(tracerName).Start(r.Context(), "handleAllRequests")
	defer span.End()
	m.adminListing(w, r.WithContext(ctx), m.ledger.Requests)
}

// handlePendingRequests handles GET /v1/requests/pending (admin)
func (m *Mux) handlePendingRequests(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer(tracerName).Start(r.Context(), "handlePendingRequests")
	defer span.End()
	m.adminListing(w, r.WithContext(ctx), m.ledger.Pending)
}

// handleFundedRequests handles GET /v1/requests/funded (admin)
func (m *Mux) handleFundedRequests(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer(tracerName).Start(r.Context(), "handleFundedRequests")
	defer span.End()
	m.adminListing(w, r.WithContext(ctx), m.ledger.Funded)
}

// handleVerifyStep handles POST /v1/requests/verify (admin)
func (m *Mux) handleVerifyStep(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer(tracerName).Start(r.Context(), "handleVerifyStep")
	defer span.End()
	start := time.Now()
	correlationID := m.correlationID(ctx)

	var req model.VerifyStepRequest
	if errDef := m.readJSON(r, &req); errDef != nil {
		m.writeErrorDef(w, errDef)
		return
	}

	patient, errDef := m.normalizeAddr(req.Patient, correlationID)
	if errDef != nil {
		m.writeErrorDef(w, errDef)
		return
	}
	span.SetAttributes(attribute.String("patient", patient), attribute.String("step", string(req.Step)))

	fr, err := m.ledger.VerifyStep(ctx, m.caller(ctx), patient, req.Step)
	m.observeOp("verifyStep", start, err)
	if err != nil {
		errDef := m.mapWorkflowError(err, correlationID)
		m.writeErrorDef(w, errDef)
		m.logRequest(r, errDef.HTTPStatus, time.Since(start), correlationID, err)
		return
	}

	if err := m.p.PublishRequestVerified(ctx, *fr, req.Step); err != nil {
		slog.Warn("failed to publish request verified event", "error", err)
	}

	m.writeSuccess(w, http.StatusOK, fr)
	m.logRequest(r, http.StatusOK, time.Since(start), correlationID, nil)
}

// handleDonate handles POST /v1/requests/donate
func (m *Mux) handleDonate(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer(tracerName).Start(r.Context(), "handleDonate")
	defer span.End()
	start := time.Now()
	correlationID := m.correlationID(ctx)

	var req model.DonateRequest
	if errDef := m.readValidated(r, schema.Donate, &req); errDef != nil {
		span.SetStatus(codes.Error, "invalid payload")
		m.writeErrorDef(w, errDef)
		return
	}

	patient, errDef := m.normalizeAddr(req.Patient, correlationID)
	if errDef != nil {
		m.writeErrorDef(w, errDef)
		return
	}
	span.SetAttributes(attribute.String("patient", patient), attribute.Int64("amount", req.Amount))

	d, err := m.ledger.Donate(ctx, m.caller(ctx), patient, req.Amount)
	m.observeOp("donate", start, err)
	if err != nil {
		m.metrics.DonationTotal.WithLabelValues("rejected").Inc()
		errDef := m.mapWorkflowError(err, correlationID)
		m.writeErrorDef(w, errDef)
		m.logRequest(r, errDef.HTTPStatus, time.Since(start), correlationID, err)
		return
	}
	m.metrics.DonationTotal.WithLabelValues("accepted").Inc()
	m.metrics.DonationAmount.WithLabelValues("accepted").Add(float64(d.Amount))

	if err := m.p.PublishDonationAccepted(ctx, *d); err != nil {
		slog.Warn("failed to publish donation event", "error", err)
	}

	m.writeSuccess(w, http.StatusOK, d)
	m.logRequest(r, http.StatusOK, time.Since(start), correlationID, nil)
}

// handleRelease handles POST /v1/requests/release (admin)
func (m *Mux) handleRelease(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer(tracerName).Start(r.Context(), "handleRelease")
	defer span.End()
	start := time.Now()
	correlationID := m.correlationID(ctx)

	var req model.ReleaseFundsRequest
	if errDef := m.readJSON(r, &req); errDef != nil {
		m.writeErrorDef(w, errDef)
		return
	}

	patient, errDef := m.normalizeAddr(req.Patient, correlationID)
	if errDef != nil {
		m.writeErrorDef(w, errDef)
		return
	}
	span.SetAttributes(attribute.String("patient", patient))

	fr, err := m.ledger.Release(ctx, m.caller(ctx), patient)
	m.observeOp("release", start, err)
	if err != nil {
		errDef := m.mapWorkflowError(err, correlationID)
		m.writeErrorDef(w, errDef)
		m.logRequest(r, errDef.HTTPStatus, time.Since(start), correlationID, err)
		return
	}

	if err := m.p.PublishFundsReleased(ctx, *fr); err != nil {
		slog.Warn("failed to publish funds released event", "error", err)
	}

	m.writeSuccess(w, http.StatusOK, fr)
	m.logRequest(r, http.StatusOK, time.Since(start), correlationID, nil)
}

// handleReject handles POST /v1/requests/reject (admin)
func (m *Mux) handleReject(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer(tracerName).Start(r.Context(), "handleReject")
	defer span.End()
	start := time.Now()
	correlationID := m.correlationID(ctx)

	var req model.RejectRequestRequest
	if errDef := m.readJSON(r, &req); errDef != nil {
		m.writeErrorDef(w, errDef)
		return
	}

	patient, errDef := m.normalizeAddr(req.Patient, correlationID)
	if errDef != nil {
		m.writeErrorDef(w, errDef)
		return
	}
	span.SetAttributes(attribute.String("patient", patient))

	err := m.ledger.Reject(ctx, m.caller(ctx), patient, req.Reason)
	m.observeOp("reject", start, err)
	if err != nil {
		errDef := m.mapWorkflowError(err, correlationID)
		m.writeErrorDef(w, errDef)
		m.logRequest(r, errDef.HTTPStatus, time.Since(start), correlationID, err)
		return
	}

	m.writeSuccess(w, http.StatusOK, map[string]interface{}{"patient": patient, "rejected": true})
	m.logRequest(r, http.StatusOK, time.Since(start), correlationID, nil)
}

// handleAddAdmin handles POST /v1/admins (owner only)
func (m *Mux) handleAddAdmin(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer(tracerName).Start(r.Context(), "handleAddAdmin")
	defer span.End()
	start := time.Now()
	correlationID := m.correlationID(ctx)

	var req model.AddAdminRequest
	if errDef := m.readJSON(r, &req); errDef != nil {
		m.writeErrorDef(w, errDef)
		return
	}

	admin, errDef := m.normalizeAddr(req.Admin, correlationID)
	if errDef != nil {
		m.writeErrorDef(w, errDef)
		return
	}
	span.SetAttributes(attribute.String("admin", admin))

	err := m.ledger.AddAdmin(ctx, m.caller(ctx), admin)
	m.observeOp("addAdmin", start, err)
	if err != nil {
		errDef := m.mapWorkflowError(err, correlationID)
		m.writeErrorDef(w, errDef)
		m.logRequest(r, errDef.HTTPStatus, time.Since(start), correlationID, err)
		return
	}

	m.writeSuccess(w, http.StatusOK, map[string]interface{}{"admin": admin})
	m.logRequest(r, http.StatusOK, time.Since(start), correlationID, nil)
}

// handleListDonations handles GET /v1/donations, the public transaction log.
func (m *Mux) handleListDonations(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer(tracerName).Start(r.Context(), "handleListDonations")
	defer span.End()

	donations, err := m.ledger.Donations(ctx)
	if err != nil {
		m.writeErrorDef(w, m.mapWorkflowError(err, m.correlationID(ctx)))
		return
	}
	m.writeSuccess(w, http.StatusOK, donations)
}

// handleListOps handles GET /v1/ops[?limit=N], the operation audit trail.
func (m *Mux) handleListOps(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer(tracerName).Start(r.Context(), "handleListOps")
	defer span.End()
	correlationID := m.correlationID(ctx)

	ok, err := m.ledger.IsAdmin(ctx, m.caller(ctx))
	if err != nil {
		m.writeErrorDef(w, m.mapWorkflowError(err, correlationID))
		return
	}
	if !ok {
		m.writeErrorDef(w, errordefs.New(errordefs.HF_AUTHZ, "caller is not an admin", correlationID))
		return
	}

	limit := DefaultOpsLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if v, err := strconv.Atoi(limitStr); err == nil {
			if v > 0 && v <= MaxOpsLimit {
				limit = v
			} else if v > MaxOpsLimit {
				limit = MaxOpsLimit
			}
		}
	}

	ops, err := m.ledger.Ops(ctx, limit)
	if err != nil {
		m.writeErrorDef(w, m.mapWorkflowError(err, correlationID))
		return
	}
	m.writeSuccess(w, http.StatusOK, ops)
}

// handlePinInit handles POST /v1/pin/init: allocates a presigned upload slot
// for a document that will later be referenced by its content identifier.
func (m *Mux) handlePinInit(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer(tracerName).Start(r.Context(), "handlePinInit")
	defer span.End()
	start := time.Now()
	correlationID := m.correlationID(ctx)

	var req model.PinInitRequest
	if errDef := m.readJSON(r, &req); errDef != nil {
		m.writeErrorDef(w, errDef)
		return
	}
	span.SetAttributes(
		attribute.String("mimeType", req.MimeType),
		attribute.Int64("size", req.Size),
	)

	if req.MimeType == "" || req.Size <= 0 {
		m.writeErrorDef(w, errordefs.New(errordefs.HF_VALIDATION, "mimeType and size are required", correlationID))
		return
	}
	if req.Size > m.maxPinSize {
		m.writeErrorDef(w, errordefs.New(errordefs.HF_PIN_SIZE,
			fmt.Sprintf("document size exceeds limit of %d bytes", m.maxPinSize), correlationID))
		return
	}
	if !pinning.AllowedType(req.MimeType, m.allowedMimeTypes) {
		m.writeErrorDef(w, errordefs.New(errordefs.HF_PIN_TYPE,
			fmt.Sprintf("document type %s is not allowed", req.MimeType), correlationID))
		return
	}

	cid := uuid.New().String()
	objectKey := fmt.Sprintf("%s/%s/%s", m.env, m.caller(ctx), cid)
	if req.Filename != "" {
		objectKey += "/" + req.Filename
	}

	var uploadURL string
	expiresAt := time.Now().Add(15 * time.Minute)
	if m.pinClient != nil {
		var err error
		uploadURL, err = m.pinClient.GenerateUploadURL(ctx, objectKey, req.MimeType, 15*time.Minute)
		if err != nil {
			m.writeErrorDef(w, errordefs.New(errordefs.HF_INTERNAL, "failed to generate upload URL", correlationID))
			return
		}
	} else {
		// No staging store configured; local development fallback
		uploadURL = fmt.Sprintf("http://localhost:8081/upload/%s", cid)
	}

	m.observeOp("pinInit", start, nil)
	m.writeSuccess(w, http.StatusOK, model.PinInitData{
		CID:       cid,
		UploadURL: uploadURL,
		ExpiresAt: expiresAt,
	})
	m.logRequest(r, http.StatusOK, time.Since(start), correlationID, nil)
}

// handlePinVerify handles POST /v1/pin/verify: confirms the uploaded bytes
// exist in the staging store and match the caller's content hash before the
// identifier is referenced by a medical record.
func (m *Mux) handlePinVerify(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer(tracerName).Start(r.Context(), "handlePinVerify")
	defer span.End()
	start := time.Now()
	correlationID := m.correlationID(ctx)

	var req model.PinVerifyRequest
	if errDef := m.readJSON(r, &req); errDef != nil {
		m.writeErrorDef(w, errDef)
		return
	}
	span.SetAttributes(attribute.String("cid", req.CID))

	if req.CID == "" || req.SHA256 == "" {
		m.writeErrorDef(w, errordefs.New(errordefs.HF_VALIDATION, "cid and sha256 are required", correlationID))
		return
	}

	size := int64(0)
	if m.pinClient != nil {
		objectKey := fmt.Sprintf("%s/%s/%s", m.env, m.caller(ctx), req.CID)
		if req.Filename != "" {
			objectKey += "/" + req.Filename
		}
		info, err := m.pinClient.Stat(ctx, objectKey)
		if err != nil {
			m.observeOp("pinVerify", start, err)
			errDef := errordefs.New(errordefs.HF_NOT_FOUND, "staged document not found", correlationID)
			m.writeErrorDef(w, errDef)
			m.logRequest(r, errDef.HTTPStatus, time.Since(start), correlationID, err)
			return
		}
		if info.ChecksumSHA256 != "" && info.ChecksumSHA256 != req.SHA256 {
			errDef := errordefs.New(errordefs.HF_PIN_CHECKSUM, "content hash does not match staged document", correlationID)
			m.writeErrorDef(w, errDef)
			m.logRequest(r, errDef.HTTPStatus, time.Since(start), correlationID, nil)
			return
		}
		size = info.Size
	}

	m.observeOp("pinVerify", start, nil)
	m.writeSuccess(w, http.StatusOK, model.PinVerifyData{CID: req.CID, Size: size})
	m.logRequest(r, http.StatusOK, time.Since(start), correlationID, nil)
}
