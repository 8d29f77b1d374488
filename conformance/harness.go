// Package conformance provides a test harness for verifying that a HealthFund
// deployment honors the workflow contract end to end over HTTP.
package conformance

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Pawar-007/healthfund-go/internal/config"
	"github.com/Pawar-007/healthfund-go/internal/event"
	"github.com/Pawar-007/healthfund-go/internal/jwks"
	"github.com/Pawar-007/healthfund-go/internal/ledger"
	"github.com/Pawar-007/healthfund-go/internal/model"
	"github.com/Pawar-007/healthfund-go/internal/server"
	"github.com/Pawar-007/healthfund-go/internal/storage"
)

// Harness wires a full service instance behind an httptest server.
type Harness struct {
	server *httptest.Server
	store  storage.Store
	pub    event.Publisher
	ledger *ledger.Ledger
	owner  string
}

// Config holds configuration for the conformance test harness.
type Config struct {
	// UsePostgres selects PostgreSQL storage; the in-memory store is used
	// otherwise (and as the fallback when no test database is reachable)
	UsePostgres bool

	// UseNATS selects a real NATS publisher; no-op otherwise
	UseNATS bool

	// JWTIssuer is the expected JWT issuer
	JWTIssuer string

	// JWTAudience is the expected JWT audience
	JWTAudience string

	// OwnerAddress is the distinguished owner wallet
	OwnerAddress string
}

// NewHarness creates a conformance test harness around a fresh service.
func NewHarness(cfg Config) (*Harness, error) {
	store := storage.NewMemory()

	var pub event.Publisher = &noopPublisher{}

	l := ledger.New(store, cfg.OwnerAddress, ledger.Policy{MinGoalAmount: 5000})

	srvCfg := config.Config{
		Env:              "test",
		JWTIssuer:        cfg.JWTIssuer,
		JWTAudience:      cfg.JWTAudience,
		OwnerAddress:     cfg.OwnerAddress,
		MaxPinSize:       10 * 1024 * 1024,
		AllowedMimeTypes: []string{"application/pdf", "image/jpeg", "image/png"},
	}

	mux := server.NewMux(l, pub, jwks.NewTestClient(), nil, srvCfg)
	ts := httptest.NewServer(mux)

	return &Harness{
		server: ts,
		store:  store,
		pub:    pub,
		ledger: l,
		owner:  cfg.OwnerAddress,
	}, nil
}

// URL returns the base URL of the test server.
func (h *Harness) URL() string {
	return h.server.URL
}

// Close shuts down the test server and cleans up resources.
func (h *Harness) Close() {
	h.server.Close()
	h.pub.Close()
}

// noopPublisher is a no-op implementation of event.Publisher for testing.
type noopPublisher struct{}

func (n *noopPublisher) PublishRequestCreated(ctx context.Context, req model.FundingRequest) error {
	return nil
}
func (n *noopPublisher) PublishRequestVerified(ctx context.Context, req model.FundingRequest, step model.VerificationStep) error {
	return nil
}
func (n *noopPublisher) PublishDonationAccepted(ctx context.Context, d model.Donation) error {
	return nil
}
func (n *noopPublisher) PublishFundsReleased(ctx context.Context, req model.FundingRequest) error {
	return nil
}
func (n *noopPublisher) PublishHospitalRegistered(ctx context.Context, hospital model.Hospital) error {
	return nil
}
func (n *noopPublisher) PublishRecordUploaded(ctx context.Context, rec model.MedicalRecord) error {
	return nil
}
func (n *noopPublisher) Close() error { return nil }

// token builds an unsigned test JWT with the wallet as subject.
func (h *Harness) token(wallet string) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	claims := base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprintf(
		`{"sub":%q,"iss":"test-issuer","aud":"test-audience"}`, wallet)))
	return header + "." + claims + ".X"
}

// post issues an authenticated POST with a JSON body.
func (h *Harness) post(t *testing.T, path, wallet string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body for %s: %v", path, err)
		}
	}
	req, err := http.NewRequest("POST", h.URL()+path, &buf)
	if err != nil {
		t.Fatalf("failed to build request for %s: %v", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+h.token(wallet))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s failed: %v", path, err)
	}
	return resp
}

// RunConformanceTests runs the endpoint-level conformance checks.
func (h *Harness) RunConformanceTests(t *testing.T) {
	t.Run("HealthEndpoints", h.testHealthEndpoints)
	t.Run("EndpointSurface", h.testEndpointSurface)
	t.Run("AuthBoundary", h.testAuthBoundary)
}

// RunAcceptanceTests runs the end-to-end workflow checks.
func (h *Harness) RunAcceptanceTests(t *testing.T) {
	t.Run("FundingWorkflow", h.testFundingWorkflow)
	t.Run("BrowseExposure", h.testBrowseExposure)
}

// testHealthEndpoints tests the health check endpoints.
func (h *Harness) testHealthEndpoints(t *testing.T) {
	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(h.URL() + path)
		if err != nil {
			t.Fatalf("failed to GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("expected status 200 for %s, got %d", path, resp.StatusCode)
		}
	}
}

// testEndpointSurface verifies the public read endpoints answer.
func (h *Harness) testEndpointSurface(t *testing.T) {
	endpoints := []string{
		"/v1/hospitals",
		"/v1/requests",
		"/v1/donations",
	}
	for _, endpoint := range endpoints {
		resp, err := http.Get(h.URL() + endpoint)
		if err != nil {
			t.Errorf("failed to access endpoint %s: %v", endpoint, err)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("expected status 200 for %s, got %d", endpoint, resp.StatusCode)
		}
	}
}

// testAuthBoundary verifies mutations without a token are rejected.
func (h *Harness) testAuthBoundary(t *testing.T) {
	resp, err := http.Post(h.URL()+"/v1/patients/register", "application/json", nil)
	if err != nil {
		t.Fatalf("failed to POST without token: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected status 401 for unauthenticated mutation, got %d", resp.StatusCode)
	}
}

// testFundingWorkflow walks a request from creation through release.
func (h *Harness) testFundingWorkflow(t *testing.T) {
	const (
		patient  = "0x1000000000000000000000000000000000000001"
		donor    = "0x1000000000000000000000000000000000000002"
		hospital = "0x1000000000000000000000000000000000000003"
	)

	resp := h.post(t, "/v1/requests", patient, model.CreateRequestRequest{
		Name:           "conformance",
		Deadline:       time.Now().Add(24 * time.Hour).Unix(),
		HospitalWallet: hospital,
		GoalAmount:     10000,
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("createRequest returned %d", resp.StatusCode)
	}

	for _, step := range []model.VerificationStep{model.StepPatientCall, model.StepHospitalCrosscheck, model.StepPhysicalVisit} {
		resp = h.post(t, "/v1/requests/verify", h.owner, model.VerifyStepRequest{Patient: patient, Step: step})
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("verify step %s returned %d", step, resp.StatusCode)
		}
	}

	resp = h.post(t, "/v1/requests/donate", donor, model.DonateRequest{Patient: patient, Amount: 6000})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("donate returned %d", resp.StatusCode)
	}

	resp = h.post(t, "/v1/requests/release", h.owner, model.ReleaseFundsRequest{Patient: patient})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("release returned %d", resp.StatusCode)
	}

	// terminal: a second release must fail
	resp = h.post(t, "/v1/requests/release", h.owner, model.ReleaseFundsRequest{Patient: patient})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 for second release, got %d", resp.StatusCode)
	}
}

// testBrowseExposure verifies the funded request left the public view.
func (h *Harness) testBrowseExposure(t *testing.T) {
	resp, err := http.Get(h.URL() + "/v1/requests")
	if err != nil {
		t.Fatalf("failed to GET /v1/requests: %v", err)
	}
	defer resp.Body.Close()

	var browse struct {
		Data []model.FundingRequest `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&browse); err != nil {
		t.Fatalf("failed to decode browse response: %v", err)
	}
	for _, r := range browse.Data {
		if r.Funded || !r.Active || !r.Visible || !r.FullyVerified() {
			t.Errorf("request %s violates the browse exposure filter", r.Patient)
		}
	}
}
