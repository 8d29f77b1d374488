// internal/server/mux_test.go
// Package server provides unit tests for the HTTP handlers and routing.
package server

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
	"github.com/Pawar-007/healthfund-go/internal/jwks"
	"github.com/Pawar-007/healthfund-go/internal/ledger"
	"github.com/Pawar-007/healthfund-go/internal/model"
	"github.com/Pawar-007/healthfund-go/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	ownerWallet    = "0x00000000000000000000000000000000000000aa"
	adminWallet    = "0x00000000000000000000000000000000000000ab"
	patientWallet  = "0x0000000000000000000000000000000000000001"
	donorWallet    = "0x0000000000000000000000000000000000000010"
	hospitalWallet = "0x0000000000000000000000000000000000000099"
)

// mockPublisher implements event.Publisher for testing purposes.
type mockPublisher struct{}

func (m *mockPublisher) PublishRequestCreated(ctx context.Context, req model.FundingRequest) error {
	return nil
}
func (m *mockPublisher) PublishRequestVerified(ctx context.Context, req model.FundingRequest, step model.VerificationStep) error {
	return nil
}
func (m *mockPublisher) PublishDonationAccepted(ctx context.Context, d model.Donation) error {
	return nil
}
func (m *mockPublisher) PublishFundsReleased(ctx context.Context, req model.FundingRequest) error {
	return nil
}
func (m *mockPublisher) PublishHospitalRegistered(ctx context.Context, h model.Hospital) error {
	return nil
}
func (m *mockPublisher) PublishRecordUploaded(ctx context.Context, rec model.MedicalRecord) error {
	return nil
}
func (m *mockPublisher) Close() error { return nil }

// testToken builds an unsigned JWT the test JWKS client accepts, with the
// given wallet as subject.
func testToken(sub string) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	claims := base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprintf(
		`{"sub":%q,"iss":"test-issuer","aud":"test-audience"}`, sub)))
	return header + "." + claims + ".X"
}

func newTestMux(t *testing.T) *http.ServeMux {
	t.Helper()
	l := ledger.New(storage.NewMemory(), ownerWallet, ledger.Policy{MinGoalAmount: 5000})
	require.NoError(t, l.AddAdmin(context.Background(), ownerWallet, adminWallet))

	cfg := config.Config{
		Env:              "test",
		JWTIssuer:        "test-issuer",
		JWTAudience:      "test-audience",
		OwnerAddress:     ownerWallet,
		MaxPinSize:       1024,
		AllowedMimeTypes: []string{"application/pdf", "image/png"},
	}
	return NewMux(l, &mockPublisher{}, jwks.NewTestClient(), nil, cfg)
}

// do issues a request and returns the recorder. An empty wallet means
// unauthenticated.
func do(t *testing.T, mux *http.ServeMux, method, path, wallet string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if wallet != "" {
		req.Header.Set("Authorization", "Bearer "+testToken(wallet))
	}
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp.Error.Code
}

func TestHealthzEndpoint(t *testing.T) {
	mux := newTestMux(t)

	rr := do(t, mux, "GET", "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())
}

func TestReadyzEndpoint(t *testing.T) {
	mux := newTestMux(t)

	rr := do(t, mux, "GET", "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())
}

func TestMutationsRequireAuthentication(t *testing.T) {
	mux := newTestMux(t)

	rr := do(t, mux, "POST", "/v1/patients/register", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "HF_AUTHN", errorCode(t, rr))
}

func TestRegisterHospitalSchemaReject(t *testing.T) {
	mux := newTestMux(t)

	// location missing
	rr := do(t, mux, "POST", "/v1/hospitals", hospitalWallet, map[string]interface{}{
		"name": "City Care",
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "HF_SCHEMA_REJECT", errorCode(t, rr))
}

func TestVerifyHospitalOwnerOnly(t *testing.T) {
	mux := newTestMux(t)

	rr := do(t, mux, "POST", "/v1/hospitals", hospitalWallet, map[string]interface{}{
		"name": "City Care", "location": "Pune",
	})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, mux, "POST", "/v1/hospitals/verify", adminWallet, model.VerifyHospitalRequest{
		Hospital: hospitalWallet, Verified: true,
	})
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "HF_AUTHZ", errorCode(t, rr))

	rr = do(t, mux, "POST", "/v1/hospitals/verify", ownerWallet, model.VerifyHospitalRequest{
		Hospital: hospitalWallet, Verified: true,
	})
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, mux, "GET", "/v1/hospitals", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var listResp struct {
		Data []model.Hospital `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &listResp))
	require.Len(t, listResp.Data, 1)
	assert.True(t, listResp.Data[0].Verified)
}

func TestUploadRecordRequiresRegistration(t *testing.T) {
	mux := newTestMux(t)

	payload := model.UploadRecordRequest{Title: "MRI scan", ContentCID: "bafytestcid"}
	rr := do(t, mux, "POST", "/v1/records", patientWallet, payload)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Equal(t, "HF_PRECONDITION", errorCode(t, rr))

	rr = do(t, mux, "POST", "/v1/patients/register", patientWallet, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, mux, "POST", "/v1/records", patientWallet, payload)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, mux, "GET", "/v1/records", patientWallet, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var recResp struct {
		Data []model.MedicalRecord `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &recResp))
	require.Len(t, recResp.Data, 1)
	assert.Equal(t, "MRI scan", recResp.Data[0].Title)

	// third party without a grant is denied
	rr = do(t, mux, "GET", "/v1/records?owner="+patientWallet, donorWallet, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func createRequestPayload(goal int64) model.CreateRequestRequest {
	return model.CreateRequestRequest{
		Name:           "Asha",
		Description:    "cardiac surgery",
		Deadline:       time.Now().Add(30 * 24 * time.Hour).Unix(),
		HospitalWallet: hospitalWallet,
		DiseaseType:    "cardiac",
		Contact:        "+91-99999-00000",
		GoalAmount:     goal,
	}
}

func TestFundingWorkflowOverHTTP(t *testing.T) {
	mux := newTestMux(t)

	rr := do(t, mux, "POST", "/v1/requests", patientWallet, createRequestPayload(10000))
	require.Equal(t, http.StatusOK, rr.Code)

	// second create conflicts
	rr = do(t, mux, "POST", "/v1/requests", patientWallet, createRequestPayload(20000))
	assert.Equal(t, http.StatusConflict, rr.Code)

	// unverified requests are not browseable
	rr = do(t, mux, "GET", "/v1/requests", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var browseResp struct {
		Data []model.FundingRequest `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &browseResp))
	assert.Empty(t, browseResp.Data)

	// donations are rejected until all three steps are verified
	rr = do(t, mux, "POST", "/v1/requests/donate", donorWallet, model.DonateRequest{
		Patient: patientWallet, Amount: 1000,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Equal(t, "HF_NOT_VERIFIED", errorCode(t, rr))

	for _, step := range []model.VerificationStep{model.StepPatientCall, model.StepHospitalCrosscheck, model.StepPhysicalVisit} {
		rr = do(t, mux, "POST", "/v1/requests/verify", adminWallet, model.VerifyStepRequest{
			Patient: patientWallet, Step: step,
		})
		require.Equal(t, http.StatusOK, rr.Code, "step %s", step)
	}

	rr = do(t, mux, "GET", "/v1/requests", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &browseResp))
	require.Len(t, browseResp.Data, 1)

	rr = do(t, mux, "POST", "/v1/requests/donate", donorWallet, model.DonateRequest{
		Patient: patientWallet, Amount: 4000,
	})
	require.Equal(t, http.StatusOK, rr.Code)

	// overshooting the goal is rejected
	rr = do(t, mux, "POST", "/v1/requests/donate", donorWallet, model.DonateRequest{
		Patient: patientWallet, Amount: 7000,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Equal(t, "HF_GOAL_EXCEEDED", errorCode(t, rr))

	// release is admin-only
	rr = do(t, mux, "POST", "/v1/requests/release", donorWallet, model.ReleaseFundsRequest{
		Patient: patientWallet,
	})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = do(t, mux, "POST", "/v1/requests/release", adminWallet, model.ReleaseFundsRequest{
		Patient: patientWallet,
	})
	require.Equal(t, http.StatusOK, rr.Code)

	// a second release fails terminally
	rr = do(t, mux, "POST", "/v1/requests/release", adminWallet, model.ReleaseFundsRequest{
		Patient: patientWallet,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Equal(t, "HF_ALREADY_FUNDED", errorCode(t, rr))

	// the hospital balance reflects the released total
	rr = do(t, mux, "GET", "/v1/hospitals/balance?wallet="+hospitalWallet, "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var balResp struct {
		Data struct {
			Balance int64 `json:"balance"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &balResp))
	assert.Equal(t, int64(4000), balResp.Data.Balance)

	// the donation shows up in the public transaction log
	rr = do(t, mux, "GET", "/v1/donations", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var donResp struct {
		Data []model.Donation `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &donResp))
	require.Len(t, donResp.Data, 1)
	assert.Equal(t, donorWallet, donResp.Data[0].Donor)
	assert.Equal(t, int64(4000), donResp.Data[0].Amount)
}

func TestAdminViewsAreGated(t *testing.T) {
	mux := newTestMux(t)

	rr := do(t, mux, "POST", "/v1/requests", patientWallet, createRequestPayload(10000))
	require.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, mux, "GET", "/v1/requests/all", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = do(t, mux, "GET", "/v1/requests/all", donorWallet, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = do(t, mux, "GET", "/v1/requests/pending", adminWallet, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var resp struct {
		Data []model.FundingRequest `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Len(t, resp.Data, 1)
}

func TestBadAddressRejected(t *testing.T) {
	mux := newTestMux(t)

	rr := do(t, mux, "POST", "/v1/hospitals/verify", ownerWallet, model.VerifyHospitalRequest{
		Hospital: "not-an-address", Verified: true,
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "HF_BAD_ADDRESS", errorCode(t, rr))
}

func TestPinInitLimits(t *testing.T) {
	mux := newTestMux(t)

	// size over the 1KB test limit
	rr := do(t, mux, "POST", "/v1/pin/init", patientWallet, model.PinInitRequest{
		MimeType: "application/pdf", Size: 2048,
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "HF_PIN_SIZE", errorCode(t, rr))

	// disallowed type
	rr = do(t, mux, "POST", "/v1/pin/init", patientWallet, model.PinInitRequest{
		MimeType: "video/mp4", Size: 512,
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "HF_PIN_TYPE", errorCode(t, rr))

	// accepted type under the limit gets an upload slot
	rr = do(t, mux, "POST", "/v1/pin/init", patientWallet, model.PinInitRequest{
		MimeType: "application/pdf", Size: 512,
	})
	require.Equal(t, http.StatusOK, rr.Code)
	var pinResp struct {
		Data model.PinInitData `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &pinResp))
	assert.NotEmpty(t, pinResp.Data.CID)
	assert.NotEmpty(t, pinResp.Data.UploadURL)
}

func TestPinVerify(t *testing.T) {
	mux := newTestMux(t)

	// cid and sha256 are both required
	rr := do(t, mux, "POST", "/v1/pin/verify", patientWallet, model.PinVerifyRequest{
		CID: "some-cid",
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "HF_VALIDATION", errorCode(t, rr))

	// with no staging store configured the asserted hash is accepted as-is
	rr = do(t, mux, "POST", "/v1/pin/verify", patientWallet, model.PinVerifyRequest{
		CID: "some-cid", SHA256: "deadbeef",
	})
	require.Equal(t, http.StatusOK, rr.Code)
	var verifyResp struct {
		Data model.PinVerifyData `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &verifyResp))
	assert.Equal(t, "some-cid", verifyResp.Data.CID)
}

func TestAddAdminOwnerOnlyOverHTTP(t *testing.T) {
	mux := newTestMux(t)

	rr := do(t, mux, "POST", "/v1/admins", adminWallet, model.AddAdminRequest{Admin: donorWallet})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = do(t, mux, "POST", "/v1/admins", ownerWallet, model.AddAdminRequest{Admin: donorWallet})
	assert.Equal(t, http.StatusOK, rr.Code)
}
