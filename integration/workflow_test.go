// integration/workflow_test.go
// Package integration exercises the service across package boundaries: JWT
// session handling through the JWKS client, and the record sharing workflow
// over real HTTP round trips.
package integration

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Pawar-007/healthfund-go/internal/config"
	"github.com/Pawar-007/healthfund-go/internal/jwks"
	"github.com/Pawar-007/healthfund-go/internal/ledger"
	"github.com/Pawar-007/healthfund-go/internal/model"
	"github.com/Pawar-007/healthfund-go/internal/server"
	"github.com/Pawar-007/healthfund-go/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testIssuer   = "test-issuer"
	testAudience = "test-audience"
	ownerWallet  = "0x00000000000000000000000000000000000000aa"
)

// collectingPublisher records published events for assertions.
type collectingPublisher struct {
	requests  []model.FundingRequest
	donations []model.Donation
	records   []model.MedicalRecord
}

func (p *collectingPublisher) PublishRequestCreated(ctx context.Context, req model.FundingRequest) error {
	p.requests = append(p.requests, req)
	return nil
}
func (p *collectingPublisher) PublishRequestVerified(ctx context.Context, req model.FundingRequest, step model.VerificationStep) error {
	return nil
}
func (p *collectingPublisher) PublishDonationAccepted(ctx context.Context, d model.Donation) error {
	p.donations = append(p.donations, d)
	return nil
}
func (p *collectingPublisher) PublishFundsReleased(ctx context.Context, req model.FundingRequest) error {
	return nil
}
func (p *collectingPublisher) PublishHospitalRegistered(ctx context.Context, h model.Hospital) error {
	return nil
}
func (p *collectingPublisher) PublishRecordUploaded(ctx context.Context, rec model.MedicalRecord) error {
	p.records = append(p.records, rec)
	return nil
}
func (p *collectingPublisher) Close() error { return nil }

func unsignedToken(sub, iss, aud string) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	claims := base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprintf(
		`{"sub":%q,"iss":%q,"aud":%q}`, sub, iss, aud)))
	return header + "." + claims + ".X"
}

func TestJWTSessionBoundary(t *testing.T) {
	ctx := context.Background()
	client := jwks.NewTestClient()

	wallet := "0x00000000000000000000000000000000000000AB"

	claims, err := client.ValidateJWT(ctx, unsignedToken(wallet, testIssuer, testAudience), testIssuer, testAudience)
	require.NoError(t, err)

	// the subject is normalized to the canonical lowercase form
	caller, err := jwks.CallerWallet(claims)
	require.NoError(t, err)
	assert.Equal(t, "0x00000000000000000000000000000000000000ab", caller)

	// wrong issuer and audience are rejected
	_, err = client.ValidateJWT(ctx, unsignedToken(wallet, "other-issuer", testAudience), testIssuer, testAudience)
	assert.Error(t, err)
	_, err = client.ValidateJWT(ctx, unsignedToken(wallet, testIssuer, "other-audience"), testIssuer, testAudience)
	assert.Error(t, err)

	// a subject that is not a wallet address is rejected
	claims, err = client.ValidateJWT(ctx, unsignedToken("did:example:123", testIssuer, testAudience), testIssuer, testAudience)
	require.NoError(t, err)
	_, err = jwks.CallerWallet(claims)
	assert.Error(t, err)
}

func newIntegrationServer(t *testing.T, pub *collectingPublisher) *httptest.Server {
	t.Helper()

	l := ledger.New(storage.NewMemory(), ownerWallet, ledger.Policy{MinGoalAmount: 5000})
	cfg := config.Config{
		Env:              "test",
		JWTIssuer:        testIssuer,
		JWTAudience:      testAudience,
		OwnerAddress:     ownerWallet,
		MaxPinSize:       10 * 1024 * 1024,
		AllowedMimeTypes: []string{"application/pdf"},
	}
	ts := httptest.NewServer(server.NewMux(l, pub, jwks.NewTestClient(), nil, cfg))
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url, wallet string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest("POST", url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+unsignedToken(wallet, testIssuer, testAudience))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func getJSON(t *testing.T, url, wallet string, dst interface{}) int {
	t.Helper()
	req, err := http.NewRequest("GET", url, nil)
	require.NoError(t, err)
	if wallet != "" {
		req.Header.Set("Authorization", "Bearer "+unsignedToken(wallet, testIssuer, testAudience))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if dst != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(dst))
	}
	return resp.StatusCode
}

func TestRecordSharingAcrossSessions(t *testing.T) {
	const (
		patient = "0x2000000000000000000000000000000000000001"
		doctor  = "0x2000000000000000000000000000000000000002"
	)

	pub := &collectingPublisher{}
	ts := newIntegrationServer(t, pub)

	resp := postJSON(t, ts.URL+"/v1/patients/register", patient, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/v1/records", patient, model.UploadRecordRequest{
		Title:      "discharge summary",
		ContentCID: "bafyintegrationcid",
		DoctorName: "Dr. Rao",
	})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, pub.records, 1)

	// the doctor cannot read before a grant
	status := getJSON(t, ts.URL+"/v1/records?owner="+patient, doctor, nil)
	assert.Equal(t, http.StatusForbidden, status)

	resp = postJSON(t, ts.URL+"/v1/records/grant", patient, model.GrantAccessRequest{Grantee: doctor})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var recResp struct {
		Data []model.MedicalRecord `json:"data"`
	}
	status = getJSON(t, ts.URL+"/v1/records?owner="+patient, doctor, &recResp)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, recResp.Data, 1)
	assert.Equal(t, "discharge summary", recResp.Data[0].Title)

	// grants are read-only: the doctor cannot toggle the sharing flag
	resp = postJSON(t, ts.URL+"/v1/records/share", doctor, model.ShareRecordRequest{Index: 0, Shared: true})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestEventsFlowFromWorkflow(t *testing.T) {
	const (
		patient  = "0x3000000000000000000000000000000000000001"
		donor    = "0x3000000000000000000000000000000000000002"
		hospital = "0x3000000000000000000000000000000000000003"
	)

	pub := &collectingPublisher{}
	ts := newIntegrationServer(t, pub)

	resp := postJSON(t, ts.URL+"/v1/requests", patient, model.CreateRequestRequest{
		Name:           "integration",
		Deadline:       4102444800, // far-future fixture deadline
		HospitalWallet: hospital,
		GoalAmount:     10000,
	})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, pub.requests, 1)
	assert.Equal(t, patient, pub.requests[0].Patient)

	for _, step := range []model.VerificationStep{model.StepPatientCall, model.StepHospitalCrosscheck, model.StepPhysicalVisit} {
		resp = postJSON(t, ts.URL+"/v1/requests/verify", ownerWallet, model.VerifyStepRequest{Patient: patient, Step: step})
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp = postJSON(t, ts.URL+"/v1/requests/donate", donor, model.DonateRequest{Patient: patient, Amount: 2500})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, pub.donations, 1)
	assert.Equal(t, int64(2500), pub.donations[0].Amount)
	assert.Equal(t, donor, pub.donations[0].Donor)
}
