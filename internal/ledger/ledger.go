// internal/ledger/ledger.go
// Package ledger implements the funding workflow state machine and the other
// role-gated mutators of the HealthFund service: hospital registry, medical
// record store, and the funding ledger itself.
//
// Per-request states: Created -> PartiallyVerified -> FullyVerified ->
// Funded (terminal) or Rejected (terminal). Every transition is checked here,
// server-side, so correctness never depends on a trusted client. Mutations are
// serialized through a single mutex, mirroring the one-operation-at-a-time
// execution model of the ledger platform this design is derived from.
package ledger

import (
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Pawar-007/healthfund-go/internal/model"
	"github.com/Pawar-007/healthfund-go/internal/storage"
	"github.com/oklog/ulid/v2"
)

// Typed workflow errors. Handlers map these onto the service error taxonomy;
// everything else surfaces as an internal error.
var (
	ErrNotOwner             = errors.New("caller is not the owner")
	ErrNotAdmin             = errors.New("caller is not an admin")
	ErrPatientNotRegistered = errors.New("patient is not registered")
	ErrNotRecordOwner       = errors.New("record does not belong to the caller")
	ErrAccessDenied         = errors.New("no access grant for these records")
	ErrActiveRequestExists  = errors.New("caller already has an active funding request")
	ErrGoalBelowMinimum     = errors.New("goal amount is below the configured minimum")
	ErrRequestInactive      = errors.New("funding request is not active")
	ErrNotVerified          = errors.New("funding request is not fully verified")
	ErrAlreadyFunded        = errors.New("funding request is already funded")
	ErrGoalExceeded         = errors.New("donation would exceed the goal amount")
	ErrBadAmount            = errors.New("donation amount must be positive")
	ErrUnknownStep          = errors.New("unknown verification step")
)

// Operation types recorded in the op log.
const (
	OpHospitalRegistered = "fund.hospital.registered"
	OpHospitalVerified   = "fund.hospital.verified"
	OpPatientRegistered  = "fund.patient.registered"
	OpRecordUploaded     = "fund.record.uploaded"
	OpRecordShared       = "fund.record.shared"
	OpAccessGranted      = "fund.record.accessGranted"
	OpRequestCreated     = "fund.request.created"
	OpRequestVerified    = "fund.request.verified"
	OpRequestRejected    = "fund.request.rejected"
	OpDonationAccepted   = "fund.donation.accepted"
	OpFundsReleased      = "fund.request.released"
	OpAdminAdded         = "fund.admin.added"
	OpRequestExpired     = "fund.request.expired"
)

// Policy carries the configurable funding rules.
type Policy struct {
	MinGoalAmount int64 // createRequest rejects goals below this
	AllowOverfund bool  // when false, donations are capped at the goal
}

// Ledger owns all workflow state transitions. All reads go straight to the
// store; all writes take the mutex first.
type Ledger struct {
	mu     sync.Mutex
	store  storage.Store
	owner  string // normalized owner wallet
	policy Policy
	now    func() time.Time
}

// New creates a Ledger over the given store. owner must already be normalized.
func New(store storage.Store, owner string, policy Policy) *Ledger {
	return &Ledger{
		store:  store,
		owner:  owner,
		policy: policy,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source. Test hook.
func (l *Ledger) SetClock(now func() time.Time) { l.now = now }

// Owner returns the distinguished owner wallet.
func (l *Ledger) Owner() string { return l.owner }

// IsAdmin reports whether addr holds admin rights. The owner is implicitly an admin.
func (l *Ledger) IsAdmin(ctx context.Context, addr string) (bool, error) {
	if addr == l.owner {
		return true, nil
	}
	return l.store.IsAdmin(ctx, addr)
}

// requireAdmin returns ErrNotAdmin unless caller holds admin rights.
func (l *Ledger) requireAdmin(ctx context.Context, caller string) error {
	ok, err := l.IsAdmin(ctx, caller)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotAdmin
	}
	return nil
}

// logOp appends to the audit trail. Failures are logged, never fatal: the
// projection mutation has already committed.
func (l *Ledger) logOp(ctx context.Context, opType, ref, caller string, payload map[string]any) {
	op := model.OperationLogEntry{
		Type:       opType,
		Ref:        ref,
		Caller:     caller,
		Payload:    payload,
		OccurredAt: l.now(),
	}
	if err := l.store.AppendOp(ctx, op); err != nil {
		slog.Warn("failed to append operation log entry", "type", opType, "ref", ref, "error", err)
	}
}

// RegisterHospital creates an unverified hospital record keyed by the caller.
// Returns storage.ErrConflict if the address is already registered.
func (l *Ledger) RegisterHospital(ctx context.Context, caller string, req model.RegisterHospitalRequest) (*model.Hospital, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	h := model.Hospital{
		Wallet:       caller,
		Name:         req.Name,
		Location:     req.Location,
		DocumentCID:  req.DocumentCID,
		Email:        req.Email,
		Contact:      req.Contact,
		Verified:     false,
		RegisteredAt: l.now(),
	}
	if err := l.store.CreateHospital(ctx, h); err != nil {
		return nil, err
	}
	l.logOp(ctx, OpHospitalRegistered, caller, caller, map[string]any{"name": req.Name})
	return &h, nil
}

// VerifyHospital toggles the verified flag. Owner-only; the flag may also be
// revoked by passing verified=false.
func (l *Ledger) VerifyHospital(ctx context.Context, caller, hospital string, verified bool) error {
	if caller != l.owner {
		return ErrNotOwner
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.store.SetHospitalVerified(ctx, hospital, verified); err != nil {
		return err
	}
	l.logOp(ctx, OpHospitalVerified, hospital, caller, map[string]any{"verified": verified})
	return nil
}

// Hospitals returns every registry entry; filtering happens client-side.
func (l *Ledger) Hospitals(ctx context.Context) ([]model.Hospital, error) {
	return l.store.ListHospitals(ctx)
}

// RegisterPatient marks the caller as a known patient. Re-registering is a no-op.
func (l *Ledger) RegisterPatient(ctx context.Context, caller string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	err := l.store.CreatePatient(ctx, caller, l.now())
	if errors.Is(err, storage.ErrConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	l.logOp(ctx, OpPatientRegistered, caller, caller, nil)
	return nil
}

// UploadRecord appends a record under the caller. The caller must be a
// registered patient; nothing is appended otherwise.
func (l *Ledger) UploadRecord(ctx context.Context, caller string, req model.UploadRecordRequest) (*model.MedicalRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	registered, err := l.store.IsPatient(ctx, caller)
	if err != nil {
		return nil, err
	}
	if !registered {
		return nil, ErrPatientNotRegistered
	}

	rec := model.MedicalRecord{
		Owner:       caller,
		Title:       req.Title,
		ContentCID:  req.ContentCID,
		Description: req.Description,
		DoctorName:  req.DoctorName,
		UploadedAt:  l.now(),
	}
	idx, err := l.store.AppendRecord(ctx, rec)
	if err != nil {
		return nil, err
	}
	rec.Index = idx
	l.logOp(ctx, OpRecordUploaded, caller, caller, map[string]any{"index": idx, "cid": req.ContentCID})
	return &rec, nil
}

// RecordsOf returns owner's records. Callers other than the owner need an
// explicit access grant; granted callers may read but never mutate.
func (l *Ledger) RecordsOf(ctx context.Context, caller, owner string) ([]model.MedicalRecord, error) {
	if caller != owner {
		ok, err := l.store.HasAccess(ctx, owner, caller)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrAccessDenied
		}
	}
	return l.store.ListRecords(ctx, owner)
}

// GrantAccess adds grantee to the caller's allow-list. Idempotent.
func (l *Ledger) GrantAccess(ctx context.Context, caller, grantee string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.store.GrantAccess(ctx, caller, grantee); err != nil {
		return err
	}
	l.logOp(ctx, OpAccessGranted, caller, caller, map[string]any{"grantee": grantee})
	return nil
}

// ShareRecord toggles the shared-for-funding flag on one of the caller's own
// records. Fails when the index does not belong to the caller.
func (l *Ledger) ShareRecord(ctx context.Context, caller string, index int, shared bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	err := l.store.SetRecordShared(ctx, caller, index, shared)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotRecordOwner
	}
	if err != nil {
		return err
	}
	l.logOp(ctx, OpRecordShared, caller, caller, map[string]any{"index": index, "shared": shared})
	return nil
}

// CreateRequest opens a funding request for the caller: none -> Created.
// One live request per patient; goals below the policy minimum are rejected.
func (l *Ledger) CreateRequest(ctx context.Context, caller string, req model.CreateRequestRequest) (*model.FundingRequest, error) {
	if req.GoalAmount < l.policy.MinGoalAmount {
		return nil, ErrGoalBelowMinimum
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	fr := model.FundingRequest{
		Patient:        caller,
		Name:           req.Name,
		Description:    req.Description,
		CreatedAt:      l.now(),
		Deadline:       time.Unix(req.Deadline, 0).UTC(),
		HospitalWallet: req.HospitalWallet,
		DiseaseType:    req.DiseaseType,
		Contact:        req.Contact,
		GoalAmount:     req.GoalAmount,
		Visible:        true,
		Active:         true,
		RecordCIDs:     append([]string(nil), req.RecordCIDs...),
	}
	err := l.store.CreateRequest(ctx, fr)
	if errors.Is(err, storage.ErrConflict) {
		return nil, ErrActiveRequestExists
	}
	if err != nil {
		return nil, err
	}
	l.logOp(ctx, OpRequestCreated, caller, caller, map[string]any{"goal": req.GoalAmount, "hospital": req.HospitalWallet})
	return &fr, nil
}

// VerifyStep advances exactly one verification flag. Admin-only; re-verifying
// an already-true flag is a no-op, not an error.
func (l *Ledger) VerifyStep(ctx context.Context, caller, patient string, step model.VerificationStep) (*model.FundingRequest, error) {
	if err := l.requireAdmin(ctx, caller); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	req, err := l.store.GetRequest(ctx, patient)
	if err != nil {
		return nil, err
	}
	if !req.Active {
		return nil, ErrRequestInactive
	}

	var already bool
	switch step {
	case model.StepPatientCall:
		already = req.PatientCallVerified
		req.PatientCallVerified = true
	case model.StepHospitalCrosscheck:
		already = req.HospitalCrosscheckVerified
		req.HospitalCrosscheckVerified = true
	case model.StepPhysicalVisit:
		already = req.PhysicalVisitVerified
		req.PhysicalVisitVerified = true
	default:
		return nil, ErrUnknownStep
	}
	if already {
		return req, nil
	}

	if err := l.store.UpdateRequest(ctx, *req); err != nil {
		return nil, err
	}
	l.logOp(ctx, OpRequestVerified, patient, caller, map[string]any{"step": string(step)})
	return req, nil
}

// Donate accepts a donation while the request is active, fully verified and
// not yet funded. TotalFunded only ever grows here, and only up to the goal
// unless overfunding is allowed by policy.
func (l *Ledger) Donate(ctx context.Context, donor, patient string, amount int64) (*model.Donation, error) {
	if amount <= 0 {
		return nil, ErrBadAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	req, err := l.store.GetRequest(ctx, patient)
	if err != nil {
		return nil, err
	}
	if !req.Active {
		return nil, ErrRequestInactive
	}
	if req.Funded {
		return nil, ErrAlreadyFunded
	}
	if !req.FullyVerified() {
		return nil, ErrNotVerified
	}
	if !l.policy.AllowOverfund && req.TotalFunded+amount > req.GoalAmount {
		return nil, ErrGoalExceeded
	}

	d := model.Donation{
		ID:        ulid.MustNew(ulid.Timestamp(l.now()), rand.Reader).String(),
		Donor:     donor,
		Patient:   patient,
		Amount:    amount,
		CreatedAt: l.now(),
	}
	if err := l.store.AddDonation(ctx, d); err != nil {
		return nil, err
	}
	l.logOp(ctx, OpDonationAccepted, patient, donor, map[string]any{"amount": amount, "id": d.ID})
	return &d, nil
}

// Release transfers the accumulated total to the hospital wallet and marks the
// request funded: FullyVerified -> Funded (terminal). Admin-only. A second
// release fails with ErrAlreadyFunded.
func (l *Ledger) Release(ctx context.Context, caller, patient string) (*model.FundingRequest, error) {
	if err := l.requireAdmin(ctx, caller); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	req, err := l.store.GetRequest(ctx, patient)
	if err != nil {
		return nil, err
	}
	if req.Funded {
		return nil, ErrAlreadyFunded
	}
	if !req.FullyVerified() {
		return nil, ErrNotVerified
	}

	err = l.store.ReleaseFunds(ctx, patient, req.HospitalWallet, req.TotalFunded)
	if errors.Is(err, storage.ErrConflict) {
		return nil, ErrAlreadyFunded
	}
	if err != nil {
		return nil, err
	}
	req.Funded = true
	l.logOp(ctx, OpFundsReleased, patient, caller, map[string]any{"amount": req.TotalFunded, "hospital": req.HospitalWallet})
	return req, nil
}

// Reject clears the active flag: terminal rejection. Admin-only.
func (l *Ledger) Reject(ctx context.Context, caller, patient, reason string) error {
	if err := l.requireAdmin(ctx, caller); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	req, err := l.store.GetRequest(ctx, patient)
	if err != nil {
		return err
	}
	if req.Funded {
		return ErrAlreadyFunded
	}
	if !req.Active {
		return ErrRequestInactive
	}
	req.Active = false
	req.Visible = false
	if err := l.store.UpdateRequest(ctx, *req); err != nil {
		return err
	}
	l.logOp(ctx, OpRequestRejected, patient, caller, map[string]any{"reason": reason})
	return nil
}

// AddAdmin grants admin rights. Owner-only; granting twice is a no-op.
func (l *Ledger) AddAdmin(ctx context.Context, caller, admin string) error {
	if caller != l.owner {
		return ErrNotOwner
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	err := l.store.AddAdmin(ctx, admin)
	if errors.Is(err, storage.ErrConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	l.logOp(ctx, OpAdminAdded, admin, caller, nil)
	return nil
}

// Requests returns every funding request, unfiltered. Admin/audit surface.
func (l *Ledger) Requests(ctx context.Context) ([]model.FundingRequest, error) {
	return l.store.ListRequests(ctx)
}

// Request returns the request for one patient.
func (l *Ledger) Request(ctx context.Context, patient string) (*model.FundingRequest, error) {
	return l.store.GetRequest(ctx, patient)
}

// Browse returns exactly the publicly exposable set: visible, active, not
// funded, all three verification flags true. This is the one place the
// exposure filter is computed; every public listing goes through it.
func (l *Ledger) Browse(ctx context.Context) ([]model.FundingRequest, error) {
	all, err := l.store.ListRequests(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.FundingRequest, 0, len(all))
	for _, r := range all {
		if r.Browseable() {
			out = append(out, r)
		}
	}
	return out, nil
}

// Pending returns active requests with at least one verification flag unset.
func (l *Ledger) Pending(ctx context.Context) ([]model.FundingRequest, error) {
	all, err := l.store.ListRequests(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.FundingRequest, 0, len(all))
	for _, r := range all {
		if r.Active && !r.Funded && !r.FullyVerified() {
			out = append(out, r)
		}
	}
	return out, nil
}

// Funded returns requests whose funds have been released.
func (l *Ledger) Funded(ctx context.Context) ([]model.FundingRequest, error) {
	all, err := l.store.ListRequests(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.FundingRequest, 0, len(all))
	for _, r := range all {
		if r.Funded {
			out = append(out, r)
		}
	}
	return out, nil
}

// Donations returns the full append-only transaction log.
func (l *Ledger) Donations(ctx context.Context) ([]model.Donation, error) {
	return l.store.ListDonations(ctx)
}

// HospitalBalance returns the funds credited to a hospital wallet by releases.
func (l *Ledger) HospitalBalance(ctx context.Context, wallet string) (int64, error) {
	return l.store.GetBalance(ctx, wallet)
}

// Ops returns the most recent operation log entries.
func (l *Ledger) Ops(ctx context.Context, limit int) ([]model.OperationLogEntry, error) {
	return l.store.ListOps(ctx, limit)
}

// SweepExpired hides unfunded requests whose deadline has passed from the
// public browse view. Returns the number of requests swept. Run by the
// deadline cron job; harmless to run twice.
func (l *Ledger) SweepExpired(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	all, err := l.store.ListRequests(ctx)
	if err != nil {
		return 0, err
	}

	now := l.now()
	swept := 0
	for _, r := range all {
		if !r.Visible || r.Funded || r.Deadline.After(now) {
			continue
		}
		r.Visible = false
		if err := l.store.UpdateRequest(ctx, r); err != nil {
			return swept, err
		}
		l.logOp(ctx, OpRequestExpired, r.Patient, l.owner, map[string]any{"deadline": r.Deadline})
		swept++
	}
	return swept, nil
}
