// internal/storage/memory.go
// Package storage provides implementations of the Store interface
// for both in-memory and PostgreSQL backends. The store holds the derived
// projections (hospitals, patients, records, requests, donations, admins,
// balances) plus the append-only operation log they are derived from.
package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Pawar-007/healthfund-go/internal/model"
)

// Standard errors returned by the storage layer.
var (
	ErrNotFound = errors.New("not found") // Returned when an entity does not exist
	ErrConflict = errors.New("conflict")  // Returned when an entity already exists or a guard failed
)

// Store defines the storage operations required by the HealthFund service.
// Every mutator maps to exactly one role-gated ledger operation; the role
// checks themselves live in the ledger package, not here.
type Store interface {
	// Hospital registry
	CreateHospital(ctx context.Context, h model.Hospital) error
	GetHospital(ctx context.Context, wallet string) (*model.Hospital, error)
	ListHospitals(ctx context.Context) ([]model.Hospital, error)
	SetHospitalVerified(ctx context.Context, wallet string, verified bool) error

	// Patient registry
	CreatePatient(ctx context.Context, wallet string, at time.Time) error
	IsPatient(ctx context.Context, wallet string) (bool, error)

	// Medical record store
	AppendRecord(ctx context.Context, rec model.MedicalRecord) (int, error)
	ListRecords(ctx context.Context, owner string) ([]model.MedicalRecord, error)
	SetRecordShared(ctx context.Context, owner string, index int, shared bool) error
	GrantAccess(ctx context.Context, owner, grantee string) error
	HasAccess(ctx context.Context, owner, grantee string) (bool, error)

	// Funding ledger
	CreateRequest(ctx context.Context, req model.FundingRequest) error
	GetRequest(ctx context.Context, patient string) (*model.FundingRequest, error)
	ListRequests(ctx context.Context) ([]model.FundingRequest, error)
	UpdateRequest(ctx context.Context, req model.FundingRequest) error
	// AddDonation appends the donation and increments the request's total in one step.
	AddDonation(ctx context.Context, d model.Donation) error
	ListDonations(ctx context.Context) ([]model.Donation, error)
	// ReleaseFunds marks the request funded and credits the hospital balance in one step.
	// Returns ErrConflict if the request is already funded.
	ReleaseFunds(ctx context.Context, patient, hospital string, amount int64) error
	GetBalance(ctx context.Context, wallet string) (int64, error)

	// Admin roles
	AddAdmin(ctx context.Context, wallet string) error
	IsAdmin(ctx context.Context, wallet string) (bool, error)

	// Operation log (append-only audit trail)
	AppendOp(ctx context.Context, op model.OperationLogEntry) error
	ListOps(ctx context.Context, limit int) ([]model.OperationLogEntry, error)
}

// memory implements the Store interface using in-memory maps.
// It is used for development, handler tests, and the conformance harness.
type memory struct {
	mu        sync.RWMutex
	hospitals map[string]*model.Hospital
	patients  map[string]time.Time
	records   map[string][]model.MedicalRecord // owner -> records, slice index == record index
	grants    map[string]map[string]bool       // owner -> grantee set
	requests  map[string]*model.FundingRequest // patient -> request
	donations []model.Donation
	balances  map[string]int64
	admins    map[string]bool
	ops       []model.OperationLogEntry
	nextSeq   int64
}

// NewMemory creates a new in-memory storage implementation.
func NewMemory() Store {
	return &memory{
		hospitals: make(map[string]*model.Hospital),
		patients:  make(map[string]time.Time),
		records:   make(map[string][]model.MedicalRecord),
		grants:    make(map[string]map[string]bool),
		requests:  make(map[string]*model.FundingRequest),
		balances:  make(map[string]int64),
		admins:    make(map[string]bool),
		nextSeq:   1,
	}
}

func (m *memory) CreateHospital(ctx context.Context, h model.Hospital) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.hospitals[h.Wallet]; exists {
		return ErrConflict
	}
	hCopy := h
	m.hospitals[h.Wallet] = &hCopy
	return nil
}

func (m *memory) GetHospital(ctx context.Context, wallet string) (*model.Hospital, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, exists := m.hospitals[wallet]
	if !exists {
		return nil, ErrNotFound
	}
	hCopy := *h
	return &hCopy, nil
}

func (m *memory) ListHospitals(ctx context.Context) ([]model.Hospital, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.Hospital, 0, len(m.hospitals))
	for _, h := range m.hospitals {
		out = append(out, *h)
	}
	return out, nil
}

func (m *memory) SetHospitalVerified(ctx context.Context, wallet string, verified bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, exists := m.hospitals[wallet]
	if !exists {
		return ErrNotFound
	}
	h.Verified = verified
	return nil
}

func (m *memory) CreatePatient(ctx context.Context, wallet string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.patients[wallet]; exists {
		return ErrConflict
	}
	m.patients[wallet] = at
	return nil
}

func (m *memory) IsPatient(ctx context.Context, wallet string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, exists := m.patients[wallet]
	return exists, nil
}

func (m *memory) AppendRecord(ctx context.Context, rec model.MedicalRecord) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.patients[rec.Owner]; !exists {
		return 0, ErrNotFound
	}
	rec.Index = len(m.records[rec.Owner])
	m.records[rec.Owner] = append(m.records[rec.Owner], rec)
	return rec.Index, nil
}

func (m *memory) ListRecords(ctx context.Context, owner string) ([]model.MedicalRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	recs := m.records[owner]
	out := make([]model.MedicalRecord, len(recs))
	copy(out, recs)
	return out, nil
}

func (m *memory) SetRecordShared(ctx context.Context, owner string, index int, shared bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	recs := m.records[owner]
	if index < 0 || index >= len(recs) {
		return ErrNotFound
	}
	recs[index].SharedForFunding = shared
	return nil
}

func (m *memory) GrantAccess(ctx context.Context, owner, grantee string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.grants[owner] == nil {
		m.grants[owner] = make(map[string]bool)
	}
	m.grants[owner][grantee] = true
	return nil
}

func (m *memory) HasAccess(ctx context.Context, owner, grantee string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.grants[owner][grantee], nil
}

func (m *memory) CreateRequest(ctx context.Context, req model.FundingRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, exists := m.requests[req.Patient]; exists && existing.Active && !existing.Funded {
		return ErrConflict
	}
	reqCopy := req
	m.requests[req.Patient] = &reqCopy
	return nil
}

func (m *memory) GetRequest(ctx context.Context, patient string) (*model.FundingRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	req, exists := m.requests[patient]
	if !exists {
		return nil, ErrNotFound
	}
	reqCopy := *req
	reqCopy.RecordCIDs = append([]string(nil), req.RecordCIDs...)
	return &reqCopy, nil
}

func (m *memory) ListRequests(ctx context.Context) ([]model.FundingRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.FundingRequest, 0, len(m.requests))
	for _, req := range m.requests {
		reqCopy := *req
		reqCopy.RecordCIDs = append([]string(nil), req.RecordCIDs...)
		out = append(out, reqCopy)
	}
	return out, nil
}

func (m *memory) UpdateRequest(ctx context.Context, req model.FundingRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.requests[req.Patient]; !exists {
		return ErrNotFound
	}
	reqCopy := req
	m.requests[req.Patient] = &reqCopy
	return nil
}

func (m *memory) AddDonation(ctx context.Context, d model.Donation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, exists := m.requests[d.Patient]
	if !exists {
		return ErrNotFound
	}
	m.donations = append(m.donations, d)
	req.TotalFunded += d.Amount
	return nil
}

func (m *memory) ListDonations(ctx context.Context) ([]model.Donation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.Donation, len(m.donations))
	copy(out, m.donations)
	return out, nil
}

func (m *memory) ReleaseFunds(ctx context.Context, patient, hospital string, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, exists := m.requests[patient]
	if !exists {
		return ErrNotFound
	}
	if req.Funded {
		return ErrConflict
	}
	req.Funded = true
	m.balances[hospital] += amount
	return nil
}

func (m *memory) GetBalance(ctx context.Context, wallet string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.balances[wallet], nil
}

func (m *memory) AddAdmin(ctx context.Context, wallet string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.admins[wallet] {
		return ErrConflict
	}
	m.admins[wallet] = true
	return nil
}

func (m *memory) IsAdmin(ctx context.Context, wallet string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.admins[wallet], nil
}

func (m *memory) AppendOp(ctx context.Context, op model.OperationLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	op.Sequence = m.nextSeq
	m.nextSeq++
	m.ops = append(m.ops, op)
	return nil
}

func (m *memory) ListOps(ctx context.Context, limit int) ([]model.OperationLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.ops) {
		limit = len(m.ops)
	}
	// Most recent first.
	out := make([]model.OperationLogEntry, 0, limit)
	for i := len(m.ops) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.ops[i])
	}
	return out, nil
}
