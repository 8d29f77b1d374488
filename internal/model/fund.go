// internal/model/fund.go
// Package model defines the data structures used throughout the HealthFund service.
// These structures are the named projections of the operation log: hospitals, patients,
// medical records, funding requests, and donations. Handlers decode wire payloads into
// these types once at the edge; everything below the HTTP boundary works with them.
package model

import (
	"time"
)

// Hospital represents an entry in the hospital registry.
// Hospitals self-register as unverified; only the owner may flip the verified flag.
// This corresponds to the hospitals table in storage.
type Hospital struct {
	Wallet       string    `json:"wallet" db:"wallet"`              // Wallet address (unique key)
	Name         string    `json:"name" db:"name"`                  // Hospital name
	Location     string    `json:"location" db:"location"`          // City / address line
	DocumentCID  string    `json:"documentCid" db:"document_cid"`   // Content hash of the registration document
	Email        string    `json:"email" db:"email"`                // Contact email
	Contact      string    `json:"contact" db:"contact"`            // Contact number
	Verified     bool      `json:"verified" db:"verified"`          // Set by the owner only
	RegisteredAt time.Time `json:"registeredAt" db:"registered_at"` // When the hospital registered
}

// Patient represents a registered patient address.
// Registration is a precondition for uploading medical records.
type Patient struct {
	Wallet       string    `json:"wallet" db:"wallet"`
	RegisteredAt time.Time `json:"registeredAt" db:"registered_at"`
}

// MedicalRecord represents one record entry owned by a patient.
// Identity is (owner wallet, sequential index). Records are never deleted,
// only flagged for funding.
type MedicalRecord struct {
	Owner            string    `json:"owner" db:"owner"`                           // Patient wallet address
	Index            int       `json:"index" db:"idx"`                             // Sequential per-owner index
	Title            string    `json:"title" db:"title"`                           // Record title
	ContentCID       string    `json:"contentCid" db:"content_cid"`                // Content hash from the pinning service
	Description      string    `json:"description" db:"description"`               // Free-text description
	DoctorName       string    `json:"doctorName" db:"doctor_name"`                // Attending doctor
	SharedForFunding bool      `json:"sharedForFunding" db:"shared_for_funding"`   // Owner-toggled sharing flag
	UploadedAt       time.Time `json:"uploadedAt" db:"uploaded_at"`                // Upload time
}

// FundingRequest is the central workflow entity. One active request per patient.
// The three verification flags are advanced one at a time by admins; release
// requires all three and transfers TotalFunded to the hospital wallet.
type FundingRequest struct {
	Patient                    string    `json:"patient" db:"patient"`                // Requesting patient wallet (key)
	Name                       string    `json:"name" db:"name"`                      // Campaign / patient name
	Description                string    `json:"description" db:"description"`        // Why the funds are needed
	CreatedAt                  time.Time `json:"createdAt" db:"created_at"`           // Creation time
	Deadline                   time.Time `json:"deadline" db:"deadline"`              // Campaign deadline
	HospitalWallet             string    `json:"hospitalWallet" db:"hospital_wallet"` // Target hospital
	DiseaseType                string    `json:"diseaseType" db:"disease_type"`       // Condition category
	Contact                    string    `json:"contact" db:"contact"`                // Patient contact number
	GoalAmount                 int64     `json:"goalAmount" db:"goal_amount"`         // Funding goal
	TotalFunded                int64     `json:"totalFunded" db:"total_funded"`       // Cumulative accepted donations
	PatientCallVerified        bool      `json:"patientCallVerified" db:"patient_call_verified"`
	HospitalCrosscheckVerified bool      `json:"hospitalCrosscheckVerified" db:"hospital_crosscheck_verified"`
	PhysicalVisitVerified      bool      `json:"physicalVisitVerified" db:"physical_visit_verified"`
	Visible                    bool      `json:"visible" db:"visible"`     // Public listing opt-in
	Active                     bool      `json:"active" db:"active"`       // Cleared on rejection
	Funded                     bool      `json:"funded" db:"funded"`       // Terminal: funds released
	RecordCIDs                 []string  `json:"recordCids" db:"record_cids"` // Referenced medical record content hashes
}

// FullyVerified reports whether all three verification steps are complete.
func (r FundingRequest) FullyVerified() bool {
	return r.PatientCallVerified && r.HospitalCrosscheckVerified && r.PhysicalVisitVerified
}

// Browseable reports whether the request belongs in the public browse view.
// This is the single exposure invariant: visible, active, not funded, fully verified.
func (r FundingRequest) Browseable() bool {
	return r.Visible && r.Active && !r.Funded && r.FullyVerified()
}

// Donation is an append-only transaction record. Never mutated or removed.
type Donation struct {
	ID        string    `json:"id" db:"id"`               // ULID, lexicographically ordered
	Donor     string    `json:"donor" db:"donor"`         // Donor wallet address
	Patient   string    `json:"patient" db:"patient"`     // Recipient patient wallet
	Amount    int64     `json:"amount" db:"amount"`       // Donated amount
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// OperationLogEntry is one entry of the append-only operation log, the audit
// trail every projection above is derived from. Corresponds to the op_log table.
type OperationLogEntry struct {
	Sequence   int64          `json:"sequence" db:"seq"`
	Type       string         `json:"type" db:"type"`             // Operation type (e.g. fund.request.created)
	Ref        string         `json:"ref" db:"ref"`               // Affected entity key
	Caller     string         `json:"caller" db:"caller"`         // Wallet that performed the operation
	Payload    map[string]any `json:"payload" db:"payload"`       // Operation details
	OccurredAt time.Time      `json:"occurredAt" db:"occurred_at"`
}

// VerificationStep names one of the three admin verification actions.
type VerificationStep string

const (
	StepPatientCall        VerificationStep = "patientCall"
	StepHospitalCrosscheck VerificationStep = "hospitalCrosscheck"
	StepPhysicalVisit      VerificationStep = "physicalVisit"
)

// RegisterHospitalRequest is the wire payload for hospital self-registration.
type RegisterHospitalRequest struct {
	Name        string `json:"name"`
	Location    string `json:"location"`
	DocumentCID string `json:"documentCid"`
	Email       string `json:"email"`
	Contact     string `json:"contact"`
}

// VerifyHospitalRequest is the wire payload for the owner-only verify toggle.
type VerifyHospitalRequest struct {
	Hospital string `json:"hospital"`
	Verified bool   `json:"verified"`
}

// UploadRecordRequest is the wire payload for uploading a medical record.
type UploadRecordRequest struct {
	Title       string `json:"title"`
	ContentCID  string `json:"contentCid"`
	Description string `json:"description"`
	DoctorName  string `json:"doctorName"`
}

// GrantAccessRequest adds an address to the caller's record allow-list.
type GrantAccessRequest struct {
	Grantee string `json:"grantee"`
}

// ShareRecordRequest toggles the funding flag on one of the caller's records.
type ShareRecordRequest struct {
	Index  int  `json:"index"`
	Shared bool `json:"shared"`
}

// CreateRequestRequest is the wire payload for opening a funding request.
type CreateRequestRequest struct {
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	Deadline       int64    `json:"deadline"` // Unix seconds
	HospitalWallet string   `json:"hospitalWallet"`
	DiseaseType    string   `json:"diseaseType"`
	Contact        string   `json:"contact"`
	GoalAmount     int64    `json:"goalAmount"`
	RecordCIDs     []string `json:"recordCids,omitempty"`
}

// VerifyStepRequest advances one verification flag for a patient's request.
type VerifyStepRequest struct {
	Patient string           `json:"patient"`
	Step    VerificationStep `json:"step"`
}

// DonateRequest is the wire payload for a donation.
type DonateRequest struct {
	Patient string `json:"patient"`
	Amount  int64  `json:"amount"`
}

// ReleaseFundsRequest triggers the terminal funded transition.
type ReleaseFundsRequest struct {
	Patient string `json:"patient"`
}

// RejectRequestRequest clears the active flag (terminal rejection).
type RejectRequestRequest struct {
	Patient string `json:"patient"`
	Reason  string `json:"reason,omitempty"`
}

// AddAdminRequest grants admin rights; owner-only.
type AddAdminRequest struct {
	Admin string `json:"admin"`
}

// PinInitRequest asks for a presigned upload slot at the pinning boundary.
type PinInitRequest struct {
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
	SHA256   string `json:"sha256,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// PinInitData is returned from pin init: where to put the bytes, and until when.
type PinInitData struct {
	CID       string    `json:"cid"`       // Content hash the caller will record on the ledger
	UploadURL string    `json:"uploadUrl"` // Presigned URL for the raw bytes
	ExpiresAt time.Time `json:"expiresAt"` // Upload URL expiry
}

// PinVerifyRequest confirms an upload: the caller asserts the content hash of
// the bytes it put at the presigned URL.
type PinVerifyRequest struct {
	CID      string `json:"cid"`
	SHA256   string `json:"sha256"`
	Filename string `json:"filename,omitempty"`
}

// PinVerifyData reports the verified object as seen by the staging store.
type PinVerifyData struct {
	CID  string `json:"cid"`
	Size int64  `json:"size"`
}
