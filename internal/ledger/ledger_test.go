package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/Pawar-007/healthfund-go/internal/model"
	"github.com/Pawar-007/healthfund-go/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	owner    = "0x00000000000000000000000000000000000000aa"
	admin    = "0x00000000000000000000000000000000000000ab"
	patient  = "0x0000000000000000000000000000000000000001"
	patient2 = "0x0000000000000000000000000000000000000002"
	donor    = "0x0000000000000000000000000000000000000010"
	hospital = "0x0000000000000000000000000000000000000099"
	stranger = "0x00000000000000000000000000000000000000ff"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l := New(storage.NewMemory(), owner, Policy{MinGoalAmount: 5000})
	require.NoError(t, l.AddAdmin(context.Background(), owner, admin))
	return l
}

func createVerifiedRequest(t *testing.T, l *Ledger, goal int64) {
	t.Helper()
	ctx := context.Background()
	_, err := l.CreateRequest(ctx, patient, model.CreateRequestRequest{
		Name:           "Asha",
		Description:    "cardiac surgery",
		Deadline:       time.Now().Add(30 * 24 * time.Hour).Unix(),
		HospitalWallet: hospital,
		DiseaseType:    "cardiac",
		Contact:        "+91-99999-00000",
		GoalAmount:     goal,
	})
	require.NoError(t, err)
	for _, step := range []model.VerificationStep{model.StepPatientCall, model.StepHospitalCrosscheck, model.StepPhysicalVisit} {
		_, err = l.VerifyStep(ctx, admin, patient, step)
		require.NoError(t, err)
	}
}

func TestReleaseTransfersTotalAndIsTerminal(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	createVerifiedRequest(t, l, 10000)

	_, err := l.Donate(ctx, donor, patient, 4000)
	require.NoError(t, err)

	req, err := l.Release(ctx, admin, patient)
	require.NoError(t, err)
	assert.True(t, req.Funded)
	assert.Equal(t, int64(4000), req.TotalFunded)

	bal, err := l.HospitalBalance(ctx, hospital)
	require.NoError(t, err)
	assert.Equal(t, int64(4000), bal)

	_, err = l.Release(ctx, admin, patient)
	assert.ErrorIs(t, err, ErrAlreadyFunded)

	_, err = l.Donate(ctx, donor, patient, 100)
	assert.ErrorIs(t, err, ErrAlreadyFunded)
}

func TestDonateRequiresFullVerification(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	_, err := l.CreateRequest(ctx, patient, model.CreateRequestRequest{
		Name: "Asha", Deadline: time.Now().Add(time.Hour).Unix(),
		HospitalWallet: hospital, GoalAmount: 10000,
	})
	require.NoError(t, err)

	_, err = l.VerifyStep(ctx, admin, patient, model.StepPatientCall)
	require.NoError(t, err)
	_, err = l.VerifyStep(ctx, admin, patient, model.StepHospitalCrosscheck)
	require.NoError(t, err)

	_, err = l.Donate(ctx, donor, patient, 100)
	assert.ErrorIs(t, err, ErrNotVerified)

	_, err = l.VerifyStep(ctx, admin, patient, model.StepPhysicalVisit)
	require.NoError(t, err)

	_, err = l.Donate(ctx, donor, patient, 100)
	assert.NoError(t, err)
}

func TestDonateCapAndAmountChecks(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	createVerifiedRequest(t, l, 10000)

	_, err := l.Donate(ctx, donor, patient, 0)
	assert.ErrorIs(t, err, ErrBadAmount)
	_, err = l.Donate(ctx, donor, patient, -5)
	assert.ErrorIs(t, err, ErrBadAmount)

	_, err = l.Donate(ctx, donor, patient, 9000)
	require.NoError(t, err)
	_, err = l.Donate(ctx, donor, patient, 2000)
	assert.ErrorIs(t, err, ErrGoalExceeded)
	_, err = l.Donate(ctx, donor, patient, 1000)
	assert.NoError(t, err)

	req, err := l.Request(ctx, patient)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), req.TotalFunded)
}

func TestDonateOverfundPolicy(t *testing.T) {
	ctx := context.Background()
	l := New(storage.NewMemory(), owner, Policy{MinGoalAmount: 5000, AllowOverfund: true})
	require.NoError(t, l.AddAdmin(ctx, owner, admin))
	createVerifiedRequest(t, l, 10000)

	_, err := l.Donate(ctx, donor, patient, 12000)
	assert.NoError(t, err)
}

func TestVerifyStepRequiresAdminAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	_, err := l.CreateRequest(ctx, patient, model.CreateRequestRequest{
		Name: "Asha", Deadline: time.Now().Add(time.Hour).Unix(),
		HospitalWallet: hospital, GoalAmount: 10000,
	})
	require.NoError(t, err)

	_, err = l.VerifyStep(ctx, stranger, patient, model.StepPatientCall)
	assert.ErrorIs(t, err, ErrNotAdmin)

	req, err := l.VerifyStep(ctx, admin, patient, model.StepPatientCall)
	require.NoError(t, err)
	assert.True(t, req.PatientCallVerified)

	// second verify of the same step is a no-op
	req, err = l.VerifyStep(ctx, admin, patient, model.StepPatientCall)
	require.NoError(t, err)
	assert.True(t, req.PatientCallVerified)
	assert.False(t, req.FullyVerified())

	// the owner counts as an admin without an explicit grant
	_, err = l.VerifyStep(ctx, owner, patient, model.StepHospitalCrosscheck)
	assert.NoError(t, err)
}

func TestCreateRequestRules(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	_, err := l.CreateRequest(ctx, patient, model.CreateRequestRequest{
		Name: "Asha", Deadline: time.Now().Add(time.Hour).Unix(),
		HospitalWallet: hospital, GoalAmount: 100,
	})
	assert.ErrorIs(t, err, ErrGoalBelowMinimum)

	_, err = l.CreateRequest(ctx, patient, model.CreateRequestRequest{
		Name: "Asha", Deadline: time.Now().Add(time.Hour).Unix(),
		HospitalWallet: hospital, GoalAmount: 10000,
	})
	require.NoError(t, err)

	// one live request per patient
	_, err = l.CreateRequest(ctx, patient, model.CreateRequestRequest{
		Name: "Asha", Deadline: time.Now().Add(time.Hour).Unix(),
		HospitalWallet: hospital, GoalAmount: 20000,
	})
	assert.ErrorIs(t, err, ErrActiveRequestExists)

	// a rejected request frees the slot
	require.NoError(t, l.Reject(ctx, admin, patient, "documents inconsistent"))
	_, err = l.CreateRequest(ctx, patient, model.CreateRequestRequest{
		Name: "Asha", Deadline: time.Now().Add(time.Hour).Unix(),
		HospitalWallet: hospital, GoalAmount: 20000,
	})
	assert.NoError(t, err)
}

func TestBrowseExposesExactlyTheEligibleSet(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	createVerifiedRequest(t, l, 10000)

	// second patient: created but unverified, must not appear
	_, err := l.CreateRequest(ctx, patient2, model.CreateRequestRequest{
		Name: "Ravi", Deadline: time.Now().Add(time.Hour).Unix(),
		HospitalWallet: hospital, GoalAmount: 8000,
	})
	require.NoError(t, err)

	visible, err := l.Browse(ctx)
	require.NoError(t, err)
	require.Len(t, visible, 1)
	assert.Equal(t, patient, visible[0].Patient)

	pending, err := l.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, patient2, pending[0].Patient)

	// funding removes it from the browse view
	_, err = l.Release(ctx, admin, patient)
	require.NoError(t, err)
	visible, err = l.Browse(ctx)
	require.NoError(t, err)
	assert.Empty(t, visible)

	funded, err := l.Funded(ctx)
	require.NoError(t, err)
	require.Len(t, funded, 1)
	assert.Equal(t, patient, funded[0].Patient)
}

func TestRecordLifecycle(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	_, err := l.UploadRecord(ctx, patient, model.UploadRecordRequest{Title: "MRI"})
	assert.ErrorIs(t, err, ErrPatientNotRegistered)

	require.NoError(t, l.RegisterPatient(ctx, patient))
	// re-registration is a no-op
	require.NoError(t, l.RegisterPatient(ctx, patient))

	rec, err := l.UploadRecord(ctx, patient, model.UploadRecordRequest{
		Title:       "MRI scan",
		ContentCID:  "bafybeigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi",
		Description: "pre-op imaging",
		DoctorName:  "Dr. Rao",
	})
	require.NoError(t, err)
	assert.Equal(t, 0, rec.Index)

	rec2, err := l.UploadRecord(ctx, patient, model.UploadRecordRequest{Title: "blood panel"})
	require.NoError(t, err)
	assert.Equal(t, 1, rec2.Index)

	recs, err := l.RecordsOf(ctx, patient, patient)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "MRI scan", recs[0].Title)

	// third parties need a grant
	_, err = l.RecordsOf(ctx, stranger, patient)
	assert.ErrorIs(t, err, ErrAccessDenied)
	require.NoError(t, l.GrantAccess(ctx, patient, stranger))
	recs, err = l.RecordsOf(ctx, stranger, patient)
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	// sharing toggles only your own indices
	require.NoError(t, l.ShareRecord(ctx, patient, 0, true))
	assert.ErrorIs(t, l.ShareRecord(ctx, patient, 7, true), ErrNotRecordOwner)
	assert.ErrorIs(t, l.ShareRecord(ctx, stranger, 0, true), ErrNotRecordOwner)

	recs, err = l.RecordsOf(ctx, patient, patient)
	require.NoError(t, err)
	assert.True(t, recs[0].SharedForFunding)
	assert.False(t, recs[1].SharedForFunding)
}

func TestHospitalRegistryRoles(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	h, err := l.RegisterHospital(ctx, hospital, model.RegisterHospitalRequest{
		Name: "City Care", Location: "Pune",
	})
	require.NoError(t, err)
	assert.False(t, h.Verified)

	_, err = l.RegisterHospital(ctx, hospital, model.RegisterHospitalRequest{Name: "dup"})
	assert.ErrorIs(t, err, storage.ErrConflict)

	// verification is owner-only, even for admins
	assert.ErrorIs(t, l.VerifyHospital(ctx, admin, hospital, true), ErrNotOwner)
	require.NoError(t, l.VerifyHospital(ctx, owner, hospital, true))

	all, err := l.Hospitals(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].Verified)

	// and revocable
	require.NoError(t, l.VerifyHospital(ctx, owner, hospital, false))
	all, _ = l.Hospitals(ctx)
	assert.False(t, all[0].Verified)
}

func TestAddAdminOwnerOnly(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	assert.ErrorIs(t, l.AddAdmin(ctx, admin, stranger), ErrNotOwner)
	require.NoError(t, l.AddAdmin(ctx, owner, stranger))
	// idempotent
	require.NoError(t, l.AddAdmin(ctx, owner, stranger))

	ok, err := l.IsAdmin(ctx, stranger)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDonationLogAndOps(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	createVerifiedRequest(t, l, 10000)

	_, err := l.Donate(ctx, donor, patient, 1000)
	require.NoError(t, err)
	_, err = l.Donate(ctx, donor, patient, 2500)
	require.NoError(t, err)

	ds, err := l.Donations(ctx)
	require.NoError(t, err)
	require.Len(t, ds, 2)
	assert.Equal(t, int64(1000), ds[0].Amount)
	assert.Equal(t, int64(2500), ds[1].Amount)
	assert.Equal(t, donor, ds[0].Donor)
	assert.NotEmpty(t, ds[0].ID)

	ops, err := l.Ops(ctx, 100)
	require.NoError(t, err)
	var donations int
	for _, op := range ops {
		if op.Type == OpDonationAccepted {
			donations++
		}
	}
	assert.Equal(t, 2, donations)
}

func TestSweepExpiredHidesOnlyPastDeadlineUnfunded(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	_, err := l.CreateRequest(ctx, patient, model.CreateRequestRequest{
		Name: "Asha", Deadline: time.Now().Add(-time.Hour).Unix(),
		HospitalWallet: hospital, GoalAmount: 10000,
	})
	require.NoError(t, err)
	_, err = l.CreateRequest(ctx, patient2, model.CreateRequestRequest{
		Name: "Ravi", Deadline: time.Now().Add(time.Hour).Unix(),
		HospitalWallet: hospital, GoalAmount: 10000,
	})
	require.NoError(t, err)

	swept, err := l.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	expired, err := l.Request(ctx, patient)
	require.NoError(t, err)
	assert.False(t, expired.Visible)

	live, err := l.Request(ctx, patient2)
	require.NoError(t, err)
	assert.True(t, live.Visible)

	// second sweep finds nothing new
	swept, err = l.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, swept)
}
