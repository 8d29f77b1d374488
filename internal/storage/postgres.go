// internal/storage/postgres.go
// PostgreSQL implementation of the Store interface, intended for production use.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Pawar-007/healthfund-go/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type postgres struct {
	db *pgxpool.Pool
}

// NewPostgres creates a new PostgreSQL storage implementation.
// It establishes a connection pool and initializes the schema.
func NewPostgres(dsn string) (Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}

	config.MaxConns = 20
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = time.Minute * 30
	config.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &postgres{db: pool}, nil
}

// initSchema creates all required tables and indexes if they don't already exist.
func initSchema(ctx context.Context, db *pgxpool.Pool) error {
	schema := `
		-- Hospital registry projection
		CREATE TABLE IF NOT EXISTS hospitals (
		    wallet TEXT PRIMARY KEY,
		    name TEXT NOT NULL,
		    location TEXT NOT NULL,
		    document_cid TEXT NOT NULL,
		    email TEXT NOT NULL,
		    contact TEXT NOT NULL,
		    verified BOOLEAN NOT NULL DEFAULT FALSE,
		    registered_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		-- Patient registry projection
		CREATE TABLE IF NOT EXISTS patients (
		    wallet TEXT PRIMARY KEY,
		    registered_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		-- Medical records, identified by (owner, idx); append-only, flag-only updates
		CREATE TABLE IF NOT EXISTS medical_records (
		    owner TEXT NOT NULL REFERENCES patients(wallet),
		    idx INTEGER NOT NULL,
		    title TEXT NOT NULL,
		    content_cid TEXT NOT NULL,
		    description TEXT NOT NULL,
		    doctor_name TEXT NOT NULL,
		    shared_for_funding BOOLEAN NOT NULL DEFAULT FALSE,
		    uploaded_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    PRIMARY KEY (owner, idx)
		);

		-- Record access allow-list
		CREATE TABLE IF NOT EXISTS access_grants (
		    owner TEXT NOT NULL,
		    grantee TEXT NOT NULL,
		    granted_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    PRIMARY KEY (owner, grantee)
		);

		-- Funding request projection, one row per patient
		CREATE TABLE IF NOT EXISTS funding_requests (
		    patient TEXT PRIMARY KEY,
		    name TEXT NOT NULL,
		    description TEXT NOT NULL,
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    deadline TIMESTAMP WITH TIME ZONE NOT NULL,
		    hospital_wallet TEXT NOT NULL,
		    disease_type TEXT NOT NULL,
		    contact TEXT NOT NULL,
		    goal_amount BIGINT NOT NULL,
		    total_funded BIGINT NOT NULL DEFAULT 0,
		    patient_call_verified BOOLEAN NOT NULL DEFAULT FALSE,
		    hospital_crosscheck_verified BOOLEAN NOT NULL DEFAULT FALSE,
		    physical_visit_verified BOOLEAN NOT NULL DEFAULT FALSE,
		    visible BOOLEAN NOT NULL DEFAULT TRUE,
		    active BOOLEAN NOT NULL DEFAULT TRUE,
		    funded BOOLEAN NOT NULL DEFAULT FALSE,
		    record_cids TEXT[] NOT NULL DEFAULT '{}'
		);

		CREATE INDEX IF NOT EXISTS idx_funding_requests_browse
		    ON funding_requests(visible, active, funded);

		-- Append-only donation log
		CREATE TABLE IF NOT EXISTS donations (
		    id TEXT PRIMARY KEY,
		    donor TEXT NOT NULL,
		    patient TEXT NOT NULL REFERENCES funding_requests(patient),
		    amount BIGINT NOT NULL,
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_donations_patient ON donations(patient);

		-- Hospital wallet balances credited by releases
		CREATE TABLE IF NOT EXISTS wallet_balances (
		    wallet TEXT PRIMARY KEY,
		    balance BIGINT NOT NULL DEFAULT 0
		);

		-- Admin role grants
		CREATE TABLE IF NOT EXISTS admins (
		    wallet TEXT PRIMARY KEY,
		    granted_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		-- Operation log (append-only) for the audit trail
		CREATE TABLE IF NOT EXISTS op_log (
		    seq BIGSERIAL PRIMARY KEY,
		    type TEXT NOT NULL,
		    ref TEXT NOT NULL,
		    caller TEXT NOT NULL,
		    payload JSONB NOT NULL,
		    occurred_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_op_log_caller ON op_log(caller);
		CREATE INDEX IF NOT EXISTS idx_op_log_type ON op_log(type);
	`

	_, err := db.Exec(ctx, schema)
	return err
}

// Close closes the database connection pool.
func (p *postgres) Close() {
	p.db.Close()
}

// isUniqueViolation reports whether err is a unique-constraint violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (p *postgres) CreateHospital(ctx context.Context, h model.Hospital) error {
	query := `INSERT INTO hospitals (wallet, name, location, document_cid, email, contact, verified, registered_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := p.db.Exec(ctx, query, h.Wallet, h.Name, h.Location, h.DocumentCID, h.Email, h.Contact, h.Verified, h.RegisteredAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to create hospital: %w", err)
	}
	return nil
}

func (p *postgres) GetHospital(ctx context.Context, wallet string) (*model.Hospital, error) {
	query := `SELECT wallet, name, location, document_cid, email, contact, verified, registered_at
	          FROM hospitals WHERE wallet = $1`
	var h model.Hospital
	err := p.db.QueryRow(ctx, query, wallet).Scan(
		&h.Wallet, &h.Name, &h.Location, &h.DocumentCID, &h.Email, &h.Contact, &h.Verified, &h.RegisteredAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get hospital: %w", err)
	}
	return &h, nil
}

func (p *postgres) ListHospitals(ctx context.Context) ([]model.Hospital, error) {
	query := `SELECT wallet, name, location, document_cid, email, contact, verified, registered_at
	          FROM hospitals ORDER BY registered_at`
	rows, err := p.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list hospitals: %w", err)
	}
	defer rows.Close()

	var out []model.Hospital
	for rows.Next() {
		var h model.Hospital
		if err := rows.Scan(&h.Wallet, &h.Name, &h.Location, &h.DocumentCID, &h.Email, &h.Contact, &h.Verified, &h.RegisteredAt); err != nil {
			return nil, fmt.Errorf("failed to scan hospital: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (p *postgres) SetHospitalVerified(ctx context.Context, wallet string, verified bool) error {
	result, err := p.db.Exec(ctx, `UPDATE hospitals SET verified = $1 WHERE wallet = $2`, verified, wallet)
	if err != nil {
		return fmt.Errorf("failed to update hospital: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *postgres) CreatePatient(ctx context.Context, wallet string, at time.Time) error {
	_, err := p.db.Exec(ctx, `INSERT INTO patients (wallet, registered_at) VALUES ($1, $2)`, wallet, at)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to create patient: %w", err)
	}
	return nil
}

func (p *postgres) IsPatient(ctx context.Context, wallet string) (bool, error) {
	var exists bool
	err := p.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM patients WHERE wallet = $1)`, wallet).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check patient: %w", err)
	}
	return exists, nil
}

func (p *postgres) AppendRecord(ctx context.Context, rec model.MedicalRecord) (int, error) {
	exists, err := p.IsPatient(ctx, rec.Owner)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, ErrNotFound
	}

	// The per-owner index is assigned inside the insert to keep appends race-free.
	query := `INSERT INTO medical_records (owner, idx, title, content_cid, description, doctor_name, shared_for_funding, uploaded_at)
	          VALUES ($1, (SELECT COALESCE(MAX(idx), -1) + 1 FROM medical_records WHERE owner = $1), $2, $3, $4, $5, $6, $7)
	          RETURNING idx`
	var idx int
	err = p.db.QueryRow(ctx, query,
		rec.Owner, rec.Title, rec.ContentCID, rec.Description, rec.DoctorName, rec.SharedForFunding, rec.UploadedAt).Scan(&idx)
	if err != nil {
		return 0, fmt.Errorf("failed to append record: %w", err)
	}
	return idx, nil
}

func (p *postgres) ListRecords(ctx context.Context, owner string) ([]model.MedicalRecord, error) {
	query := `SELECT owner, idx, title, content_cid, description, doctor_name, shared_for_funding, uploaded_at
	          FROM medical_records WHERE owner = $1 ORDER BY idx`
	rows, err := p.db.Query(ctx, query, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	out := []model.MedicalRecord{}
	for rows.Next() {
		var r model.MedicalRecord
		if err := rows.Scan(&r.Owner, &r.Index, &r.Title, &r.ContentCID, &r.Description, &r.DoctorName, &r.SharedForFunding, &r.UploadedAt); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *postgres) SetRecordShared(ctx context.Context, owner string, index int, shared bool) error {
	result, err := p.db.Exec(ctx,
		`UPDATE medical_records SET shared_for_funding = $1 WHERE owner = $2 AND idx = $3`, shared, owner, index)
	if err != nil {
		return fmt.Errorf("failed to update record: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *postgres) GrantAccess(ctx context.Context, owner, grantee string) error {
	_, err := p.db.Exec(ctx,
		`INSERT INTO access_grants (owner, grantee) VALUES ($1, $2) ON CONFLICT (owner, grantee) DO NOTHING`, owner, grantee)
	if err != nil {
		return fmt.Errorf("failed to grant access: %w", err)
	}
	return nil
}

func (p *postgres) HasAccess(ctx context.Context, owner, grantee string) (bool, error) {
	var exists bool
	err := p.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM access_grants WHERE owner = $1 AND grantee = $2)`, owner, grantee).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check access: %w", err)
	}
	return exists, nil
}

func (p *postgres) CreateRequest(ctx context.Context, req model.FundingRequest) error {
	// A patient may hold at most one live request; a funded or rejected one
	// may be replaced.
	query := `INSERT INTO funding_requests
	          (patient, name, description, created_at, deadline, hospital_wallet, disease_type, contact,
	           goal_amount, total_funded, patient_call_verified, hospital_crosscheck_verified,
	           physical_visit_verified, visible, active, funded, record_cids)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	          ON CONFLICT (patient) DO UPDATE SET
	              name = EXCLUDED.name, description = EXCLUDED.description,
	              created_at = EXCLUDED.created_at, deadline = EXCLUDED.deadline,
	              hospital_wallet = EXCLUDED.hospital_wallet, disease_type = EXCLUDED.disease_type,
	              contact = EXCLUDED.contact, goal_amount = EXCLUDED.goal_amount,
	              total_funded = EXCLUDED.total_funded,
	              patient_call_verified = EXCLUDED.patient_call_verified,
	              hospital_crosscheck_verified = EXCLUDED.hospital_crosscheck_verified,
	              physical_visit_verified = EXCLUDED.physical_visit_verified,
	              visible = EXCLUDED.visible, active = EXCLUDED.active,
	              funded = EXCLUDED.funded, record_cids = EXCLUDED.record_cids
	          WHERE NOT (funding_requests.active AND NOT funding_requests.funded)`
	result, err := p.db.Exec(ctx, query,
		req.Patient, req.Name, req.Description, req.CreatedAt, req.Deadline, req.HospitalWallet,
		req.DiseaseType, req.Contact, req.GoalAmount, req.TotalFunded, req.PatientCallVerified,
		req.HospitalCrosscheckVerified, req.PhysicalVisitVerified, req.Visible, req.Active,
		req.Funded, req.RecordCIDs)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func scanRequest(row pgx.Row) (*model.FundingRequest, error) {
	var r model.FundingRequest
	err := row.Scan(
		&r.Patient, &r.Name, &r.Description, &r.CreatedAt, &r.Deadline, &r.HospitalWallet,
		&r.DiseaseType, &r.Contact, &r.GoalAmount, &r.TotalFunded, &r.PatientCallVerified,
		&r.HospitalCrosscheckVerified, &r.PhysicalVisitVerified, &r.Visible, &r.Active,
		&r.Funded, &r.RecordCIDs)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

const requestColumns = `patient, name, description, created_at, deadline, hospital_wallet, disease_type,
	contact, goal_amount, total_funded, patient_call_verified, hospital_crosscheck_verified,
	physical_visit_verified, visible, active, funded, record_cids`

func (p *postgres) GetRequest(ctx context.Context, patient string) (*model.FundingRequest, error) {
	req, err := scanRequest(p.db.QueryRow(ctx,
		`SELECT `+requestColumns+` FROM funding_requests WHERE patient = $1`, patient))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get request: %w", err)
	}
	return req, nil
}

func (p *postgres) ListRequests(ctx context.Context) ([]model.FundingRequest, error) {
	rows, err := p.db.Query(ctx, `SELECT `+requestColumns+` FROM funding_requests ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	defer rows.Close()

	var out []model.FundingRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan request: %w", err)
		}
		out = append(out, *req)
	}
	return out, rows.Err()
}

func (p *postgres) UpdateRequest(ctx context.Context, req model.FundingRequest) error {
	query := `UPDATE funding_requests SET
	              name = $2, description = $3, deadline = $4, hospital_wallet = $5, disease_type = $6,
	              contact = $7, goal_amount = $8, total_funded = $9, patient_call_verified = $10,
	              hospital_crosscheck_verified = $11, physical_visit_verified = $12, visible = $13,
	              active = $14, funded = $15, record_cids = $16
	          WHERE patient = $1`
	result, err := p.db.Exec(ctx, query,
		req.Patient, req.Name, req.Description, req.Deadline, req.HospitalWallet, req.DiseaseType,
		req.Contact, req.GoalAmount, req.TotalFunded, req.PatientCallVerified,
		req.HospitalCrosscheckVerified, req.PhysicalVisitVerified, req.Visible, req.Active,
		req.Funded, req.RecordCIDs)
	if err != nil {
		return fmt.Errorf("failed to update request: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *postgres) AddDonation(ctx context.Context, d model.Donation) error {
	// The donation append and the running total update commit together.
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin donation tx: %w", err)
	}
	defer tx.Rollback(ctx)

	result, err := tx.Exec(ctx,
		`UPDATE funding_requests SET total_funded = total_funded + $1 WHERE patient = $2`, d.Amount, d.Patient)
	if err != nil {
		return fmt.Errorf("failed to accumulate donation: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO donations (id, donor, patient, amount, created_at) VALUES ($1, $2, $3, $4, $5)`,
		d.ID, d.Donor, d.Patient, d.Amount, d.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to append donation: %w", err)
	}

	return tx.Commit(ctx)
}

func (p *postgres) ListDonations(ctx context.Context) ([]model.Donation, error) {
	rows, err := p.db.Query(ctx, `SELECT id, donor, patient, amount, created_at FROM donations ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list donations: %w", err)
	}
	defer rows.Close()

	var out []model.Donation
	for rows.Next() {
		var d model.Donation
		if err := rows.Scan(&d.ID, &d.Donor, &d.Patient, &d.Amount, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan donation: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *postgres) ReleaseFunds(ctx context.Context, patient, hospital string, amount int64) error {
	// The funded flag flip and the balance credit commit together; the WHERE
	// guard makes a second release fail even under concurrent callers.
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin release tx: %w", err)
	}
	defer tx.Rollback(ctx)

	result, err := tx.Exec(ctx,
		`UPDATE funding_requests SET funded = TRUE WHERE patient = $1 AND NOT funded`, patient)
	if err != nil {
		return fmt.Errorf("failed to mark funded: %w", err)
	}
	if result.RowsAffected() == 0 {
		// Either the request does not exist or it is already funded.
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM funding_requests WHERE patient = $1)`, patient).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check request: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConflict
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO wallet_balances (wallet, balance) VALUES ($1, $2)
		 ON CONFLICT (wallet) DO UPDATE SET balance = wallet_balances.balance + $2`, hospital, amount)
	if err != nil {
		return fmt.Errorf("failed to credit hospital: %w", err)
	}

	return tx.Commit(ctx)
}

func (p *postgres) GetBalance(ctx context.Context, wallet string) (int64, error) {
	var balance int64
	err := p.db.QueryRow(ctx,
		`SELECT COALESCE((SELECT balance FROM wallet_balances WHERE wallet = $1), 0)`, wallet).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return balance, nil
}

func (p *postgres) AddAdmin(ctx context.Context, wallet string) error {
	_, err := p.db.Exec(ctx, `INSERT INTO admins (wallet) VALUES ($1)`, wallet)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to add admin: %w", err)
	}
	return nil
}

func (p *postgres) IsAdmin(ctx context.Context, wallet string) (bool, error) {
	var exists bool
	err := p.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM admins WHERE wallet = $1)`, wallet).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check admin: %w", err)
	}
	return exists, nil
}

func (p *postgres) AppendOp(ctx context.Context, op model.OperationLogEntry) error {
	_, err := p.db.Exec(ctx,
		`INSERT INTO op_log (type, ref, caller, payload, occurred_at) VALUES ($1, $2, $3, $4, $5)`,
		op.Type, op.Ref, op.Caller, op.Payload, op.OccurredAt)
	if err != nil {
		return fmt.Errorf("failed to append op: %w", err)
	}
	return nil
}

func (p *postgres) ListOps(ctx context.Context, limit int) ([]model.OperationLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.Query(ctx,
		`SELECT seq, type, ref, caller, payload, occurred_at FROM op_log ORDER BY seq DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list ops: %w", err)
	}
	defer rows.Close()

	var out []model.OperationLogEntry
	for rows.Next() {
		var op model.OperationLogEntry
		if err := rows.Scan(&op.Sequence, &op.Type, &op.Ref, &op.Caller, &op.Payload, &op.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan op: %w", err)
		}
		out = append(out, op)
	}
	return out, rows.Err()
}
