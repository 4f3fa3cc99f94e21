package patient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

const schema = `
CREATE TABLE IF NOT EXISTS patient_data (
	patient_id        BIGINT PRIMARY KEY,
	first_name        VARCHAR(50)  NOT NULL,
	last_name         VARCHAR(50)  NOT NULL,
	email             VARCHAR(100) NOT NULL UNIQUE,
	phone             VARCHAR(15)  NOT NULL DEFAULT '',
	home_address      TEXT         NOT NULL DEFAULT '',
	emergency_contact VARCHAR(15)  NOT NULL DEFAULT '',
	date_of_birth     DATE,
	gender            VARCHAR(10)  NOT NULL DEFAULT '',
	blood_type        VARCHAR(10)  NOT NULL DEFAULT '',
	password          VARCHAR(255) NOT NULL,
	created_at        TIMESTAMPTZ  NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

const selectColumns = `patient_id, first_name, last_name, email, phone, home_address,
	emergency_contact, date_of_birth, gender, blood_type, password, created_at, updated_at`

// uniqueViolation is the PostgreSQL SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// Store persists patients in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
	cost int

	// compared against when the email is unknown so both paths pay for a
	// bcrypt comparison
	dummyHash []byte
}

// Option configures a Store.
type Option func(*Store)

// WithBcryptCost overrides the password hashing cost.
func WithBcryptCost(cost int) Option {
	return func(s *Store) { s.cost = cost }
}

// Open connects to dsn, verifies the connection and creates the table.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("patient: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("patient: ping: %w", err)
	}
	s, err := New(pool, opts...)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing pool. The caller owns the pool unless Close is called.
func New(pool *pgxpool.Pool, opts ...Option) (*Store, error) {
	s := &Store{pool: pool, cost: bcrypt.DefaultCost}
	for _, opt := range opts {
		opt(s)
	}
	h, err := bcrypt.GenerateFromPassword([]byte("careassist-dummy"), s.cost)
	if err != nil {
		return nil, fmt.Errorf("patient: %w", err)
	}
	s.dummyHash = h
	return s, nil
}

// Migrate creates the patient_data table if missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("patient: migrate: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Register validates req, rejects duplicate emails and patient ids, and
// stores the patient with a bcrypt password hash.
func (s *Store) Register(ctx context.Context, req RegisterRequest) (User, error) {
	req = req.Normalize()
	if err := req.Validate(); err != nil {
		return User{}, err
	}
	id, _ := strconv.ParseInt(req.PatientID, 10, 64)

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return User{}, fmt.Errorf("patient: hash password: %w", err)
	}

	var dob *time.Time
	if req.DateOfBirth != "" {
		t, _ := time.Parse(dateLayout, req.DateOfBirth)
		dob = &t
	}

	var u User
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM patient_data WHERE lower(email) = $1)`, req.Email,
		).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return ErrEmailTaken
		}
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM patient_data WHERE patient_id = $1)`, id,
		).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return ErrPatientIDTaken
		}

		row := tx.QueryRow(ctx, `
			INSERT INTO patient_data (patient_id, first_name, last_name, email, phone,
				home_address, emergency_contact, date_of_birth, gender, blood_type, password)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			RETURNING `+selectColumns,
			id, req.FirstName, req.LastName, req.Email, req.Phone, req.Address,
			req.EmergencyContact, dob, req.Gender, req.BloodType, string(hash),
		)
		var err error
		u, _, err = scanUser(row)
		return err
	})
	if err != nil {
		return User{}, mapWriteError(err)
	}
	return u, nil
}

// Authenticate returns the user whose email and password match.
func (s *Store) Authenticate(ctx context.Context, email, password string) (User, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM patient_data WHERE lower(email) = $1`, normalizeEmail(email))
	u, hash, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
		return User{}, ErrInvalidCredentials
	}
	if err != nil {
		return User{}, fmt.Errorf("patient: authenticate: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return User{}, ErrInvalidCredentials
	}
	return u, nil
}

func scanUser(row pgx.Row) (User, []byte, error) {
	var (
		u    User
		id   int64
		dob  *time.Time
		hash string
	)
	err := row.Scan(&id, &u.FirstName, &u.LastName, &u.Email, &u.Phone, &u.Address,
		&u.EmergencyContact, &dob, &u.Gender, &u.BloodType, &hash, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return User{}, nil, err
	}
	u.ID = strconv.FormatInt(id, 10)
	u.PatientID = u.ID
	u.Role = RoleName
	if dob != nil {
		u.DateOfBirth = dob.Format(dateLayout)
	}
	return u, []byte(hash), nil
}

// mapWriteError turns races past the existence checks into the same
// duplicate errors.
func mapWriteError(err error) error {
	if errors.Is(err, ErrEmailTaken) || errors.Is(err, ErrPatientIDTaken) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		if pgErr.ConstraintName == "patient_data_pkey" {
			return ErrPatientIDTaken
		}
		return ErrEmailTaken
	}
	return fmt.Errorf("patient: register: %w", err)
}
