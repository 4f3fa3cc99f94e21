// Package patient is the patient registry: registration and password login
// against the patient_data table.
package patient

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/mail"
	"strconv"
	"strings"
	"time"
)

// Registry errors.
var (
	ErrInvalid            = errors.New("invalid registration")
	ErrEmailTaken         = errors.New("email already registered")
	ErrPatientIDTaken     = errors.New("patient id already exists")
	ErrInvalidCredentials = errors.New("invalid email or password")
)

// ValidationError describes one rejected registration field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalid }

// RoleName is the role reported for every registry user.
const RoleName = "patient"

const dateLayout = "2006-01-02"

// bcrypt ignores input past 72 bytes; longer passwords are rejected rather
// than silently truncated.
const maxPasswordBytes = 72

// RegisterRequest is the registration form.
type RegisterRequest struct {
	FirstName        string `json:"firstName"`
	LastName         string `json:"lastName"`
	Email            string `json:"email"`
	Phone            string `json:"phone"`
	Address          string `json:"address"`
	EmergencyContact string `json:"emergencyContact"`
	DateOfBirth      string `json:"dateOfBirth"`
	Gender           string `json:"gender"`
	BloodType        string `json:"bloodType"`
	PatientID        string `json:"patientId"`
	Password         string `json:"password"`
}

// LoginRequest is the login form.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// User is the public view of a registered patient.
type User struct {
	ID               string    `json:"id"`
	PatientID        string    `json:"patientId"`
	FirstName        string    `json:"firstName"`
	LastName         string    `json:"lastName"`
	Email            string    `json:"email"`
	Phone            string    `json:"phone"`
	Address          string    `json:"address"`
	EmergencyContact string    `json:"emergencyContact"`
	DateOfBirth      string    `json:"dateOfBirth,omitempty"`
	Gender           string    `json:"gender"`
	BloodType        string    `json:"bloodType"`
	Role             string    `json:"role"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Session is returned after a successful register or login. Tokens are
// opaque and not verified by any endpoint.
type Session struct {
	User         User   `json:"user"`
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
}

// NewSession issues fresh random tokens for u.
func NewSession(u User) (Session, error) {
	tok, err := randomToken("pt_")
	if err != nil {
		return Session{}, err
	}
	ref, err := randomToken("rt_")
	if err != nil {
		return Session{}, err
	}
	return Session{User: u, Token: tok, RefreshToken: ref}, nil
}

func randomToken(prefix string) (string, error) {
	var b [24]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return prefix + hex.EncodeToString(b[:]), nil
}

// Normalize trims every field and lower-cases the email.
func (r RegisterRequest) Normalize() RegisterRequest {
	r.FirstName = strings.TrimSpace(r.FirstName)
	r.LastName = strings.TrimSpace(r.LastName)
	r.Email = normalizeEmail(r.Email)
	r.Phone = strings.TrimSpace(r.Phone)
	r.Address = strings.TrimSpace(r.Address)
	r.EmergencyContact = strings.TrimSpace(r.EmergencyContact)
	r.DateOfBirth = strings.TrimSpace(r.DateOfBirth)
	r.Gender = strings.TrimSpace(r.Gender)
	r.BloodType = strings.TrimSpace(r.BloodType)
	r.PatientID = strings.TrimSpace(r.PatientID)
	return r
}

// Validate checks a normalized request. It returns all field problems
// joined; each satisfies errors.Is(err, ErrInvalid).
func (r RegisterRequest) Validate() error {
	var errs []error
	bad := func(field, reason string) {
		errs = append(errs, &ValidationError{Field: field, Reason: reason})
	}
	maxLen := func(field, v string, n int) {
		if len(v) > n {
			bad(field, fmt.Sprintf("must be at most %d characters", n))
		}
	}

	if r.FirstName == "" {
		bad("firstName", "is required")
	}
	if r.LastName == "" {
		bad("lastName", "is required")
	}
	maxLen("firstName", r.FirstName, 50)
	maxLen("lastName", r.LastName, 50)

	if r.Email == "" {
		bad("email", "is required")
	} else if a, err := mail.ParseAddress(r.Email); err != nil || a.Address != r.Email {
		bad("email", "is not a valid address")
	}
	maxLen("email", r.Email, 100)

	if r.PatientID == "" {
		bad("patientId", "is required")
	} else if n, err := strconv.ParseInt(r.PatientID, 10, 64); err != nil || n <= 0 {
		bad("patientId", "must be a positive number")
	}

	if r.Password == "" {
		bad("password", "is required")
	} else if len(r.Password) > maxPasswordBytes {
		bad("password", fmt.Sprintf("must be at most %d bytes", maxPasswordBytes))
	}

	if r.DateOfBirth != "" {
		if _, err := time.Parse(dateLayout, r.DateOfBirth); err != nil {
			bad("dateOfBirth", "must be formatted YYYY-MM-DD")
		}
	}
	maxLen("phone", r.Phone, 15)
	maxLen("emergencyContact", r.EmergencyContact, 15)
	maxLen("gender", r.Gender, 10)
	maxLen("bloodType", r.BloodType, 10)

	return errors.Join(errs...)
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
