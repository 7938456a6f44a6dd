package model

import (
	"strings"
	"time"
)

const (
	SubmissionStatusSubmitted = "submitted"
	SubmissionStatusMigrated  = "migrated"
)

// DeclarationForm is the payload held in a PendingVerification until the
// e-mail address is confirmed.
type DeclarationForm struct {
	FirstName string `json:"first_name" bson:"first_name"`
	LastName  string `json:"last_name" bson:"last_name"`
	Email     string `json:"email" bson:"email"`
	Phone     string `json:"phone" bson:"phone"`
	Comments  string `json:"comments" bson:"comments"`
}

func (f DeclarationForm) FullName() string {
	return strings.TrimSpace(f.FirstName + " " + f.LastName)
}

// Submission is the durable record written once a declaration is verified.
type Submission struct {
	ID             string    `json:"submission_id" bson:"submission_id" db:"submission_id"`
	VerificationID string    `json:"verification_id,omitempty" bson:"verification_id,omitempty" db:"verification_id"`
	FirstName      string    `json:"first_name" bson:"first_name" db:"first_name"`
	LastName       string    `json:"last_name" bson:"last_name" db:"last_name"`
	Name           string    `json:"name" bson:"name" db:"name"`
	Email          string    `json:"email" bson:"email" db:"email"`
	Phone          string    `json:"phone" bson:"phone" db:"phone"`
	Comments       string    `json:"comments,omitempty" bson:"comments" db:"comments"`
	Status         string    `json:"status" bson:"status" db:"status"`
	EmailVerified  bool      `json:"email_verified" bson:"email_verified" db:"email_verified"`
	Source         string    `json:"source,omitempty" bson:"source,omitempty" db:"source"`
	CreatedAt      time.Time `json:"created_at" bson:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" bson:"updated_at" db:"updated_at"`
}

func NewSubmission(verificationID string, form DeclarationForm, now time.Time) *Submission {
	return &Submission{
		VerificationID: verificationID,
		FirstName:      form.FirstName,
		LastName:       form.LastName,
		Name:           form.FullName(),
		Email:          form.Email,
		Phone:          form.Phone,
		Comments:       form.Comments,
		Status:         SubmissionStatusSubmitted,
		EmailVerified:  true,
		CreatedAt:      now.UTC(),
		UpdatedAt:      now.UTC(),
	}
}

// Summary drops the free-text declaration for admin listings.
func (s Submission) Summary() Submission {
	s.Comments = ""
	return s
}
