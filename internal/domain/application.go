package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ApplicationStatus tracks the intake lifecycle:
// Submitted -> {Approved | Rejected | ManualReview}; a ManualReview
// application may transition to Approved or Rejected by an underwriter.
type ApplicationStatus string

const (
	StatusSubmitted    ApplicationStatus = "SUBMITTED"
	StatusApproved     ApplicationStatus = "APPROVED"
	StatusRejected     ApplicationStatus = "REJECTED"
	StatusManualReview ApplicationStatus = "MANUAL_REVIEW"
)

// Application is a loan application submitted by an affiliate.
// Monetary fields are exact decimals; no binary-float rounding.
type Application struct {
	ID          string `json:"id"`
	AffiliateID string `json:"affiliateId"`

	Amount         decimal.Decimal `json:"amount"`
	IncomeMonthly  decimal.Decimal `json:"incomeMonthly"`
	CreditScore    *int            `json:"creditScore,omitempty"`
	EmploymentType string          `json:"employmentType"`
	ProductType    string          `json:"productType"`

	Applicant Applicant         `json:"applicant"`
	Status    ApplicationStatus `json:"status"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`

	// Optional scalar extensions exposed to rule conditions.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Applicant identifies the person behind an application. Reserved by the
// rule grammar for future fields; carried through evaluation untouched.
type Applicant struct {
	ID       string `json:"id"`
	FullName string `json:"fullName"`
	Email    string `json:"email,omitempty"`
}

// ApplicationRequest is the API payload for submitting an application.
type ApplicationRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	IncomeMonthly  decimal.Decimal `json:"incomeMonthly"`
	CreditScore    *int            `json:"creditScore,omitempty"`
	EmploymentType string          `json:"employmentType"`
	ProductType    string          `json:"productType"`
	Applicant      Applicant       `json:"applicant"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
}

// ToApplication converts a request into an Application owned by affiliateID.
func (r *ApplicationRequest) ToApplication(affiliateID string) *Application {
	now := time.Now().UTC()
	return &Application{
		AffiliateID:    affiliateID,
		Amount:         r.Amount,
		IncomeMonthly:  r.IncomeMonthly,
		CreditScore:    r.CreditScore,
		EmploymentType: r.EmploymentType,
		ProductType:    r.ProductType,
		Applicant:      r.Applicant,
		Status:         StatusSubmitted,
		CreatedAt:      now,
		UpdatedAt:      now,
		Metadata:       r.Metadata,
	}
}
