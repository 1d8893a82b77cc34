package pathology

import (
	"time"

	"github.com/google/uuid"

	"github.com/lims/lims/internal/domain/labrequest"
)

// WorklistFilter narrows the worklist. Department is a case-insensitive
// substring; RestrictDepartment is an exact match applied for non-admins.
type WorklistFilter struct {
	Status             string
	Department         string
	RestrictDepartment string
	From               *time.Time
	To                 *time.Time
	Search             string
	ForReview          *bool
	SortBy             string
	Order              string
	Limit              int
	Offset             int
}

const (
	SortUpdatedAt   = "updated_at"
	SortDateOrdered = "date_ordered"
	SortPatientName = "patient_name"
	SortTestName    = "test_name"
)

type WorklistItem struct {
	ItemID         uuid.UUID `json:"request_item_id"`
	RequestID      uuid.UUID `json:"request_id"`
	PatientID      uuid.UUID `json:"patient_id"`
	PatientName    string    `json:"patient_name"`
	LabID          string    `json:"lab_id"`
	TestName       string    `json:"test_name"`
	IsPanel        bool      `json:"is_panel"`
	DepartmentName string    `json:"department"`
	Priority       string    `json:"priority"`
	Status         string    `json:"status"`
	Badge          string    `json:"badge"`
	ForReview      bool      `json:"for_review"`
	ReopenCount    int       `json:"reopen_count"`
	Version        int       `json:"version"`
	DateOrdered    time.Time `json:"date_ordered"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// RequestInfo is what template resolution needs to know about an order.
type RequestInfo struct {
	RequestID   uuid.UUID
	PatientName string
	Gender      string
	DateOfBirth *time.Time
	OrderedAt   time.Time
	Items       []*labrequest.Item
}

// AgeAtOrder is the patient's age in whole years when the order was placed.
func (ri *RequestInfo) AgeAtOrder() *int {
	if ri.DateOfBirth == nil {
		return nil
	}
	dob, t := *ri.DateOfBirth, ri.OrderedAt
	age := t.Year() - dob.Year()
	if t.Month() < dob.Month() || (t.Month() == dob.Month() && t.Day() < dob.Day()) {
		age--
	}
	if age < 0 {
		age = 0
	}
	return &age
}

// Result is a stored value for one leaf of a request item.
type Result struct {
	RequestItemID uuid.UUID `json:"request_item_id"`
	TestID        uuid.UUID `json:"test_id"`
	Value         string    `json:"value"`
	Flag          string    `json:"flag,omitempty"`
	EnteredBy     string    `json:"entered_by"`
	EnteredAt     time.Time `json:"entered_at"`
}

// Result flags. Empty means within range.
const (
	FlagHigh     = "H"
	FlagLow      = "L"
	FlagAbnormal = "A"
)

// ItemUpdate is a compare-and-set write on a request item.
type ItemUpdate struct {
	ID         uuid.UUID
	FromStatus string
	ToStatus   string
	Version    int
	ForReview  *bool
	Reopened   bool
}

type SubmitValue struct {
	TestID *uuid.UUID `json:"test_id,omitempty"`
	Value  string     `json:"value"`
}

type BatchValue struct {
	RequestItemID uuid.UUID  `json:"request_item_id"`
	TestID        *uuid.UUID `json:"test_id,omitempty"`
	Value         string     `json:"value"`
}

type BatchSubmission struct {
	Results  []BatchValue `json:"results"`
	Complete bool         `json:"complete"`
}

// SubmitOutcome reports a stored value and the item's new state.
type SubmitOutcome struct {
	Result  *Result `json:"result"`
	Status  string  `json:"status"`
	Version int     `json:"version"`
}

type BatchOutcome struct {
	Results    []*Result   `json:"results"`
	Completed  []uuid.UUID `json:"completed"`
	Incomplete []uuid.UUID `json:"incomplete"`
}

// TransitionOutcome is the item state after an action.
type TransitionOutcome struct {
	RequestItemID uuid.UUID `json:"request_item_id"`
	Action        string    `json:"action"`
	From          string    `json:"from"`
	Status        string    `json:"status"`
	Badge         string    `json:"badge"`
	ForReview     bool      `json:"for_review"`
	Version       int       `json:"version"`
}
