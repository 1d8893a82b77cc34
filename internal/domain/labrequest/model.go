package labrequest

import (
	"time"

	"github.com/google/uuid"

	"github.com/lims/lims/internal/domain/catalog"
)

// Request is one ordering event for a patient.
type Request struct {
	ID            uuid.UUID     `json:"id"`
	PatientID     uuid.UUID     `json:"patient_id"`
	PatientName   string        `json:"patient_name,omitempty"`
	LabID         string        `json:"lab_id,omitempty"`
	Priority      string        `json:"priority"`
	Status        string        `json:"status"`
	PaymentStatus string        `json:"payment_status"`
	Amount        catalog.Money `json:"amount"`
	PaidAmount    catalog.Money `json:"paid_amount"`
	PaidAt        *time.Time    `json:"paid_at,omitempty"`
	OrderedAt     time.Time     `json:"ordered_at"`
	OrderedBy     string        `json:"ordered_by,omitempty"`
	Version       int           `json:"version"`
	UpdatedAt     time.Time     `json:"updated_at"`
	Items         []*Item       `json:"items,omitempty"`

	// OverallStatus is derived from Items at read time.
	OverallStatus string `json:"overall_status,omitempty"`
}

// Derive fills OverallStatus and item badges.
func (r *Request) Derive() {
	statuses := make([]string, len(r.Items))
	for i, it := range r.Items {
		statuses[i] = it.Status
		it.Badge = Badge(it.Status, it.ForReview, it.ReopenCount)
	}
	r.OverallStatus = OverallStatus(statuses)
}

// Item is one ordered test or panel. Catalog fields are snapshotted at order
// time so later catalog edits do not rewrite history.
type Item struct {
	ID             uuid.UUID     `json:"id"`
	RequestID      uuid.UUID     `json:"request_id"`
	TestID         *uuid.UUID    `json:"test_id,omitempty"`
	PanelID        *uuid.UUID    `json:"panel_id,omitempty"`
	Name           string        `json:"name"`
	DepartmentID   *uuid.UUID    `json:"department_id,omitempty"`
	DepartmentName string        `json:"department_name,omitempty"`
	SampleTypeID   *uuid.UUID    `json:"sample_type_id,omitempty"`
	UnitID         *uuid.UUID    `json:"unit_id,omitempty"`
	Price          catalog.Money `json:"price"`
	Status         string        `json:"status"`
	ForReview      bool          `json:"for_review"`
	ReopenCount    int           `json:"reopen_count"`
	CollectedAt    *time.Time    `json:"collected_at,omitempty"`
	Version        int           `json:"version"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`

	Badge string `json:"badge,omitempty"`
}

func (it *Item) IsPanel() bool { return it.PanelID != nil }

const (
	ScopeRequest = "request"
	ScopeItem    = "item"
)

// HistoryEntry records one status change of a request or an item.
type HistoryEntry struct {
	ID        uuid.UUID `json:"id"`
	Scope     string    `json:"scope"`
	EntityID  uuid.UUID `json:"entity_id"`
	RequestID uuid.UUID `json:"request_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	ChangedBy string    `json:"changed_by"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// OrderLine is one requested test or panel.
type OrderLine struct {
	TestID  *uuid.UUID `json:"test_id,omitempty"`
	PanelID *uuid.UUID `json:"panel_id,omitempty"`
}

type CreateInput struct {
	PatientID uuid.UUID   `json:"patient_id"`
	Priority  string      `json:"priority"`
	Items     []OrderLine `json:"items"`
}
