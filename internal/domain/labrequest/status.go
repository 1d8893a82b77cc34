package labrequest

import (
	"strings"

	"github.com/lims/lims/internal/platform/apperror"
	"github.com/lims/lims/internal/platform/auth"
)

// Reception (request-level) states.
const (
	StatusBillingPending = "billing_pending"
	StatusSamplePending  = "sample_pending"
	StatusProcessing     = "processing"
	StatusCompleted      = "completed"
)

// Item (pathology) states.
const (
	ItemSamplePending   = "sample_pending"
	ItemSampleCollected = "sample_collected"
	ItemInProgress      = "in_progress"
	ItemCompleted       = "completed"
	ItemVerified        = "verified"
	ItemReleased        = "released"
)

// Display badges derived from item flags. They are never stored as a status.
const (
	BadgeUnderReview = "under_review"
	BadgeReopened    = "reopened"
)

const (
	PaymentAwaiting = "awaiting_payment"
	PaymentPaid     = "paid"
)

const (
	PriorityRoutine = "ROUTINE"
	PriorityUrgent  = "URGENT"
)

// ErrAlreadyReleased is returned for any action on a released item.
var ErrAlreadyReleased = apperror.Conflict("already released").WithCode("ALREADY_RELEASED")

var receptionChain = map[string]string{
	StatusBillingPending: StatusSamplePending,
	StatusSamplePending:  StatusProcessing,
	StatusProcessing:     StatusCompleted,
}

// NormalizeStatus folds legacy spellings such as "Sample Collected" or
// "awaiting payment" onto the stored snake_case form.
func NormalizeStatus(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(s)
}

// NextStatus returns the reception state after current. Completed, empty
// and unknown input are terminal.
func NextStatus(current string) (string, bool) {
	next, ok := receptionChain[NormalizeStatus(current)]
	return next, ok
}

var itemRank = map[string]int{
	ItemSamplePending:   0,
	ItemSampleCollected: 1,
	ItemInProgress:      2,
	ItemCompleted:       3,
	ItemVerified:        4,
	ItemReleased:        5,
}

// IsItemStatus reports whether s is a stored item status.
func IsItemStatus(s string) bool {
	_, ok := itemRank[s]
	return ok
}

// ItemStatuses lists the stored item states in workflow order.
func ItemStatuses() []string {
	return []string{ItemSamplePending, ItemSampleCollected, ItemInProgress, ItemCompleted, ItemVerified, ItemReleased}
}

// OverallStatus is the least advanced status among items, or "" for none.
func OverallStatus(statuses []string) string {
	overall, best := "", len(itemRank)
	for _, s := range statuses {
		if r, ok := itemRank[s]; ok && r < best {
			overall, best = s, r
		}
	}
	return overall
}

// Badge is the label a dashboard shows for an item.
func Badge(status string, forReview bool, reopenCount int) string {
	switch {
	case forReview && status != ItemReleased:
		return BadgeUnderReview
	case reopenCount > 0 && status == ItemInProgress:
		return BadgeReopened
	}
	return status
}

// Action is a named pathology transition gated by a permission.
type Action struct {
	Name       string
	From       []string
	To         string // empty: status unchanged
	Resource   string
	Permission string
}

const (
	ActionAdopt    = "adopt"
	ActionComplete = "complete"
	ActionVerify   = "verify"
	ActionReopen   = "reopen"
	ActionRelease  = "release"
	ActionReview   = "review"
)

var actions = map[string]Action{
	ActionAdopt:    {ActionAdopt, []string{ItemSampleCollected}, ItemInProgress, auth.ResResults, auth.ActEnter},
	ActionComplete: {ActionComplete, []string{ItemInProgress}, ItemCompleted, auth.ResResults, auth.ActEnter},
	ActionVerify:   {ActionVerify, []string{ItemCompleted}, ItemVerified, auth.ResPathologist, auth.ActVerify},
	ActionReopen:   {ActionReopen, []string{ItemCompleted, ItemVerified}, ItemInProgress, auth.ResPathologist, auth.ActReopen},
	ActionRelease:  {ActionRelease, []string{ItemVerified}, ItemReleased, auth.ResPathologist, auth.ActRelease},
	ActionReview: {ActionReview, []string{ItemSamplePending, ItemSampleCollected, ItemInProgress, ItemCompleted, ItemVerified},
		"", auth.ResPathologist, auth.ActReview},
}

func LookupAction(name string) (Action, bool) {
	a, ok := actions[strings.ToLower(name)]
	return a, ok
}

// Check validates that the action may run on an item in status from.
func (a Action) Check(from string) error {
	if from == ItemReleased {
		return ErrAlreadyReleased
	}
	for _, s := range a.From {
		if s == from {
			return nil
		}
	}
	return apperror.Conflict("cannot %s an item that is %s", a.Name, from).WithCode("INVALID_TRANSITION")
}

// Target is the status after the action runs from from.
func (a Action) Target(from string) string {
	if a.To == "" {
		return from
	}
	return a.To
}
