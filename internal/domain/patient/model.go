package patient

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	GenderMale   = "Male"
	GenderFemale = "Female"
	GenderOther  = "Other"
)

type Ward struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type Patient struct {
	ID          uuid.UUID  `json:"id"`
	LabID       string     `json:"lab_id"`
	FullName    string     `json:"full_name"`
	Gender      string     `json:"gender"`
	DateOfBirth *Date      `json:"date_of_birth,omitempty"`
	Phone       string     `json:"phone,omitempty"`
	WardID      *uuid.UUID `json:"ward_id,omitempty"`
	WardName    string     `json:"ward_name,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// AgeAt returns the patient's age in whole years at t, or nil without a
// date of birth.
func (p *Patient) AgeAt(t time.Time) *int {
	if p.DateOfBirth == nil {
		return nil
	}
	dob := p.DateOfBirth.Time
	age := t.Year() - dob.Year()
	if t.Month() < dob.Month() || (t.Month() == dob.Month() && t.Day() < dob.Day()) {
		age--
	}
	if age < 0 {
		age = 0
	}
	return &age
}

// NormalizeGender maps free-form input onto Male, Female or Other.
func NormalizeGender(s string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "m", "male":
		return GenderMale, nil
	case "f", "female":
		return GenderFemale, nil
	case "o", "other", "":
		return GenderOther, nil
	}
	return "", fmt.Errorf("gender must be Male, Female or Other")
}

const dateLayout = "2006-01-02"

// Date is a calendar date rendered as YYYY-MM-DD.
type Date struct {
	time.Time
}

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: want YYYY-MM-DD", s)
	}
	return Date{Time: t}, nil
}

func (d Date) String() string { return d.Format(dateLayout) }

func (d Date) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Date) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		return nil
	}
	// Full timestamps are accepted and truncated to the day.
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		d.Time = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		return nil
	}
	v, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// LabID formats the human-facing identifier printed on sample labels.
func LabID(day time.Time, seq int) string {
	return fmt.Sprintf("LAB-%s-%04d", day.Format("20060102"), seq)
}
