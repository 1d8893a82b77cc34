package catalog

import (
	"encoding/json"
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	TypeQuantitative = "quantitative"
	TypeQualitative  = "qualitative"
)

const (
	RangeNumeric     = "numeric"
	RangeSymbol      = "symbol"
	RangeQualitative = "qualitative"
)

const (
	GenderAny    = "Any"
	GenderMale   = "Male"
	GenderFemale = "Female"
)

type Department struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type SampleType struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type Unit struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Symbol    string    `json:"symbol"`
	CreatedAt time.Time `json:"created_at"`
}

// Test is a single orderable analyte.
type Test struct {
	ID               uuid.UUID  `json:"id"`
	Name             string     `json:"name"`
	Price            Money      `json:"price"`
	DepartmentID     *uuid.UUID `json:"department_id,omitempty"`
	SampleTypeID     *uuid.UUID `json:"sample_type_id,omitempty"`
	UnitID           *uuid.UUID `json:"unit_id,omitempty"`
	TestType         string     `json:"test_type"`
	QualitativeValue string     `json:"qualitative_value,omitempty"`
	IsActive         bool       `json:"is_active"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`

	// Joined for display.
	DepartmentName string `json:"department_name,omitempty"`
	SampleTypeName string `json:"sample_type_name,omitempty"`
	UnitSymbol     string `json:"unit_symbol,omitempty"`
}

// Options returns the configured qualitative options, in catalog order.
func (t *Test) Options() []string {
	return SplitOptions(t.QualitativeValue)
}

// SplitOptions splits a semicolon-delimited option list, dropping blanks.
func SplitOptions(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ";") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Panel bundles analytes under one orderable price.
type Panel struct {
	ID           uuid.UUID   `json:"id"`
	Name         string      `json:"name"`
	DepartmentID *uuid.UUID  `json:"department_id"`
	SampleTypeID *uuid.UUID  `json:"sample_type_id,omitempty"`
	AutoRecalc   bool        `json:"panel_auto_recalc"`
	ManualPrice  Money       `json:"manual_price"`
	IsActive     bool        `json:"is_active"`
	TestIDs      []uuid.UUID `json:"test_ids"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`

	// Resolved at read time.
	Price          Money   `json:"price"`
	Tests          []*Test `json:"tests,omitempty"`
	DepartmentName string  `json:"department_name,omitempty"`
}

// ResolvePrice sets Price from the constituent analytes when auto-recalc is
// on and from the stored manual price otherwise.
func (p *Panel) ResolvePrice() {
	if !p.AutoRecalc {
		p.Price = p.ManualPrice
		return
	}
	var sum Money
	for _, t := range p.Tests {
		sum += t.Price
	}
	p.Price = sum
}

// NormalRange is a reference interval for an analyte, optionally overridden
// for a panel.
type NormalRange struct {
	ID               uuid.UUID  `json:"id"`
	TestID           uuid.UUID  `json:"test_id"`
	PanelID          *uuid.UUID `json:"panel_id,omitempty"`
	RangeType        string     `json:"range_type"`
	Gender           string     `json:"gender"`
	MinAge           *int       `json:"min_age,omitempty"`
	MaxAge           *int       `json:"max_age,omitempty"`
	MinValue         *Decimal   `json:"min_value,omitempty"`
	MaxValue         *Decimal   `json:"max_value,omitempty"`
	Symbol           string     `json:"symbol,omitempty"`
	SymbolValue      *Decimal   `json:"symbol_value,omitempty"`
	QualitativeValue string     `json:"qualitative_value,omitempty"`
	Unit             string     `json:"unit,omitempty"`
	Note             string     `json:"note,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

var validSymbols = map[string]bool{"<": true, "<=": true, ">": true, ">=": true, "=": true}

// Normalize validates the range and clears the value groups its type does
// not use.
func (r *NormalRange) Normalize() error {
	if r.Gender == "" {
		r.Gender = GenderAny
	}
	switch r.Gender {
	case GenderAny, GenderMale, GenderFemale:
	default:
		return fmt.Errorf("gender must be Any, Male or Female")
	}
	if r.MinAge != nil && r.MaxAge != nil && *r.MinAge > *r.MaxAge {
		return fmt.Errorf("min_age must not exceed max_age")
	}
	if (r.MinAge != nil && *r.MinAge < 0) || (r.MaxAge != nil && *r.MaxAge < 0) {
		return fmt.Errorf("ages must not be negative")
	}

	switch r.RangeType {
	case RangeNumeric:
		if r.MinValue == nil && r.MaxValue == nil {
			return fmt.Errorf("numeric range requires min_value or max_value")
		}
		if r.MinValue != nil && r.MaxValue != nil && r.MinValue.Cmp(*r.MaxValue) > 0 {
			return fmt.Errorf("min_value must not exceed max_value")
		}
		r.Symbol, r.SymbolValue, r.QualitativeValue = "", nil, ""
	case RangeSymbol:
		if !validSymbols[r.Symbol] || r.SymbolValue == nil {
			return fmt.Errorf("symbol range requires symbol (<, <=, >, >=, =) and symbol_value")
		}
		r.MinValue, r.MaxValue, r.QualitativeValue = nil, nil, ""
	case RangeQualitative:
		if strings.TrimSpace(r.QualitativeValue) == "" {
			return fmt.Errorf("qualitative range requires qualitative_value")
		}
		r.MinValue, r.MaxValue, r.Symbol, r.SymbolValue = nil, nil, "", nil
	default:
		return fmt.Errorf("range_type must be numeric, symbol or qualitative")
	}
	return nil
}

// Render formats the range for a result sheet: "10 - 20 mg/dL", "< 5 mg/dL"
// or the qualitative value.
func (r *NormalRange) Render(unit string) string {
	if r.Unit != "" {
		unit = r.Unit
	}
	var s string
	switch r.RangeType {
	case RangeNumeric:
		switch {
		case r.MinValue != nil && r.MaxValue != nil:
			s = r.MinValue.String() + " - " + r.MaxValue.String()
		case r.MinValue != nil:
			s = ">= " + r.MinValue.String()
		default:
			s = "<= " + r.MaxValue.String()
		}
	case RangeSymbol:
		s = r.Symbol + " " + r.SymbolValue.String()
	default:
		return r.QualitativeValue
	}
	if unit != "" {
		s += " " + unit
	}
	return s
}

// Money is an amount in minor currency units, rendered as "12.50".
type Money int64

func (m Money) String() string {
	sign := ""
	v := int64(m)
	if v < 0 {
		sign, v = "-", -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(`"` + m.String() + `"`), nil
}

// UnmarshalJSON accepts 12.5, "12.50" or "12". More than two decimal places
// is an error rather than a silent rounding.
func (m *Money) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*m = 0
		return nil
	}
	v, err := ParseMoney(s)
	if err != nil {
		return err
	}
	*m = v
	return nil
}

func ParseMoney(s string) (Money, error) {
	r, ok := new(big.Rat).SetString(strings.TrimSpace(s))
	if !ok {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	r.Mul(r, big.NewRat(100, 1))
	if !r.IsInt() {
		return 0, fmt.Errorf("amount %q has more than two decimal places", s)
	}
	if !r.Num().IsInt64() {
		return 0, fmt.Errorf("amount %q out of range", s)
	}
	return Money(r.Num().Int64()), nil
}

// Decimal is an exact decimal kept in its canonical textual form so bounds
// round-trip through NUMERIC columns without float rounding.
type Decimal string

var decimalPattern = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?$`)

// ParseDecimal accepts plain decimal notation (".5", "+20", "1.50e1") and
// returns its canonical spelling: no sign for positives, no exponent and no
// trailing fractional zeros ("0.5", "20", "15").
func ParseDecimal(s string) (Decimal, error) {
	s = strings.TrimSpace(s)
	if !decimalPattern.MatchString(s) {
		return "", fmt.Errorf("invalid decimal %q", s)
	}
	if _, err := strconv.ParseFloat(s, 64); err != nil {
		return "", fmt.Errorf("invalid decimal %q", s)
	}
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return "", fmt.Errorf("invalid decimal %q", s)
	}
	return Decimal(r.FloatString(fractionDigits(r))), nil
}

// fractionDigits is the smallest precision that prints r exactly. r always
// has a power-of-ten denominator here.
func fractionDigits(r *big.Rat) int {
	x := new(big.Rat).Set(r)
	ten := big.NewRat(10, 1)
	n := 0
	for !x.IsInt() {
		x.Mul(x, ten)
		n++
	}
	return n
}

func (d Decimal) String() string { return string(d) }

func (d Decimal) Rat() *big.Rat {
	r, _ := new(big.Rat).SetString(string(d))
	if r == nil {
		return new(big.Rat)
	}
	return r
}

func (d Decimal) Cmp(o Decimal) int {
	return d.Rat().Cmp(o.Rat())
}

func (d Decimal) MarshalJSON() ([]byte, error) {
	return []byte(d), nil
}

func (d *Decimal) UnmarshalJSON(b []byte) error {
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("decimal must be a number")
		}
		n = json.Number(s)
	}
	v, err := ParseDecimal(n.String())
	if err != nil {
		return err
	}
	*d = v
	return nil
}
