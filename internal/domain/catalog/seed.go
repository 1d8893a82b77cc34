package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/lims/lims/internal/platform/apperror"
)

// SeedFile is the YAML document loaded by "lims-server seed".
type SeedFile struct {
	Departments []string    `yaml:"departments"`
	SampleTypes []string    `yaml:"sample_types"`
	Units       []SeedUnit  `yaml:"units"`
	Tests       []SeedTest  `yaml:"tests"`
	Panels      []SeedPanel `yaml:"panels"`
}

type SeedUnit struct {
	Name   string `yaml:"name"`
	Symbol string `yaml:"symbol"`
}

type SeedTest struct {
	Name       string      `yaml:"name"`
	Price      string      `yaml:"price"`
	Department string      `yaml:"department"`
	SampleType string      `yaml:"sample_type"`
	Unit       string      `yaml:"unit"`
	Type       string      `yaml:"type"`
	Options    string      `yaml:"options"`
	Ranges     []SeedRange `yaml:"ranges"`
}

type SeedRange struct {
	Type        string `yaml:"type"`
	Gender      string `yaml:"gender"`
	MinAge      *int   `yaml:"min_age"`
	MaxAge      *int   `yaml:"max_age"`
	Min         string `yaml:"min"`
	Max         string `yaml:"max"`
	Symbol      string `yaml:"symbol"`
	SymbolValue string `yaml:"symbol_value"`
	Value       string `yaml:"value"`
	Unit        string `yaml:"unit"`
	Note        string `yaml:"note"`
}

type SeedPanel struct {
	Name       string   `yaml:"name"`
	Department string   `yaml:"department"`
	SampleType string   `yaml:"sample_type"`
	AutoRecalc bool     `yaml:"auto_recalc"`
	Price      string   `yaml:"price"`
	Tests      []string `yaml:"tests"`
}

// SeedReport counts what a seed run created and what already existed.
type SeedReport struct {
	Created int `json:"created"`
	Skipped int `json:"skipped"`
}

// ParseSeed decodes a catalog seed document. Unknown keys are rejected.
func ParseSeed(r io.Reader) (*SeedFile, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var f SeedFile
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	return &f, nil
}

// Seed loads the document in one transaction. Records are matched by name,
// so running the same file twice creates nothing the second time.
func (s *Service) Seed(ctx context.Context, f *SeedFile) (*SeedReport, error) {
	rep := &SeedReport{}
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		deps := map[string]uuid.UUID{}
		for _, name := range f.Departments {
			d, created, err := s.seedDepartment(ctx, name)
			if err != nil {
				return err
			}
			rep.count(created)
			deps[name] = d.ID
		}
		samples := map[string]uuid.UUID{}
		for _, name := range f.SampleTypes {
			st, created, err := s.seedSampleType(ctx, name)
			if err != nil {
				return err
			}
			rep.count(created)
			samples[name] = st.ID
		}
		units := map[string]uuid.UUID{}
		for _, su := range f.Units {
			u, created, err := s.seedUnit(ctx, su)
			if err != nil {
				return err
			}
			rep.count(created)
			units[su.Name] = u.ID
			units[u.Symbol] = u.ID
		}

		tests := map[string]uuid.UUID{}
		for _, st := range f.Tests {
			t, created, err := s.seedTest(ctx, st, deps, samples, units)
			if err != nil {
				return fmt.Errorf("test %q: %w", st.Name, err)
			}
			rep.count(created)
			tests[st.Name] = t.ID
		}
		for _, sp := range f.Panels {
			created, err := s.seedPanel(ctx, sp, deps, samples, tests)
			if err != nil {
				return fmt.Errorf("panel %q: %w", sp.Name, err)
			}
			rep.count(created)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Int("created", rep.Created).Int("skipped", rep.Skipped).Msg("catalog seeded")
	return rep, nil
}

func (r *SeedReport) count(created bool) {
	if created {
		r.Created++
	} else {
		r.Skipped++
	}
}

func (s *Service) seedDepartment(ctx context.Context, name string) (*Department, bool, error) {
	if d, err := s.repo.DepartmentByName(ctx, name); err == nil {
		return d, false, nil
	} else if !errors.Is(err, apperror.ErrNotFound) {
		return nil, false, err
	}
	d := &Department{Name: name}
	return d, true, s.CreateDepartment(ctx, d)
}

func (s *Service) seedSampleType(ctx context.Context, name string) (*SampleType, bool, error) {
	if st, err := s.repo.SampleTypeByName(ctx, name); err == nil {
		return st, false, nil
	} else if !errors.Is(err, apperror.ErrNotFound) {
		return nil, false, err
	}
	st := &SampleType{Name: name}
	return st, true, s.CreateSampleType(ctx, st)
}

func (s *Service) seedUnit(ctx context.Context, su SeedUnit) (*Unit, bool, error) {
	if u, err := s.repo.UnitByName(ctx, su.Name); err == nil {
		return u, false, nil
	} else if !errors.Is(err, apperror.ErrNotFound) {
		return nil, false, err
	}
	u := &Unit{Name: su.Name, Symbol: su.Symbol}
	return u, true, s.CreateUnit(ctx, u)
}

// lookupRef resolves a named reference from the maps built earlier in the
// run; blank names stay unset.
func lookupRef(kind, name string, refs map[string]uuid.UUID) (*uuid.UUID, error) {
	if name == "" {
		return nil, nil
	}
	id, ok := refs[name]
	if !ok {
		return nil, apperror.Validation("unknown %s %q", kind, name)
	}
	return &id, nil
}

func (s *Service) seedTest(ctx context.Context, st SeedTest, deps, samples, units map[string]uuid.UUID) (*Test, bool, error) {
	if t, err := s.repo.TestByName(ctx, st.Name); err == nil {
		return t, false, nil
	} else if !errors.Is(err, apperror.ErrNotFound) {
		return nil, false, err
	}

	t := &Test{Name: st.Name, TestType: st.Type, QualitativeValue: st.Options}
	var err error
	if st.Price != "" {
		if t.Price, err = ParseMoney(st.Price); err != nil {
			return nil, false, apperror.Validation("%s", err.Error())
		}
	}
	if t.DepartmentID, err = lookupRef("department", st.Department, deps); err != nil {
		return nil, false, err
	}
	if t.SampleTypeID, err = lookupRef("sample type", st.SampleType, samples); err != nil {
		return nil, false, err
	}
	if t.UnitID, err = lookupRef("unit", st.Unit, units); err != nil {
		return nil, false, err
	}
	created, err := s.CreateTest(ctx, t)
	if err != nil {
		return nil, false, err
	}

	for _, sr := range st.Ranges {
		nr, err := sr.toRange(created.ID)
		if err != nil {
			return nil, false, err
		}
		if err := s.CreateRange(ctx, nr); err != nil {
			return nil, false, err
		}
	}
	return created, true, nil
}

func (sr SeedRange) toRange(testID uuid.UUID) (*NormalRange, error) {
	nr := &NormalRange{
		TestID:           testID,
		RangeType:        sr.Type,
		Gender:           sr.Gender,
		MinAge:           sr.MinAge,
		MaxAge:           sr.MaxAge,
		Symbol:           sr.Symbol,
		QualitativeValue: sr.Value,
		Unit:             sr.Unit,
		Note:             sr.Note,
	}
	if nr.RangeType == "" {
		nr.RangeType = RangeNumeric
	}
	for _, f := range []struct {
		in  string
		out **Decimal
	}{{sr.Min, &nr.MinValue}, {sr.Max, &nr.MaxValue}, {sr.SymbolValue, &nr.SymbolValue}} {
		if f.in == "" {
			continue
		}
		d, err := ParseDecimal(f.in)
		if err != nil {
			return nil, apperror.Validation("%s", err.Error())
		}
		*f.out = &d
	}
	return nr, nil
}

func (s *Service) seedPanel(ctx context.Context, sp SeedPanel, deps, samples, tests map[string]uuid.UUID) (bool, error) {
	if _, err := s.repo.PanelByName(ctx, sp.Name); err == nil {
		return false, nil
	} else if !errors.Is(err, apperror.ErrNotFound) {
		return false, err
	}

	p := &Panel{Name: sp.Name, AutoRecalc: sp.AutoRecalc}
	var err error
	if sp.Price != "" {
		if p.ManualPrice, err = ParseMoney(sp.Price); err != nil {
			return false, apperror.Validation("%s", err.Error())
		}
	}
	if p.DepartmentID, err = lookupRef("department", sp.Department, deps); err != nil {
		return false, err
	}
	if p.SampleTypeID, err = lookupRef("sample type", sp.SampleType, samples); err != nil {
		return false, err
	}
	for _, name := range sp.Tests {
		id, ok := tests[name]
		if !ok {
			t, err := s.repo.TestByName(ctx, name)
			if err != nil {
				return false, apperror.Validation("unknown test %q", name)
			}
			id = t.ID
		}
		p.TestIDs = append(p.TestIDs, id)
	}
	_, err = s.CreatePanel(ctx, p)
	return err == nil, err
}
