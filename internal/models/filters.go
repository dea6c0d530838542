package models

import (
	"errors"
	"fmt"
	"strings"
)

const (
	GenderMale   = "male"
	GenderFemale = "female"
	LookingAll   = "all"

	MinAllowedAge = 18
	MaxAllowedAge = 99
)

// ErrInvalidFilters wraps every validation failure of Filters.
var ErrInvalidFilters = errors.New("invalid filters")

// Filters are the user-chosen matching criteria carried on a Session.
type Filters struct {
	Country      string `gorm:"index:idx_session_location" json:"country" yaml:"country"`
	City         string `gorm:"index:idx_session_location" json:"city" yaml:"city"`
	Gender       string `json:"gender" yaml:"gender"`
	LookingFor   string `json:"looking_for" yaml:"looking_for"`
	Age          int    `json:"age" yaml:"age"`
	MinAge       int    `json:"min_age" yaml:"min_age"`
	MaxAge       int    `json:"max_age" yaml:"max_age"`
	ExpandSearch bool   `json:"expand_search" yaml:"expand_search"`
}

// DefaultFilters mirrors what a first launch shows before any choice is saved.
func DefaultFilters() Filters {
	return Filters{
		LookingFor:   LookingAll,
		MinAge:       MinAllowedAge,
		MaxAge:       MaxAllowedAge,
		ExpandSearch: true,
	}
}

// Normalize lower-cases enum-like fields and trims location names.
func (f Filters) Normalize() Filters {
	f.Country = strings.TrimSpace(f.Country)
	f.City = strings.TrimSpace(f.City)
	f.Gender = strings.ToLower(strings.TrimSpace(f.Gender))
	f.LookingFor = strings.ToLower(strings.TrimSpace(f.LookingFor))
	if f.LookingFor == "" {
		f.LookingFor = LookingAll
	}
	return f
}

// Validate reports whether the filters are complete enough to start a search.
func (f Filters) Validate() error {
	switch {
	case f.Country == "" || f.City == "":
		return fmt.Errorf("%w: country and city are required", ErrInvalidFilters)
	case f.Gender != GenderMale && f.Gender != GenderFemale:
		return fmt.Errorf("%w: gender must be %q or %q", ErrInvalidFilters, GenderMale, GenderFemale)
	case f.LookingFor != GenderMale && f.LookingFor != GenderFemale && f.LookingFor != LookingAll:
		return fmt.Errorf("%w: looking_for %q", ErrInvalidFilters, f.LookingFor)
	case f.Age < MinAllowedAge || f.Age > MaxAllowedAge:
		return fmt.Errorf("%w: age %d out of range", ErrInvalidFilters, f.Age)
	case f.MinAge < MinAllowedAge || f.MaxAge > MaxAllowedAge || f.MinAge > f.MaxAge:
		return fmt.Errorf("%w: age range %d-%d", ErrInvalidFilters, f.MinAge, f.MaxAge)
	}
	return nil
}

// Accepts reports whether a person of the given gender and age satisfies
// these filters' looking-for and age range.
func (f Filters) Accepts(gender string, age int) bool {
	if f.LookingFor != LookingAll && f.LookingFor != gender {
		return false
	}
	return age >= f.MinAge && age <= f.MaxAge
}

// SameLocation compares country and city case-insensitively.
func (f Filters) SameLocation(o Filters) bool {
	return strings.EqualFold(f.Country, o.Country) && strings.EqualFold(f.City, o.City)
}

// Preferences is the persisted, typed form of the filters plus the name
// shown to partners.
type Preferences struct {
	Filters     `yaml:",inline"`
	DisplayName string `json:"display_name" yaml:"display_name"`
}

// DefaultPreferences returns preferences with DefaultFilters.
func DefaultPreferences() Preferences {
	return Preferences{Filters: DefaultFilters()}
}
