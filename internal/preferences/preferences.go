// Package preferences stores the filters and display name a user searches
// with, so they survive restarts and seed new sessions.
package preferences

import (
	"context"
	"errors"

	"meetzap/backend/internal/models"
)

// ErrInvalidUserID is returned for an empty or path-like user id.
var ErrInvalidUserID = errors.New("invalid user id")

// Repository loads and saves Preferences per user. Load of a user with
// nothing stored returns models.DefaultPreferences().
type Repository interface {
	Load(ctx context.Context, userID string) (models.Preferences, error)
	Save(ctx context.Context, userID string, p models.Preferences) error
}

// Resolve merges a search request with stored preferences: any zero field of
// req is taken from stored. ExpandSearch is taken from req only when the
// request carries filters of its own.
func Resolve(stored models.Preferences, req models.Filters) models.Filters {
	if req == (models.Filters{}) {
		return stored.Filters.Normalize()
	}
	out := req
	if out.Country == "" {
		out.Country = stored.Country
	}
	if out.City == "" {
		out.City = stored.City
	}
	if out.Gender == "" {
		out.Gender = stored.Gender
	}
	if out.LookingFor == "" {
		out.LookingFor = stored.LookingFor
	}
	if out.Age == 0 {
		out.Age = stored.Age
	}
	if out.MinAge == 0 {
		out.MinAge = stored.MinAge
	}
	if out.MaxAge == 0 {
		out.MaxAge = stored.MaxAge
	}
	return out.Normalize()
}
