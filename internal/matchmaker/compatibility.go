package matchmaker

import (
	"time"

	"meetzap/backend/internal/models"
)

// Compatible reports whether candidate may be offered to searcher.
//
// With expand_search off the pair must share country and city and each side
// must accept the other's gender and age. With expand_search on, location is
// ignored and only the searcher's looking-for and age range are checked.
func Compatible(searcher, candidate *models.Session, now time.Time, window time.Duration) bool {
	if candidate.ID == searcher.ID || candidate.UserID == searcher.UserID {
		return false
	}
	if candidate.Status != models.StatusWaiting || candidate.HasPartner() || !candidate.Fresh(now, window) {
		return false
	}
	if searcher.Skipped(candidate.UserID) || candidate.Skipped(searcher.UserID) {
		return false
	}
	if !searcher.Accepts(candidate.Gender, candidate.Age) {
		return false
	}
	if searcher.ExpandSearch {
		return true
	}
	return searcher.SameLocation(candidate.Filters) && candidate.Accepts(searcher.Gender, searcher.Age)
}
