package service

import (
	"sort"

	"github.com/noah-isme/sma-performance-api/internal/models"
	appErrors "github.com/noah-isme/sma-performance-api/pkg/errors"
)

// ResolvedScore is the effective contribution of one assessment to a student's
// term mark: moderated score when present, raw score otherwise, zero for
// assessments the student never submitted.
type ResolvedScore struct {
	AssessmentID   string
	EffectiveScore float64
	TotalPoints    float64
	WeightPercent  float64
	Submitted      bool
}

// ResolveScores resolves the effective per-assessment scores of one student for
// a subject and term. Only formal, grade-released assessments participate.
// Output is ordered by assessment id so downstream aggregation is deterministic
// regardless of map iteration order. Returns ErrNoAssessments when the formal
// released set is empty; callers treat that as insufficient data, not a fault.
func ResolveScores(assessments []models.Assessment, entries []models.ScoreEntry) ([]ResolvedScore, error) {
	eligible := make([]models.Assessment, 0, len(assessments))
	for _, a := range assessments {
		if a.Formal && a.GradesReleased {
			eligible = append(eligible, a)
		}
	}
	if len(eligible) == 0 {
		return nil, appErrors.ErrNoAssessments
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].ID < eligible[j].ID })

	byAssessment := make(map[string]models.ScoreEntry, len(entries))
	for _, e := range entries {
		byAssessment[e.AssessmentID] = e
	}

	resolved := make([]ResolvedScore, 0, len(eligible))
	for _, a := range eligible {
		r := ResolvedScore{
			AssessmentID:  a.ID,
			TotalPoints:   a.TotalPoints,
			WeightPercent: a.WeightPercent,
		}
		if entry, ok := byAssessment[a.ID]; ok {
			r.EffectiveScore = entry.EffectiveScore()
			r.Submitted = entry.Submitted
		}
		resolved = append(resolved, r)
	}
	return resolved, nil
}
