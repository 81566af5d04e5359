package service

import (
	"math"
	"sort"
	"time"

	"github.com/noah-isme/sma-performance-api/internal/models"
)

// roundScore applies the service-wide rounding mode: half-to-even, 2 decimals.
func roundScore(v float64) float64 {
	return math.RoundToEven(v*100) / 100
}

func ptr(v float64) *float64 {
	return &v
}

func meanOf(values []float64) float64 {
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// medianOf expects values sorted ascending. Even-count populations average the
// two middle values.
func medianOf(values []float64) float64 {
	n := len(values)
	if n%2 == 1 {
		return values[n/2]
	}
	return (values[n/2-1] + values[n/2]) / 2
}

// stddevPop is the population standard deviation (divide by N, not N-1).
func stddevPop(values []float64, mean float64) float64 {
	sum := 0.0
	for _, v := range values {
		d := v - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(values)))
}

// percentileOf computes the p-th percentile of sorted values using linear
// interpolation between closest ranks.
func percentileOf(values []float64, p float64) float64 {
	n := len(values)
	if n == 1 {
		return values[0]
	}
	pos := p / 100 * float64(n-1)
	lower := int(math.Floor(pos))
	if lower >= n-1 {
		return values[n-1]
	}
	frac := pos - float64(lower)
	return values[lower] + frac*(values[lower+1]-values[lower])
}

// CohortInput feeds one cohort-term aggregation. Results and Previous are the
// current and previous-term per-student rows for the same scope; Previous may
// be nil when no earlier term exists.
type CohortInput struct {
	Scope               models.StatsScope
	ScopeID             string
	SubjectID           string
	TermID              string
	PassMark            float64
	RequiredAssessments int
	Results             []models.StudentSubjectTermResult
	Previous            []models.StudentSubjectTermResult
}

type scoredStudent struct {
	studentID string
	score     float64
	submitted int
}

// BuildCohortStats computes the full statistics snapshot for one scope and term.
// It is pure: the same input always yields an identical snapshot (timestamps
// excepted). Students without a normalized score are excluded from the
// population rather than counted as zero.
func BuildCohortStats(in CohortInput) models.CohortTermStats {
	stats := models.CohortTermStats{
		Scope:           in.Scope,
		ScopeID:         in.ScopeID,
		SubjectID:       in.SubjectID,
		TermID:          in.TermID,
		TopPerformers:   []string{},
		FailingStudents: []string{},
		CalculatedAt:    time.Now().UTC(),
	}

	population := make([]scoredStudent, 0, len(in.Results))
	for _, r := range in.Results {
		if r.NormalizedScore == nil {
			continue
		}
		population = append(population, scoredStudent{
			studentID: r.StudentID,
			score:     *r.NormalizedScore,
			submitted: r.SubmittedCount,
		})
	}
	stats.PopulationSize = len(population)
	if len(population) == 0 {
		return stats
	}

	sort.Slice(population, func(i, j int) bool {
		if population[i].score != population[j].score {
			return population[i].score < population[j].score
		}
		return population[i].studentID < population[j].studentID
	})

	scores := make([]float64, len(population))
	for i, s := range population {
		scores[i] = s.score
	}
	n := float64(len(scores))

	passed := 0
	for _, s := range scores {
		if s >= in.PassMark {
			passed++
		}
	}
	passRate := roundScore(100 * float64(passed) / n)
	stats.PassRate = ptr(passRate)
	stats.FailureRate = ptr(100 - passRate)

	avg := meanOf(scores)
	stats.LowestScore = ptr(roundScore(scores[0]))
	stats.HighestScore = ptr(roundScore(scores[len(scores)-1]))
	stats.AverageScore = ptr(roundScore(avg))
	stats.MedianScore = ptr(roundScore(medianOf(scores)))
	stats.StandardDeviation = ptr(roundScore(stddevPop(scores, avg)))

	stats.PercentileBuckets = bucketize(population, scores)
	stats.ImprovementRate = improvementRate(population, in.Previous)
	stats.CompletionRate = completionRate(population, in.RequiredAssessments)
	stats.TopPerformers = topPerformers(population, in.PassMark)
	stats.FailingStudents = failingStudents(population, in.PassMark)

	return stats
}

// bucketize partitions every student into exactly one percentile bucket.
// Thresholds are matched ascending, first match wins, so a student exactly at
// the 10th-percentile threshold lands in the 10th bucket. The 90th bucket is
// the upper catch-all: students above the 90th threshold land there too.
func bucketize(population []scoredStudent, sortedScores []float64) map[string]models.PercentileBucket {
	labels := models.BucketLabels()
	percents := []float64{10, 25, 50, 75, 90}

	thresholds := make([]float64, len(percents))
	buckets := make(map[string]models.PercentileBucket, len(labels))
	for i, p := range percents {
		thresholds[i] = percentileOf(sortedScores, p)
		buckets[labels[i]] = models.PercentileBucket{
			Threshold:  ptr(roundScore(thresholds[i])),
			StudentIDs: []string{},
		}
	}

	for _, s := range population {
		label := labels[len(labels)-1]
		for i := 0; i < len(labels)-1; i++ {
			if s.score <= thresholds[i] {
				label = labels[i]
				break
			}
		}
		bucket := buckets[label]
		bucket.Count++
		bucket.StudentIDs = append(bucket.StudentIDs, s.studentID)
		buckets[label] = bucket
	}
	return buckets
}

// improvementRate reports the share of the population whose score improved over
// the previous term. Nil when the scope has no previous-term data at all.
func improvementRate(population []scoredStudent, previous []models.StudentSubjectTermResult) *float64 {
	prevScores := make(map[string]float64, len(previous))
	for _, r := range previous {
		if r.NormalizedScore != nil {
			prevScores[r.StudentID] = *r.NormalizedScore
		}
	}
	if len(prevScores) == 0 {
		return nil
	}
	improved := 0
	for _, s := range population {
		if prev, ok := prevScores[s.studentID]; ok && s.score > prev {
			improved++
		}
	}
	return ptr(roundScore(100 * float64(improved) / float64(len(population))))
}

func completionRate(population []scoredStudent, required int) *float64 {
	complete := 0
	for _, s := range population {
		if s.submitted >= required {
			complete++
		}
	}
	return ptr(roundScore(100 * float64(complete) / float64(len(population))))
}

// topPerformers returns up to three passing students, highest score first, ties
// broken by student id ascending.
func topPerformers(population []scoredStudent, passMark float64) []string {
	candidates := make([]scoredStudent, 0, len(population))
	for _, s := range population {
		if s.score >= passMark {
			candidates = append(candidates, s)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].studentID < candidates[j].studentID
	})
	if len(candidates) > 3 {
		candidates = candidates[:3]
	}
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.studentID
	}
	return ids
}

func failingStudents(population []scoredStudent, passMark float64) []string {
	ids := make([]string, 0)
	for _, s := range population {
		if s.score < passMark {
			ids = append(ids, s.studentID)
		}
	}
	sort.Strings(ids)
	return ids
}
