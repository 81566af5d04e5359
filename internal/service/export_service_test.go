package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-performance-api/internal/models"
	"github.com/noah-isme/sma-performance-api/pkg/storage"
)

type fakePerformanceReader struct {
	results  []models.StudentSubjectTermResult
	stats    *models.CohortTermStats
	byScope  []models.CohortTermStats
	lifetime *models.SubjectLifetimeStats
}

func (f *fakePerformanceReader) ListResults(_ context.Context, _ models.ResultFilter) ([]models.StudentSubjectTermResult, error) {
	return f.results, nil
}

func (f *fakePerformanceReader) GetCohortStats(_ context.Context, _ models.StatsScope, _, _, _ string) (*models.CohortTermStats, error) {
	return f.stats, nil
}

func (f *fakePerformanceReader) ListCohortStats(_ context.Context, _ models.StatsScope, _ string) ([]models.CohortTermStats, error) {
	return f.byScope, nil
}

func (f *fakePerformanceReader) GetLifetimeStats(_ context.Context, _ string) (*models.SubjectLifetimeStats, error) {
	return f.lifetime, nil
}

type memoryStorage struct {
	dir     string
	saved   []string
	deleted []string
}

func (m *memoryStorage) Save(filename string, data []byte) (string, error) {
	m.saved = append(m.saved, filename)
	if err := os.WriteFile(filepath.Join(m.dir, filename), data, 0o600); err != nil {
		return "", err
	}
	return filename, nil
}

func (m *memoryStorage) Open(filename string) (*os.File, error) {
	return os.Open(filepath.Join(m.dir, filename))
}

func (m *memoryStorage) Delete(filename string) error {
	m.deleted = append(m.deleted, filename)
	return os.Remove(filepath.Join(m.dir, filename))
}

func (m *memoryStorage) CleanupOlderThan(_ time.Duration) ([]string, error) {
	return nil, nil
}

func newExportService(t *testing.T, reader *fakePerformanceReader) (*ExportService, *memoryStorage) {
	t.Helper()
	store := &memoryStorage{dir: t.TempDir()}
	signer := storage.NewSignedURLSigner("test-secret", time.Hour)
	svc := NewExportService(reader, store, signer, ExportConfig{APIPrefix: "/api/v1"}, nil, nil, nil)
	return svc, store
}

func resultsJob(format models.ReportFormat) *models.ReportJob {
	return &models.ReportJob{
		ID:   "job-1",
		Type: models.ReportTypeResults,
		Params: models.ReportJobParams{
			Format:    format,
			SubjectID: "sub-1",
			TermID:    "term-1",
		},
		CreatedAt: time.Now(),
	}
}

func TestGenerateResultsCSV(t *testing.T) {
	reader := &fakePerformanceReader{results: []models.StudentSubjectTermResult{
		{StudentID: "s1", TermID: "term-1", NormalizedScore: ptr(86), WeightedScore: ptr(34.4), Passed: true, CompletionRate: ptr(100), SubmittedCount: 2, CalculatedAt: time.Now()},
		{StudentID: "s2", TermID: "term-1", Passed: false, CalculatedAt: time.Now()},
	}}
	svc, store := newExportService(t, reader)

	result, err := svc.Generate(context.Background(), resultsJob(models.ReportFormatCSV))
	require.NoError(t, err)
	assert.Equal(t, models.ReportFormatCSV, result.Format)
	assert.True(t, strings.HasPrefix(result.URL, "/api/v1/export/"))
	assert.True(t, result.ExpiresAt.After(time.Now()))
	require.Len(t, store.saved, 1)
	assert.True(t, strings.HasSuffix(store.saved[0], ".csv"))

	file, err := svc.Open(result.RelativePath)
	require.NoError(t, err)
	defer file.Close()
	content := make([]byte, 1024)
	n, _ := file.Read(content)
	body := string(content[:n])
	assert.Contains(t, body, "Student ID")
	assert.Contains(t, body, "s1")
	assert.Contains(t, body, "86.00")
}

func TestGenerateStatisticsPDF(t *testing.T) {
	reader := &fakePerformanceReader{stats: &models.CohortTermStats{
		Scope:          models.ScopeSubject,
		ScopeID:        "sub-1",
		PopulationSize: 12,
		PassRate:       ptr(75),
		FailureRate:    ptr(25),
		TopPerformers:  []string{"s1", "s2", "s3"},
	}}
	svc, store := newExportService(t, reader)

	job := resultsJob(models.ReportFormatPDF)
	job.Type = models.ReportTypeStatistics
	result, err := svc.Generate(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, models.ReportFormatPDF, result.Format)
	require.Len(t, store.saved, 1)
	assert.True(t, strings.HasSuffix(store.saved[0], ".pdf"))

	file, err := svc.Open(result.RelativePath)
	require.NoError(t, err)
	defer file.Close()
	header := make([]byte, 5)
	_, err = file.Read(header)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-", string(header))
}

func TestGenerateLifetimeIncludesRollupRow(t *testing.T) {
	reader := &fakePerformanceReader{
		byScope: []models.CohortTermStats{
			{TermID: "term-1", PopulationSize: 10, PassRate: ptr(70), AverageScore: ptr(74.5), MedianScore: ptr(76)},
			{TermID: "term-2", PopulationSize: 11, PassRate: ptr(80), AverageScore: ptr(78), MedianScore: ptr(79)},
		},
		lifetime: &models.SubjectLifetimeStats{SubjectID: "sub-1", PassRate: ptr(75), MedianScore: ptr(77.5)},
	}
	svc, _ := newExportService(t, reader)

	job := resultsJob(models.ReportFormatCSV)
	job.Type = models.ReportTypeLifetime
	result, err := svc.Generate(context.Background(), job)
	require.NoError(t, err)

	file, err := svc.Open(result.RelativePath)
	require.NoError(t, err)
	defer file.Close()
	content := make([]byte, 2048)
	n, _ := file.Read(content)
	body := string(content[:n])
	assert.Contains(t, body, "term-1")
	assert.Contains(t, body, "term-2")
	assert.Contains(t, body, "LIFETIME")
	assert.Contains(t, body, "77.50")
}

func TestGenerateRejectsUnknownFormat(t *testing.T) {
	svc, store := newExportService(t, &fakePerformanceReader{})

	job := resultsJob(models.ReportFormat("xlsx"))
	_, err := svc.Generate(context.Background(), job)
	require.Error(t, err)
	assert.Empty(t, store.saved)
}

func TestParseTokenRoundTrip(t *testing.T) {
	reader := &fakePerformanceReader{results: nil}
	svc, _ := newExportService(t, reader)

	result, err := svc.Generate(context.Background(), resultsJob(models.ReportFormatCSV))
	require.NoError(t, err)

	jobID, relPath, expiresAt, err := svc.ParseToken(result.Token, false)
	require.NoError(t, err)
	assert.Equal(t, "job-1", jobID)
	assert.Equal(t, result.RelativePath, relPath)
	assert.WithinDuration(t, result.ExpiresAt, expiresAt, time.Second)
}

func TestParseTokenRejectsTampering(t *testing.T) {
	svc, _ := newExportService(t, &fakePerformanceReader{})

	result, err := svc.Generate(context.Background(), resultsJob(models.ReportFormatCSV))
	require.NoError(t, err)

	_, _, _, err = svc.ParseToken(result.Token+"x", false)
	require.Error(t, err)
}

func TestDeleteRemovesStoredFile(t *testing.T) {
	svc, store := newExportService(t, &fakePerformanceReader{})

	result, err := svc.Generate(context.Background(), resultsJob(models.ReportFormatCSV))
	require.NoError(t, err)

	require.NoError(t, svc.Delete(result.RelativePath))
	assert.Equal(t, []string{result.RelativePath}, store.deleted)
	_, err = svc.Open(result.RelativePath)
	require.Error(t, err)
}

func TestFilenameSanitized(t *testing.T) {
	svc, store := newExportService(t, &fakePerformanceReader{})

	job := resultsJob(models.ReportFormatCSV)
	job.Params.SubjectID = "math/../algebra 1"
	_, err := svc.Generate(context.Background(), job)
	require.NoError(t, err)
	require.Len(t, store.saved, 1)
	assert.False(t, strings.Contains(store.saved[0], ".."), fmt.Sprintf("filename %q not sanitized", store.saved[0]))
	assert.False(t, strings.Contains(store.saved[0], " "))
}
