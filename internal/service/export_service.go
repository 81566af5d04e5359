package service

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-performance-api/internal/models"
	"github.com/noah-isme/sma-performance-api/pkg/export"
	"github.com/noah-isme/sma-performance-api/pkg/storage"
)

type performanceReader interface {
	ListResults(ctx context.Context, filter models.ResultFilter) ([]models.StudentSubjectTermResult, error)
	GetCohortStats(ctx context.Context, scope models.StatsScope, scopeID, subjectID, termID string) (*models.CohortTermStats, error)
	ListCohortStats(ctx context.Context, scope models.StatsScope, scopeID string) ([]models.CohortTermStats, error)
	GetLifetimeStats(ctx context.Context, subjectID string) (*models.SubjectLifetimeStats, error)
}

type fileStorage interface {
	Save(filename string, data []byte) (string, error)
	Open(filename string) (*os.File, error)
	Delete(filename string) error
	CleanupOlderThan(ttl time.Duration) ([]string, error)
}

// ExportConfig tunes export behaviour.
type ExportConfig struct {
	APIPrefix string
	ResultTTL time.Duration
}

// ExportResult captures successful generation metadata.
type ExportResult struct {
	RelativePath string
	Token        string
	URL          string
	Format       models.ReportFormat
	ExpiresAt    time.Time
}

// ExportService builds report datasets from the performance snapshots and
// persists rendered files behind signed download URLs.
type ExportService struct {
	performance performanceReader
	storage     fileStorage
	csv         csvRenderer
	pdf         pdfRenderer
	signer      *storage.SignedURLSigner
	logger      *zap.Logger
	cfg         ExportConfig
}

type csvRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

type pdfRenderer interface {
	Render(data export.Dataset, title string) ([]byte, error)
}

// NewExportService constructs an ExportService.
func NewExportService(performance performanceReader, storage fileStorage, signer *storage.SignedURLSigner, cfg ExportConfig, logger *zap.Logger, csv csvRenderer, pdf pdfRenderer) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 24 * time.Hour
	}
	if csv == nil {
		csv = export.NewCSVExporter()
	}
	if pdf == nil {
		pdf = export.NewPDFExporter()
	}
	return &ExportService{
		performance: performance,
		storage:     storage,
		csv:         csv,
		pdf:         pdf,
		signer:      signer,
		logger:      logger,
		cfg:         cfg,
	}
}

// Generate builds dataset according to job definition and stores the rendered export.
func (s *ExportService) Generate(ctx context.Context, job *models.ReportJob) (*ExportResult, error) {
	if job == nil {
		return nil, fmt.Errorf("job nil")
	}
	dataset, title, err := s.buildDataset(ctx, job)
	if err != nil {
		return nil, err
	}

	var payload []byte
	switch job.Params.Format {
	case models.ReportFormatCSV:
		payload, err = s.csv.Render(dataset)
	case models.ReportFormatPDF:
		payload, err = s.pdf.Render(dataset, title)
	default:
		err = fmt.Errorf("unsupported format %s", job.Params.Format)
	}
	if err != nil {
		return nil, err
	}

	filename := s.buildFilename(job)
	relPath, err := s.storage.Save(filename, payload)
	if err != nil {
		return nil, err
	}

	token, expiresAt, err := s.signer.Generate(job.ID, relPath)
	if err != nil {
		return nil, err
	}
	signedURL := strings.TrimRight(s.cfg.APIPrefix, "/")
	if signedURL == "" {
		signedURL = "/api/v1"
	}
	signedURL = fmt.Sprintf("%s/export/%s", signedURL, token)

	return &ExportResult{
		RelativePath: relPath,
		Token:        token,
		URL:          signedURL,
		Format:       job.Params.Format,
		ExpiresAt:    expiresAt,
	}, nil
}

// ParseToken validates download token metadata.
func (s *ExportService) ParseToken(token string, allowExpired bool) (jobID, relPath string, expiresAt time.Time, err error) {
	return s.signer.Parse(token, allowExpired)
}

// Open returns a handle to the stored file.
func (s *ExportService) Open(relPath string) (*os.File, error) {
	return s.storage.Open(relPath)
}

// Delete removes a stored export file.
func (s *ExportService) Delete(relPath string) error {
	return s.storage.Delete(relPath)
}

// Cleanup removes files older than ttl (defaults to configured ResultTTL when ttl <= 0).
func (s *ExportService) Cleanup(ttl time.Duration) ([]string, error) {
	if ttl <= 0 {
		ttl = s.cfg.ResultTTL
	}
	return s.storage.CleanupOlderThan(ttl)
}

func (s *ExportService) buildFilename(job *models.ReportJob) string {
	timestamp := time.Now().UTC().Format("20060102_150405")
	subjectPart := sanitizeFilename(job.Params.SubjectID)
	name := fmt.Sprintf("%s_%s_%s.%s", strings.ToLower(string(job.Type)), subjectPart, timestamp, job.Params.Format)
	return name
}

func sanitizeFilename(raw string) string {
	if raw == "" {
		return "na"
	}
	replacer := strings.NewReplacer(" ", "_", "/", "-", "\\", "-", ":", "-", "..", ".", "__", "_")
	result := replacer.Replace(raw)
	if len(result) > 100 {
		return result[:100]
	}
	return result
}

func (s *ExportService) buildDataset(ctx context.Context, job *models.ReportJob) (export.Dataset, string, error) {
	switch job.Type {
	case models.ReportTypeResults:
		return s.buildResultsDataset(ctx, job.Params)
	case models.ReportTypeStatistics:
		return s.buildStatisticsDataset(ctx, job.Params)
	case models.ReportTypeLifetime:
		return s.buildLifetimeDataset(ctx, job.Params)
	default:
		return export.Dataset{}, "", fmt.Errorf("unsupported report type %s", job.Type)
	}
}

func (s *ExportService) buildResultsDataset(ctx context.Context, params models.ReportJobParams) (export.Dataset, string, error) {
	results, err := s.performance.ListResults(ctx, models.ResultFilter{
		SubjectID: params.SubjectID,
		TermID:    params.TermID,
	})
	if err != nil {
		return export.Dataset{}, "", err
	}
	dataRows := make([]map[string]string, 0, len(results))
	for _, row := range results {
		dataRows = append(dataRows, map[string]string{
			"Student ID":      row.StudentID,
			"Term ID":         row.TermID,
			"Score (%)":       formatNullable(row.NormalizedScore),
			"Weighted Score":  formatNullable(row.WeightedScore),
			"Passed":          fmt.Sprintf("%t", row.Passed),
			"Completion (%)":  formatNullable(row.CompletionRate),
			"Submitted Count": fmt.Sprintf("%d", row.SubmittedCount),
			"Calculated At":   row.CalculatedAt.UTC().Format(time.RFC3339),
		})
	}
	dataset := export.Dataset{
		Headers: []string{"Student ID", "Term ID", "Score (%)", "Weighted Score", "Passed", "Completion (%)", "Submitted Count", "Calculated At"},
		Rows:    dataRows,
	}
	title := fmt.Sprintf("Subject Results %s", params.SubjectID)
	return dataset, title, nil
}

func (s *ExportService) buildStatisticsDataset(ctx context.Context, params models.ReportJobParams) (export.Dataset, string, error) {
	scope := models.ScopeSubject
	scopeID := params.SubjectID
	scopeName := "Subject"
	if params.ClassroomID != nil {
		scope = models.ScopeClassroom
		scopeID = *params.ClassroomID
		scopeName = "Classroom"
	}
	stats, err := s.performance.GetCohortStats(ctx, scope, scopeID, params.SubjectID, params.TermID)
	if err != nil {
		return export.Dataset{}, "", err
	}

	rows := []map[string]string{
		{"Metric": "Population Size", "Value": fmt.Sprintf("%d", stats.PopulationSize)},
		{"Metric": "Pass Rate (%)", "Value": formatNullable(stats.PassRate)},
		{"Metric": "Failure Rate (%)", "Value": formatNullable(stats.FailureRate)},
		{"Metric": "Highest Score", "Value": formatNullable(stats.HighestScore)},
		{"Metric": "Lowest Score", "Value": formatNullable(stats.LowestScore)},
		{"Metric": "Average Score", "Value": formatNullable(stats.AverageScore)},
		{"Metric": "Median Score", "Value": formatNullable(stats.MedianScore)},
		{"Metric": "Standard Deviation", "Value": formatNullable(stats.StandardDeviation)},
		{"Metric": "Improvement Rate (%)", "Value": formatNullable(stats.ImprovementRate)},
		{"Metric": "Completion Rate (%)", "Value": formatNullable(stats.CompletionRate)},
		{"Metric": "Top Performers", "Value": strings.Join(stats.TopPerformers, ", ")},
		{"Metric": "Failing Students", "Value": strings.Join(stats.FailingStudents, ", ")},
	}
	dataset := export.Dataset{
		Headers: []string{"Metric", "Value"},
		Rows:    rows,
	}
	title := fmt.Sprintf("%s Statistics %s", scopeName, scopeID)
	return dataset, title, nil
}

func (s *ExportService) buildLifetimeDataset(ctx context.Context, params models.ReportJobParams) (export.Dataset, string, error) {
	termStats, err := s.performance.ListCohortStats(ctx, models.ScopeSubject, params.SubjectID)
	if err != nil {
		return export.Dataset{}, "", err
	}
	lifetime, err := s.performance.GetLifetimeStats(ctx, params.SubjectID)
	if err != nil {
		return export.Dataset{}, "", err
	}

	dataRows := make([]map[string]string, 0, len(termStats)+1)
	for _, row := range termStats {
		dataRows = append(dataRows, map[string]string{
			"Term ID":       row.TermID,
			"Population":    fmt.Sprintf("%d", row.PopulationSize),
			"Pass Rate (%)": formatNullable(row.PassRate),
			"Average Score": formatNullable(row.AverageScore),
			"Median Score":  formatNullable(row.MedianScore),
		})
	}
	dataRows = append(dataRows, map[string]string{
		"Term ID":       "LIFETIME",
		"Population":    "",
		"Pass Rate (%)": formatNullable(lifetime.PassRate),
		"Average Score": formatNullable(lifetime.AverageScore),
		"Median Score":  formatNullable(lifetime.MedianScore),
	})

	dataset := export.Dataset{
		Headers: []string{"Term ID", "Population", "Pass Rate (%)", "Average Score", "Median Score"},
		Rows:    dataRows,
	}
	title := fmt.Sprintf("Subject Lifetime %s", params.SubjectID)
	return dataset, title, nil
}

func formatNullable(v *float64) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%.2f", *v)
}
