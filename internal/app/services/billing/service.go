// Package billing drives the sales-report pipeline against the Mercado Livre
// billing integration endpoints.
package billing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stellarbeauty/relatorios/internal/app/domain/report"
	"github.com/stellarbeauty/relatorios/internal/app/storage"
	"github.com/stellarbeauty/relatorios/internal/meli"
	"github.com/stellarbeauty/relatorios/pkg/logger"
)

// Defaults for the READY poll loop.
const (
	defaultPollInterval = 3 * time.Second
	defaultPollTimeout  = 10 * time.Minute
)

// ErrNoPeriods means the billing API returned no periods for the group.
var ErrNoPeriods = errors.New("billing: no periods available")

// Config tunes the pipeline.
type Config struct {
	Group        string
	DocumentType string
	ReportFormat string
	OutputDir    string

	PollInterval time.Duration
	PollTimeout  time.Duration
}

// TokenSource yields usable access tokens for a seller.
type TokenSource interface {
	AccessToken(ctx context.Context, sellerID int64) (string, error)
}

// Client is the slice of the API client the pipeline needs.
type Client interface {
	BillingPeriods(ctx context.Context, accessToken, group, documentType string) ([]meli.BillingPeriod, error)
	BillingReports(ctx context.Context, accessToken, periodKey, group, documentType string) ([]meli.BillingReport, error)
	CreateReport(ctx context.Context, accessToken, periodKey, group, documentType, reportFormat string) (string, error)
	ReportStatus(ctx context.Context, accessToken, fileID, documentType string) (meli.BillingReport, error)
	DownloadReport(ctx context.Context, accessToken string, rpt meli.BillingReport) (io.ReadCloser, string, error)
}

// Service runs report pipelines and records their runs.
type Service struct {
	cfg    Config
	client Client
	tokens TokenSource
	runs   storage.ReportStore
	log    *logger.Logger
	now    func() time.Time
}

// New constructs the service.
func New(cfg Config, client Client, tokens TokenSource, runs storage.ReportStore, log *logger.Logger) *Service {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = os.TempDir()
	}
	if log == nil {
		log = logger.NewDefault("billing")
	}
	return &Service{
		cfg:    cfg,
		client: client,
		tokens: tokens,
		runs:   runs,
		log:    log,
		now:    time.Now,
	}
}

// Periods lists the billing periods available to the seller.
func (s *Service) Periods(ctx context.Context, sellerID int64) ([]meli.BillingPeriod, error) {
	token, err := s.tokens.AccessToken(ctx, sellerID)
	if err != nil {
		return nil, err
	}
	return s.client.BillingPeriods(ctx, token, s.cfg.Group, s.cfg.DocumentType)
}

// Generate runs the full pipeline for one period: list the period's report
// files, wait for one to be READY, download it and record the run. An empty
// periodKey picks the most recent period.
func (s *Service) Generate(ctx context.Context, sellerID int64, periodKey string) (report.Run, error) {
	token, err := s.tokens.AccessToken(ctx, sellerID)
	if err != nil {
		return report.Run{}, err
	}

	if periodKey == "" {
		periods, err := s.client.BillingPeriods(ctx, token, s.cfg.Group, s.cfg.DocumentType)
		if err != nil {
			return report.Run{}, fmt.Errorf("list billing periods: %w", err)
		}
		if len(periods) == 0 {
			return report.Run{}, ErrNoPeriods
		}
		periodKey = latestPeriod(periods).Key
	}

	run := report.Run{
		ID:           uuid.NewString(),
		SellerID:     sellerID,
		Group:        s.cfg.Group,
		DocumentType: s.cfg.DocumentType,
		ReportFormat: s.cfg.ReportFormat,
		PeriodKey:    periodKey,
		Status:       report.StatusPending,
		StartedAt:    s.now().UTC(),
	}
	if err := s.runs.CreateRun(ctx, run); err != nil {
		return report.Run{}, fmt.Errorf("record report run: %w", err)
	}
	run.Status = report.StatusRunning
	if err := s.runs.UpdateRun(ctx, run); err != nil {
		return run, fmt.Errorf("record report run start: %w", err)
	}

	run, err = s.execute(ctx, token, run)
	if err != nil {
		run.Status = report.StatusFailed
		run.Error = err.Error()
		run.FinishedAt = s.now().UTC()
		if uerr := s.runs.UpdateRun(ctx, run); uerr != nil {
			s.log.WithError(uerr).Warn("failed to record report run failure")
		}
		return run, err
	}

	run.Status = report.StatusReady
	run.FinishedAt = s.now().UTC()
	if err := s.runs.UpdateRun(ctx, run); err != nil {
		return run, fmt.Errorf("record report run result: %w", err)
	}

	s.log.WithField("run_id", run.ID).
		WithField("period", run.PeriodKey).
		WithField("file", run.FilePath).
		WithField("bytes", run.SizeBytes).
		Info("sales report ready")
	return run, nil
}

func (s *Service) execute(ctx context.Context, token string, run report.Run) (report.Run, error) {
	fileID, err := s.requestReport(ctx, token, run.PeriodKey)
	if err != nil {
		return run, err
	}
	run.FileID = fileID

	rpt, err := s.waitReady(ctx, token, fileID)
	if err != nil {
		return run, err
	}

	body, contentType, err := s.client.DownloadReport(ctx, token, rpt)
	if err != nil {
		return run, fmt.Errorf("download report %s: %w", rpt.FileID, err)
	}
	defer body.Close()
	if contentType == "" {
		contentType = rpt.ContentType
	}

	path := filepath.Join(s.cfg.OutputDir, s.fileName(run, contentType))
	f, err := os.Create(path)
	if err != nil {
		return run, fmt.Errorf("create report file: %w", err)
	}
	size, err := io.Copy(f, body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return run, fmt.Errorf("write report file: %w", err)
	}

	run.FilePath = path
	run.SizeBytes = size
	run.ContentType = contentType
	return run, nil
}

// requestReport asks for a fresh report file. When the API refuses because a
// report already exists for the period, the period's file list supplies it.
func (s *Service) requestReport(ctx context.Context, token, periodKey string) (string, error) {
	fileID, err := s.client.CreateReport(ctx, token, periodKey, s.cfg.Group, s.cfg.DocumentType, s.cfg.ReportFormat)
	if err == nil {
		return fileID, nil
	}

	var apiErr *meli.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode < 400 || apiErr.StatusCode >= 500 {
		return "", fmt.Errorf("create report for period %s: %w", periodKey, err)
	}

	s.log.WithField("period", periodKey).
		WithField("status", apiErr.StatusCode).
		Info("report creation refused, reusing period files")
	files, lerr := s.client.BillingReports(ctx, token, periodKey, s.cfg.Group, s.cfg.DocumentType)
	if lerr != nil {
		return "", fmt.Errorf("list period files: %w", lerr)
	}
	for _, f := range files {
		if f.FileID != "" {
			return f.FileID, nil
		}
	}
	return "", fmt.Errorf("create report for period %s: %w", periodKey, err)
}

// waitReady polls the file status until the report is generated.
func (s *Service) waitReady(ctx context.Context, token, fileID string) (meli.BillingReport, error) {
	deadline := s.now().Add(s.cfg.PollTimeout)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		rpt, err := s.client.ReportStatus(ctx, token, fileID, s.cfg.DocumentType)
		if err != nil {
			return meli.BillingReport{}, fmt.Errorf("report %s status: %w", fileID, err)
		}
		switch strings.ToUpper(rpt.Status) {
		case "READY":
			return rpt, nil
		case "ERROR", "FAILED", "CANCELLED":
			return meli.BillingReport{}, fmt.Errorf("report %s ended in status %s", fileID, rpt.Status)
		}

		if s.now().After(deadline) {
			return meli.BillingReport{}, fmt.Errorf("report %s not ready after %s", fileID, s.cfg.PollTimeout)
		}
		select {
		case <-ctx.Done():
			return meli.BillingReport{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// latestPeriod picks the most recent period by end date, then start date,
// then key.
func latestPeriod(periods []meli.BillingPeriod) meli.BillingPeriod {
	best := periods[0]
	for _, p := range periods[1:] {
		switch {
		case p.DateTo != best.DateTo:
			if p.DateTo > best.DateTo {
				best = p
			}
		case p.DateFrom != best.DateFrom:
			if p.DateFrom > best.DateFrom {
				best = p
			}
		case p.Key > best.Key:
			best = p
		}
	}
	return best
}

func (s *Service) fileName(run report.Run, contentType string) string {
	ext := strings.ToLower(run.ReportFormat)
	if ext == "" {
		switch {
		case strings.Contains(contentType, "csv"):
			ext = "csv"
		case strings.Contains(contentType, "spreadsheet"), strings.Contains(contentType, "excel"):
			ext = "xlsx"
		default:
			ext = "bin"
		}
	}
	period := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, run.PeriodKey)
	return fmt.Sprintf("sales_report_%s_%s.%s", period, run.ID[:8], ext)
}

// GetRun returns one recorded run.
func (s *Service) GetRun(ctx context.Context, id string) (report.Run, error) {
	return s.runs.GetRun(ctx, id)
}

// ListRuns returns the most recent runs.
func (s *Service) ListRuns(ctx context.Context, limit int) ([]report.Run, error) {
	return s.runs.ListRuns(ctx, limit)
}
