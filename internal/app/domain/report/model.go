// Package report holds the billing sales-report run model.
package report

import "time"

// Status is the lifecycle state of a report run.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusReady   Status = "ready"
	StatusFailed  Status = "failed"
)

// Run records one attempt to produce a billing sales report.
type Run struct {
	ID       string `json:"run_id"`
	SellerID int64  `json:"seller_id"`

	Group        string `json:"group"`
	DocumentType string `json:"document_type"`
	ReportFormat string `json:"report_format"`
	PeriodKey    string `json:"period_key"`
	FileID       string `json:"file_id,omitempty"`

	Status Status `json:"status"`

	FilePath    string `json:"file_path,omitempty"`
	SizeBytes   int64  `json:"size_bytes,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Error       string `json:"error,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}
