package core

import (
	"context"

	"github.com/vulnwatch/vulnwatch/pkg/types"
)

// VulnStore is the persistence boundary for findings and their history.
type VulnStore interface {
	GetByFingerprint(ctx context.Context, vulnID string) (*types.Vulnerability, error)

	// ApplyObservations reconciles a batch of normalized rows in a single
	// transaction: new fingerprints insert a finding, known fingerprints
	// update only test_time and current_status, and every observation
	// appends a history entry. Any error rolls back the whole batch.
	ApplyObservations(ctx context.Context, observations []types.Observation) (types.ImportSummary, error)

	ListVulnerabilities(ctx context.Context, filter VulnFilter) ([]types.Vulnerability, error)
	CountVulnerabilities(ctx context.Context, filter VulnFilter) (int, error)
	History(ctx context.Context, vulnID string) ([]types.HistoryEntry, error)
	ChartData(ctx context.Context, filter VulnFilter) (*types.ChartData, error)

	Ping(ctx context.Context) error
	Close() error
}

// VulnFilter carries the optional list/count/chart query parameters. Empty
// fields impose no constraint. StartTime/EndTime stay strings and are handed
// to the store as-is; malformed values surface as store errors.
type VulnFilter struct {
	Source    string
	Customer  string
	System    string
	Owner     string
	AssetIP   string
	AssetPort string
	TargetURL string
	VulnName  string
	Severity  string
	Status    string
	StartTime string
	EndTime   string
	Skip      int
	Limit     int
}

type Telemetry interface {
	RecordImport(summary types.ImportSummary, duration float64, success bool)
	RecordFinding(severity string)
	Close() error
}
