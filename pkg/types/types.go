package types

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Status sentinels recorded by scanners and manual testers. Charts key off
// these exact literals.
const (
	StatusPresent = "存在"
	StatusAbsent  = "不存在"
)

// RequiredColumns are the workbook columns an upload must carry. "remarks"
// is optional and therefore not listed.
var RequiredColumns = []string{
	"source", "customer", "system", "owner", "asset_ip", "asset_port",
	"target_url", "vuln_name", "severity", "details", "test_time", "status",
}

type AssetInfo struct {
	IP       string `json:"ip"`
	Port     string `json:"port"`
	URL      string `json:"url"`
	System   string `json:"system"`
	Customer string `json:"customer"`
	Owner    string `json:"owner"`
}

type Vulnerability struct {
	ID                 int64     `json:"id" db:"id"`
	VulnID             string    `json:"vuln_id" db:"vuln_id"`
	VulnName           string    `json:"vuln_name" db:"vuln_name"`
	Severity           string    `json:"severity" db:"severity"`
	Details            string    `json:"details" db:"details"`
	FirstDiscoveryTime time.Time `json:"first_discovery_time" db:"first_discovery_time"`
	TestTime           time.Time `json:"test_time" db:"test_time"`
	CurrentStatus      string    `json:"current_status" db:"current_status"`
	AssetInfo          AssetInfo `json:"asset_info"`
	Source             string    `json:"source" db:"source"`
	Remarks            string    `json:"remarks,omitempty" db:"remarks"`
}

type HistoryEntry struct {
	ID            int64     `json:"id" db:"id"`
	VulnID        string    `json:"vuln_id" db:"vuln_id"`
	DiscoveryTime time.Time `json:"discovery_time" db:"discovery_time"`
	Status        string    `json:"status" db:"status"`
	Source        string    `json:"source" db:"source"`
	Remarks       string    `json:"remarks,omitempty" db:"remarks"`
}

// Observation is one normalized ingestion row, ready to reconcile against
// the store.
type Observation struct {
	VulnID   string
	VulnName string
	Severity string
	Details  string
	TestTime time.Time
	Status   string
	Asset    AssetInfo
	Source   string
	Remarks  string
}

type ImportSummary struct {
	Processed int `json:"processed"`
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Skipped   int `json:"skipped"`
}

type DiscoveryFix struct {
	Discovery int `json:"discovery"`
	Fix       int `json:"fix"`
}

type ChartData struct {
	SeverityDistribution map[string]int          `json:"severity_distribution"`
	MonthlyTrend         map[string]int          `json:"monthly_trend"`
	MonthlyDiscoveryFix  map[string]DiscoveryFix `json:"monthly_discovery_fix"`
	StatusDistribution   map[string]int          `json:"status_distribution"`
}

// Fingerprint derives the stable identity of a finding from its six key
// fields: the fields concatenated in order with no delimiter, hashed with
// SHA-256, rendered as lowercase hex. Identical inputs always produce the
// identical fingerprint, which is what makes re-ingestion idempotent.
func Fingerprint(vulnName, assetIP, assetPort, targetURL, system, customer string) string {
	h := sha256.Sum256([]byte(vulnName + assetIP + assetPort + targetURL + system + customer))
	return hex.EncodeToString(h[:])
}
