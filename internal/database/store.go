package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/vulnwatch/vulnwatch/internal/config"
	"github.com/vulnwatch/vulnwatch/internal/core"
	"github.com/vulnwatch/vulnwatch/internal/logger"
	"github.com/vulnwatch/vulnwatch/pkg/types"
)

// ErrNotFound is returned when no vulnerability matches the fingerprint.
var ErrNotFound = errors.New("vulnerability not found")

type sqlStore struct {
	db     *sqlx.DB
	cfg    config.DatabaseConfig
	logger *logger.Logger
}

// getPlaceholder returns the appropriate placeholder for the database driver
func (s *sqlStore) getPlaceholder(n int) string {
	if s.cfg.Driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// assetField returns the SQL expression extracting one field from the
// asset_info JSON column, per driver.
func (s *sqlStore) assetField(field string) string {
	if s.cfg.Driver == "postgres" {
		return fmt.Sprintf("asset_info::json->>'%s'", field)
	}
	return fmt.Sprintf("json_extract(asset_info, '$.%s')", field)
}

// monthExpr returns the SQL expression rendering first_discovery_time as a
// YYYY-MM bucket, per driver.
func (s *sqlStore) monthExpr() string {
	if s.cfg.Driver == "postgres" {
		return "to_char(first_discovery_time, 'YYYY-MM')"
	}
	return "strftime('%Y-%m', first_discovery_time)"
}

func NewStore(cfg config.DatabaseConfig, log *logger.Logger) (core.VulnStore, error) {
	log = log.WithComponent("database")

	ctx := context.Background()
	start := time.Now()
	ctx, span := log.StartOperation(ctx, "database.NewStore",
		"driver", cfg.Driver,
		"max_connections", cfg.MaxConnections,
	)
	var err error
	defer func() {
		log.FinishOperation(ctx, span, "database.NewStore", start, err)
	}()

	db, err := sqlx.Connect(cfg.Driver, cfg.DSN)
	if err != nil {
		log.LogError(ctx, err, "database.Connect",
			"driver", cfg.Driver,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	store := &sqlStore{
		db:     db,
		cfg:    cfg,
		logger: log,
	}

	if err = store.migrate(); err != nil {
		log.LogError(ctx, err, "database.Migrate")
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	log.WithContext(ctx).Infow("Database store initialized",
		"driver", cfg.Driver,
		"init_duration_ms", time.Since(start).Milliseconds(),
	)

	return store, nil
}

func (s *sqlStore) migrate() error {
	ctx := context.Background()

	// Enable foreign keys for SQLite
	if s.cfg.Driver == "sqlite3" {
		if _, err := s.db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
			return fmt.Errorf("failed to enable foreign keys: %w", err)
		}
	}

	pk := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.cfg.Driver == "postgres" {
		pk = "BIGSERIAL PRIMARY KEY"
	}

	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS vulnerabilities (
		id %s,
		vuln_id TEXT NOT NULL UNIQUE,
		vuln_name TEXT NOT NULL,
		severity TEXT,
		details TEXT,
		first_discovery_time TIMESTAMP NOT NULL,
		test_time TIMESTAMP NOT NULL,
		current_status TEXT,
		asset_info TEXT,
		source TEXT,
		remarks TEXT
	);

	CREATE TABLE IF NOT EXISTS vulnerability_history (
		id %s,
		vuln_id TEXT NOT NULL,
		discovery_time TIMESTAMP NOT NULL,
		status TEXT,
		source TEXT,
		remarks TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_vulnerabilities_vuln_id ON vulnerabilities(vuln_id);
	CREATE INDEX IF NOT EXISTS idx_vulnerabilities_severity ON vulnerabilities(severity);
	CREATE INDEX IF NOT EXISTS idx_vulnerabilities_status ON vulnerabilities(current_status);
	CREATE INDEX IF NOT EXISTS idx_vulnerabilities_first_discovery ON vulnerabilities(first_discovery_time);
	CREATE INDEX IF NOT EXISTS idx_history_vuln_id ON vulnerability_history(vuln_id);
	CREATE INDEX IF NOT EXISTS idx_history_discovery_time ON vulnerability_history(discovery_time);
	`, pk, pk)

	start := time.Now()
	if _, err := s.db.Exec(schema); err != nil {
		s.logger.LogError(ctx, err, "database.migrate.schema",
			"driver", s.cfg.Driver,
		)
		return err
	}

	s.logger.LogDuration(ctx, "database.migrate", start,
		"tables", []string{"vulnerabilities", "vulnerability_history"},
		"driver", s.cfg.Driver,
	)

	return nil
}

func (s *sqlStore) GetByFingerprint(ctx context.Context, vulnID string) (*types.Vulnerability, error) {
	query := fmt.Sprintf(`
		SELECT id, vuln_id, vuln_name, severity, details, first_discovery_time,
			   test_time, current_status, asset_info, source, remarks
		FROM vulnerabilities
		WHERE vuln_id = %s
	`, s.getPlaceholder(1))

	row := s.db.QueryRowxContext(ctx, query, vulnID)
	vuln, err := scanVulnerability(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return vuln, nil
}

func (s *sqlStore) ApplyObservations(ctx context.Context, observations []types.Observation) (types.ImportSummary, error) {
	start := time.Now()
	ctx, span := s.logger.StartOperation(ctx, "database.ApplyObservations",
		"observations_count", len(observations),
	)
	var err error
	defer func() {
		s.logger.FinishOperation(ctx, span, "database.ApplyObservations", start, err)
	}()

	summary := types.ImportSummary{}
	if len(observations) == 0 {
		return summary, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return summary, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	existsQuery := fmt.Sprintf(
		"SELECT id FROM vulnerabilities WHERE vuln_id = %s", s.getPlaceholder(1))

	updateQuery := `
		UPDATE vulnerabilities SET
			test_time = :test_time,
			current_status = :current_status
		WHERE vuln_id = :vuln_id
	`

	insertQuery := `
		INSERT INTO vulnerabilities (
			vuln_id, vuln_name, severity, details, first_discovery_time,
			test_time, current_status, asset_info, source, remarks
		) VALUES (
			:vuln_id, :vuln_name, :severity, :details, :first_discovery_time,
			:test_time, :current_status, :asset_info, :source, :remarks
		)
	`

	historyQuery := `
		INSERT INTO vulnerability_history (
			vuln_id, discovery_time, status, source, remarks
		) VALUES (
			:vuln_id, :discovery_time, :status, :source, :remarks
		)
	`

	for i, obs := range observations {
		var existingID int64
		lookupErr := tx.GetContext(ctx, &existingID, existsQuery, obs.VulnID)

		switch {
		case lookupErr == nil:
			// Known fingerprint: only the reconciling fields move. The
			// descriptive fields and asset_info keep their first-write
			// values.
			if _, err = tx.NamedExecContext(ctx, updateQuery, map[string]interface{}{
				"vuln_id":        obs.VulnID,
				"test_time":      obs.TestTime,
				"current_status": obs.Status,
			}); err != nil {
				s.logger.LogError(ctx, err, "database.ApplyObservations.update",
					"vuln_id", obs.VulnID,
					"observation_index", i,
				)
				return types.ImportSummary{}, fmt.Errorf("failed to update vulnerability %s: %w", obs.VulnID, err)
			}
			summary.Updated++

		case errors.Is(lookupErr, sql.ErrNoRows):
			var assetJSON []byte
			assetJSON, err = json.Marshal(obs.Asset)
			if err != nil {
				return types.ImportSummary{}, fmt.Errorf("failed to marshal asset info for %s: %w", obs.VulnID, err)
			}

			if _, err = tx.NamedExecContext(ctx, insertQuery, map[string]interface{}{
				"vuln_id":              obs.VulnID,
				"vuln_name":            obs.VulnName,
				"severity":             obs.Severity,
				"details":              obs.Details,
				"first_discovery_time": obs.TestTime,
				"test_time":            obs.TestTime,
				"current_status":       obs.Status,
				"asset_info":           string(assetJSON),
				"source":               obs.Source,
				"remarks":              obs.Remarks,
			}); err != nil {
				s.logger.LogError(ctx, err, "database.ApplyObservations.insert",
					"vuln_id", obs.VulnID,
					"observation_index", i,
				)
				return types.ImportSummary{}, fmt.Errorf("failed to insert vulnerability %s: %w", obs.VulnID, err)
			}
			summary.Created++

		default:
			err = lookupErr
			return types.ImportSummary{}, fmt.Errorf("failed to look up vulnerability %s: %w", obs.VulnID, lookupErr)
		}

		// History is appended on every observation, create or update alike.
		if _, err = tx.NamedExecContext(ctx, historyQuery, map[string]interface{}{
			"vuln_id":        obs.VulnID,
			"discovery_time": obs.TestTime,
			"status":         obs.Status,
			"source":         obs.Source,
			"remarks":        obs.Remarks,
		}); err != nil {
			s.logger.LogError(ctx, err, "database.ApplyObservations.history",
				"vuln_id", obs.VulnID,
				"observation_index", i,
			)
			return types.ImportSummary{}, fmt.Errorf("failed to append history for %s: %w", obs.VulnID, err)
		}

		summary.Processed++
	}

	if err = tx.Commit(); err != nil {
		return types.ImportSummary{}, fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.LogDatabaseOperation(ctx, "UPSERT", "vulnerabilities",
		int64(summary.Processed), time.Since(start),
		"created", summary.Created,
		"updated", summary.Updated,
	)

	return summary, nil
}

// filterClauses builds the conjunctive WHERE tail for list/count queries.
// Absent parameters contribute no clause. Asset sub-fields use substring
// matching except for port, which is exact.
func (s *sqlStore) filterClauses(filter core.VulnFilter) (string, map[string]interface{}) {
	query := " WHERE 1=1"
	args := map[string]interface{}{}

	if filter.Source != "" {
		query += " AND source = :source"
		args["source"] = filter.Source
	}
	if filter.Customer != "" {
		query += " AND " + s.assetField("customer") + " LIKE :customer"
		args["customer"] = "%" + filter.Customer + "%"
	}
	if filter.System != "" {
		query += " AND " + s.assetField("system") + " LIKE :system"
		args["system"] = "%" + filter.System + "%"
	}
	if filter.Owner != "" {
		query += " AND " + s.assetField("owner") + " LIKE :owner"
		args["owner"] = "%" + filter.Owner + "%"
	}
	if filter.AssetIP != "" {
		query += " AND " + s.assetField("ip") + " LIKE :asset_ip"
		args["asset_ip"] = "%" + filter.AssetIP + "%"
	}
	if filter.AssetPort != "" {
		query += " AND " + s.assetField("port") + " = :asset_port"
		args["asset_port"] = filter.AssetPort
	}
	if filter.TargetURL != "" {
		query += " AND " + s.assetField("url") + " LIKE :target_url"
		args["target_url"] = "%" + filter.TargetURL + "%"
	}
	if filter.VulnName != "" {
		query += " AND vuln_name LIKE :vuln_name"
		args["vuln_name"] = "%" + filter.VulnName + "%"
	}
	if filter.Severity != "" {
		query += " AND severity = :severity"
		args["severity"] = filter.Severity
	}
	if filter.Status != "" {
		query += " AND current_status = :status"
		args["status"] = filter.Status
	}
	if filter.StartTime != "" {
		query += " AND first_discovery_time >= :start_time"
		args["start_time"] = filter.StartTime
	}
	if filter.EndTime != "" {
		query += " AND first_discovery_time <= :end_time"
		args["end_time"] = filter.EndTime
	}

	return query, args
}

// chartClauses is the aggregate-path variant of filterClauses. It matches
// the reporting queries of the original system, which compare every field,
// including vuln_name and the asset sub-fields, by exact equality.
func (s *sqlStore) chartClauses(filter core.VulnFilter) (string, map[string]interface{}) {
	query := " WHERE 1=1"
	args := map[string]interface{}{}

	if filter.Source != "" {
		query += " AND source = :source"
		args["source"] = filter.Source
	}
	if filter.Customer != "" {
		query += " AND " + s.assetField("customer") + " = :customer"
		args["customer"] = filter.Customer
	}
	if filter.System != "" {
		query += " AND " + s.assetField("system") + " = :system"
		args["system"] = filter.System
	}
	if filter.Owner != "" {
		query += " AND " + s.assetField("owner") + " = :owner"
		args["owner"] = filter.Owner
	}
	if filter.AssetIP != "" {
		query += " AND " + s.assetField("ip") + " = :asset_ip"
		args["asset_ip"] = filter.AssetIP
	}
	if filter.AssetPort != "" {
		query += " AND " + s.assetField("port") + " = :asset_port"
		args["asset_port"] = filter.AssetPort
	}
	if filter.TargetURL != "" {
		query += " AND " + s.assetField("url") + " = :target_url"
		args["target_url"] = filter.TargetURL
	}
	if filter.VulnName != "" {
		query += " AND vuln_name = :vuln_name"
		args["vuln_name"] = filter.VulnName
	}
	if filter.Severity != "" {
		query += " AND severity = :severity"
		args["severity"] = filter.Severity
	}
	if filter.Status != "" {
		query += " AND current_status = :status"
		args["status"] = filter.Status
	}
	if filter.StartTime != "" {
		query += " AND first_discovery_time >= :start_time"
		args["start_time"] = filter.StartTime
	}
	if filter.EndTime != "" {
		query += " AND first_discovery_time <= :end_time"
		args["end_time"] = filter.EndTime
	}

	return query, args
}

func (s *sqlStore) ListVulnerabilities(ctx context.Context, filter core.VulnFilter) ([]types.Vulnerability, error) {
	where, args := s.filterClauses(filter)

	query := `
		SELECT id, vuln_id, vuln_name, severity, details, first_discovery_time,
			   test_time, current_status, asset_info, source, remarks
		FROM vulnerabilities
	` + where + " ORDER BY first_discovery_time DESC, id DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	} else if filter.Skip > 0 {
		// OFFSET without LIMIT is a syntax error on sqlite.
		if s.cfg.Driver == "postgres" {
			query += " LIMIT ALL"
		} else {
			query += " LIMIT -1"
		}
	}
	if filter.Skip > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Skip)
	}

	rows, err := s.db.NamedQueryContext(ctx, query, args)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	vulns := []types.Vulnerability{}
	for rows.Next() {
		vuln, err := scanVulnerability(rows.Scan)
		if err != nil {
			return nil, err
		}
		vulns = append(vulns, *vuln)
	}

	return vulns, rows.Err()
}

func (s *sqlStore) CountVulnerabilities(ctx context.Context, filter core.VulnFilter) (int, error) {
	where, args := s.filterClauses(filter)

	rows, err := s.db.NamedQueryContext(ctx,
		"SELECT COUNT(*) FROM vulnerabilities"+where, args)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var total int
	if rows.Next() {
		if err := rows.Scan(&total); err != nil {
			return 0, err
		}
	}
	return total, rows.Err()
}

func (s *sqlStore) History(ctx context.Context, vulnID string) ([]types.HistoryEntry, error) {
	query := fmt.Sprintf(`
		SELECT id, vuln_id, discovery_time, status, source, remarks
		FROM vulnerability_history
		WHERE vuln_id = %s
		ORDER BY discovery_time DESC
	`, s.getPlaceholder(1))

	rows, err := s.db.QueryContext(ctx, query, vulnID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []types.HistoryEntry{}
	for rows.Next() {
		var e types.HistoryEntry
		if err := rows.Scan(&e.ID, &e.VulnID, &e.DiscoveryTime, &e.Status, &e.Source, &e.Remarks); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

func (s *sqlStore) ChartData(ctx context.Context, filter core.VulnFilter) (*types.ChartData, error) {
	where, args := s.chartClauses(filter)

	data := &types.ChartData{
		SeverityDistribution: make(map[string]int),
		MonthlyTrend:         make(map[string]int),
		MonthlyDiscoveryFix:  make(map[string]types.DiscoveryFix),
		StatusDistribution:   make(map[string]int),
	}

	// Severity distribution only counts findings still present.
	severityArgs := map[string]interface{}{"present_status": types.StatusPresent}
	for k, v := range args {
		severityArgs[k] = v
	}
	severityQuery := `
		SELECT severity, COUNT(*) AS count
		FROM vulnerabilities
	` + where + ` AND current_status = :present_status
		GROUP BY severity
	`
	if err := s.groupCount(ctx, severityQuery, severityArgs, data.SeverityDistribution); err != nil {
		return nil, fmt.Errorf("severity distribution query failed: %w", err)
	}

	month := s.monthExpr()

	trendQuery := fmt.Sprintf(`
		SELECT %s AS month, COUNT(*) AS count
		FROM vulnerabilities
		%s
		GROUP BY %s
		ORDER BY month
	`, month, where, month)
	if err := s.groupCount(ctx, trendQuery, args, data.MonthlyTrend); err != nil {
		return nil, fmt.Errorf("monthly trend query failed: %w", err)
	}

	fixArgs := map[string]interface{}{"absent_status": types.StatusAbsent}
	for k, v := range args {
		fixArgs[k] = v
	}
	fixQuery := fmt.Sprintf(`
		SELECT %s AS month,
			   COUNT(*) AS discovery_count,
			   SUM(CASE WHEN current_status = :absent_status THEN 1 ELSE 0 END) AS fix_count
		FROM vulnerabilities
		%s
		GROUP BY %s
		ORDER BY month
	`, month, where, month)

	rows, err := s.db.NamedQueryContext(ctx, fixQuery, fixArgs)
	if err != nil {
		return nil, fmt.Errorf("monthly discovery/fix query failed: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var month string
		var discovery, fix int
		if err := rows.Scan(&month, &discovery, &fix); err != nil {
			return nil, err
		}
		data.MonthlyDiscoveryFix[month] = types.DiscoveryFix{
			Discovery: discovery,
			Fix:       fix,
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	statusQuery := `
		SELECT current_status, COUNT(*) AS count
		FROM vulnerabilities
	` + where + `
		GROUP BY current_status
	`
	if err := s.groupCount(ctx, statusQuery, args, data.StatusDistribution); err != nil {
		return nil, fmt.Errorf("status distribution query failed: %w", err)
	}

	return data, nil
}

// groupCount runs a two-column (key, count) GROUP BY query into dest.
func (s *sqlStore) groupCount(ctx context.Context, query string, args map[string]interface{}, dest map[string]int) error {
	rows, err := s.db.NamedQueryContext(ctx, query, args)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return err
		}
		dest[key] = count
	}
	return rows.Err()
}

func (s *sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

// scanVulnerability reads one vulnerabilities row, unpacking the asset_info
// JSON column.
func scanVulnerability(scan func(dest ...interface{}) error) (*types.Vulnerability, error) {
	var vuln types.Vulnerability
	var assetJSON string

	if err := scan(
		&vuln.ID, &vuln.VulnID, &vuln.VulnName, &vuln.Severity, &vuln.Details,
		&vuln.FirstDiscoveryTime, &vuln.TestTime, &vuln.CurrentStatus,
		&assetJSON, &vuln.Source, &vuln.Remarks,
	); err != nil {
		return nil, err
	}

	if assetJSON != "" {
		if err := json.Unmarshal([]byte(assetJSON), &vuln.AssetInfo); err != nil {
			return nil, fmt.Errorf("failed to unmarshal asset info for %s: %w", vuln.VulnID, err)
		}
	}

	return &vuln, nil
}
