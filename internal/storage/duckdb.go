package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/johnayoung/go-market-history/internal/models"
	"github.com/marcboeker/go-duckdb/v2"
)

// DuckDBStorage implements FullStorage on DuckDB. Batches are loaded into a
// staging table with the Appender API and then copied into trades with
// INSERT OR IGNORE, so overlapping snapshots never fail on the primary key.
type DuckDBStorage struct {
	db     *sql.DB
	dbPath string
	logger *slog.Logger
	mu     sync.RWMutex

	migrations *MigrationManager

	queryTimes map[string][]time.Duration
	queryMu    sync.Mutex
}

// NewDuckDBStorage opens a DuckDB database. dbPath may be ":memory:".
func NewDuckDBStorage(dbPath string, opts ...Option) (*DuckDBStorage, error) {
	o := buildOptions(opts)

	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, NewStorageError("open", "", "", fmt.Errorf("failed to open DuckDB database: %w", err))
	}

	// Single writer; in-memory databases also live only as long as their one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return &DuckDBStorage{
		db:         db,
		dbPath:     dbPath,
		logger:     o.logger,
		migrations: NewMigrationManager(db, o.logger),
		queryTimes: make(map[string][]time.Duration),
	}, nil
}

// Initialize applies settings and brings the schema to the latest version.
func (d *DuckDBStorage) Initialize(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db == nil {
		return NewStorageError("initialize", "", "", errors.New("database connection is closed"))
	}

	d.logger.Info("initializing DuckDB storage", "db_path", d.dbPath)

	for _, setting := range []string{
		"SET threads = 4",
		"SET enable_progress_bar = false",
	} {
		if _, err := d.db.ExecContext(ctx, setting); err != nil {
			d.logger.Warn("failed to apply setting", "setting", setting, "error", err)
		}
	}

	if err := d.migrations.MigrateToLatest(ctx); err != nil {
		return NewStorageError("initialize", "", "", err)
	}

	return nil
}

// Migrate applies migrations up to version.
func (d *DuckDBStorage) Migrate(ctx context.Context, version int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.migrations.Migrate(ctx, version); err != nil {
		return NewStorageError("migrate", "schema_migrations", "", err)
	}
	return nil
}

// MigrationStatus reports the schema version.
func (d *DuckDBStorage) MigrationStatus(ctx context.Context) (*MigrationStatus, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.migrations.GetStatus(ctx)
}

// StoreTrades implements TradeStorer.
func (d *DuckDBStorage) StoreTrades(ctx context.Context, symbol string, trades []models.Trade) (*StoreResult, error) {
	start := time.Now()
	defer func() { d.recordQueryTime("store_trades", time.Since(start)) }()

	if symbol == "" {
		return nil, NewInsertError("trades", errors.New("symbol cannot be empty"))
	}
	if len(trades) == 0 {
		return &StoreResult{}, nil
	}
	if err := checkAscending(trades); err != nil {
		return nil, NewInsertError("trades", err)
	}
	symbol = strings.ToUpper(symbol)

	payloads := make([]string, len(trades))
	for i := range trades {
		p, err := encodePayload(trades[i].Payload)
		if err != nil {
			return nil, NewInsertError("trades", fmt.Errorf("trade %d: %w", i, err))
		}
		payloads[i] = p
	}

	// The staging table is shared, so batches are serialized.
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db == nil {
		return nil, NewInsertError("trades", errors.New("database connection is closed"))
	}

	conn, err := d.db.Conn(ctx)
	if err != nil {
		return nil, NewInsertError("trades", fmt.Errorf("failed to get connection: %w", err))
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "DELETE FROM trades_staging"); err != nil {
		return nil, NewInsertError("trades_staging", fmt.Errorf("failed to clear staging table: %w", err))
	}

	if err := d.appendStaging(conn, symbol, trades, payloads); err != nil {
		return nil, NewInsertError("trades_staging", err)
	}

	res, err := conn.ExecContext(ctx, "INSERT OR IGNORE INTO trades SELECT * FROM trades_staging")
	if err != nil {
		return nil, NewInsertError("trades", fmt.Errorf("failed to copy staged trades: %w", err))
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, NewInsertError("trades", fmt.Errorf("failed to read affected rows: %w", err))
	}

	if _, err := conn.ExecContext(ctx, "DELETE FROM trades_staging"); err != nil {
		d.logger.Warn("failed to clear staging table", "error", err)
	}

	result := &StoreResult{Inserted: int(inserted), Duplicates: len(trades) - int(inserted)}
	d.logger.Debug("stored trades batch",
		"symbol", symbol,
		"inserted", result.Inserted,
		"duplicates", result.Duplicates,
		"duration", time.Since(start))

	return result, nil
}

func (d *DuckDBStorage) appendStaging(conn *sql.Conn, symbol string, trades []models.Trade, payloads []string) error {
	var driverConn *duckdb.Conn
	err := conn.Raw(func(dc any) error {
		var ok bool
		driverConn, ok = dc.(*duckdb.Conn)
		if !ok {
			return fmt.Errorf("underlying connection is not a DuckDB connection")
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to get DuckDB connection: %w", err)
	}

	appender, err := duckdb.NewAppenderFromConn(driverConn, "", "trades_staging")
	if err != nil {
		return fmt.Errorf("failed to create appender: %w", err)
	}

	storedAt := time.Now().UTC()
	for i, seq := range sequence(trades) {
		if err := appender.AppendRow(symbol, trades[i].Timestamp, seq, trades[i].Side(), payloads[i], storedAt); err != nil {
			appender.Close()
			return fmt.Errorf("failed to append trade %d: %w", i, err)
		}
	}

	// Close flushes the remaining rows.
	if err := appender.Close(); err != nil {
		return fmt.Errorf("failed to flush appender: %w", err)
	}
	return nil
}

// QueryTrades implements TradeReader.
func (d *DuckDBStorage) QueryTrades(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	start := time.Now()
	defer func() { d.recordQueryTime("query", time.Since(start)) }()

	if err := req.Validate(); err != nil {
		return nil, NewQueryError("trades", "", err)
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.db == nil {
		return nil, NewQueryError("trades", "", errors.New("database connection is closed"))
	}

	where, args := tradeFilter(req)

	var total int
	countQuery := "SELECT COUNT(*) FROM trades" + where
	if err := d.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, NewQueryError("trades", countQuery, fmt.Errorf("failed to get count: %w", err))
	}

	order := "timestamp ASC, seq ASC"
	if req.OrderBy == "timestamp_desc" {
		order = "timestamp DESC, seq DESC"
	}
	query := "SELECT timestamp, payload FROM trades" + where + " ORDER BY " + order
	if req.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", req.Limit)
	}
	if req.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", req.Offset)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, NewQueryError("trades", query, fmt.Errorf("failed to execute query: %w", err))
	}
	defer rows.Close()

	trades := make([]models.Trade, 0, req.Limit)
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, NewQueryError("trades", query, err)
		}
		trades = append(trades, trade)
	}
	if err := rows.Err(); err != nil {
		return nil, NewQueryError("trades", query, fmt.Errorf("row iteration error: %w", err))
	}

	next := req.Offset + len(trades)
	return &QueryResponse{
		Trades:     trades,
		Total:      total,
		HasMore:    next < total,
		NextOffset: next,
		QueryTime:  time.Since(start),
	}, nil
}

// GetLatest implements TradeReader.
func (d *DuckDBStorage) GetLatest(ctx context.Context, symbol string) (*models.Trade, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.db == nil {
		return nil, NewQueryError("trades", "", errors.New("database connection is closed"))
	}

	query := "SELECT timestamp, payload FROM trades WHERE symbol = $1 ORDER BY timestamp DESC, seq DESC LIMIT 1"
	trade, err := scanTrade(d.db.QueryRowContext(ctx, query, strings.ToUpper(symbol)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, NewQueryError("trades", query, err)
	}
	return &trade, nil
}

// StoreGaps implements GapStorage.
func (d *DuckDBStorage) StoreGaps(ctx context.Context, gaps []models.Gap) error {
	if len(gaps) == 0 {
		return nil
	}
	for i := range gaps {
		if err := gaps[i].Validate(); err != nil {
			return NewInsertError("gaps", fmt.Errorf("gap %d: %w", i, err))
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db == nil {
		return NewInsertError("gaps", errors.New("database connection is closed"))
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return NewInsertError("gaps", fmt.Errorf("failed to start transaction: %w", err))
	}
	defer tx.Rollback()

	query := `INSERT OR IGNORE INTO gaps (id, symbol, start_time, end_time, interval, kind) VALUES ($1, $2, $3, $4, $5, $6)`
	for _, gap := range gaps {
		if _, err := tx.ExecContext(ctx, query,
			gap.ID, strings.ToUpper(gap.Symbol), gap.StartTime, gap.EndTime, gap.Interval, string(gap.Kind)); err != nil {
			return NewStorageError("insert", "gaps", query, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return NewInsertError("gaps", fmt.Errorf("failed to commit: %w", err))
	}
	return nil
}

// GetGaps implements GapStorage.
func (d *DuckDBStorage) GetGaps(ctx context.Context, symbol, interval string) ([]models.Gap, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.db == nil {
		return nil, NewQueryError("gaps", "", errors.New("database connection is closed"))
	}

	query := "SELECT id, symbol, start_time, end_time, interval, kind FROM gaps WHERE symbol = $1"
	args := []any{strings.ToUpper(symbol)}
	if interval != "" {
		query += " AND interval = $2"
		args = append(args, interval)
	}
	query += " ORDER BY start_time"

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, NewQueryError("gaps", query, err)
	}
	defer rows.Close()

	var gaps []models.Gap
	for rows.Next() {
		var gap models.Gap
		var kind string
		if err := rows.Scan(&gap.ID, &gap.Symbol, &gap.StartTime, &gap.EndTime, &gap.Interval, &kind); err != nil {
			return nil, NewQueryError("gaps", query, fmt.Errorf("failed to scan row: %w", err))
		}
		gap.StartTime = gap.StartTime.UTC()
		gap.EndTime = gap.EndTime.UTC()
		gap.Kind = models.GapKind(kind)
		gaps = append(gaps, gap)
	}
	if err := rows.Err(); err != nil {
		return nil, NewQueryError("gaps", query, err)
	}
	return gaps, nil
}

// Close implements StorageManager.
func (d *DuckDBStorage) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db != nil {
		d.logger.Info("closing DuckDB storage")
		if err := d.db.Close(); err != nil {
			return NewStorageError("close", "", "", fmt.Errorf("failed to close database: %w", err))
		}
		d.db = nil
	}
	return nil
}

// GetStats implements StorageManager.
func (d *DuckDBStorage) GetStats(ctx context.Context) (*StorageStats, error) {
	start := time.Now()
	defer func() { d.recordQueryTime("get_stats", time.Since(start)) }()

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.db == nil {
		return nil, NewStorageError("stats", "", "", errors.New("database connection is closed"))
	}

	stats := &StorageStats{}
	var earliest, latest sql.NullInt64
	query := "SELECT COUNT(*), COUNT(DISTINCT symbol), MIN(timestamp), MAX(timestamp) FROM trades"
	if err := d.db.QueryRowContext(ctx, query).Scan(&stats.TotalTrades, &stats.TotalSymbols, &earliest, &latest); err != nil {
		return nil, NewStorageError("stats", "trades", query, err)
	}
	if earliest.Valid {
		stats.EarliestData = time.Unix(earliest.Int64, 0).UTC()
	}
	if latest.Valid {
		stats.LatestData = time.Unix(latest.Int64, 0).UTC()
	}

	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM gaps").Scan(&stats.TotalGaps); err != nil {
		return nil, NewStorageError("stats", "gaps", "", err)
	}

	d.queryMu.Lock()
	stats.QueryPerformance = averageDurations(d.queryTimes)
	d.queryMu.Unlock()

	return stats, nil
}

// HealthCheck implements HealthChecker.
func (d *DuckDBStorage) HealthCheck(ctx context.Context) error {
	d.mu.RLock()
	db := d.db
	d.mu.RUnlock()

	if db == nil {
		return NewStorageError("health_check", "", "", fmt.Errorf("database health check failed: database connection is closed"))
	}

	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return NewStorageError("health_check", "", "SELECT 1", fmt.Errorf("database health check failed: %w", err))
	}
	if result != 1 {
		return NewStorageError("health_check", "", "SELECT 1", fmt.Errorf("unexpected health check result: %d", result))
	}
	return nil
}

func (d *DuckDBStorage) recordQueryTime(operation string, duration time.Duration) {
	d.queryMu.Lock()
	defer d.queryMu.Unlock()
	recordDuration(d.queryTimes, operation, duration)
}

func tradeFilter(req QueryRequest) (string, []any) {
	var conditions []string
	var args []any

	add := func(cond string, arg any) {
		args = append(args, arg)
		conditions = append(conditions, fmt.Sprintf(cond, len(args)))
	}

	if req.Symbol != "" {
		add("symbol = $%d", strings.ToUpper(req.Symbol))
	}
	if !req.Start.IsZero() {
		add("timestamp >= $%d", req.Start.Unix())
	}
	if !req.End.IsZero() {
		add("timestamp < $%d", req.End.Unix())
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrade(row rowScanner) (models.Trade, error) {
	var ts int64
	var raw string
	if err := row.Scan(&ts, &raw); err != nil {
		return models.Trade{}, err
	}
	payload, err := decodePayload(raw)
	if err != nil {
		return models.Trade{}, err
	}
	return models.Trade{Timestamp: ts, Payload: payload}, nil
}

var _ FullStorage = (*DuckDBStorage)(nil)
