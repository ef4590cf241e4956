package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/aristath/marketfabric/internal/domain"
	"github.com/aristath/marketfabric/internal/fingerprint"
)

// PostgresStore is the hosted variant of the Store.
type PostgresStore struct {
	db  *sqlx.DB
	log zerolog.Logger
}

// postgresQueryTimeout bounds every statement so a stalled server surfaces
// as StorageUnavailable instead of hanging a request.
const postgresQueryTimeout = 10 * time.Second

// NewPostgresStore connects to the hosted database and applies the schema.
func NewPostgresStore(databaseURL string, log zerolog.Logger) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	s := &PostgresStore{
		db:  db,
		log: log.With().Str("component", "storage_postgres").Logger(),
	}

	if _, err := db.Exec(postgresSchema()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply postgres schema: %w", err)
	}

	return s, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) queryCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, postgresQueryTimeout)
}

// --- Symbols ---

func (s *PostgresStore) GetSymbol(ctx context.Context, symbol string) (*domain.Symbol, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	sym := fingerprint.NormalizeSymbol(symbol)

	var out domain.Symbol
	var created, updated int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, symbol, name, currency, exchange, COALESCE(isin, ''), created_at, updated_at
		FROM symbols WHERE symbol = $1`, sym).
		Scan(&out.ID, &out.Symbol, &out.Name, &out.Currency, &out.Exchange, &out.ISIN, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("failed to get symbol", err)
	}

	out.CreatedAt = time.Unix(created, 0).UTC()
	out.UpdatedAt = time.Unix(updated, 0).UTC()
	return &out, nil
}

func (s *PostgresStore) UpsertSymbol(ctx context.Context, symbol string, meta domain.SymbolMetadata) (*domain.Symbol, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	sym := fingerprint.NormalizeSymbol(symbol)
	now := time.Now().Unix()

	_, err := s.db.ExecContext(qctx, `
		INSERT INTO symbols (symbol, name, currency, exchange, isin, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7)
		ON CONFLICT (symbol) DO UPDATE SET
			name       = CASE WHEN excluded.name != '' THEN excluded.name ELSE symbols.name END,
			currency   = CASE WHEN excluded.currency != '' THEN excluded.currency ELSE symbols.currency END,
			exchange   = CASE WHEN excluded.exchange != '' THEN excluded.exchange ELSE symbols.exchange END,
			isin       = COALESCE(excluded.isin, symbols.isin),
			updated_at = GREATEST(excluded.updated_at, symbols.updated_at)`,
		sym, meta.Name, defaultCurrency(meta.Currency), meta.Exchange, meta.ISIN, now, now)
	if err != nil {
		return nil, storageErr("failed to upsert symbol", err)
	}

	return s.GetSymbol(ctx, sym)
}

func (s *PostgresStore) UpdateSymbol(ctx context.Context, symbol string, fields map[string]interface{}) error {
	if len(fields) == 0 {
		return nil
	}

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	setClauses := make([]string, 0, len(fields)+1)
	args := make([]interface{}, 0, len(fields)+2)
	i := 1
	for col, val := range fields {
		if !symbolUpdateColumns[col] {
			return domain.Ef(domain.KindValidation, "unknown symbol column %q", col)
		}
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", col, i))
		args = append(args, val)
		i++
	}
	setClauses = append(setClauses, fmt.Sprintf("updated_at = $%d", i))
	args = append(args, time.Now().Unix())
	i++
	args = append(args, fingerprint.NormalizeSymbol(symbol))

	query := fmt.Sprintf("UPDATE symbols SET %s WHERE symbol = $%d", strings.Join(setClauses, ", "), i)
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return storageErr("failed to update symbol", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return storageErr("failed to get rows affected", err)
	}
	if affected == 0 {
		return domain.Ef(domain.KindNotFound, "symbol %s not found", fingerprint.NormalizeSymbol(symbol))
	}
	return nil
}

func (s *PostgresStore) symbolID(ctx context.Context, symbol string) (int64, error) {
	sym := fingerprint.NormalizeSymbol(symbol)

	var id int64
	err := s.db.QueryRowContext(ctx, "SELECT id FROM symbols WHERE symbol = $1", sym).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, domain.Ef(domain.KindNotFound, "symbol %s not found", sym)
	}
	if err != nil {
		return 0, storageErr("failed to resolve symbol id", err)
	}
	return id, nil
}

// --- Bars ---

func (s *PostgresStore) GetBars(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	id, err := s.symbolID(ctx, symbol)
	if err != nil {
		if domain.IsKind(err, domain.KindNotFound) {
			return []domain.Bar{}, nil
		}
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol_id, date, open, high, low, close, adjusted_close, volume,
		       split_ratio, dividend, currency, data_source
		FROM bars
		WHERE symbol_id = $1 AND date >= $2 AND date <= $3
		ORDER BY date ASC`,
		id, fingerprint.Date(start), fingerprint.Date(end))
	if err != nil {
		return nil, storageErr("failed to query bars", err)
	}
	defer rows.Close()

	bars := []domain.Bar{}
	for rows.Next() {
		bar, err := scanBar(rows)
		if err != nil {
			return nil, storageErr("failed to scan bar", err)
		}
		bars = append(bars, bar)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("failed to iterate bars", err)
	}
	return bars, nil
}

func (s *PostgresStore) UpsertBars(ctx context.Context, symbol string, bars []domain.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	id, err := s.symbolID(ctx, symbol)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return storageErr("failed to begin bar transaction", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO bars (symbol_id, date, open, high, low, close, adjusted_close,
		                  volume, split_ratio, dividend, currency, data_source)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (symbol_id, date) DO UPDATE SET
			open = excluded.open, high = excluded.high, low = excluded.low,
			close = excluded.close, adjusted_close = excluded.adjusted_close,
			volume = excluded.volume, split_ratio = excluded.split_ratio,
			dividend = excluded.dividend, currency = excluded.currency,
			data_source = excluded.data_source`)
	if err != nil {
		return storageErr("failed to prepare bar upsert", err)
	}
	defer stmt.Close()

	for _, bar := range bars {
		_, err := stmt.ExecContext(ctx, id, fingerprint.Date(bar.Date),
			bar.Open, bar.High, bar.Low, bar.Close, bar.AdjustedClose,
			bar.Volume, bar.SplitRatio, bar.Dividend,
			defaultCurrency(bar.Currency), bar.DataSource)
		if err != nil {
			return storageErr(fmt.Sprintf("failed to upsert bar %s", fingerprint.Date(bar.Date)), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storageErr("failed to commit bar batch", err)
	}
	return nil
}

func (s *PostgresStore) LastBar(ctx context.Context, symbol string) (*domain.Bar, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	id, err := s.symbolID(ctx, symbol)
	if err != nil {
		if domain.IsKind(err, domain.KindNotFound) {
			return nil, nil
		}
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol_id, date, open, high, low, close, adjusted_close, volume,
		       split_ratio, dividend, currency, data_source
		FROM bars WHERE symbol_id = $1
		ORDER BY date DESC LIMIT 1`, id)
	if err != nil {
		return nil, storageErr("failed to query last bar", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	bar, err := scanBar(rows)
	if err != nil {
		return nil, storageErr("failed to scan last bar", err)
	}
	return &bar, nil
}

// --- Fundamentals ---

func (s *PostgresStore) GetFundamentals(ctx context.Context, symbol, metricType string) ([]domain.Fundamental, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	id, err := s.symbolID(ctx, symbol)
	if err != nil {
		if domain.IsKind(err, domain.KindNotFound) {
			return []domain.Fundamental{}, nil
		}
		return nil, err
	}

	query := `
		SELECT symbol_id, metric_type, period_ending, value, currency, reported_at, data_source
		FROM fundamentals WHERE symbol_id = $1`
	args := []interface{}{id}
	if metricType != "" {
		query += " AND metric_type = $2"
		args = append(args, metricType)
	}
	query += " ORDER BY period_ending DESC, metric_type ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("failed to query fundamentals", err)
	}
	defer rows.Close()

	out := []domain.Fundamental{}
	for rows.Next() {
		var f domain.Fundamental
		var period string
		var reported int64
		if err := rows.Scan(&f.SymbolID, &f.MetricType, &period, &f.Value, &f.Currency, &reported, &f.DataSource); err != nil {
			return nil, storageErr("failed to scan fundamental", err)
		}
		if f.PeriodEnding, err = fingerprint.ParseDate(period); err != nil {
			return nil, storageErr("malformed period_ending", err)
		}
		f.ReportedAt = time.Unix(reported, 0).UTC()
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertFundamentals(ctx context.Context, symbol string, fundamentals []domain.Fundamental) error {
	if len(fundamentals) == 0 {
		return nil
	}

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	id, err := s.symbolID(ctx, symbol)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return storageErr("failed to begin fundamental transaction", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO fundamentals (symbol_id, metric_type, period_ending, value, currency, reported_at, data_source)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (symbol_id, metric_type, period_ending) DO UPDATE SET
			value = excluded.value, currency = excluded.currency,
			reported_at = excluded.reported_at, data_source = excluded.data_source`)
	if err != nil {
		return storageErr("failed to prepare fundamental upsert", err)
	}
	defer stmt.Close()

	for _, f := range fundamentals {
		_, err := stmt.ExecContext(ctx, id, f.MetricType, fingerprint.Date(f.PeriodEnding),
			f.Value, defaultCurrency(f.Currency), f.ReportedAt.Unix(), f.DataSource)
		if err != nil {
			return storageErr(fmt.Sprintf("failed to upsert fundamental %s", f.MetricType), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storageErr("failed to commit fundamental batch", err)
	}
	return nil
}

// --- Indicators ---

func (s *PostgresStore) GetIndicators(ctx context.Context, symbol, indicatorType string, since *time.Time) ([]domain.IndicatorValue, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	id, err := s.symbolID(ctx, symbol)
	if err != nil {
		if domain.IsKind(err, domain.KindNotFound) {
			return []domain.IndicatorValue{}, nil
		}
		return nil, err
	}

	query := `
		SELECT symbol_id, indicator_type, date, params_fingerprint, value, params
		FROM indicators WHERE symbol_id = $1`
	args := []interface{}{id}
	n := 2
	if indicatorType != "" {
		query += fmt.Sprintf(" AND indicator_type = $%d", n)
		args = append(args, indicatorType)
		n++
	}
	if since != nil {
		query += fmt.Sprintf(" AND date >= $%d", n)
		args = append(args, fingerprint.Date(*since))
	}
	query += " ORDER BY date DESC, indicator_type ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("failed to query indicators", err)
	}
	defer rows.Close()

	out := []domain.IndicatorValue{}
	for rows.Next() {
		var iv domain.IndicatorValue
		var dateStr, paramsJSON string
		if err := rows.Scan(&iv.SymbolID, &iv.IndicatorType, &dateStr, &iv.ParamsFingerprint, &iv.Value, &paramsJSON); err != nil {
			return nil, storageErr("failed to scan indicator", err)
		}
		if iv.Date, err = fingerprint.ParseDate(dateStr); err != nil {
			return nil, storageErr("malformed indicator date", err)
		}
		if paramsJSON != "" && paramsJSON != "{}" {
			_ = json.Unmarshal([]byte(paramsJSON), &iv.Params)
		}
		out = append(out, iv)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertIndicators(ctx context.Context, symbol string, indicators []domain.IndicatorValue) error {
	if len(indicators) == 0 {
		return nil
	}

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	id, err := s.symbolID(ctx, symbol)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return storageErr("failed to begin indicator transaction", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO indicators (symbol_id, indicator_type, date, params_fingerprint, value, params)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (symbol_id, indicator_type, date, params_fingerprint) DO UPDATE SET
			value = excluded.value, params = excluded.params`)
	if err != nil {
		return storageErr("failed to prepare indicator upsert", err)
	}
	defer stmt.Close()

	for _, iv := range indicators {
		fp := iv.ParamsFingerprint
		if fp == "" {
			fp = fingerprint.Params(iv.Params)
		}
		paramsJSON := "{}"
		if len(iv.Params) > 0 {
			data, err := json.Marshal(iv.Params)
			if err != nil {
				return storageErr("failed to marshal indicator params", err)
			}
			paramsJSON = string(data)
		}
		_, err := stmt.ExecContext(ctx, id, iv.IndicatorType, fingerprint.Date(iv.Date), fp, iv.Value, paramsJSON)
		if err != nil {
			return storageErr(fmt.Sprintf("failed to upsert indicator %s", iv.IndicatorType), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storageErr("failed to commit indicator batch", err)
	}
	return nil
}

// --- Corporate actions ---

func (s *PostgresStore) GetCorporateActions(ctx context.Context, symbol string) ([]domain.CorporateAction, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	id, err := s.symbolID(ctx, symbol)
	if err != nil {
		if domain.IsKind(err, domain.KindNotFound) {
			return []domain.CorporateAction{}, nil
		}
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol_id, action_date, action_type, split_ratio, dividend_amount, adjustment_factor
		FROM corporate_actions WHERE symbol_id = $1
		ORDER BY action_date ASC`, id)
	if err != nil {
		return nil, storageErr("failed to query corporate actions", err)
	}
	defer rows.Close()

	out := []domain.CorporateAction{}
	for rows.Next() {
		var a domain.CorporateAction
		var dateStr, actionType string
		if err := rows.Scan(&a.SymbolID, &dateStr, &actionType, &a.SplitRatio, &a.DividendAmount, &a.AdjustmentFactor); err != nil {
			return nil, storageErr("failed to scan corporate action", err)
		}
		if a.Date, err = fingerprint.ParseDate(dateStr); err != nil {
			return nil, storageErr("malformed action date", err)
		}
		a.Type = domain.ActionType(actionType)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertCorporateActions(ctx context.Context, symbol string, actions []domain.CorporateAction) error {
	if len(actions) == 0 {
		return nil
	}

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	id, err := s.symbolID(ctx, symbol)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return storageErr("failed to begin action transaction", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO corporate_actions (symbol_id, action_date, action_type, split_ratio, dividend_amount, adjustment_factor)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (symbol_id, action_date, action_type) DO UPDATE SET
			split_ratio = excluded.split_ratio,
			dividend_amount = excluded.dividend_amount,
			adjustment_factor = excluded.adjustment_factor`)
	if err != nil {
		return storageErr("failed to prepare action upsert", err)
	}
	defer stmt.Close()

	for _, a := range actions {
		_, err := stmt.ExecContext(ctx, id, fingerprint.Date(a.Date), string(a.Type),
			a.SplitRatio, a.DividendAmount, a.AdjustmentFactor)
		if err != nil {
			return storageErr(fmt.Sprintf("failed to upsert action %s", fingerprint.Date(a.Date)), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storageErr("failed to commit action batch", err)
	}
	return nil
}

// --- FX rates ---

func (s *PostgresStore) GetFxRate(ctx context.Context, from, to string) (*domain.FxRate, error) {
	return s.getFxRate(ctx, from, to, true)
}

func (s *PostgresStore) GetFxRateRaw(ctx context.Context, from, to string) (*domain.FxRate, error) {
	return s.getFxRate(ctx, from, to, false)
}

func (s *PostgresStore) getFxRate(ctx context.Context, from, to string, freshOnly bool) (*domain.FxRate, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	query := `
		SELECT from_currency, to_currency, rate, source_rate, expires_at, data_source
		FROM fx_rates WHERE from_currency = $1 AND to_currency = $2`
	args := []interface{}{fingerprint.NormalizeSymbol(from), fingerprint.NormalizeSymbol(to)}
	if freshOnly {
		query += " AND expires_at > $3"
		args = append(args, time.Now().Unix())
	}

	var rate domain.FxRate
	var expires int64
	err := s.db.QueryRowContext(ctx, query, args...).
		Scan(&rate.From, &rate.To, &rate.Rate, &rate.SourceRate, &expires, &rate.DataSource)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("failed to get fx rate", err)
	}

	rate.ExpiresAt = time.Unix(expires, 0).UTC()
	return &rate, nil
}

func (s *PostgresStore) UpsertFxRate(ctx context.Context, rate domain.FxRate) error {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	from := fingerprint.NormalizeSymbol(rate.From)
	to := fingerprint.NormalizeSymbol(rate.To)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return storageErr("failed to begin fx transaction", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO fx_rates (from_currency, to_currency, rate, source_rate, expires_at, data_source)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (from_currency, to_currency) DO UPDATE SET
			rate = excluded.rate, source_rate = excluded.source_rate,
			expires_at = excluded.expires_at, data_source = excluded.data_source`,
		from, to, rate.Rate, rate.SourceRate, rate.ExpiresAt.Unix(), rate.DataSource)
	if err != nil {
		return storageErr("failed to upsert fx rate", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO fx_rate_history (from_currency, to_currency, rate, recorded_at)
		VALUES ($1, $2, $3, $4)`,
		from, to, rate.Rate, time.Now().Unix())
	if err != nil {
		return storageErr("failed to append fx history", err)
	}

	if err := tx.Commit(); err != nil {
		return storageErr("failed to commit fx upsert", err)
	}
	return nil
}

func (s *PostgresStore) GetFxRateHistory(ctx context.Context, from, to string, start, end time.Time) ([]domain.FxRateSample, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT from_currency, to_currency, rate, recorded_at
		FROM fx_rate_history
		WHERE from_currency = $1 AND to_currency = $2 AND recorded_at >= $3 AND recorded_at <= $4
		ORDER BY recorded_at ASC`,
		fingerprint.NormalizeSymbol(from), fingerprint.NormalizeSymbol(to),
		start.Unix(), end.Unix())
	if err != nil {
		return nil, storageErr("failed to query fx history", err)
	}
	defer rows.Close()

	out := []domain.FxRateSample{}
	for rows.Next() {
		var sample domain.FxRateSample
		var recorded int64
		if err := rows.Scan(&sample.From, &sample.To, &sample.Rate, &recorded); err != nil {
			return nil, storageErr("failed to scan fx sample", err)
		}
		sample.RecordedAt = time.Unix(recorded, 0).UTC()
		out = append(out, sample)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ReapExpiredFxRates(ctx context.Context) (int64, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx,
		"DELETE FROM fx_rates WHERE expires_at <= $1", time.Now().Unix())
	if err != nil {
		return 0, storageErr("failed to reap fx rates", err)
	}
	return result.RowsAffected()
}

// --- Cache metadata (freshness ledger) ---

func (s *PostgresStore) IsCacheValid(ctx context.Context, key string) (bool, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM cache_entries WHERE cache_key = $1 AND expires_at > $2",
		key, time.Now().Unix()).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, storageErr("failed to check cache validity", err)
	}
	return true, nil
}

func (s *PostgresStore) TouchCache(ctx context.Context, key string, dataType domain.DataType, ttl time.Duration) error {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (cache_key, data_type, expires_at, access_count, last_accessed)
		VALUES ($1, $2, $3, 1, $4)
		ON CONFLICT (cache_key) DO UPDATE SET
			data_type = excluded.data_type,
			expires_at = excluded.expires_at,
			access_count = cache_entries.access_count + 1,
			last_accessed = excluded.last_accessed`,
		key, string(dataType), now.Add(ttl).Unix(), now.Unix())
	if err != nil {
		return storageErr("failed to touch cache entry", err)
	}
	return nil
}

func (s *PostgresStore) InvalidateCache(ctx context.Context, key string) error {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM cache_entries WHERE cache_key = $1", key); err != nil {
		return storageErr("failed to invalidate cache entry", err)
	}
	return nil
}

func (s *PostgresStore) ClearCache(ctx context.Context) error {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM cache_entries"); err != nil {
		return storageErr("failed to clear cache entries", err)
	}
	return nil
}

func (s *PostgresStore) ReapExpiredCache(ctx context.Context) (int64, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx,
		"DELETE FROM cache_entries WHERE expires_at <= $1", time.Now().Unix())
	if err != nil {
		return 0, storageErr("failed to reap cache entries", err)
	}
	return result.RowsAffected()
}

func (s *PostgresStore) CacheEntryCount(ctx context.Context) (int64, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM cache_entries").Scan(&n); err != nil {
		return 0, storageErr("failed to count cache entries", err)
	}
	return n, nil
}

// --- Maintenance & health ---

func (s *PostgresStore) RecordMaintenanceRun(ctx context.Context, run domain.MaintenanceRun) error {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO maintenance_runs (id, started_at, finished_at, memory_evictions, storage_reaped, fx_reaped, note)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.ID, run.StartedAt.Unix(), run.FinishedAt.Unix(),
		run.MemoryEvictions, run.StorageReaped, run.FxReaped, run.Note)
	if err != nil {
		return storageErr("failed to record maintenance run", err)
	}
	return nil
}

func (s *PostgresStore) HealthSnapshot(ctx context.Context) domain.HealthSnapshot {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	snapshot := domain.HealthSnapshot{
		Connection: "connected",
		Healthy:    true,
		Timestamp:  time.Now().UTC(),
	}

	if err := s.db.PingContext(ctx); err != nil {
		snapshot.Healthy = false
		snapshot.Connection = "error"
		snapshot.Details = map[string]any{"error": err.Error()}
		return snapshot
	}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM symbols").Scan(&snapshot.Stats.Symbols); err != nil {
		s.log.Warn().Err(err).Msg("Failed to count symbols for health snapshot")
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM bars").Scan(&snapshot.Stats.Bars); err != nil {
		s.log.Warn().Err(err).Msg("Failed to count bars for health snapshot")
	}

	var lastDate sql.NullString
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(date) FROM bars").Scan(&lastDate); err == nil && lastDate.Valid {
		if t, err := fingerprint.ParseDate(lastDate.String); err == nil {
			snapshot.LastUpdated = &t
		}
	}

	return snapshot
}
