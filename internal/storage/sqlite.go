package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/marketfabric/internal/database"
	"github.com/aristath/marketfabric/internal/domain"
	"github.com/aristath/marketfabric/internal/fingerprint"
)

// SQLiteStore is the embedded single-file variant of the Store.
type SQLiteStore struct {
	db  *database.DB
	log zerolog.Logger
}

// NewSQLiteStore creates the embedded store and applies the schema.
func NewSQLiteStore(db *database.DB, log zerolog.Logger) (*SQLiteStore, error) {
	s := &SQLiteStore{
		db:  db,
		log: log.With().Str("component", "storage_sqlite").Logger(),
	}

	if _, err := db.Conn().Exec(sqliteSchema()); err != nil {
		return nil, fmt.Errorf("failed to apply sqlite schema: %w", err)
	}

	return s, nil
}

// DB exposes the underlying wrapper for maintenance hooks (WAL checkpoint,
// vacuum, snapshot backups). Hosted mode has no equivalent.
func (s *SQLiteStore) DB() *database.DB {
	return s.db
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// storageErr wraps connectivity and I/O failures as StorageUnavailable.
func storageErr(op string, err error) error {
	return domain.Wrap(domain.KindStorageUnavailable, op, err)
}

// --- Symbols ---

// GetSymbol returns the symbol row, or (nil, nil) when absent.
func (s *SQLiteStore) GetSymbol(ctx context.Context, symbol string) (*domain.Symbol, error) {
	sym := fingerprint.NormalizeSymbol(symbol)

	row := s.db.QueryRowContext(ctx, `
		SELECT id, symbol, name, currency, exchange, COALESCE(isin, ''), created_at, updated_at
		FROM symbols WHERE symbol = ?`, sym)

	var out domain.Symbol
	var created, updated int64
	err := row.Scan(&out.ID, &out.Symbol, &out.Name, &out.Currency, &out.Exchange, &out.ISIN, &created, &updated)
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

// UpsertSymbol inserts the symbol if absent, otherwise updates the mutable
// attributes and bumps updated_at. created_at is preserved on update.
// Empty metadata fields never clobber existing values.
func (s *SQLiteStore) UpsertSymbol(ctx context.Context, symbol string, meta domain.SymbolMetadata) (*domain.Symbol, error) {
	sym := fingerprint.NormalizeSymbol(symbol)
	now := time.Now().Unix()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO symbols (symbol, name, currency, exchange, isin, created_at, updated_at)
		VALUES (?, ?, ?, ?, NULLIF(?, ''), ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			name       = CASE WHEN excluded.name != '' THEN excluded.name ELSE symbols.name END,
			currency   = CASE WHEN excluded.currency != '' THEN excluded.currency ELSE symbols.currency END,
			exchange   = CASE WHEN excluded.exchange != '' THEN excluded.exchange ELSE symbols.exchange END,
			isin       = COALESCE(excluded.isin, symbols.isin),
			updated_at = MAX(excluded.updated_at, symbols.updated_at)`,
		sym, meta.Name, defaultCurrency(meta.Currency), meta.Exchange, meta.ISIN, now, now)
	if err != nil {
		return nil, storageErr("failed to upsert symbol", err)
	}

	return s.GetSymbol(ctx, sym)
}

// UpdateSymbol applies a partial update. No-op when fields is empty; fails
// with NotFound when the symbol is unknown.
func (s *SQLiteStore) UpdateSymbol(ctx context.Context, symbol string, fields map[string]interface{}) error {
	if len(fields) == 0 {
		return nil
	}

	setClauses := make([]string, 0, len(fields)+1)
	args := make([]interface{}, 0, len(fields)+2)
	for col, val := range fields {
		if !symbolUpdateColumns[col] {
			return domain.Ef(domain.KindValidation, "unknown symbol column %q", col)
		}
		setClauses = append(setClauses, col+" = ?")
		args = append(args, val)
	}
	setClauses = append(setClauses, "updated_at = ?")
	args = append(args, time.Now().Unix(), fingerprint.NormalizeSymbol(symbol))

	query := "UPDATE symbols SET " + strings.Join(setClauses, ", ") + " WHERE symbol = ?"
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

// symbolID resolves a symbol to its surrogate id, or NotFound.
func (s *SQLiteStore) symbolID(ctx context.Context, symbol string) (int64, error) {
	sym := fingerprint.NormalizeSymbol(symbol)

	var id int64
	err := s.db.QueryRowContext(ctx, "SELECT id FROM symbols WHERE symbol = ?", sym).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, domain.Ef(domain.KindNotFound, "symbol %s not found", sym)
	}
	if err != nil {
		return 0, storageErr("failed to resolve symbol id", err)
	}
	return id, nil
}

// --- Bars ---

// GetBars returns bars in [start, end] ordered by ascending date.
// Unknown symbols and empty ranges yield an empty slice, never an error.
func (s *SQLiteStore) GetBars(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
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
		WHERE symbol_id = ? AND date >= ? AND date <= ?
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

// UpsertBars writes a batch atomically: either all rows are present after
// commit or none. The caller guarantees the batch passed normalization.
func (s *SQLiteStore) UpsertBars(ctx context.Context, symbol string, bars []domain.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	id, err := s.symbolID(ctx, symbol)
	if err != nil {
		return err
	}

	err = database.WithTransaction(s.db.Conn(), func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO bars (symbol_id, date, open, high, low, close, adjusted_close,
			                  volume, split_ratio, dividend, currency, data_source)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(symbol_id, date) DO UPDATE SET
				open = excluded.open, high = excluded.high, low = excluded.low,
				close = excluded.close, adjusted_close = excluded.adjusted_close,
				volume = excluded.volume, split_ratio = excluded.split_ratio,
				dividend = excluded.dividend, currency = excluded.currency,
				data_source = excluded.data_source`)
		if err != nil {
			return fmt.Errorf("failed to prepare bar upsert: %w", err)
		}
		defer stmt.Close()

		for _, bar := range bars {
			_, err := stmt.ExecContext(ctx, id, fingerprint.Date(bar.Date),
				bar.Open, bar.High, bar.Low, bar.Close, bar.AdjustedClose,
				bar.Volume, bar.SplitRatio, bar.Dividend,
				defaultCurrency(bar.Currency), bar.DataSource)
			if err != nil {
				return fmt.Errorf("failed to upsert bar %s: %w", fingerprint.Date(bar.Date), err)
			}
		}
		return nil
	})
	if err != nil {
		return storageErr("bar batch upsert failed", err)
	}
	return nil
}

// LastBar returns the most recent bar for a symbol, or (nil, nil).
func (s *SQLiteStore) LastBar(ctx context.Context, symbol string) (*domain.Bar, error) {
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
		FROM bars WHERE symbol_id = ?
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

// scanBar reads one bar row. The date column is ISO-8601 text.
func scanBar(rows *sql.Rows) (domain.Bar, error) {
	var bar domain.Bar
	var dateStr string
	err := rows.Scan(&bar.SymbolID, &dateStr, &bar.Open, &bar.High, &bar.Low, &bar.Close,
		&bar.AdjustedClose, &bar.Volume, &bar.SplitRatio, &bar.Dividend,
		&bar.Currency, &bar.DataSource)
	if err != nil {
		return domain.Bar{}, err
	}
	bar.Date, err = fingerprint.ParseDate(dateStr)
	if err != nil {
		return domain.Bar{}, fmt.Errorf("malformed bar date %q: %w", dateStr, err)
	}
	return bar, nil
}

// --- Fundamentals ---

// GetFundamentals returns rows ordered by period_ending DESC, metric_type ASC.
// metricType filters when non-empty.
func (s *SQLiteStore) GetFundamentals(ctx context.Context, symbol, metricType string) ([]domain.Fundamental, error) {
	id, err := s.symbolID(ctx, symbol)
	if err != nil {
		if domain.IsKind(err, domain.KindNotFound) {
			return []domain.Fundamental{}, nil
		}
		return nil, err
	}

	query := `
		SELECT symbol_id, metric_type, period_ending, value, currency, reported_at, data_source
		FROM fundamentals WHERE symbol_id = ?`
	args := []interface{}{id}
	if metricType != "" {
		query += " AND metric_type = ?"
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

// UpsertFundamentals replaces on the (symbol, metric, period) uniqueness key.
func (s *SQLiteStore) UpsertFundamentals(ctx context.Context, symbol string, rows []domain.Fundamental) error {
	if len(rows) == 0 {
		return nil
	}

	id, err := s.symbolID(ctx, symbol)
	if err != nil {
		return err
	}

	err = database.WithTransaction(s.db.Conn(), func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO fundamentals (symbol_id, metric_type, period_ending, value, currency, reported_at, data_source)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(symbol_id, metric_type, period_ending) DO UPDATE SET
				value = excluded.value, currency = excluded.currency,
				reported_at = excluded.reported_at, data_source = excluded.data_source`)
		if err != nil {
			return fmt.Errorf("failed to prepare fundamental upsert: %w", err)
		}
		defer stmt.Close()

		for _, f := range rows {
			_, err := stmt.ExecContext(ctx, id, f.MetricType, fingerprint.Date(f.PeriodEnding),
				f.Value, defaultCurrency(f.Currency), f.ReportedAt.Unix(), f.DataSource)
			if err != nil {
				return fmt.Errorf("failed to upsert fundamental %s: %w", f.MetricType, err)
			}
		}
		return nil
	})
	if err != nil {
		return storageErr("fundamental batch upsert failed", err)
	}
	return nil
}

// --- Indicators ---

// GetIndicators returns rows ordered by date DESC, indicator_type ASC.
// indicatorType filters when non-empty; since bounds the window when set.
func (s *SQLiteStore) GetIndicators(ctx context.Context, symbol, indicatorType string, since *time.Time) ([]domain.IndicatorValue, error) {
	id, err := s.symbolID(ctx, symbol)
	if err != nil {
		if domain.IsKind(err, domain.KindNotFound) {
			return []domain.IndicatorValue{}, nil
		}
		return nil, err
	}

	query := `
		SELECT symbol_id, indicator_type, date, params_fingerprint, value, params
		FROM indicators WHERE symbol_id = ?`
	args := []interface{}{id}
	if indicatorType != "" {
		query += " AND indicator_type = ?"
		args = append(args, indicatorType)
	}
	if since != nil {
		query += " AND date >= ?"
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

// UpsertIndicators replaces on (symbol, type, date, params_fingerprint).
func (s *SQLiteStore) UpsertIndicators(ctx context.Context, symbol string, rows []domain.IndicatorValue) error {
	if len(rows) == 0 {
		return nil
	}

	id, err := s.symbolID(ctx, symbol)
	if err != nil {
		return err
	}

	err = database.WithTransaction(s.db.Conn(), func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO indicators (symbol_id, indicator_type, date, params_fingerprint, value, params)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(symbol_id, indicator_type, date, params_fingerprint) DO UPDATE SET
				value = excluded.value, params = excluded.params`)
		if err != nil {
			return fmt.Errorf("failed to prepare indicator upsert: %w", err)
		}
		defer stmt.Close()

		for _, iv := range rows {
			fp := iv.ParamsFingerprint
			if fp == "" {
				fp = fingerprint.Params(iv.Params)
			}
			paramsJSON := "{}"
			if len(iv.Params) > 0 {
				data, err := json.Marshal(iv.Params)
				if err != nil {
					return fmt.Errorf("failed to marshal indicator params: %w", err)
				}
				paramsJSON = string(data)
			}
			_, err := stmt.ExecContext(ctx, id, iv.IndicatorType, fingerprint.Date(iv.Date), fp, iv.Value, paramsJSON)
			if err != nil {
				return fmt.Errorf("failed to upsert indicator %s: %w", iv.IndicatorType, err)
			}
		}
		return nil
	})
	if err != nil {
		return storageErr("indicator batch upsert failed", err)
	}
	return nil
}

// --- Corporate actions ---

// GetCorporateActions returns actions ordered by action_date ascending.
func (s *SQLiteStore) GetCorporateActions(ctx context.Context, symbol string) ([]domain.CorporateAction, error) {
	id, err := s.symbolID(ctx, symbol)
	if err != nil {
		if domain.IsKind(err, domain.KindNotFound) {
			return []domain.CorporateAction{}, nil
		}
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol_id, action_date, action_type, split_ratio, dividend_amount, adjustment_factor
		FROM corporate_actions WHERE symbol_id = ?
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

// UpsertCorporateActions replaces on (symbol, date, type).
func (s *SQLiteStore) UpsertCorporateActions(ctx context.Context, symbol string, actions []domain.CorporateAction) error {
	if len(actions) == 0 {
		return nil
	}

	id, err := s.symbolID(ctx, symbol)
	if err != nil {
		return err
	}

	err = database.WithTransaction(s.db.Conn(), func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO corporate_actions (symbol_id, action_date, action_type, split_ratio, dividend_amount, adjustment_factor)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(symbol_id, action_date, action_type) DO UPDATE SET
				split_ratio = excluded.split_ratio,
				dividend_amount = excluded.dividend_amount,
				adjustment_factor = excluded.adjustment_factor`)
		if err != nil {
			return fmt.Errorf("failed to prepare action upsert: %w", err)
		}
		defer stmt.Close()

		for _, a := range actions {
			_, err := stmt.ExecContext(ctx, id, fingerprint.Date(a.Date), string(a.Type),
				a.SplitRatio, a.DividendAmount, a.AdjustmentFactor)
			if err != nil {
				return fmt.Errorf("failed to upsert action %s: %w", fingerprint.Date(a.Date), err)
			}
		}
		return nil
	})
	if err != nil {
		return storageErr("corporate action batch upsert failed", err)
	}
	return nil
}

// --- FX rates ---

// GetFxRate returns the pair's rate only while valid (expires_at > now).
func (s *SQLiteStore) GetFxRate(ctx context.Context, from, to string) (*domain.FxRate, error) {
	return s.getFxRate(ctx, from, to, true)
}

// GetFxRateRaw returns the pair's rate regardless of expiry. Stale data is
// better than no data for callers that opt in.
func (s *SQLiteStore) GetFxRateRaw(ctx context.Context, from, to string) (*domain.FxRate, error) {
	return s.getFxRate(ctx, from, to, false)
}

func (s *SQLiteStore) getFxRate(ctx context.Context, from, to string, freshOnly bool) (*domain.FxRate, error) {
	query := `
		SELECT from_currency, to_currency, rate, source_rate, expires_at, data_source
		FROM fx_rates WHERE from_currency = ? AND to_currency = ?`
	args := []interface{}{fingerprint.NormalizeSymbol(from), fingerprint.NormalizeSymbol(to)}
	if freshOnly {
		query += " AND expires_at > ?"
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

// UpsertFxRate replaces the pair's active row and appends a history sample.
func (s *SQLiteStore) UpsertFxRate(ctx context.Context, rate domain.FxRate) error {
	from := fingerprint.NormalizeSymbol(rate.From)
	to := fingerprint.NormalizeSymbol(rate.To)

	err := database.WithTransaction(s.db.Conn(), func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO fx_rates (from_currency, to_currency, rate, source_rate, expires_at, data_source)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(from_currency, to_currency) DO UPDATE SET
				rate = excluded.rate, source_rate = excluded.source_rate,
				expires_at = excluded.expires_at, data_source = excluded.data_source`,
			from, to, rate.Rate, rate.SourceRate, rate.ExpiresAt.Unix(), rate.DataSource)
		if err != nil {
			return fmt.Errorf("failed to upsert fx rate: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO fx_rate_history (from_currency, to_currency, rate, recorded_at)
			VALUES (?, ?, ?, ?)`,
			from, to, rate.Rate, time.Now().Unix())
		if err != nil {
			return fmt.Errorf("failed to append fx history: %w", err)
		}
		return nil
	})
	if err != nil {
		return storageErr("fx rate upsert failed", err)
	}
	return nil
}

// GetFxRateHistory returns all samples recorded in [start, end], ascending.
func (s *SQLiteStore) GetFxRateHistory(ctx context.Context, from, to string, start, end time.Time) ([]domain.FxRateSample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT from_currency, to_currency, rate, recorded_at
		FROM fx_rate_history
		WHERE from_currency = ? AND to_currency = ? AND recorded_at >= ? AND recorded_at <= ?
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

// ReapExpiredFxRates deletes pairs whose expiry has passed.
func (s *SQLiteStore) ReapExpiredFxRates(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM fx_rates WHERE expires_at <= ?", time.Now().Unix())
	if err != nil {
		return 0, storageErr("failed to reap fx rates", err)
	}
	return result.RowsAffected()
}

// --- Cache metadata (freshness ledger) ---

// IsCacheValid reports whether an unexpired metadata row exists for key.
func (s *SQLiteStore) IsCacheValid(ctx context.Context, key string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM cache_entries WHERE cache_key = ? AND expires_at > ?",
		key, time.Now().Unix()).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, storageErr("failed to check cache validity", err)
	}
	return true, nil
}

// TouchCache upserts the metadata row: a hit increments access_count and
// refreshes last_accessed; an insert starts access_count at 1.
func (s *SQLiteStore) TouchCache(ctx context.Context, key string, dataType domain.DataType, ttl time.Duration) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (cache_key, data_type, expires_at, access_count, last_accessed)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(cache_key) DO UPDATE SET
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

// InvalidateCache removes a single metadata row.
func (s *SQLiteStore) InvalidateCache(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM cache_entries WHERE cache_key = ?", key); err != nil {
		return storageErr("failed to invalidate cache entry", err)
	}
	return nil
}

// ClearCache truncates the metadata table.
func (s *SQLiteStore) ClearCache(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM cache_entries"); err != nil {
		return storageErr("failed to clear cache entries", err)
	}
	return nil
}

// ReapExpiredCache deletes all metadata rows with expires_at <= now and
// returns the count.
func (s *SQLiteStore) ReapExpiredCache(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM cache_entries WHERE expires_at <= ?", time.Now().Unix())
	if err != nil {
		return 0, storageErr("failed to reap cache entries", err)
	}
	return result.RowsAffected()
}

// CacheEntryCount returns the number of metadata rows.
func (s *SQLiteStore) CacheEntryCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM cache_entries").Scan(&n); err != nil {
		return 0, storageErr("failed to count cache entries", err)
	}
	return n, nil
}

// --- Maintenance & health ---

// RecordMaintenanceRun persists one background sweep for observability.
func (s *SQLiteStore) RecordMaintenanceRun(ctx context.Context, run domain.MaintenanceRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO maintenance_runs (id, started_at, finished_at, memory_evictions, storage_reaped, fx_reaped, note)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.StartedAt.Unix(), run.FinishedAt.Unix(),
		run.MemoryEvictions, run.StorageReaped, run.FxReaped, run.Note)
	if err != nil {
		return storageErr("failed to record maintenance run", err)
	}
	return nil
}

// HealthSnapshot describes the store for /health/database. Failures yield a
// degraded snapshot instead of an error.
func (s *SQLiteStore) HealthSnapshot(ctx context.Context) domain.HealthSnapshot {
	snapshot := domain.HealthSnapshot{
		Connection: "connected",
		Healthy:    true,
		Timestamp:  time.Now().UTC(),
	}

	if err := s.db.QuickCheck(ctx); err != nil {
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

	if stats, err := s.db.GetStats(); err == nil {
		snapshot.Details = map[string]any{
			"size_bytes":     stats.SizeBytes,
			"wal_size_bytes": stats.WALSizeBytes,
		}
	}

	return snapshot
}

// defaultCurrency fills the schema default at the boundary so both variants
// behave identically.
func defaultCurrency(c string) string {
	if c == "" {
		return "USD"
	}
	return c
}
