package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus-v2/daily-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// HistoricalStore is the append-only half of the persistence layer: prices,
// dimensions, and embeddings. Nothing here is ever mutated by a downstream
// engine; rows are written once by ingestion (out of scope for this
// service) or by the encoder cache.
type HistoricalStore struct {
	logger *zap.Logger
	pool   *pgxpool.Pool
}

func NewHistoricalStore(logger *zap.Logger, pool *pgxpool.Pool) *HistoricalStore {
	return &HistoricalStore{logger: logger, pool: pool}
}

// ReadPrices returns daily bars for instrumentIDs in [start, end], ordered
// by instrument then date. Missing instruments simply contribute no rows —
// this layer never raises for absent data.
func (s *HistoricalStore) ReadPrices(ctx context.Context, instrumentIDs []string, start, end string) ([]types.PriceDaily, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT instrument_id, date, open, high, low, close, adj_close, volume
		FROM price_daily
		WHERE instrument_id = ANY($1) AND date BETWEEN $2 AND $3
		ORDER BY instrument_id, date`, instrumentIDs, start, end)
	if err != nil {
		return nil, fmt.Errorf("read prices: %w", err)
	}
	defer rows.Close()

	var out []types.PriceDaily
	for rows.Next() {
		var p types.PriceDaily
		if err := rows.Scan(&p.InstrumentID, &p.Date, &p.Open, &p.High, &p.Low, &p.Close, &p.AdjClose, &p.Volume); err != nil {
			return nil, fmt.Errorf("scan price: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListInstruments returns active instruments in a market as of a date.
func (s *HistoricalStore) ListInstruments(ctx context.Context, marketID, activeOn string) ([]types.Instrument, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT instrument_id, market_id, COALESCE(issuer_id, ''), currency, status
		FROM instrument
		WHERE market_id = $1 AND status = $2`, marketID, types.InstrumentActive)
	_ = activeOn // status-at-date history is out of scope; current status is authoritative
	if err != nil {
		return nil, fmt.Errorf("list instruments: %w", err)
	}
	defer rows.Close()

	var out []types.Instrument
	for rows.Next() {
		var in types.Instrument
		if err := rows.Scan(&in.InstrumentID, &in.MarketID, &in.IssuerID, &in.Currency, &in.Status); err != nil {
			return nil, fmt.Errorf("scan instrument: %w", err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// GetIssuer returns an issuer by ID, or (zero, false, nil) if absent.
func (s *HistoricalStore) GetIssuer(ctx context.Context, issuerID string) (types.Issuer, bool, error) {
	var iss types.Issuer
	var metaRaw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT issuer_id, sector, country, metadata FROM issuer WHERE issuer_id = $1`, issuerID,
	).Scan(&iss.IssuerID, &iss.Sector, &iss.Country, &metaRaw)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Issuer{}, false, nil
	}
	if err != nil {
		return types.Issuer{}, false, fmt.Errorf("get issuer: %w", err)
	}
	blob, err := types.ParseJSONBlob(metaRaw)
	if err != nil {
		return types.Issuer{}, false, fmt.Errorf("parse issuer metadata: %w", err)
	}
	iss.Metadata = blob
	return iss, true, nil
}

// ReadEmbedding returns the numeric window embedding for (entityType,
// entityID, asOf, modelID), or (nil, false, nil) if it hasn't been computed.
func (s *HistoricalStore) ReadEmbedding(ctx context.Context, entityType, entityID, asOf, modelID string) (types.Vector, bool, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT vector FROM numeric_window_embedding
		WHERE entity_type = $1 AND entity_id = $2 AND as_of_date = $3 AND model_id = $4`,
		entityType, entityID, asOf, modelID,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read embedding: %w", err)
	}
	vec, err := DecodeVector(raw)
	if err != nil {
		return nil, false, err
	}
	return vec, true, nil
}

// ReadJointEmbedding returns the latest joint embedding of jointType for
// modelID at or before asOf, used by the Assessment Engine's context
// backend (e.g. ASSESSMENT_CTX_V0).
func (s *HistoricalStore) ReadJointEmbedding(ctx context.Context, jointType, modelID, asOf string) (types.JointEmbedding, bool, error) {
	var je types.JointEmbedding
	var raw, scopeRaw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT joint_type, model_id, as_of_date, entity_scope, vector
		FROM joint_embedding
		WHERE joint_type = $1 AND model_id = $2 AND as_of_date <= $3
		ORDER BY as_of_date DESC LIMIT 1`, jointType, modelID, asOf,
	).Scan(&je.JointType, &je.ModelID, &je.AsOfDate, &scopeRaw, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.JointEmbedding{}, false, nil
	}
	if err != nil {
		return types.JointEmbedding{}, false, fmt.Errorf("read joint embedding: %w", err)
	}
	vec, err := DecodeVector(raw)
	if err != nil {
		return types.JointEmbedding{}, false, err
	}
	je.Vector = vec
	je.Dim = len(vec)
	scope, err := types.ParseJSONBlob(scopeRaw)
	if err != nil {
		return types.JointEmbedding{}, false, err
	}
	je.EntityScope = scope
	return je, true, nil
}

// UpsertNumericEmbedding writes a window embedding, keyed by its natural
// key. Embeddings are treated as immutable: on any conflict the stored row
// is kept and the new vector is dropped without an error, whether or not
// it differs.
func (s *HistoricalStore) UpsertNumericEmbedding(ctx context.Context, e types.NumericWindowEmbedding) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO numeric_window_embedding (entity_type, entity_id, as_of_date, model_id, vector, dim)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (entity_type, entity_id, as_of_date, model_id) DO NOTHING`,
		e.EntityType, e.EntityID, e.AsOfDate, e.ModelID, EncodeVector(e.Vector), e.Dim)
	if err != nil {
		return fmt.Errorf("upsert numeric embedding: %w", err)
	}
	return nil
}

// UpsertTextEmbedding writes a text source embedding.
func (s *HistoricalStore) UpsertTextEmbedding(ctx context.Context, e types.TextEmbedding) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO text_embedding (source_type, source_id, model_id, vector, dim)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (source_type, source_id, model_id) DO NOTHING`,
		e.SourceType, e.SourceID, e.ModelID, EncodeVector(e.Vector), e.Dim)
	if err != nil {
		return fmt.Errorf("upsert text embedding: %w", err)
	}
	return nil
}

// UpsertJointEmbedding writes a combined joint embedding.
func (s *HistoricalStore) UpsertJointEmbedding(ctx context.Context, e types.JointEmbedding) error {
	scopeBytes, err := e.EntityScope.Bytes()
	if err != nil {
		return fmt.Errorf("marshal entity scope: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO joint_embedding (joint_type, model_id, as_of_date, entity_scope, vector, dim)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (joint_type, model_id, as_of_date) DO NOTHING`,
		e.JointType, e.ModelID, e.AsOfDate, scopeBytes, EncodeVector(e.Vector), e.Dim)
	if err != nil {
		return fmt.Errorf("upsert joint embedding: %w", err)
	}
	return nil
}

// UpsertPriceDaily is used by test fixtures and any ingestion shim; real
// vendor ingestion is out of scope for this service.
func (s *HistoricalStore) UpsertPriceDaily(ctx context.Context, p types.PriceDaily) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO price_daily (instrument_id, date, open, high, low, close, adj_close, volume)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (instrument_id, date) DO UPDATE SET
			open=EXCLUDED.open, high=EXCLUDED.high, low=EXCLUDED.low,
			close=EXCLUDED.close, adj_close=EXCLUDED.adj_close, volume=EXCLUDED.volume`,
		p.InstrumentID, p.Date, p.Open, p.High, p.Low, p.Close, p.AdjClose, p.Volume)
	if err != nil {
		return fmt.Errorf("upsert price: %w", err)
	}
	return nil
}

// AverageDollarVolume computes trailing ADV over the last n trading days up
// to and including asOf, used by the Universe Engine's liquidity filter.
func (s *HistoricalStore) AverageDollarVolume(ctx context.Context, instrumentID, asOf string, n int) (decimal.Decimal, error) {
	var adv decimal.Decimal
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(AVG(close * volume), 0) FROM (
			SELECT close, volume FROM price_daily
			WHERE instrument_id = $1 AND date <= $2
			ORDER BY date DESC LIMIT $3
		) recent`, instrumentID, asOf, n).Scan(&adv)
	if err != nil {
		return decimal.Zero, fmt.Errorf("average dollar volume: %w", err)
	}
	return adv, nil
}
