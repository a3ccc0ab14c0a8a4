package types

import "github.com/shopspring/decimal"

// PriceDaily is one end-of-day bar for an instrument.
type PriceDaily struct {
	InstrumentID string          `json:"instrument_id"`
	Date         string          `json:"date"` // YYYY-MM-DD, the region's trading calendar date
	Open         decimal.Decimal `json:"open"`
	High         decimal.Decimal `json:"high"`
	Low          decimal.Decimal `json:"low"`
	Close        decimal.Decimal `json:"close"`
	AdjClose     decimal.Decimal `json:"adj_close"`
	Volume       decimal.Decimal `json:"volume"`
}

// Vector is a fixed-dimension embedding. Stored as dim*4 little-endian
// float32 bytes; held here as float32 in memory to match the wire contract.
type Vector []float32

// NumericWindowEmbedding is a deterministic window->vector encoding.
// Unique on (entity_type, entity_id, as_of_date, model_id).
type NumericWindowEmbedding struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	AsOfDate   string `json:"as_of_date"`
	ModelID    string `json:"model_id"`
	Vector     Vector `json:"vector"`
	Dim        int    `json:"dim"`
}

// TextEmbedding encodes a text source (news, filings) under a model_id.
type TextEmbedding struct {
	SourceType string `json:"source_type"`
	SourceID   string `json:"source_id"`
	ModelID    string `json:"model_id"`
	Vector     Vector `json:"vector"`
	Dim        int    `json:"dim"`
}

// JointEmbedding combines branch vectors (numeric, text, stability, regime)
// under a weighted average or identity projection.
type JointEmbedding struct {
	JointType   string   `json:"joint_type"`
	ModelID     string   `json:"model_id"`
	AsOfDate    string   `json:"as_of_date"`
	EntityScope JSONBlob `json:"entity_scope"`
	Vector      Vector   `json:"vector"`
	Dim         int      `json:"dim"`
}
