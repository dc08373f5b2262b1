package ingestion

import (
	"CopyGuard/internal/intent"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed marks a payload that could not be turned into an intent. Such
// messages are never redelivered.
var ErrMalformed = errors.New("malformed intent payload")

// ParseIntent decodes one JSON intent and validates it through intent.New.
//
// Wire format (snake_case, one of amount or fraction):
//
//	{"intent_id":"...","trader_id":"...","market_id":"...","outcome":"YES",
//	 "side":"buy","amount":"25","created_at":"2026-03-02T15:00:00Z"}
func ParseIntent(data []byte) (intent.TradeIntent, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return intent.TradeIntent{}, fmt.Errorf("%w: empty payload", ErrMalformed)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var rec intent.Record
	if err := dec.Decode(&rec); err != nil {
		return intent.TradeIntent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if dec.More() {
		return intent.TradeIntent{}, fmt.Errorf("%w: trailing data after intent", ErrMalformed)
	}

	in, err := intent.FromRecord(rec)
	if err != nil {
		return intent.TradeIntent{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return in, nil
}
