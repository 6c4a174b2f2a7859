package forward

import (
	"Flownix/internal/model"
	"encoding/json"
	"fmt"
)

const (
	// StatusOK acknowledges a batch that was accepted for storage.
	StatusOK = "secure-ok"
	// StatusError acknowledges a batch the receiver could not accept.
	StatusError = "error"
)

// Ack is the receiver's reply to exactly one batch message.
type Ack struct {
	Status string          `json:"status"`
	Echo   json.RawMessage `json:"echo"`
}

// wirePair is one [key, bytes] element of a batch message.
type wirePair struct {
	Key   string
	Bytes uint64
}

func (p wirePair) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{p.Key, p.Bytes})
}

func (p *wirePair) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("expected a [key, bytes] pair, got %d elements", len(raw))
	}
	if err := json.Unmarshal(raw[0], &p.Key); err != nil {
		return fmt.Errorf("invalid key: %w", err)
	}
	if err := json.Unmarshal(raw[1], &p.Bytes); err != nil {
		return fmt.Errorf("invalid byte count: %w", err)
	}
	return nil
}

// EncodeBatch serializes a batch as a JSON list of [key, bytes] pairs.
// Flows whose key cannot be encoded are left out; their number is returned.
func EncodeBatch(b model.Batch) ([]byte, int, error) {
	pairs := make([]wirePair, 0, len(b.Flows))
	skipped := 0
	for _, f := range b.Flows {
		key, err := model.EncodeFlowKey(f.Key)
		if err != nil {
			skipped++
			continue
		}
		pairs = append(pairs, wirePair{Key: key, Bytes: f.Bytes})
	}
	data, err := json.Marshal(pairs)
	if err != nil {
		return nil, skipped, fmt.Errorf("failed to encode batch: %w", err)
	}
	return data, skipped, nil
}

// DecodeBatch parses a batch message. Pairs with a malformed key are skipped
// and counted; an error is returned only if the message itself is not a batch.
func DecodeBatch(data []byte) ([]model.FlowCount, int, error) {
	var pairs []wirePair
	if err := json.Unmarshal(data, &pairs); err != nil {
		return nil, 0, fmt.Errorf("failed to decode batch: %w", err)
	}
	flows := make([]model.FlowCount, 0, len(pairs))
	skipped := 0
	for _, p := range pairs {
		key, err := model.DecodeFlowKey(p.Key)
		if err != nil {
			skipped++
			continue
		}
		flows = append(flows, model.FlowCount{Key: key, Bytes: p.Bytes})
	}
	return flows, skipped, nil
}
