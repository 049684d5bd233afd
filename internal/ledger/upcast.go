package ledger

import (
	"encoding/json"

	"stockline/internal/eventstore"
)

// movementV1 is the original movement payload shape. It used location_from /
// location_to field names and had no handling unit reference.
type movementV1 struct {
	MovementID   string `json:"movement_id"`
	WarehouseID  string `json:"warehouse_id"`
	SKU          string `json:"sku"`
	Quantity     int64  `json:"quantity"`
	LocationFrom string `json:"location_from"`
	LocationTo   string `json:"location_to"`
	Type         string `json:"type"`
	OperatorID   string `json:"operator_id"`
	Reason       string `json:"reason,omitempty"`
	OccurredAt   string `json:"occurred_at"`
}

// RegisterUpcasters installs the movement schema lift chain. Version 1
// payloads map losslessly onto the current shape.
func RegisterUpcasters(chain *eventstore.UpcasterChain) {
	chain.Register(EventStockMoved, 1, func(payload []byte) ([]byte, error) {
		var v1 movementV1
		if err := json.Unmarshal(payload, &v1); err != nil {
			return nil, err
		}
		v2 := map[string]any{
			"movement_id":    v1.MovementID,
			"warehouse_id":   v1.WarehouseID,
			"sku":            v1.SKU,
			"quantity":       v1.Quantity,
			"from_location":  v1.LocationFrom,
			"to_location":    v1.LocationTo,
			"type":           v1.Type,
			"operator_id":    v1.OperatorID,
			"schema_version": 2,
			"occurred_at":    v1.OccurredAt,
		}
		if v1.Reason != "" {
			v2["reason"] = v1.Reason
		}
		return json.Marshal(v2)
	})
}
