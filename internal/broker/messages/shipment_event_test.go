package messages

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestShipmentEvent_KeyAndWireNames(t *testing.T) {
	w := 0.7
	ev := ShipmentEvent{Type: ShipmentWeightRecorded, RequesterID: "u1", TrackingNumber: "JP1234567890", Weight: &w}
	require.Equal(t, "JP1234567890|u1", string(ev.Key()))

	b, err := json.Marshal(ev)
	require.NoError(t, err)
	require.Contains(t, string(b), `"type":"shipment.weight_recorded"`)
	require.Contains(t, string(b), `"weight":0.7`)
}
