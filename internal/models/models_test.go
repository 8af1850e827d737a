package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestShipmentStatus_OnlyForward(t *testing.T) {
	require.True(t, ShipmentStatusAwaitingDeposit.CanAdvanceTo(ShipmentStatusDeliveredToLocker))
	require.True(t, ShipmentStatusDeliveredToLocker.CanAdvanceTo(ShipmentStatusDeliveredToCustomer))
	require.False(t, ShipmentStatusReadyForPickup.CanAdvanceTo(ShipmentStatusDeliveredToLocker))
	require.False(t, ShipmentStatusReadyForPickup.CanAdvanceTo(ShipmentStatusReadyForPickup))
	require.False(t, ShipmentStatus("lost").CanAdvanceTo(ShipmentStatusReadyForPickup))
	require.Equal(t, -1, ShipmentStatus("lost").Rank())
}

func TestLocker_LivenessAt(t *testing.T) {
	now := time.Now()
	l := &Locker{}
	require.Equal(t, LivenessUnknown, l.LivenessAt(now, time.Minute))

	recent := now.Add(-30 * time.Second)
	l.LastHeartbeatAt = &recent
	require.Equal(t, LivenessOnline, l.LivenessAt(now, time.Minute))

	old := now.Add(-2 * time.Minute)
	l.LastHeartbeatAt = &old
	require.Equal(t, LivenessOffline, l.LivenessAt(now, time.Minute))
}

func TestShipment_NeedsRevalidation(t *testing.T) {
	require.True(t, (&Shipment{Carrier: "sicepat", Snapshot: PlaceholderSnapshot()}).NeedsRevalidation())
	require.True(t, (&Shipment{}).NeedsRevalidation())
	require.False(t, (&Shipment{Carrier: "jne", Snapshot: Snapshot{Status: "OK"}}).NeedsRevalidation())
}
