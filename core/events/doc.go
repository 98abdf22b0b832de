// Package events defines the notifications emitted by the guard on the
// event bus.
//
// Available notification types:
//   - power_limit_exceeded: the over-limit counter reached the hysteresis count
//   - mitigation_applied: a device was curtailed or a charger throttled
//   - mitigation_cleared: a device was restored; AllClear marks an empty ledger
//   - profile_changed: the active profile changed
package events
