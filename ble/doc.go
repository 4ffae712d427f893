// Package ble finds the Friend recorder over Bluetooth LE, connects to it and
// follows its battery level.
//
// Link holds the connection state machine. It never blocks: every request to
// the Radio returns at once and the outcome comes back later as an Event,
// which the owner feeds into Link.Handle from a single goroutine.
package ble
