package download

import "sync/atomic"

// KillSwitch is the process-wide emergency stop. While engaged, archive
// fetches and new download work are refused; already-cached data remains
// readable. It is shared by the PACS client, the orchestrator, and the
// control API.
type KillSwitch struct {
	engaged atomic.Bool
}

// NewKillSwitch returns a disengaged kill switch.
func NewKillSwitch() *KillSwitch {
	return &KillSwitch{}
}

// Engage turns the kill switch on.
func (k *KillSwitch) Engage() { k.engaged.Store(true) }

// Resume turns the kill switch off.
func (k *KillSwitch) Resume() { k.engaged.Store(false) }

// Engaged reports whether the kill switch is on.
func (k *KillSwitch) Engaged() bool { return k.engaged.Load() }
