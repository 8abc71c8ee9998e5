package room

import "github.com/voxhall/voxhall/pkg/signal"

// recomputeQualityLocked re-evaluates the room-wide video quality tier.
// Attendees and ghosts do not publish, so only meeting participants count
// toward the threshold. The event fires exactly once per crossing.
func (r *Room) recomputeQualityLocked() {
	tier := signal.QualityStandard
	if r.participantCountLocked() >= r.qualityLowThreshold {
		tier = signal.QualityLow
	}
	if tier == r.quality {
		return
	}
	r.quality = tier
	r.broadcastLocked(signal.EventSetVideoQuality, signal.VideoQualityEvent{
		RoomEvent: r.roomEvent(),
		Quality:   tier,
	}, nil)
}
