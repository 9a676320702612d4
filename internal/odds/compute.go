// Package odds converts live race telemetry into a probability pair and
// manages per-market tick publication and market lock.
package odds

import "math"

// Telemetry is one snapshot of race state for both sides. Distances and
// speeds are in game units; Elapsed and Duration in seconds.
type Telemetry struct {
	DistanceA float64
	DistanceB float64
	SpeedA    float64
	SpeedB    float64
	Elapsed   float64
	Duration  float64
}

// Pair is a probability pair in basis points. ABps+BBps == 10000 always:
// B is derived by subtraction so the stored values carry no float drift.
type Pair struct {
	ABps int
	BBps int
}

// Weighting bounds for the distance term. Early in the race instantaneous
// speed says more about the outcome than distance covered; the balance
// shifts toward distance as the race progresses.
const (
	distWeightStart = 0.6
	distWeightEnd   = 0.9

	minProbBps = 500
	maxProbBps = 9500
)

// Compute derives win probabilities from telemetry. Deterministic pure
// function: identical input yields identical output.
func Compute(t Telemetry) Pair {
	totalDist := t.DistanceA + t.DistanceB
	if totalDist == 0 {
		return Pair{ABps: 5000, BBps: 5000}
	}

	timeProgress := 0.0
	if t.Duration > 0 {
		timeProgress = math.Min(t.Elapsed/t.Duration, 1)
	}

	distRatio := t.DistanceA / totalDist

	speedRatio := 0.5
	if totalSpeed := t.SpeedA + t.SpeedB; totalSpeed > 0 {
		speedRatio = t.SpeedA / totalSpeed
	}

	distWeight := distWeightStart + (distWeightEnd-distWeightStart)*timeProgress
	speedWeight := 1 - distWeight

	rawProbA := distRatio*distWeight + speedRatio*speedWeight
	clamped := math.Min(math.Max(rawProbA, 0.05), 0.95)

	aBps := int(math.Round(clamped * 10000))
	return Pair{ABps: aBps, BBps: 10000 - aBps}
}
