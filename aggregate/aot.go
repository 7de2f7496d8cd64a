// Package aggregate merges the per-scene aerosol optical thickness estimated
// in stage 1 into a single value shared by every scene of the run.
package aggregate

import "github.com/getpup/stagecoord"

// DefaultAOT is used when no scene produced an AOT estimate.
const DefaultAOT = 0.05

// Func reduces the AOT of every record to a single value. It must not fail
// on absent input.
type Func func(jobs []stagecoord.JobRecord) float64

// MeanAOT returns the arithmetic mean of the present AOT values, or def when
// every value is absent.
func MeanAOT(def float64) Func {
	return func(jobs []stagecoord.JobRecord) float64 {
		var sum float64
		n := 0
		for _, j := range jobs {
			if j.AOT == nil {
				continue
			}
			sum += *j.AOT
			n++
		}
		if n == 0 {
			return def
		}
		return sum / float64(n)
	}
}

// Apply writes v into every record, including those whose value was absent.
func Apply(jobs []stagecoord.JobRecord, v float64) {
	for i := range jobs {
		val := v
		jobs[i].AOT = &val
	}
}

// HasImage reports whether any record carries an image AOT, which cannot be
// merged into a scalar.
func HasImage(jobs []stagecoord.JobRecord) bool {
	for _, j := range jobs {
		if j.AOTFromImage {
			return true
		}
	}
	return false
}
