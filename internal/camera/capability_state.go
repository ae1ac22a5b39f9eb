package camera

import (
	"time"
)

const (
	// confirmationThreshold is the number of consecutive consistent probes
	// required before a capability is promoted to confirmed.
	confirmationThreshold = 2
	// stabilityThreshold is the detection count an element needs before it
	// joins the stable set of a frequency-merged capability.
	stabilityThreshold = 3
	// historyLimit bounds the per-device validation history ring.
	historyLimit = 10

	minConsistency     = 0.7
	minorVarianceLimit = 0.2
)

// ProbeOutcome is one entry in a device's bounded validation history.
type ProbeOutcome struct {
	Timestamp time.Time `json:"timestamp"`
	Detected  bool      `json:"detected"`
	ErrorCode string    `json:"error_code,omitempty"`
	Action    string    `json:"action"` // confirmed | advanced | variance | reset | failure
}

// CapabilityState is the per-device validation state machine. All access is
// serialized through the monitor's state mutex.
type CapabilityState struct {
	Provisional *CapabilityProbe `json:"provisional,omitempty"`
	Confirmed   *CapabilityProbe `json:"confirmed,omitempty"`

	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	LastProbeTime        time.Time `json:"last_probe_time"`

	History []ProbeOutcome `json:"history"`

	FormatFrequency     map[string]int `json:"format_frequency"`
	ResolutionFrequency map[string]int `json:"resolution_frequency"`
	RateFrequency       map[string]int `json:"rate_frequency"`
}

// NewCapabilityState creates the state for a device's first successful
// probe.
func NewCapabilityState() *CapabilityState {
	return &CapabilityState{
		FormatFrequency:     make(map[string]int),
		ResolutionFrequency: make(map[string]int),
		RateFrequency:       make(map[string]int),
	}
}

// Effective returns confirmed capability when present, provisional
// otherwise.
func (s *CapabilityState) Effective() *CapabilityProbe {
	if s.Confirmed != nil {
		return s.Confirmed
	}
	return s.Provisional
}

// IsConfirmed reports whether the capability met the repeat-consistency
// threshold.
func (s *CapabilityState) IsConfirmed() bool { return s.Confirmed != nil }

// RecordFailure notes a failed probe. Returns the consecutive failure
// count so the caller can log persistent failure.
func (s *CapabilityState) RecordFailure(probe *CapabilityProbe) int {
	s.ConsecutiveFailures++
	s.LastProbeTime = probe.ProbedAt
	s.pushHistory(ProbeOutcome{
		Timestamp: probe.ProbedAt,
		Detected:  false,
		ErrorCode: probe.Diagnostics.ErrorCode,
		Action:    "failure",
	})
	return s.ConsecutiveFailures
}

// RecordSuccess runs the validation state machine for one successful
// probe: frequency update, merge, consistency check, promotion or variance
// handling. Returns the history action taken.
func (s *CapabilityState) RecordSuccess(probe *CapabilityProbe) string {
	s.updateFrequencies(probe)
	s.LastProbeTime = probe.ProbedAt

	merged := s.mergedCapability(probe)

	action := "advanced"
	if s.Provisional == nil || s.isConsistent(probe) {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.Provisional = probe
		if s.ConsecutiveSuccesses >= confirmationThreshold {
			s.Confirmed = merged
			action = "confirmed"
		}
	} else {
		variance := s.varianceScore(probe)
		if variance < minorVarianceLimit {
			// Minor drift; keep advancing on the merged view.
			s.ConsecutiveSuccesses++
			s.ConsecutiveFailures = 0
			s.Provisional = probe
			if s.ConsecutiveSuccesses >= confirmationThreshold {
				s.Confirmed = merged
				action = "confirmed"
			} else {
				action = "variance"
			}
		} else {
			// Major change: restart validation, keep the frequency maps.
			s.ConsecutiveSuccesses = 0
			s.ConsecutiveFailures = 0
			s.Confirmed = nil
			s.Provisional = probe
			action = "reset"
		}
	}

	s.pushHistory(ProbeOutcome{
		Timestamp: probe.ProbedAt,
		Detected:  true,
		Action:    action,
	})
	return action
}

func (s *CapabilityState) pushHistory(o ProbeOutcome) {
	s.History = append(s.History, o)
	if len(s.History) > historyLimit {
		s.History = s.History[len(s.History)-historyLimit:]
	}
}

// updateFrequencies counts every element of a successful probe. The maps
// only ever grow.
func (s *CapabilityState) updateFrequencies(probe *CapabilityProbe) {
	for _, f := range probe.Formats {
		s.FormatFrequency[f.Code]++
	}
	for _, r := range probe.Resolutions {
		s.ResolutionFrequency[r]++
	}
	for _, r := range probe.FrameRates {
		s.RateFrequency[r]++
	}
}

// mergedCapability builds the frequency-merged view: stable elements
// first, then recent elements already seen at least once before.
func (s *CapabilityState) mergedCapability(probe *CapabilityProbe) *CapabilityProbe {
	merged := &CapabilityProbe{
		DevicePath:  probe.DevicePath,
		Detected:    true,
		Accessible:  probe.Accessible,
		DeviceName:  probe.DeviceName,
		Driver:      probe.Driver,
		ProbedAt:    probe.ProbedAt,
		Diagnostics: probe.Diagnostics,
	}

	formatDesc := make(map[string]string, len(probe.Formats))
	var formatCodes []string
	for _, f := range probe.Formats {
		formatDesc[f.Code] = f.Description
		formatCodes = append(formatCodes, f.Code)
	}
	for _, code := range mergeDimension(s.FormatFrequency, formatCodes) {
		merged.Formats = append(merged.Formats, PixelFormat{Code: code, Description: formatDesc[code]})
	}
	merged.Resolutions = mergeDimension(s.ResolutionFrequency, probe.Resolutions)
	merged.FrameRates = mergeDimension(s.RateFrequency, probe.FrameRates)
	return merged
}

// mergeDimension returns stable elements (frequency >= threshold) followed
// by recent elements seen before but not yet stable.
func mergeDimension(freq map[string]int, recent []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, el := range recent {
		if freq[el] >= stabilityThreshold {
			out = append(out, el)
			seen[el] = true
		}
	}
	for el, n := range freq {
		if n >= stabilityThreshold && !seen[el] {
			out = append(out, el)
			seen[el] = true
		}
	}
	for _, el := range recent {
		if !seen[el] && freq[el] > 1 {
			out = append(out, el)
			seen[el] = true
		}
	}
	return out
}

// isConsistent checks that, per dimension, at least minConsistency of the
// stable set appears in the current probe. Empty stable sets pass.
func (s *CapabilityState) isConsistent(probe *CapabilityProbe) bool {
	var codes []string
	for _, f := range probe.Formats {
		codes = append(codes, f.Code)
	}
	return dimensionConsistent(s.FormatFrequency, codes) &&
		dimensionConsistent(s.ResolutionFrequency, probe.Resolutions) &&
		dimensionConsistent(s.RateFrequency, probe.FrameRates)
}

func dimensionConsistent(freq map[string]int, current []string) bool {
	var stable []string
	for el, n := range freq {
		if n >= stabilityThreshold {
			stable = append(stable, el)
		}
	}
	if len(stable) == 0 {
		return true
	}
	cur := make(map[string]bool, len(current))
	for _, el := range current {
		cur[el] = true
	}
	hits := 0
	for _, el := range stable {
		if cur[el] {
			hits++
		}
	}
	return float64(hits)/float64(len(stable)) >= minConsistency
}

// varianceScore weights Jaccard distance per dimension between the
// previous provisional capability and the current probe.
func (s *CapabilityState) varianceScore(probe *CapabilityProbe) float64 {
	prev := s.Provisional
	if prev == nil {
		return 0
	}
	prevCodes := make([]string, 0, len(prev.Formats))
	for _, f := range prev.Formats {
		prevCodes = append(prevCodes, f.Code)
	}
	curCodes := make([]string, 0, len(probe.Formats))
	for _, f := range probe.Formats {
		curCodes = append(curCodes, f.Code)
	}
	return 0.2*jaccardDistance(prevCodes, curCodes) +
		0.4*jaccardDistance(prev.Resolutions, probe.Resolutions) +
		0.4*jaccardDistance(prev.FrameRates, probe.FrameRates)
}

func jaccardDistance(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	setA := make(map[string]bool, len(a))
	for _, el := range a {
		setA[el] = true
	}
	inter := 0
	union := len(setA)
	for _, el := range b {
		if setA[el] {
			inter++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return 1 - float64(inter)/float64(union)
}
