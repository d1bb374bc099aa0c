package fingerprint

import (
	"strings"

	"github.com/agnivade/levenshtein"
	"github.com/squirrelops/homesensor/pkg/models"
)

// Threshold constants from spec.
const (
	AutoApproveThreshold = 0.75
	VerifyThreshold      = 0.20
	verifyCapConfidence  = 0.50 // cap for a single strong match, MAC or not
	mdnsSimilarityCutoff = 0.85
	jaccardCutoff        = 0.70
)

// Candidate is the fingerprint under test plus the raw sets needed for
// Jaccard similarity when a hash comparison misses (set hashes are
// order-independent but two sets that differ by one element hash
// completely differently, so the raw sets are carried alongside).
type Candidate struct {
	Fingerprint models.CompositeFingerprint
	OpenPorts   []int
	Connections []string
}

// Known is one candidate the matcher scores against: a device id paired
// with its latest fingerprint and the raw sets backing that fingerprint's
// hashes.
type Known struct {
	DeviceID    string
	Fingerprint models.CompositeFingerprint
	OpenPorts   []int
	Connections []string
}

// MatchResult is the matcher's verdict for one candidate fingerprint.
type MatchResult struct {
	DeviceID   string
	Confidence float64
}

// Match scores a candidate fingerprint against all known devices and
// returns the single best match, or a zero-value result if nothing clears
// VerifyThreshold.
func Match(candidate Candidate, known []Known) MatchResult {
	if candidate.Fingerprint.SignalCount == 0 || len(known) == 0 {
		return MatchResult{}
	}

	// MAC fast path: an exact MAC match selects that device immediately.
	// MAC counts as one strong signal and the other signals are scored on
	// top of it, so MAC alone yields the 0.50 cap and MAC plus one more
	// agreeing signal reaches AutoApproveThreshold.
	cmac := candidate.Fingerprint.MAC
	if cmac != "" {
		for _, k := range known {
			if k.Fingerprint.MAC != "" && strings.EqualFold(k.Fingerprint.MAC, cmac) {
				strong, weakSum := scoreNonMAC(candidate, k)
				return MatchResult{DeviceID: k.DeviceID, Confidence: confidenceFor(strong+1, weakSum)}
			}
		}
	}

	best := MatchResult{}
	bestStrong := -1
	bestWeakSum := -1.0

	for _, k := range known {
		strong, weakSum := scoreAll(candidate, k)
		if strong == 0 {
			continue
		}
		conf := confidenceFor(strong, weakSum)
		if strong > bestStrong || (strong == bestStrong && weakSum > bestWeakSum) {
			bestStrong = strong
			bestWeakSum = weakSum
			best = MatchResult{DeviceID: k.DeviceID, Confidence: conf}
		}
	}

	if best.Confidence < VerifyThreshold {
		return MatchResult{}
	}
	return best
}

// scoreAll counts strong signal matches across every signal including MAC.
func scoreAll(candidate Candidate, k Known) (strong int, weakSum float64) {
	cf, kf := candidate.Fingerprint, k.Fingerprint

	if cf.MAC != "" && kf.MAC != "" && strings.EqualFold(cf.MAC, kf.MAC) {
		strong++
	}

	s, w := scoreNonMAC(candidate, k)
	return strong + s, weakSum + w
}

// scoreNonMAC counts strong matches on every signal except MAC, which the
// caller handles separately (the fast path has already confirmed it, or
// scoreAll folds it in itself).
func scoreNonMAC(candidate Candidate, k Known) (strong int, weakSum float64) {
	cf, kf := candidate.Fingerprint, k.Fingerprint

	if cf.MDNSHostname != "" && kf.MDNSHostname != "" {
		sim := mdnsSimilarity(cf.MDNSHostname, kf.MDNSHostname)
		if sim >= mdnsSimilarityCutoff {
			strong++
		} else {
			weakSum += sim
		}
	}

	if cf.DHCPFingerprintHash != "" && kf.DHCPFingerprintHash != "" {
		if cf.DHCPFingerprintHash == kf.DHCPFingerprintHash {
			strong++
		}
	}

	if cf.OpenPortsHash != "" && kf.OpenPortsHash != "" {
		if cf.OpenPortsHash == kf.OpenPortsHash {
			strong++
		} else if j := jaccardInts(candidate.OpenPorts, k.OpenPorts); j >= jaccardCutoff {
			strong++
		} else {
			weakSum += j
		}
	}

	if cf.ConnectionPatternHash != "" && kf.ConnectionPatternHash != "" {
		if cf.ConnectionPatternHash == kf.ConnectionPatternHash {
			strong++
		} else if j := jaccardStrings(candidate.Connections, k.Connections); j >= jaccardCutoff {
			strong++
		} else {
			weakSum += j
		}
	}

	return strong, weakSum
}

// confidenceFor maps a strong-match count and weak-similarity tiebreaker
// to a confidence score per spec.md 4.1:
//
//	0 strong          -> 0.0 (no match)
//	1 strong (any)    -> capped at VerifyThreshold+epsilon (<=0.50)
//	>=2 strong        -> >= AutoApproveThreshold, increasing with count
func confidenceFor(strong int, weakSum float64) float64 {
	switch {
	case strong <= 0:
		return 0
	case strong == 1:
		return verifyCapConfidence
	default:
		// 0.75 base for 2 strong signals, +0.05 per additional strong
		// signal beyond 2, capped at 1.0. weakSum only distinguishes
		// ties upstream in Match and never changes the reported score.
		conf := AutoApproveThreshold + float64(strong-2)*0.05
		if conf > 1.0 {
			conf = 1.0
		}
		return conf
	}
}

// mdnsSimilarity returns normalized Levenshtein similarity in [0, 1]:
// 1 - distance/maxLen. Both inputs are expected already normalized via
// NormalizeMDNSHostname.
func mdnsSimilarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return 1.0
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1.0 - float64(dist)/float64(maxLen)
}

func jaccardInts(a, b []int) float64 {
	sa := make(map[int]struct{}, len(a))
	for _, v := range a {
		sa[v] = struct{}{}
	}
	sb := make(map[int]struct{}, len(b))
	for _, v := range b {
		sb[v] = struct{}{}
	}
	if len(sa) == 0 && len(sb) == 0 {
		return 1.0
	}
	inter := 0
	for v := range sa {
		if _, ok := sb[v]; ok {
			inter++
		}
	}
	union := len(sa) + len(sb) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func jaccardStrings(a, b []string) float64 {
	sa := make(map[string]struct{}, len(a))
	for _, v := range a {
		sa[v] = struct{}{}
	}
	sb := make(map[string]struct{}, len(b))
	for _, v := range b {
		sb[v] = struct{}{}
	}
	if len(sa) == 0 && len(sb) == 0 {
		return 1.0
	}
	inter := 0
	for v := range sa {
		if _, ok := sb[v]; ok {
			inter++
		}
	}
	union := len(sa) + len(sb) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
