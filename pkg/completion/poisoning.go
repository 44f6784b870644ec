package completion

// Context-poisoning scoring. With only hashes and lengths on record the
// detectors look for shape anomalies in a chain: repeated content,
// short cycles, runaway growth, collapsing outputs, erratic swings.
// Each detector returns a signal in [0,1]; the clamped weighted sum is
// compared against the configured threshold.

var poisoningWeights = map[string]float64{
	"recursive_self_reference": 0.40,
	"circular_reasoning":       0.35,
	"infinite_elaboration":     0.20,
	"hallucination_cascade":    0.20,
	"coherence_degradation":    0.15,
	"topic_drift":              0.10,
}

// poisoningScore scores a chain given newest-first, the candidate
// record at index 0. Chains shorter than three records score zero: two
// points cannot establish a pattern.
func poisoningScore(chain []*CompletionRecord) (float64, map[string]float64) {
	signals := map[string]float64{
		"recursive_self_reference": detectSelfReference(chain),
		"circular_reasoning":       detectCircularReasoning(chain),
		"infinite_elaboration":     detectElaboration(chain),
		"hallucination_cascade":    detectCascade(chain),
		"coherence_degradation":    detectDegradation(chain),
		"topic_drift":              detectDrift(chain),
	}
	var score float64
	for name, v := range signals {
		score += poisoningWeights[name] * v
	}
	if score > 1 {
		score = 1
	}
	return score, signals
}

// detectSelfReference measures content reuse: the fraction of records
// whose hash already occurred elsewhere in the chain.
func detectSelfReference(chain []*CompletionRecord) float64 {
	if len(chain) < 3 {
		return 0
	}
	seen := make(map[string]bool, len(chain))
	for _, rec := range chain {
		seen[rec.ContentHash] = true
	}
	repeats := len(chain) - len(seen)
	return float64(repeats) / float64(len(chain)-1)
}

// detectCircularReasoning measures short cycles: records whose hash
// recurs two to four steps later in the chain.
func detectCircularReasoning(chain []*CompletionRecord) float64 {
	if len(chain) < 3 {
		return 0
	}
	hits := 0
	for i := range chain {
		for lag := 2; lag <= 4; lag++ {
			if i+lag >= len(chain) {
				break
			}
			if chain[i].ContentHash == chain[i+lag].ContentHash {
				hits++
				break
			}
		}
	}
	return float64(hits) / float64(len(chain)-2)
}

// detectElaboration measures monotonic growth: the longest run of
// consecutive steps where each response outgrew its parent.
func detectElaboration(chain []*CompletionRecord) float64 {
	if len(chain) < 3 {
		return 0
	}
	longest, run := 0, 0
	for i := 0; i+1 < len(chain); i++ {
		if chain[i].ContentLength > chain[i+1].ContentLength {
			run++
			if run > longest {
				longest = run
			}
		} else {
			run = 0
		}
	}
	return float64(longest) / float64(len(chain)-1)
}

// detectCascade measures aggressive growth: steps where content grew
// by half or more over the previous record.
func detectCascade(chain []*CompletionRecord) float64 {
	return stepFraction(chain, func(newer, older int) bool {
		return older > 0 && float64(newer) >= 1.5*float64(older)
	})
}

// detectDegradation measures collapse: steps where content shrank to
// half or less of the previous record.
func detectDegradation(chain []*CompletionRecord) float64 {
	return stepFraction(chain, func(newer, older int) bool {
		return older > 0 && float64(newer) <= 0.5*float64(older)
	})
}

// detectDrift measures erratic swings: steps where content size jumped
// by more than 3x in either direction.
func detectDrift(chain []*CompletionRecord) float64 {
	return stepFraction(chain, func(newer, older int) bool {
		if newer == 0 || older == 0 {
			return false
		}
		ratio := float64(newer) / float64(older)
		return ratio > 3 || ratio < 1.0/3
	})
}

// stepFraction reports the fraction of adjacent (newer, older) pairs
// satisfying pred.
func stepFraction(chain []*CompletionRecord, pred func(newer, older int) bool) float64 {
	if len(chain) < 3 {
		return 0
	}
	hits := 0
	for i := 0; i+1 < len(chain); i++ {
		if pred(chain[i].ContentLength, chain[i+1].ContentLength) {
			hits++
		}
	}
	return float64(hits) / float64(len(chain)-1)
}
