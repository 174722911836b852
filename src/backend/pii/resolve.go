package pii

import (
	"sort"

	"github.com/hannes/piibridge/src/backend/pii/detectors"
)

// candidate is a span awaiting resolution together with the registration
// index of the recognizer that produced it.
type candidate struct {
	span  detectors.Span
	order int
}

// resolveOverlaps sweeps the candidates by start position and keeps one
// winner per overlapping run. Each candidate is compared with the last
// accepted span only.
func resolveOverlaps(cands []candidate) []detectors.Span {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.span.Start != b.span.Start {
			return a.span.Start < b.span.Start
		}
		if a.span.Score != b.span.Score {
			return a.span.Score > b.span.Score
		}
		return a.order < b.order
	})

	accepted := make([]candidate, 0, len(cands))
	for _, c := range cands {
		if len(accepted) == 0 {
			accepted = append(accepted, c)
			continue
		}
		last := &accepted[len(accepted)-1]
		if c.span.Start >= last.span.End {
			accepted = append(accepted, c)
			continue
		}
		if beats(c, *last) {
			*last = c
		}
	}

	spans := make([]detectors.Span, len(accepted))
	for i, c := range accepted {
		spans[i] = c.span
	}
	return spans
}

// beats reports whether challenger replaces incumbent. A strictly longer
// span that fully contains the other always wins; otherwise the higher
// score wins and ties go to the earlier registered recognizer.
func beats(challenger, incumbent candidate) bool {
	c, in := challenger.span, incumbent.span
	switch {
	case c.Len() > in.Len() && c.Contains(in):
		return true
	case in.Len() > c.Len() && in.Contains(c):
		return false
	case c.Score != in.Score:
		return c.Score > in.Score
	default:
		return challenger.order < incumbent.order
	}
}
