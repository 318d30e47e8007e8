package llm

import "strings"

// stopGuard cuts generated text at the first stop sequence, including
// sequences that straddle fragment boundaries. Text that could be the start
// of a stop sequence is held back until the next fragment decides it.
type stopGuard struct {
	stops   []string
	longest int
	pending string
}

func newStopGuard(stops []string) *stopGuard {
	g := &stopGuard{}
	for _, s := range stops {
		if s == "" {
			continue
		}
		g.stops = append(g.stops, s)
		if len(s) > g.longest {
			g.longest = len(s)
		}
	}
	return g
}

// push feeds one fragment. It returns the text that is safe to emit and
// whether a stop sequence was reached; after a hit nothing more may be emitted.
func (g *stopGuard) push(frag string) (string, bool) {
	buf := g.pending + frag
	g.pending = ""

	if idx := g.firstStop(buf); idx >= 0 {
		return buf[:idx], true
	}

	hold := g.partialSuffix(buf)
	g.pending = buf[len(buf)-hold:]
	return buf[:len(buf)-hold], false
}

// flush releases held-back text once generation has ended without a stop.
func (g *stopGuard) flush() string {
	out := g.pending
	g.pending = ""
	return out
}

func (g *stopGuard) firstStop(buf string) int {
	first := -1
	for _, s := range g.stops {
		if idx := strings.Index(buf, s); idx >= 0 && (first < 0 || idx < first) {
			first = idx
		}
	}
	return first
}

// partialSuffix returns the length of the longest suffix of buf that is a
// proper prefix of some stop sequence.
func (g *stopGuard) partialSuffix(buf string) int {
	maxLen := min(len(buf), g.longest-1)
	for k := maxLen; k > 0; k-- {
		suffix := buf[len(buf)-k:]
		for _, s := range g.stops {
			if strings.HasPrefix(s, suffix) {
				return k
			}
		}
	}
	return 0
}
