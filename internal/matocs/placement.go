package matocs

import (
	"sort"
)

// PlacementEntry is one server considered for new-chunk placement,
// carrying the per-server state the weighted round-robin sort needs
// (spec §4.6, §9 design notes).
type PlacementEntry struct {
	Session          *Session
	ExpectedDistance float64 // total_capacity / server_capacity, recomputed periodically
	ActualDistance   float64 // ticks since last selection ("dist")
}

// SelectWriteTargets implements spec §4.6's write-placement rule for n
// new chunks: gather standard candidates (not overloaded, not in
// maintenance, not HSRebalance, with enough free space given their
// current writecounter); admit the Graceful/LSRebalance grace pool too
// only when there is at least one standard candidate and grace servers
// make up more than 20% of standard plus grace; then order everyone by
// expected_distance - actual_distance - 1000*(writecounter + wrepcounter/8)
// (spec §9) and take the first n.
func (m *Manager) SelectWriteTargets(entries []PlacementEntry, n int) []*Session {
	now := m.Now()

	var standard, grace []PlacementEntry
	for _, e := range entries {
		if e.Session.State != StateRegistered {
			continue
		}
		wc := m.Ledger.Stats(e.Session.CSID).WriteCounter
		if e.Session.InGrace() {
			grace = append(grace, e)
			continue
		}
		if e.Session.IsStandard(wc, now, m.Thresholds.HeavyLoadGracePeriod) {
			standard = append(standard, e)
		}
	}

	pool := standard
	if len(standard) > 0 && float64(len(grace))/float64(len(standard)+len(grace)) > 0.20 {
		pool = append(pool, grace...)
	}

	sort.Slice(pool, func(i, j int) bool {
		return score(m, pool[i]) > score(m, pool[j])
	})

	if n > len(pool) {
		n = len(pool)
	}
	out := make([]*Session, 0, n)
	for _, e := range pool[:n] {
		out = append(out, e.Session)
	}
	return out
}

// score computes expected_distance - actual_distance -
// 1000*(writecounter + wrepcounter/8) (spec §9); higher scores sort
// first, so fewer pending writes and replication writes, and a smaller
// actual distance, put a server earlier.
func score(m *Manager, e PlacementEntry) float64 {
	wc := m.Ledger.Stats(e.Session.CSID).WriteCounter
	wrep := m.Ledger.Stats(e.Session.CSID).WRepCounter
	return e.ExpectedDistance - e.ActualDistance - 1000*(float64(wc)+float64(wrep)/8.0)
}
