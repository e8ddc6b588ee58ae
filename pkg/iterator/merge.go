package iterator

import (
	"errors"

	"lsmkv/pkg/types"
)

// MergingIterator merges several internal iterators with a loser tree. It yields
// every version of every key, ordered by key ascending then sequence descending.
//
// The tree is laid out so that nodes N and N+1 have parent N/2. The M leaves
// live in positions M..2M-1, the M-1 internal nodes in 1..M-1 hold the loser of
// their game, and node 0 holds the overall winner.
type MergingIterator struct {
	iters []InternalIterator
	nodes []int
}

func NewMerging(iters ...InternalIterator) *MergingIterator {
	return &MergingIterator{
		iters: iters,
		nodes: make([]int, len(iters)*2),
	}
}

func (m *MergingIterator) First() {
	for _, it := range m.iters {
		it.First()
	}
	m.initialize()
}

func (m *MergingIterator) Seek(target types.Key) {
	for _, it := range m.iters {
		it.Seek(target)
	}
	m.initialize()
}

func (m *MergingIterator) Next() {
	if !m.Valid() {
		return
	}
	winner := m.nodes[0]
	m.leaf(winner).Next()
	m.replayGames(winner)
}

func (m *MergingIterator) Valid() bool {
	if len(m.iters) == 0 {
		return false
	}
	return m.leaf(m.nodes[0]).Valid()
}

func (m *MergingIterator) Key() types.Key { return m.current().Key() }

func (m *MergingIterator) Value() types.Value { return m.current().Value() }

func (m *MergingIterator) Record() types.Record { return m.current().Record() }

func (m *MergingIterator) Err() error {
	for _, it := range m.iters {
		if err := it.Err(); err != nil {
			return err
		}
	}
	return nil
}

func (m *MergingIterator) Close() error {
	var errs []error
	for _, it := range m.iters {
		errs = append(errs, it.Close())
	}
	m.iters = nil
	m.nodes = nil
	return errors.Join(errs...)
}

func (m *MergingIterator) current() InternalIterator {
	return m.leaf(m.nodes[0])
}

func (m *MergingIterator) leaf(pos int) InternalIterator {
	return m.iters[pos-len(m.iters)]
}

// beats reports whether leaf a wins against leaf b. Exhausted leaves always
// lose; on equal records the lower input index wins.
func (m *MergingIterator) beats(a, b int) bool {
	ia, ib := m.leaf(a), m.leaf(b)
	switch {
	case !ia.Valid():
		return false
	case !ib.Valid():
		return true
	}
	ra, rb := ia.Record(), ib.Record()
	if less(ra, rb) {
		return true
	}
	if less(rb, ra) {
		return false
	}
	return a < b
}

func (m *MergingIterator) initialize() {
	if len(m.iters) == 0 {
		return
	}
	m.nodes[0] = m.playGame(1)
}

// playGame returns the winner below pos and stores the losers on the way.
func (m *MergingIterator) playGame(pos int) int {
	if pos >= len(m.nodes)/2 {
		return pos
	}
	left := m.playGame(pos * 2)
	right := m.playGame(pos*2 + 1)
	if m.beats(left, right) {
		m.nodes[pos] = right
		return left
	}
	m.nodes[pos] = left
	return right
}

// replayGames re-runs the games from leaf pos up to the root.
func (m *MergingIterator) replayGames(pos int) {
	winner := pos
	for n := pos >> 1; n != 0; n >>= 1 {
		if m.beats(m.nodes[n], winner) {
			m.nodes[n], winner = winner, m.nodes[n]
		}
	}
	m.nodes[0] = winner
}
