package stat

// SlidingMedian is a bounded-window order statistic holding at most N
// samples (§4.3). It keeps a sorted backing array of capacity 2*N and a
// logical occupied window [from, to), inserting new samples via binary
// search and evicting from the opposite side once the window is full.
// Insertion order is not tracked, so the evicted sample is the extreme
// value of that side, not necessarily the oldest one.
type SlidingMedian struct {
	buf        []int64
	from, to   int
	windowSize int
}

// NewSlidingMedian returns a SlidingMedian holding at most windowSize
// samples (window default 64 per §3 "WeightedSocket state").
func NewSlidingMedian(windowSize int) *SlidingMedian {
	if windowSize <= 0 {
		windowSize = 64
	}
	cap := 2 * windowSize
	mid := cap / 2
	return &SlidingMedian{
		buf:        make([]int64, cap),
		from:       mid,
		to:         mid,
		windowSize: windowSize,
	}
}

// Len returns the number of samples currently held.
func (m *SlidingMedian) Len() int { return m.to - m.from }

// Estimate returns the median of the current window, or 0 when empty.
func (m *SlidingMedian) Estimate() int64 {
	if m.to == m.from {
		return 0
	}
	return m.buf[(m.from+m.to)/2]
}

// Insert adds a new sample. Once the window is full it first evicts one
// sample from the opposite side of the sorted window: the largest value
// when v goes into the left half, the smallest when v goes into the right.
func (m *SlidingMedian) Insert(v int64) {
	full := m.Len() == m.windowSize

	// Binary search against the midpoint to decide which half to extend:
	// values less than the middle element shift the left boundary left,
	// values greater than or equal shift the right boundary right. This is
	// the later, binary-search-based variant the spec prefers over an
	// off-by-one linear-shift alternative (§4.3, §9 Open Questions).
	if m.Len() == 0 {
		m.buf[m.from] = v
		m.to++
		return
	}

	mid := (m.from + m.to) / 2
	insertLeft := v < m.buf[mid]

	if insertLeft {
		m.insertLeftHalf(v, full)
	} else {
		m.insertRightHalf(v, full)
	}
}

func (m *SlidingMedian) insertLeftHalf(v int64, full bool) {
	if m.from == 0 {
		m.compact()
	}
	if full {
		// Window full: evict the largest sample, from the opposite (right)
		// side.
		m.to--
	}
	pos := m.searchInsertPos(m.from, m.to, v)
	copy(m.buf[m.from-1:pos-1], m.buf[m.from:pos])
	m.buf[pos-1] = v
	m.from--
}

func (m *SlidingMedian) insertRightHalf(v int64, full bool) {
	if m.to == len(m.buf) {
		m.compact()
	}
	if full {
		m.from++
	}
	pos := m.searchInsertPos(m.from, m.to, v)
	copy(m.buf[pos+1:m.to+1], m.buf[pos:m.to])
	m.buf[pos] = v
	m.to++
}

// searchInsertPos returns the first index in buf[lo:hi] whose value is >= v.
func (m *SlidingMedian) searchInsertPos(lo, hi int, v int64) int {
	for lo < hi {
		mid := (lo + hi) / 2
		if m.buf[mid] < v {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// compact re-centers the occupied window within the backing array when a
// half has run out of slack on its side.
func (m *SlidingMedian) compact() {
	n := m.Len()
	newFrom := (len(m.buf) - n) / 2
	if newFrom == m.from {
		return
	}
	copy(m.buf[newFrom:newFrom+n], m.buf[m.from:m.to])
	m.from = newFrom
	m.to = newFrom + n
}
