package osmstore

// WaySet is an open-addressing hash set of way ids with linear probing.
// Ids are positive (OSM convention), so the zero key marks an empty slot.
//
// Built under pass 1's single indexer, read-only in pass 2; no locking.
type WaySet struct {
	keys []int64
	len  int
}

const minWaySetCap = 16

// NewWaySet returns a set pre-sized for roughly n elements.
func NewWaySet(n int) *WaySet {
	capacity := minWaySetCap
	for capacity*3 < n*4 {
		capacity *= 2
	}
	return &WaySet{keys: make([]int64, capacity)}
}

// Add inserts id into the set. Non-positive ids are ignored.
func (s *WaySet) Add(id int64) {
	if id <= 0 {
		return
	}
	if (s.len+1)*4 > len(s.keys)*3 {
		s.grow()
	}
	if s.insert(id) {
		s.len++
	}
}

// Contains reports whether id is in the set.
func (s *WaySet) Contains(id int64) bool {
	if id <= 0 {
		return false
	}
	mask := len(s.keys) - 1
	for i := hashID(id) & mask; ; i = (i + 1) & mask {
		switch s.keys[i] {
		case id:
			return true
		case 0:
			return false
		}
	}
}

// Len returns the number of elements.
func (s *WaySet) Len() int {
	return s.len
}

func (s *WaySet) insert(id int64) bool {
	mask := len(s.keys) - 1
	for i := hashID(id) & mask; ; i = (i + 1) & mask {
		switch s.keys[i] {
		case id:
			return false
		case 0:
			s.keys[i] = id
			return true
		}
	}
}

func (s *WaySet) grow() {
	old := s.keys
	s.keys = make([]int64, len(old)*2)
	for _, id := range old {
		if id != 0 {
			s.insert(id)
		}
	}
}

// hashID is a 64-bit finalizer (splitmix64) truncated to a table index.
func hashID(id int64) int {
	x := uint64(id)
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return int(x & 0x7fffffffffffffff)
}
