package dsg

import (
	"encoding/json"
	"iter"
	"slices"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
)

// NodeSet is a duplicate-free set of node ids backed by a roaring bitmap.
// Iteration is in ascending id order, so correspondence order is
// deterministic for a fixed graph snapshot.
//
// The zero value is an empty set; Add initializes it lazily.
type NodeSet struct {
	bm *roaring64.Bitmap
}

// NewNodeSet creates a set holding the given ids
func NewNodeSet(ids ...NodeId) NodeSet {
	s := NodeSet{bm: roaring64.New()}
	for _, id := range ids {
		s.bm.Add(uint64(id))
	}
	return s
}

// Add inserts an id; duplicates are ignored
func (s *NodeSet) Add(id NodeId) {
	if s.bm == nil {
		s.bm = roaring64.New()
	}
	s.bm.Add(uint64(id))
}

// Remove deletes an id if present
func (s *NodeSet) Remove(id NodeId) {
	if s.bm != nil {
		s.bm.Remove(uint64(id))
	}
}

// Contains reports whether id is in the set
func (s NodeSet) Contains(id NodeId) bool {
	return s.bm != nil && s.bm.Contains(uint64(id))
}

// Len returns the number of ids
func (s NodeSet) Len() int {
	if s.bm == nil {
		return 0
	}
	return int(s.bm.GetCardinality())
}

// All iterates the ids in ascending order
func (s NodeSet) All() iter.Seq[NodeId] {
	return func(yield func(NodeId) bool) {
		if s.bm == nil {
			return
		}
		it := s.bm.Iterator()
		for it.HasNext() {
			if !yield(NodeId(it.Next())) {
				return
			}
		}
	}
}

// Slice returns the ids in ascending order
func (s NodeSet) Slice() []NodeId {
	return slices.Collect(s.All())
}

// MarshalJSON encodes the set as an array of ids
func (s NodeSet) MarshalJSON() ([]byte, error) {
	ids := s.Slice()
	if ids == nil {
		ids = []NodeId{}
	}
	return json.Marshal(ids)
}

// UnmarshalJSON decodes an array of ids; duplicates collapse
func (s *NodeSet) UnmarshalJSON(data []byte) error {
	var ids []NodeId
	if err := json.Unmarshal(data, &ids); err != nil {
		return err
	}
	*s = NewNodeSet(ids...)
	return nil
}

// NodeList is an ordered id collection. Unlike NodeSet it keeps caller order;
// the caller guarantees it holds no duplicates.
type NodeList []NodeId

// Len returns the number of ids
func (l NodeList) Len() int { return len(l) }

// All iterates the ids in list order
func (l NodeList) All() iter.Seq[NodeId] {
	return slices.Values(l)
}
