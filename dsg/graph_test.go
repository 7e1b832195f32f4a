package dsg

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
	"pgregory.net/rapid"

	"github.com/kwv/lcdmesh/geom"
)

func TestNodeSymbol_Label(t *testing.T) {
	tests := []struct {
		name string
		id   NodeId
		want string
	}{
		{"object", NewNodeSymbol('O', 12).ID(), "O12"},
		{"place", NewNodeSymbol('p', 0).ID(), "p0"},
		{"raw id", NodeId(42), "42"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.id.Label())
		})
	}
}

func TestNodeSymbol_RoundTrip(t *testing.T) {
	s := NewNodeSymbol('R', 7)
	assert.Equal(t, byte('R'), s.Key())
	assert.Equal(t, uint64(7), s.Index())
}

func TestNodeSet_DeduplicatesAndSorts(t *testing.T) {
	s := NewNodeSet(30, 10, 20, 10)
	assert.Equal(t, 3, s.Len())
	assert.Equal(t, []NodeId{10, 20, 30}, s.Slice())
	assert.True(t, s.Contains(20))
	assert.False(t, s.Contains(15))

	s.Remove(20)
	assert.Equal(t, []NodeId{10, 30}, s.Slice())
}

func TestNodeSet_ZeroValue(t *testing.T) {
	var s NodeSet
	assert.Equal(t, 0, s.Len())
	assert.Empty(t, s.Slice())
	s.Add(5)
	assert.Equal(t, 1, s.Len())
}

func TestNodeSet_JSON(t *testing.T) {
	s := NewNodeSet(3, 1, 2)
	data, err := s.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `[1,2,3]`, string(data))

	var empty NodeSet
	data, err = empty.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `[]`, string(data))

	var got NodeSet
	require.NoError(t, got.UnmarshalJSON([]byte(`[7,7,5]`)))
	assert.Equal(t, []NodeId{5, 7}, got.Slice())
}

func TestNodeSet_Properties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		raw := rapid.SliceOf(rapid.Uint64Range(0, 1000)).Draw(t, "ids")
		ids := make([]NodeId, len(raw))
		unique := make(map[NodeId]bool)
		for i, v := range raw {
			ids[i] = NodeId(v)
			unique[NodeId(v)] = true
		}

		s := NewNodeSet(ids...)
		if s.Len() != len(unique) {
			t.Fatalf("Len = %d, want %d", s.Len(), len(unique))
		}
		var prev NodeId
		first := true
		for id := range s.All() {
			if !unique[id] {
				t.Fatalf("unexpected id %d", id)
			}
			if !first && id <= prev {
				t.Fatalf("iteration not strictly ascending: %d after %d", id, prev)
			}
			prev, first = id, false
		}
	})
}

func TestNodeList_KeepsOrder(t *testing.T) {
	l := NodeList{3, 1, 2}
	var got []NodeId
	for id := range l.All() {
		got = append(got, id)
	}
	assert.Equal(t, []NodeId{3, 1, 2}, got)
	assert.Equal(t, 3, l.Len())
}

func TestSceneGraph_UpsertAndRemove(t *testing.T) {
	g := NewSceneGraph()
	require.NoError(t, g.UpsertNode(LayerObjects, 1, NodeAttributes{Position: r3.Vec{X: 1}, SemanticLabel: 4}))

	objects, ok := g.Layer(LayerObjects)
	require.True(t, ok)
	n, ok := objects.GetNode(1)
	require.True(t, ok)
	assert.Equal(t, uint8(4), n.Attributes.SemanticLabel)
	assert.Equal(t, r3.Vec{X: 1}, n.Attributes.Position)

	assert.True(t, g.RemoveNode(1))
	assert.False(t, g.RemoveNode(1))
	_, ok = objects.GetNode(1)
	assert.False(t, ok)
}

func TestSceneGraph_UnknownLayer(t *testing.T) {
	g := NewSceneGraph()
	err := g.UpsertNode(LayerId(99), 1, NodeAttributes{})
	assert.ErrorIs(t, err, ErrUnknownLayer)
}

func TestSceneGraph_MoveBetweenLayers(t *testing.T) {
	g := NewSceneGraph()
	require.NoError(t, g.UpsertNode(LayerObjects, 1, NodeAttributes{}))
	require.NoError(t, g.UpsertNode(LayerPlaces, 1, NodeAttributes{}))

	objects, _ := g.Layer(LayerObjects)
	places, _ := g.Layer(LayerPlaces)
	assert.Equal(t, 0, objects.NumNodes())
	assert.Equal(t, 1, places.NumNodes())
	assert.Equal(t, 1, g.NumNodes())
}

func TestSceneGraph_UpsertReplacesSnapshot(t *testing.T) {
	g := NewSceneGraph()
	require.NoError(t, g.UpsertNode(LayerObjects, 1, NodeAttributes{Position: r3.Vec{X: 1}}))
	before, _ := g.GetNode(1)

	require.NoError(t, g.UpsertNode(LayerObjects, 1, NodeAttributes{Position: r3.Vec{X: 2}}))
	after, _ := g.GetNode(1)

	assert.Equal(t, 1.0, before.Attributes.Position.X, "held node must not change")
	assert.Equal(t, 2.0, after.Attributes.Position.X)
}

func TestSceneGraph_AgentPose(t *testing.T) {
	g := NewSceneGraph()
	rot := geom.RotZDeg(90)
	require.NoError(t, g.UpsertNode(LayerAgents, 100, NodeAttributes{Position: r3.Vec{X: 1, Y: 2}, WorldRBody: &rot}))
	require.NoError(t, g.UpsertNode(LayerObjects, 1, NodeAttributes{}))

	pose, ok := g.AgentPose(100)
	require.True(t, ok)
	assert.True(t, pose.Equal(geom.NewPose3(rot, r3.Vec{X: 1, Y: 2}), 1e-12))

	_, ok = g.AgentPose(1)
	assert.False(t, ok, "object node is not an agent")
	_, ok = g.AgentPose(999)
	assert.False(t, ok)
}

func TestSceneGraph_ConcurrentReadersAndWriter(t *testing.T) {
	g := NewSceneGraph()
	for i := 0; i < 100; i++ {
		require.NoError(t, g.UpsertNode(LayerObjects, NodeId(i), NodeAttributes{}))
	}
	objects, _ := g.Layer(LayerObjects)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			g.RemoveNode(NodeId(i))
		}
	}()
	go func() {
		defer wg.Done()
		guard := g.ReadGuard()
		for i := 0; i < 100; i++ {
			guard.Lock()
			objects.GetNode(NodeId(i))
			guard.Unlock()
		}
	}()
	wg.Wait()
	assert.Equal(t, 0, g.NumNodes())
}

func TestSceneGraph_Apply(t *testing.T) {
	g := NewSceneGraph()
	require.NoError(t, g.Apply(GraphEvent{Op: OpUpsert, Node: Node{ID: 5, Layer: LayerRooms}}))
	assert.True(t, g.HasNode(5))
	require.NoError(t, g.Apply(GraphEvent{Op: OpRemove, Node: Node{ID: 5}}))
	assert.False(t, g.HasNode(5))
	assert.Error(t, g.Apply(GraphEvent{Op: "merge"}))
}

func TestSceneGraph_SaveLoad(t *testing.T) {
	g := NewSceneGraph()
	rot := geom.RotZDeg(45)
	require.NoError(t, g.UpsertNode(LayerObjects, NewNodeSymbol('O', 1).ID(), NodeAttributes{Position: r3.Vec{X: 1, Y: 2, Z: 3}, SemanticLabel: 7}))
	require.NoError(t, g.UpsertNode(LayerAgents, NewNodeSymbol('a', 1).ID(), NodeAttributes{WorldRBody: &rot}))

	path := filepath.Join(t.TempDir(), "sub", "graph.json")
	require.NoError(t, SaveSceneGraph(path, g))

	loaded, err := LoadSceneGraph(path)
	require.NoError(t, err)
	assert.Equal(t, map[LayerId]int{LayerObjects: 1, LayerPlaces: 0, LayerRooms: 0, LayerBuildings: 0, LayerAgents: 1}, loaded.LayerSizes())

	n, ok := loaded.GetNode(NewNodeSymbol('O', 1).ID())
	require.True(t, ok)
	assert.Equal(t, uint8(7), n.Attributes.SemanticLabel)
	assert.Equal(t, 3.0, n.Attributes.Position.Z)

	pose, ok := loaded.AgentPose(NewNodeSymbol('a', 1).ID())
	require.True(t, ok)
	assert.True(t, pose.R == rot)
}

func TestLoadSceneGraph_Missing(t *testing.T) {
	_, err := LoadSceneGraph(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
