// Package hierarchy implements the node-key -> point-count index, and
// its sharded JSON serialization.
package hierarchy

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/entwine-project/entwine/internal/key"
)

// Hierarchy is the in-memory map from a Dxyz node key to the number of
// points stored in that node (not cumulative over descendants).
type Hierarchy struct {
	mu sync.Mutex
	m  map[string]int64
}

// New returns an empty Hierarchy.
func New() *Hierarchy {
	return &Hierarchy{m: make(map[string]int64)}
}

// Get returns the count for k, or 0 if absent.
func (h *Hierarchy) Get(k string) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.m[k]
}

// Set overwrites the count for k.
func (h *Hierarchy) Set(k string, count int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.m[k] = count
}

// Add performs an atomic read-modify-write, used during subset merge.
func (h *Hierarchy) Add(k string, delta int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.m[k] += delta
}

// Has reports whether k has an entry (even a zero one is absent unless
// explicitly Set).
func (h *Hierarchy) Has(k string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.m[k]
	return ok
}

// Keys returns every known key, sorted, for deterministic iteration.
func (h *Hierarchy) Keys() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.m))
	for k := range h.m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Total sums every entry's count.
func (h *Hierarchy) Total() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	var total int64
	for _, v := range h.m {
		total += v
	}
	return total
}

// Snapshot returns a defensive copy of the full map, for tests and for
// callers that need to iterate without holding the lock.
func (h *Hierarchy) Snapshot() map[string]int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]int64, len(h.m))
	for k, v := range h.m {
		out[k] = v
	}
	return out
}

// node is an entry in the depth-first tree used to build shards.
type node struct {
	depth, x, y, z uint32
	dxyz           string
	count          int64
	children       []*node
}

func buildTree(flat map[string]int64) (*node, error) {
	nodes := make(map[string]*node, len(flat))
	for k, count := range flat {
		d, x, y, z, err := key.ParseDxyz(k)
		if err != nil {
			return nil, err
		}
		nodes[k] = &node{depth: d, x: x, y: y, z: z, dxyz: k, count: count}
	}
	var root *node
	for _, n := range nodes {
		if n.depth == 0 {
			root = n
			continue
		}
		pd := n.depth - 1
		px, py, pz := n.x>>1, n.y>>1, n.z>>1
		if p, ok := nodes[key.Dxyz(pd, px, py, pz)]; ok {
			p.children = append(p.children, n)
		}
	}
	if root == nil {
		root = &node{dxyz: key.Dxyz(0, 0, 0, 0)}
	}
	return root, nil
}

// subtreeTotal sums n's own count plus every descendant's count.
func subtreeTotal(n *node) int64 {
	total := n.count
	for _, c := range n.children {
		total += subtreeTotal(c)
	}
	return total
}

// shard accumulates one hierarchy JSON file's worth of entries, rooted at
// root, stopping at shard boundaries (multiples of step below root).
func collectShard(root *node, step uint32, out map[string]int64, shardRoots map[string]*node) {
	var walk func(n *node, depth uint32)
	walk = func(n *node, depth uint32) {
		if n != root && step > 0 && depth%step == 0 {
			out[n.dxyz] = -subtreeTotal(n)
			shardRoots[n.dxyz] = n
			return
		}
		out[n.dxyz] = n.count
		for _, c := range n.children {
			walk(c, depth+1)
		}
	}
	walk(root, 0)
}

// Shard is one hierarchy JSON file's contents, keyed by the node it is
// rooted at.
type Shard struct {
	Root    string
	Entries map[string]int64
}

// Shards splits h into one or more shards according to step. step == 0
// means "write a single monolithic shard rooted at the overall root"
// (used for subset/partial builds, or when no hierarchyStep was
// configured).
func (h *Hierarchy) Shards(step uint32) ([]Shard, error) {
	flat := h.Snapshot()
	root, err := buildTree(flat)
	if err != nil {
		return nil, err
	}

	var shards []Shard
	roots := map[string]*node{root.dxyz: root}
	for len(roots) > 0 {
		var rootDxyz string
		var rootNode *node
		for k, n := range roots {
			rootDxyz, rootNode = k, n
			break
		}
		delete(roots, rootDxyz)

		entries := make(map[string]int64)
		children := make(map[string]*node)
		collectShard(rootNode, step, entries, children)
		shards = append(shards, Shard{Root: rootDxyz, Entries: entries})
		for k, n := range children {
			roots[k] = n
		}
	}
	sort.Slice(shards, func(i, j int) bool { return shards[i].Root < shards[j].Root })
	return shards, nil
}

// Marshal renders a shard's entries as JSON, in the "d-x-y-z": count shape.
func (s Shard) Marshal() ([]byte, error) {
	return json.Marshal(s.Entries)
}

// Load rebuilds a Hierarchy from a set of shards (used when resuming a
// build or when merging).
func Load(shards []Shard) *Hierarchy {
	h := New()
	for _, s := range shards {
		for k, v := range s.Entries {
			if v < 0 {
				continue // pointer entry; the referenced shard carries the real counts
			}
			h.Set(k, v)
		}
	}
	return h
}

// DefaultStep picks a hierarchyStep such that no shard exceeds maxEntries.
// We target 65536 entries per shard and grow step by doubling until the
// largest shard produced at that step is within budget.
func (h *Hierarchy) DefaultStep(maxEntries int) (uint32, error) {
	flat := h.Snapshot()
	if len(flat) <= maxEntries {
		return 0, nil
	}
	root, err := buildTree(flat)
	if err != nil {
		return 0, err
	}
	for step := uint32(2); step < 64; step *= 2 {
		entries := make(map[string]int64)
		children := make(map[string]*node)
		collectShard(root, step, entries, children)
		if len(entries) <= maxEntries {
			ok := true
			for _, c := range children {
				sub := make(map[string]int64)
				subChildren := make(map[string]*node)
				collectShard(c, step, sub, subChildren)
				if len(sub) > maxEntries {
					ok = false
					break
				}
			}
			if ok {
				return step, nil
			}
		}
	}
	return 64, nil
}
