package trie

// fanout is the number of children per node, one per byte value
const fanout = 256

// nodeID is the position of a node in the arena. 0 is the root and means "no child" in a
// child slot, since the root is never anybody's child.
type nodeID int32

type node struct {
	children [fanout]nodeID
	value    []byte // nil = nothing stored at this path
}

// Trie is a 256-ary trie over byte-sequence keys
type Trie struct {
	nodes []node
	size  int // number of nodes holding a value
}

// New creates an empty trie consisting of the root node only
func New() *Trie {
	return &Trie{nodes: make([]node, 1)}
}

// --------------------------------------------------------------------------
// Read / Write
// --------------------------------------------------------------------------

// Set stores value under key, creating all missing nodes on the way down.
// A nil value clears the stored value (tombstone). The node itself is kept.
// The empty key addresses the root.
//
// The value is copied, callers may reuse their buffer afterwards.
func (t *Trie) Set(key, value []byte) {
	id := nodeID(0)
	for _, b := range key {
		next := t.nodes[id].children[b]
		if next == 0 {
			t.nodes = append(t.nodes, node{})
			next = nodeID(len(t.nodes) - 1)
			t.nodes[id].children[b] = next
		}
		id = next
	}

	n := &t.nodes[id]
	switch {
	case n.value == nil && value != nil:
		t.size++
	case n.value != nil && value == nil:
		t.size--
	}
	n.value = cloneValue(value)
}

// Get returns the value stored under key or nil if there is none.
// The returned slice is owned by the trie and must not be modified.
func (t *Trie) Get(key []byte) []byte {
	id := nodeID(0)
	for _, b := range key {
		id = t.nodes[id].children[b]
		if id == 0 {
			return nil
		}
	}
	return t.nodes[id].value
}

// Len returns the number of keys that currently hold a value
func (t *Trie) Len() int {
	return t.size
}

// --------------------------------------------------------------------------
// Snapshot support
// --------------------------------------------------------------------------

// Clone returns an independent copy of the trie. Later writes to either trie are not visible
// in the other one.
//
// Stored values are shared between both copies. This is safe because Set never writes into a
// stored slice, it always replaces it.
func (t *Trie) Clone() *Trie {
	nodes := make([]node, len(t.nodes))
	copy(nodes, t.nodes)
	return &Trie{nodes: nodes, size: t.size}
}

// Traverse calls fn for every key that holds a value, in lexicographic key order (pre-order,
// children by ascending byte). The key slice passed to fn is reused between calls and is only
// valid for the duration of the call. Traversal stops at the first error returned by fn.
func (t *Trie) Traverse(fn func(key, value []byte) error) error {
	type frame struct {
		id   nodeID
		next int // next child slot to look at
	}

	if v := t.nodes[0].value; v != nil {
		if err := fn(nil, v); err != nil {
			return err
		}
	}

	key := make([]byte, 0, 64)
	stack := []frame{{id: 0}}

	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		children := &t.nodes[top.id].children

		for top.next < fanout && children[top.next] == 0 {
			top.next++
		}

		// all children done, go back up one level
		if top.next == fanout {
			stack = stack[:len(stack)-1]
			if len(key) > 0 {
				key = key[:len(key)-1]
			}
			continue
		}

		b := byte(top.next)
		child := children[top.next]
		top.next++

		key = append(key, b)
		if v := t.nodes[child].value; v != nil {
			if err := fn(key, v); err != nil {
				return err
			}
		}
		stack = append(stack, frame{id: child})
	}

	return nil
}

// cloneValue copies v and keeps the difference between nil and empty
func cloneValue(v []byte) []byte {
	if v == nil {
		return nil
	}
	c := make([]byte, len(v))
	copy(c, v)
	return c
}
