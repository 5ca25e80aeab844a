package index

import "github.com/openlongevity/seqfunc/pkg/types"

// intervalTree is an AVL tree over half-open intervals, ordered by
// (start, end, interval_id) and augmented with the maximum end position in
// each subtree. Overlap queries prune subtrees whose maxEnd falls at or
// before the query start, giving O(log n + k) stabs for k hits.
type intervalTree struct {
	root *treeNode
	size int
}

type treeNode struct {
	interval *types.Interval
	left     *treeNode
	right    *treeNode
	height   int
	maxEnd   int
}

func (t *intervalTree) Len() int {
	return t.size
}

// Insert adds an interval to the tree. Duplicate (start, end, id) tuples are
// ignored; the index layer guarantees coordinate uniqueness before insert.
func (t *intervalTree) Insert(iv *types.Interval) {
	var inserted bool
	t.root, inserted = insertNode(t.root, iv)
	if inserted {
		t.size++
	}
}

// Stab returns all intervals overlapping the half-open query [start, end),
// ordered by (start, end). Touching intervals do not overlap: [10,20) and
// [20,30) share no position.
func (t *intervalTree) Stab(start, end int) []*types.Interval {
	if start >= end {
		return nil
	}
	var out []*types.Interval
	stab(t.root, start, end, &out)
	return out
}

func stab(n *treeNode, start, end int, out *[]*types.Interval) {
	if n == nil || n.maxEnd <= start {
		return
	}
	stab(n.left, start, end, out)
	if n.interval.Start < end && start < n.interval.End {
		*out = append(*out, n.interval)
	}
	// Subtrees to the right all have Start >= this node's Start; once that
	// passes the query end nothing further can overlap.
	if n.interval.Start < end {
		stab(n.right, start, end, out)
	}
}

func insertNode(n *treeNode, iv *types.Interval) (*treeNode, bool) {
	if n == nil {
		return &treeNode{interval: iv, height: 1, maxEnd: iv.End}, true
	}

	var inserted bool
	switch compareIntervals(iv, n.interval) {
	case -1:
		n.left, inserted = insertNode(n.left, iv)
	case 1:
		n.right, inserted = insertNode(n.right, iv)
	default:
		return n, false
	}
	if !inserted {
		return n, false
	}
	return rebalance(n), true
}

func compareIntervals(a, b *types.Interval) int {
	switch {
	case a.Start != b.Start:
		return sign(a.Start - b.Start)
	case a.End != b.End:
		return sign(a.End - b.End)
	case a.IntervalID < b.IntervalID:
		return -1
	case a.IntervalID > b.IntervalID:
		return 1
	}
	return 0
}

func sign(d int) int {
	if d < 0 {
		return -1
	}
	return 1
}

func rebalance(n *treeNode) *treeNode {
	update(n)
	switch balance(n) {
	case 2:
		if balance(n.left) < 0 {
			n.left = rotateLeft(n.left)
		}
		return rotateRight(n)
	case -2:
		if balance(n.right) > 0 {
			n.right = rotateRight(n.right)
		}
		return rotateLeft(n)
	}
	return n
}

func update(n *treeNode) {
	n.height = 1 + max(height(n.left), height(n.right))
	n.maxEnd = n.interval.End
	if n.left != nil && n.left.maxEnd > n.maxEnd {
		n.maxEnd = n.left.maxEnd
	}
	if n.right != nil && n.right.maxEnd > n.maxEnd {
		n.maxEnd = n.right.maxEnd
	}
}

func height(n *treeNode) int {
	if n == nil {
		return 0
	}
	return n.height
}

func balance(n *treeNode) int {
	return height(n.left) - height(n.right)
}

func rotateRight(n *treeNode) *treeNode {
	l := n.left
	n.left = l.right
	l.right = n
	update(n)
	update(l)
	return l
}

func rotateLeft(n *treeNode) *treeNode {
	r := n.right
	n.right = r.left
	r.left = n
	update(n)
	update(r)
	return r
}
