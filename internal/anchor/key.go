package anchor

import "golang.org/x/net/html"

// Key orders boundary points in document order. It is the chain of child
// indices from the content root down to a node, optionally extended with a
// node-local offset. Keys compare lexicographically; a key that is a strict
// prefix of another sorts first (a point at a node precedes every point
// inside it).
type Key []int

// Compare returns -1, 0 or 1 ordering a against b in document order.
func Compare(a, b Key) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// nodeKey is the child-index chain from root to n, without any offset.
func nodeKey(root, n *html.Node) (Key, bool) {
	if n == root {
		return Key{}, true
	}
	var rev []int
	for cur := n; cur != root; cur = cur.Parent {
		if cur.Parent == nil {
			return nil, false
		}
		idx := 0
		for sib := cur.PrevSibling; sib != nil; sib = sib.PrevSibling {
			idx++
		}
		rev = append(rev, idx)
	}
	key := make(Key, len(rev))
	for i := range rev {
		key[i] = rev[len(rev)-1-i]
	}
	return key, true
}

// PointKey converts a boundary point (node, node-local offset) into a Key.
// For element nodes the offset is a child index, for text nodes a rune
// offset; both extend the node's key by one level, which keeps comparisons
// against sibling boundaries consistent.
func PointKey(root, n *html.Node, offset int) (Key, bool) {
	key, ok := nodeKey(root, n)
	if !ok {
		return nil, false
	}
	return append(key, offset), true
}

// SpanKeys returns the boundary points immediately before and after n, i.e.
// the span the whole node occupies within its parent.
func SpanKeys(root, n *html.Node) (start, end Key, ok bool) {
	key, ok := nodeKey(root, n)
	if !ok || len(key) == 0 {
		return nil, nil, false
	}
	start = key
	end = make(Key, len(key))
	copy(end, key)
	end[len(end)-1]++
	return start, end, true
}
