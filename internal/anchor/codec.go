package anchor

import (
	"bytes"
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Range is a live selection within a content root. Offsets are node-local:
// a rune offset when the boundary node is a text node, a child index when it
// is an element node. Offsets are never document-global.
type Range struct {
	Start       *html.Node
	StartOffset int
	End         *html.Node
	EndOffset   int
}

// Serialize converts a live range into a restorable descriptor. The
// list-item containment case is tested first: when the range's common
// ancestor is an ordered or unordered list and the selection fully contains
// one or more list items, the descriptor anchors to the first and last
// contained item instead of per-character offsets, which survives list
// restructuring.
func Serialize(root *html.Node, r Range) (Descriptor, error) {
	startKey, ok := PointKey(root, r.Start, r.StartOffset)
	if !ok {
		return Descriptor{}, fmt.Errorf("range start is outside the content root")
	}
	endKey, ok := PointKey(root, r.End, r.EndOffset)
	if !ok {
		return Descriptor{}, fmt.Errorf("range end is outside the content root")
	}
	if Compare(startKey, endKey) > 0 {
		return Descriptor{}, fmt.Errorf("range boundaries are reversed")
	}

	if d, ok := serializeListItems(root, startKey, endKey, r); ok {
		return d, nil
	}

	startPath, err := PathTo(root, r.Start)
	if err != nil {
		return Descriptor{}, fmt.Errorf("start path: %w", err)
	}
	endPath, err := PathTo(root, r.End)
	if err != nil {
		return Descriptor{}, fmt.Errorf("end path: %w", err)
	}

	return Descriptor{
		StartPath:    startPath,
		StartOffset:  r.StartOffset,
		EndPath:      endPath,
		EndOffset:    r.EndOffset,
		CapturedHTML: captureFragment(root, startKey, endKey),
	}, nil
}

// SerializeElement builds an element descriptor for a whole block-level
// element (paragraph, heading, list item, table cell, ...).
func SerializeElement(root, element *html.Node) (Descriptor, error) {
	if element == nil || element.Type != html.ElementNode {
		return Descriptor{}, fmt.Errorf("element descriptor requires an element node")
	}
	path, err := PathTo(root, element)
	if err != nil {
		return Descriptor{}, err
	}
	return Descriptor{Path: path}, nil
}

// Deserialize resolves a descriptor against a content root. The start and
// end paths resolve independently; if either no longer matches the tree the
// second return is false and the caller must treat the marker as
// unavailable, not as a fatal condition.
func Deserialize(root *html.Node, d Descriptor) (Range, bool) {
	if d.IsElement() {
		el := ResolvePath(root, d.Path)
		if el == nil || el.Type != html.ElementNode {
			return Range{}, false
		}
		return Range{Start: el, StartOffset: 0, End: el, EndOffset: childCount(el)}, true
	}

	start := ResolvePath(root, d.StartPath)
	end := ResolvePath(root, d.EndPath)
	if start == nil || end == nil {
		return Range{}, false
	}
	return Range{Start: start, StartOffset: d.StartOffset, End: end, EndOffset: d.EndOffset}, true
}

// Text returns the plain-text content of a range, the same string a user
// would see selected.
func Text(root *html.Node, r Range) string {
	startKey, ok := PointKey(root, r.Start, r.StartOffset)
	if !ok {
		return ""
	}
	endKey, ok := PointKey(root, r.End, r.EndOffset)
	if !ok {
		return ""
	}

	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			cStart, cEnd, ok := SpanKeys(root, c)
			if !ok || Compare(cEnd, startKey) <= 0 || Compare(cStart, endKey) >= 0 {
				continue
			}
			if c.Type == html.TextNode {
				sb.WriteString(textSlice(root, c, startKey, endKey))
				continue
			}
			walk(c)
		}
	}
	walk(root)
	return sb.String()
}

// serializeListItems implements the list-item special case. Returns false
// when the range's common ancestor is not a list or no item is fully
// contained.
func serializeListItems(root *html.Node, startKey, endKey Key, r Range) (Descriptor, bool) {
	ca := commonAncestor(r.Start, r.End)
	if ca == nil || ca.Type != html.ElementNode {
		return Descriptor{}, false
	}
	if ca.DataAtom != atom.Ul && ca.DataAtom != atom.Ol {
		return Descriptor{}, false
	}

	var first, last *html.Node
	var captured strings.Builder
	for li := ca.FirstChild; li != nil; li = li.NextSibling {
		if li.Type != html.ElementNode || li.DataAtom != atom.Li {
			continue
		}
		liStart, liEnd, ok := contentSpan(root, li)
		if !ok {
			continue
		}
		if Compare(startKey, liStart) <= 0 && Compare(liEnd, endKey) <= 0 {
			if first == nil {
				first = li
			}
			last = li
			captured.WriteString(renderNode(li))
		}
	}
	if first == nil {
		return Descriptor{}, false
	}

	startPath, err := PathTo(root, first)
	if err != nil {
		return Descriptor{}, false
	}
	endPath, err := PathTo(root, last)
	if err != nil {
		return Descriptor{}, false
	}
	return Descriptor{
		StartPath:    startPath,
		StartOffset:  0,
		EndPath:      endPath,
		EndOffset:    childCount(last),
		CapturedHTML: captured.String(),
	}, true
}

// captureFragment serialises the markup between two boundary points. Wholly
// contained nodes are rendered as-is; partially covered elements contribute
// their tags around the covered part of their children, and partially
// covered text nodes contribute the covered slice.
func captureFragment(root *html.Node, startKey, endKey Key) string {
	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			cStart, cEnd, ok := SpanKeys(root, c)
			if !ok || Compare(cEnd, startKey) <= 0 || Compare(cStart, endKey) >= 0 {
				continue
			}
			if Compare(startKey, cStart) <= 0 && Compare(cEnd, endKey) <= 0 {
				sb.WriteString(renderNode(c))
				continue
			}
			switch c.Type {
			case html.TextNode:
				sb.WriteString(html.EscapeString(textSlice(root, c, startKey, endKey)))
			case html.ElementNode:
				sb.WriteString(openTag(c))
				walk(c)
				sb.WriteString("</" + c.Data + ">")
			}
		}
	}
	walk(root)
	return sb.String()
}

// textSlice returns the part of a text node's data covered by the range.
func textSlice(root *html.Node, n *html.Node, startKey, endKey Key) string {
	runes := []rune(n.Data)
	from, to := 0, len(runes)

	key, ok := nodeKey(root, n)
	if !ok {
		return ""
	}
	if len(startKey) == len(key)+1 && Compare(startKey[:len(key)], key) == 0 {
		from = clamp(startKey[len(key)], 0, len(runes))
	}
	if len(endKey) == len(key)+1 && Compare(endKey[:len(key)], key) == 0 {
		to = clamp(endKey[len(key)], 0, len(runes))
	}
	if from >= to {
		return ""
	}
	return string(runes[from:to])
}

// contentSpan returns the first and last boundary points inside n, so that
// a selection covering all of n's text counts as containing n even when its
// boundaries sit inside n's leaf text nodes.
func contentSpan(root, n *html.Node) (start, end Key, ok bool) {
	first := n
	for first.FirstChild != nil {
		first = first.FirstChild
	}
	last := n
	for last.LastChild != nil {
		last = last.LastChild
	}

	start, ok = PointKey(root, first, 0)
	if !ok {
		return nil, nil, false
	}
	endOffset := childCount(last)
	if last.Type == html.TextNode {
		endOffset = len([]rune(last.Data))
	}
	end, ok = PointKey(root, last, endOffset)
	if !ok {
		return nil, nil, false
	}
	return start, end, true
}

func commonAncestor(a, b *html.Node) *html.Node {
	seen := make(map[*html.Node]bool)
	for n := a; n != nil; n = n.Parent {
		seen[n] = true
	}
	for n := b; n != nil; n = n.Parent {
		if seen[n] {
			return n
		}
	}
	return nil
}

func childCount(n *html.Node) int {
	count := 0
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		count++
	}
	return count
}

func renderNode(n *html.Node) string {
	var buf bytes.Buffer
	_ = html.Render(&buf, n)
	return buf.String()
}

func openTag(n *html.Node) string {
	var sb strings.Builder
	sb.WriteByte('<')
	sb.WriteString(n.Data)
	for _, a := range n.Attr {
		sb.WriteByte(' ')
		sb.WriteString(a.Key)
		sb.WriteString(`="`)
		sb.WriteString(html.EscapeString(a.Val))
		sb.WriteByte('"')
	}
	sb.WriteByte('>')
	return sb.String()
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
