// Package marker renders annotations into a parsed topic tree as marker
// elements and removes them again. Markers wrap each covered text portion
// in its own span, so the surrounding element structure is never broken up
// and reverting is a matter of unwrapping.
package marker

import (
	"errors"
	"strings"

	"golang.org/x/net/html"

	"redline/api/internal/anchor"
	"redline/api/internal/annotation"
)

// Marker classes and identifying attributes per annotation type.
const (
	ClassComment   = "comment-marker"
	ClassDeleted   = "deleted-text"
	ClassHighlight = "annotator-hl"
	ClassInserted  = "inserted-text"
	ClassReview    = "review-mark"

	AttrComment     = "data-comment-id"
	AttrDeletion    = "data-deletion-id"
	AttrHighlight   = "data-highlight-id"
	AttrReplacement = "data-replacement-id"
	AttrReviewMark  = "data-review-mark-id"
)

// ErrUnresolvedRange means the annotation's descriptor no longer matches
// the tree. Callers skip the marker; the annotation itself stays listed.
var ErrUnresolvedRange = errors.New("annotation range does not resolve against this content")

var idAttrs = []string{AttrComment, AttrDeletion, AttrHighlight, AttrReplacement, AttrReviewMark}

// Apply renders one annotation into the tree. Unknown types are ignored so
// newer clients can introduce types without breaking older renderers.
func Apply(root *html.Node, a annotation.Annotation) error {
	if a.Type == annotation.TypeReply {
		return nil
	}
	if a.Range == nil {
		return ErrUnresolvedRange
	}
	r, ok := anchor.Deserialize(root, *a.Range)
	if !ok {
		return ErrUnresolvedRange
	}

	switch a.Type {
	case annotation.TypeComment:
		wrapRange(root, r, ClassComment, AttrComment, a.ID)
	case annotation.TypeHighlight:
		wrapRange(root, r, ClassHighlight, AttrHighlight, a.ID)
	case annotation.TypeDeletion:
		wrapRange(root, r, ClassDeleted, AttrDeletion, a.ID)
	case annotation.TypeReplacement:
		applyReplacement(root, r, a)
	case annotation.TypeReviewMarkText:
		wrapRange(root, r, ClassReview, AttrReviewMark, a.ID)
	case annotation.TypeReviewMarkElement:
		el := r.Start
		if el.Type != html.ElementNode {
			return ErrUnresolvedRange
		}
		addClass(el, ClassReview)
		setAttr(el, AttrReviewMark, a.ID)
	}
	return nil
}

// applyReplacement strikes through the old text and appends the new text
// after it: old marker, a separating space, then the insertion.
func applyReplacement(root *html.Node, r anchor.Range, a annotation.Annotation) {
	spans := wrapRange(root, r, ClassDeleted, AttrReplacement, a.ID)
	if len(spans) == 0 {
		return
	}
	last := spans[len(spans)-1]
	parent := last.Parent

	space := &html.Node{Type: html.TextNode, Data: " "}
	ins := newSpan(ClassInserted, AttrReplacement, a.ID)
	ins.AppendChild(&html.Node{Type: html.TextNode, Data: a.NewText})

	parent.InsertBefore(space, last.NextSibling)
	parent.InsertBefore(ins, space.NextSibling)
}

// Revert removes every marker carrying the given annotation ID and restores
// the original content. Reverting an ID with no markers is a no-op.
func Revert(root *html.Node, id string) {
	for _, el := range markersFor(root, id) {
		switch {
		case hasClass(el, ClassInserted):
			// Drop the insertion and the separating space before it.
			if prev := el.PrevSibling; prev != nil && prev.Type == html.TextNode && prev.Data == " " {
				prev.Parent.RemoveChild(prev)
			}
			el.Parent.RemoveChild(el)
		case hasClass(el, ClassReview):
			// Text marks are wrapper spans of our own making; element
			// marks tagged an existing element and only shed the class.
			if el.Data == "span" && getAttr(el, "class") == ClassReview {
				unwrap(el)
			} else {
				removeClass(el, ClassReview)
				removeAttr(el, AttrReviewMark)
			}
		default:
			unwrap(el)
		}
	}
}

// markersFor collects marker elements carrying the ID, in document order.
func markersFor(root *html.Node, id string) []*html.Node {
	var found []*html.Node
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			for _, attr := range idAttrs {
				if getAttr(n, attr) == id {
					found = append(found, n)
					break
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return found
}

// wrapRange wraps every text portion the range covers in a marker span and
// returns the created spans in document order.
func wrapRange(root *html.Node, r anchor.Range, class, attr, id string) []*html.Node {
	startKey, ok := anchor.PointKey(root, r.Start, r.StartOffset)
	if !ok {
		return nil
	}
	endKey, ok := anchor.PointKey(root, r.End, r.EndOffset)
	if !ok {
		return nil
	}

	type portion struct {
		node     *html.Node
		from, to int
	}
	var portions []portion
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			cStart, cEnd, ok := anchor.SpanKeys(root, c)
			if !ok || anchor.Compare(cEnd, startKey) <= 0 || anchor.Compare(cStart, endKey) >= 0 {
				continue
			}
			if c.Type != html.TextNode {
				walk(c)
				continue
			}
			runes := []rune(c.Data)
			from, to := 0, len(runes)
			if key, ok := anchor.PointKey(root, c, 0); ok {
				base := key[:len(key)-1]
				if len(startKey) == len(key) && anchor.Compare(startKey[:len(base)], base) == 0 {
					from = clamp(startKey[len(base)], 0, len(runes))
				}
				if len(endKey) == len(key) && anchor.Compare(endKey[:len(base)], base) == 0 {
					to = clamp(endKey[len(base)], 0, len(runes))
				}
			}
			if from < to {
				portions = append(portions, portion{node: c, from: from, to: to})
			}
		}
	}
	walk(root)

	spans := make([]*html.Node, 0, len(portions))
	for _, p := range portions {
		spans = append(spans, wrapPortion(p.node, p.from, p.to, class, attr, id))
	}
	return spans
}

// wrapPortion splits a text node around [from,to) and wraps the middle in a
// marker span, replacing the original node.
func wrapPortion(n *html.Node, from, to int, class, attr, id string) *html.Node {
	parent := n.Parent
	runes := []rune(n.Data)

	span := newSpan(class, attr, id)
	span.AppendChild(&html.Node{Type: html.TextNode, Data: string(runes[from:to])})

	if from > 0 {
		parent.InsertBefore(&html.Node{Type: html.TextNode, Data: string(runes[:from])}, n)
	}
	parent.InsertBefore(span, n)
	if to < len(runes) {
		parent.InsertBefore(&html.Node{Type: html.TextNode, Data: string(runes[to:])}, n)
	}
	parent.RemoveChild(n)
	return span
}

func unwrap(el *html.Node) {
	parent := el.Parent
	for el.FirstChild != nil {
		c := el.FirstChild
		el.RemoveChild(c)
		parent.InsertBefore(c, el)
	}
	parent.RemoveChild(el)
}

func newSpan(class, attr, id string) *html.Node {
	return &html.Node{
		Type: html.ElementNode,
		Data: "span",
		Attr: []html.Attribute{
			{Key: "class", Val: class},
			{Key: attr, Val: id},
		},
	}
}

func getAttr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func setAttr(n *html.Node, key, val string) {
	for i := range n.Attr {
		if n.Attr[i].Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

func removeAttr(n *html.Node, key string) {
	kept := n.Attr[:0]
	for _, a := range n.Attr {
		if a.Key != key {
			kept = append(kept, a)
		}
	}
	n.Attr = kept
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(getAttr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func addClass(n *html.Node, class string) {
	if hasClass(n, class) {
		return
	}
	existing := getAttr(n, "class")
	if existing == "" {
		setAttr(n, "class", class)
		return
	}
	setAttr(n, "class", existing+" "+class)
}

func removeClass(n *html.Node, class string) {
	var kept []string
	for _, c := range strings.Fields(getAttr(n, "class")) {
		if c != class {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		removeAttr(n, "class")
		return
	}
	setAttr(n, "class", strings.Join(kept, " "))
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
