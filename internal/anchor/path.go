package anchor

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// PathTo computes the structural path from root down to n. Each segment is
// either "tag[i]" (1-based index among preceding same-tag element siblings)
// or "text()[i]" (1-based index among preceding text-node siblings), so the
// path survives length changes in unrelated sibling text. An empty path
// addresses root itself.
func PathTo(root, n *html.Node) (string, error) {
	if n == nil {
		return "", fmt.Errorf("nil node")
	}
	if n == root {
		return "", nil
	}

	var segments []string
	for cur := n; cur != root; cur = cur.Parent {
		if cur.Parent == nil {
			return "", fmt.Errorf("node is not a descendant of the content root")
		}
		seg, err := segmentFor(cur)
		if err != nil {
			return "", err
		}
		segments = append(segments, seg)
	}

	// Segments were collected leaf-first.
	for i, j := 0, len(segments)-1; i < j; i, j = i+1, j-1 {
		segments[i], segments[j] = segments[j], segments[i]
	}
	return strings.Join(segments, "/"), nil
}

func segmentFor(n *html.Node) (string, error) {
	switch n.Type {
	case html.ElementNode:
		index := 1
		for sib := n.PrevSibling; sib != nil; sib = sib.PrevSibling {
			if sib.Type == html.ElementNode && sib.Data == n.Data {
				index++
			}
		}
		return fmt.Sprintf("%s[%d]", n.Data, index), nil
	case html.TextNode:
		index := 1
		for sib := n.PrevSibling; sib != nil; sib = sib.PrevSibling {
			if sib.Type == html.TextNode {
				index++
			}
		}
		return fmt.Sprintf("text()[%d]", index), nil
	default:
		return "", fmt.Errorf("unsupported node type %d in path", n.Type)
	}
}

// ResolvePath walks a structural path from root and returns the addressed
// node, or nil when any segment no longer matches. Resolution failure is a
// recoverable condition for callers, never an error to propagate.
func ResolvePath(root *html.Node, path string) *html.Node {
	if root == nil {
		return nil
	}
	if path == "" {
		return root
	}

	cur := root
	for _, seg := range strings.Split(path, "/") {
		name, index, ok := parseSegment(seg)
		if !ok {
			return nil
		}
		cur = childAt(cur, name, index)
		if cur == nil {
			return nil
		}
	}
	return cur
}

func parseSegment(seg string) (name string, index int, ok bool) {
	open := strings.IndexByte(seg, '[')
	if open <= 0 || !strings.HasSuffix(seg, "]") {
		return "", 0, false
	}
	name = seg[:open]
	index, err := strconv.Atoi(seg[open+1 : len(seg)-1])
	if err != nil || index < 1 {
		return "", 0, false
	}
	return name, index, true
}

func childAt(parent *html.Node, name string, index int) *html.Node {
	seen := 0
	for c := parent.FirstChild; c != nil; c = c.NextSibling {
		if name == "text()" {
			if c.Type != html.TextNode {
				continue
			}
		} else {
			if c.Type != html.ElementNode || c.Data != name {
				continue
			}
		}
		seen++
		if seen == index {
			return c
		}
	}
	return nil
}
