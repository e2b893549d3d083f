// Package anchor converts live ranges within a parsed topic tree into
// durable, version-independent location descriptors and back. It is pure:
// no function in this package mutates the tree or performs I/O.
package anchor

// Descriptor is the restorable anchor for a range or a whole element.
//
// A range descriptor carries StartPath/EndPath plus node-local offsets and a
// snapshot of the selected fragment's markup. An element descriptor carries
// Path only and identifies a whole block-level element. Descriptors are
// immutable once created; reconstruction never modifies them.
type Descriptor struct {
	StartPath    string `json:"startPath,omitempty"`
	StartOffset  int    `json:"startOffset,omitempty"`
	EndPath      string `json:"endPath,omitempty"`
	EndOffset    int    `json:"endOffset,omitempty"`
	CapturedHTML string `json:"capturedHtml,omitempty"`

	// Path is set on element descriptors instead of the range fields.
	Path string `json:"path,omitempty"`
}

// IsElement reports whether d identifies a whole element rather than a
// sub-range.
func (d Descriptor) IsElement() bool {
	return d.Path != "" && d.StartPath == "" && d.EndPath == ""
}

// IsZero reports whether d carries no location at all.
func (d Descriptor) IsZero() bool {
	return d.Path == "" && d.StartPath == "" && d.EndPath == ""
}
