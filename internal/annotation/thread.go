package annotation

// ReplyPageSize is how many replies a thread shows initially and how many
// each further page adds.
const ReplyPageSize = 2

// Filter restricts which annotations take part in reconciliation. Empty
// slices match everything; populated slices are conjunctive across fields.
// Top-level annotations and replies are matched individually.
type Filter struct {
	Users    []string
	Statuses []string
	Types    []string
}

// Match reports whether a passes the filter.
func (f Filter) Match(a Annotation) bool {
	return matchList(f.Users, a.User) &&
		matchList(f.Statuses, statusOrOpen(a.Status)) &&
		matchList(f.Types, a.Type)
}

func matchList(allowed []string, value string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, v := range allowed {
		if v == value {
			return true
		}
	}
	return false
}

func statusOrOpen(s string) string {
	if s == "" {
		return StatusOpen
	}
	return s
}

// Thread is a top-level annotation with its replies in input order. Replies
// holds the full list; VisibleReplies and HiddenReplyCount carry the current
// pagination state and are what goes over the wire.
type Thread struct {
	Annotation       Annotation   `json:"annotation"`
	Replies          []Annotation `json:"-"`
	VisibleReplies   []Annotation `json:"visibleReplies"`
	HiddenReplyCount int          `json:"hiddenReplyCount"`
	Badge            string       `json:"badge,omitempty"`
}

// PageReplies returns the replies visible after the given number of pages
// (at least one) and the count still hidden.
func (t Thread) PageReplies(pages int) (visible []Annotation, hidden int) {
	if pages < 1 {
		pages = 1
	}
	n := pages * ReplyPageSize
	if n >= len(t.Replies) {
		return t.Replies, 0
	}
	return t.Replies[:n], len(t.Replies) - n
}

// RevealMore re-pages the thread so the given number of reply pages is
// visible.
func (t *Thread) RevealMore(pages int) {
	t.VisibleReplies, t.HiddenReplyCount = t.PageReplies(pages)
}

// BuildThreads reconciles a flat change set into display-ready threads.
//
// Deleted and resolved annotations are dropped along with their replies.
// Accepted and rejected annotations stay, carrying a status badge. Replies
// whose parent is absent from the input are dropped; kept replies attach in
// input order, and the filter applies to them the same as to top-level
// annotations. Thread order is the input order of the top-level annotations,
// so callers feeding store order get chronological threads.
func BuildThreads(flat []Annotation, filter Filter) []Thread {
	byParent := make(map[string][]Annotation)
	var roots []Annotation
	for _, a := range flat {
		if a.Type == TypeReply || a.ParentID != "" {
			byParent[a.ParentID] = append(byParent[a.ParentID], a)
			continue
		}
		roots = append(roots, a)
	}

	threads := make([]Thread, 0, len(roots))
	for _, root := range roots {
		if root.Hidden() || !filter.Match(root) {
			continue
		}
		replies := byParent[root.ID]
		kept := make([]Annotation, 0, len(replies))
		for _, r := range replies {
			if r.Hidden() || !filter.Match(r) {
				continue
			}
			kept = append(kept, r)
		}
		th := Thread{
			Annotation: root,
			Replies:    kept,
			Badge:      root.Badge(),
		}
		th.RevealMore(1)
		threads = append(threads, th)
	}
	return threads
}

// MergeVersions concatenates per-version change sets in version order and
// deduplicates by annotation ID, later versions winning. It backs the "all"
// pseudo-version.
func MergeVersions(sets ...[]Annotation) []Annotation {
	index := make(map[string]int)
	var merged []Annotation
	for _, set := range sets {
		for _, a := range set {
			if i, ok := index[a.ID]; ok {
				merged[i] = a
				continue
			}
			index[a.ID] = len(merged)
			merged = append(merged, a)
		}
	}
	return merged
}
