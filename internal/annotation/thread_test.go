package annotation

import (
	"bytes"
	"encoding/json"
	"reflect"
	"testing"
)

func ann(id, typ, user, status, parent string) Annotation {
	return Annotation{ID: id, Type: typ, User: user, Status: status, ParentID: parent}
}

func TestBuildThreadsPreservesInputOrder(t *testing.T) {
	flat := []Annotation{
		ann("200-b", TypeComment, "rita", StatusOpen, ""),
		ann("100-a", TypeHighlight, "omar", StatusOpen, ""),
		ann("500-r2", TypeReply, "rita", StatusOpen, "100-a"),
		ann("250-r1", TypeReply, "omar", StatusOpen, "100-a"),
	}

	threads := BuildThreads(flat, Filter{})
	if len(threads) != 2 {
		t.Fatalf("got %d threads, want 2", len(threads))
	}
	if threads[0].Annotation.ID != "200-b" || threads[1].Annotation.ID != "100-a" {
		t.Errorf("thread order: %s, %s, want input order", threads[0].Annotation.ID, threads[1].Annotation.ID)
	}
	replies := threads[1].Replies
	if len(replies) != 2 || replies[0].ID != "500-r2" || replies[1].ID != "250-r1" {
		t.Errorf("replies = %+v, want input order", replies)
	}
}

func TestBuildThreadsFiltersReplies(t *testing.T) {
	flat := []Annotation{
		ann("100-a", TypeComment, "omar", StatusOpen, ""),
		ann("150-r1", TypeReply, "rita", StatusOpen, "100-a"),
		ann("200-r2", TypeReply, "omar", StatusOpen, "100-a"),
	}

	threads := BuildThreads(flat, Filter{Users: []string{"omar"}, Types: []string{TypeComment, TypeReply}})
	if len(threads) != 1 {
		t.Fatalf("got %d threads, want 1", len(threads))
	}
	replies := threads[0].Replies
	if len(replies) != 1 || replies[0].User != "omar" {
		t.Errorf("replies = %+v, rita's reply should be filtered out", replies)
	}
}

func TestBuildThreadsDeterministic(t *testing.T) {
	flat := []Annotation{
		ann("100-a", TypeComment, "omar", StatusOpen, ""),
		ann("150-r", TypeReply, "rita", StatusOpen, "100-a"),
		ann("200-b", TypeDeletion, "rita", StatusAccepted, ""),
	}
	first := BuildThreads(flat, Filter{})
	for i := 0; i < 20; i++ {
		if got := BuildThreads(flat, Filter{}); !reflect.DeepEqual(got, first) {
			t.Fatalf("run %d differs from first run", i)
		}
	}
}

func TestBuildThreadsHidesResolvedAndDeleted(t *testing.T) {
	flat := []Annotation{
		ann("100-a", TypeComment, "omar", StatusResolved, ""),
		ann("150-r", TypeReply, "rita", StatusOpen, "100-a"),
		ann("200-b", TypeComment, "rita", StatusDeleted, ""),
		ann("300-c", TypeDeletion, "omar", StatusAccepted, ""),
		ann("400-d", TypeDeletion, "omar", StatusRejected, ""),
	}

	threads := BuildThreads(flat, Filter{})
	if len(threads) != 2 {
		t.Fatalf("got %d threads, want 2 (resolved and deleted hidden)", len(threads))
	}
	if threads[0].Badge != StatusAccepted || threads[1].Badge != StatusRejected {
		t.Errorf("badges = %q, %q", threads[0].Badge, threads[1].Badge)
	}
}

func TestBuildThreadsDropsOrphanReplies(t *testing.T) {
	flat := []Annotation{
		ann("100-a", TypeComment, "omar", StatusOpen, ""),
		ann("150-r", TypeReply, "rita", StatusOpen, "999-gone"),
	}

	threads := BuildThreads(flat, Filter{})
	if len(threads) != 1 {
		t.Fatalf("got %d threads, want 1", len(threads))
	}
	if len(threads[0].Replies) != 0 {
		t.Errorf("orphan reply attached: %+v", threads[0].Replies)
	}
}

func TestFilterIdempotent(t *testing.T) {
	flat := []Annotation{
		ann("100-a", TypeComment, "omar", StatusOpen, ""),
		ann("200-b", TypeHighlight, "rita", StatusOpen, ""),
		ann("300-c", TypeComment, "rita", StatusAccepted, ""),
	}
	filter := Filter{Users: []string{"rita"}, Types: []string{TypeComment, TypeHighlight}}

	once := BuildThreads(flat, filter)
	if len(once) != 2 {
		t.Fatalf("got %d threads, want 2", len(once))
	}

	refiltered := make([]Annotation, 0, len(once))
	for _, th := range once {
		refiltered = append(refiltered, th.Annotation)
	}
	twice := BuildThreads(refiltered, filter)
	if len(twice) != len(once) {
		t.Errorf("refiltering changed the result: %d vs %d", len(twice), len(once))
	}
}

func TestFilterDefaultsMissingStatusToOpen(t *testing.T) {
	flat := []Annotation{ann("100-a", TypeComment, "omar", "", "")}
	threads := BuildThreads(flat, Filter{Statuses: []string{StatusOpen}})
	if len(threads) != 1 {
		t.Fatalf("annotation without status not treated as open")
	}
}

func TestPageReplies(t *testing.T) {
	th := Thread{Replies: []Annotation{
		ann("1", TypeReply, "a", StatusOpen, "p"),
		ann("2", TypeReply, "b", StatusOpen, "p"),
		ann("3", TypeReply, "c", StatusOpen, "p"),
		ann("4", TypeReply, "d", StatusOpen, "p"),
		ann("5", TypeReply, "e", StatusOpen, "p"),
	}}

	visible, hidden := th.PageReplies(1)
	if len(visible) != 2 || hidden != 3 {
		t.Errorf("page 1: %d visible, %d hidden", len(visible), hidden)
	}
	visible, hidden = th.PageReplies(2)
	if len(visible) != 4 || hidden != 1 {
		t.Errorf("page 2: %d visible, %d hidden", len(visible), hidden)
	}
	visible, hidden = th.PageReplies(3)
	if len(visible) != 5 || hidden != 0 {
		t.Errorf("page 3: %d visible, %d hidden", len(visible), hidden)
	}
}

func TestBuildThreadsPagesReplies(t *testing.T) {
	flat := []Annotation{ann("100-a", TypeComment, "omar", StatusOpen, "")}
	for _, id := range []string{"200-r1", "300-r2", "400-r3"} {
		flat = append(flat, ann(id, TypeReply, "rita", StatusOpen, "100-a"))
	}

	threads := BuildThreads(flat, Filter{})
	if len(threads) != 1 {
		t.Fatalf("got %d threads, want 1", len(threads))
	}
	th := threads[0]
	if len(th.VisibleReplies) != ReplyPageSize || th.HiddenReplyCount != 1 {
		t.Errorf("first page: %d visible, %d hidden", len(th.VisibleReplies), th.HiddenReplyCount)
	}

	th.RevealMore(2)
	if len(th.VisibleReplies) != 3 || th.HiddenReplyCount != 0 {
		t.Errorf("second page: %d visible, %d hidden", len(th.VisibleReplies), th.HiddenReplyCount)
	}
}

func TestReplySerializesWithoutRange(t *testing.T) {
	raw, err := json.Marshal(ann("150-r", TypeReply, "rita", StatusOpen, "100-a"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if bytes.Contains(raw, []byte(`"range"`)) {
		t.Errorf("reply carries a range key: %s", raw)
	}
}

func TestExpandVersion(t *testing.T) {
	if got, ok := ExpandVersion("all", 3); !ok || !reflect.DeepEqual(got, []int{1, 2, 3}) {
		t.Errorf("all = %v, %v", got, ok)
	}
	if got, ok := ExpandVersion("2", 3); !ok || !reflect.DeepEqual(got, []int{2}) {
		t.Errorf("2 = %v, %v", got, ok)
	}
	if _, ok := ExpandVersion("5", 3); ok {
		t.Error("version beyond current accepted")
	}
	if _, ok := ExpandVersion("zero", 3); ok {
		t.Error("garbage version accepted")
	}
}

func TestMergeVersionsLaterWins(t *testing.T) {
	v1 := []Annotation{ann("100-a", TypeComment, "omar", StatusOpen, "")}
	v2 := []Annotation{
		ann("100-a", TypeComment, "omar", StatusResolved, ""),
		ann("200-b", TypeComment, "rita", StatusOpen, ""),
	}

	merged := MergeVersions(v1, v2)
	if len(merged) != 2 {
		t.Fatalf("got %d annotations, want 2", len(merged))
	}
	if merged[0].Status != StatusResolved {
		t.Errorf("later version did not win: %+v", merged[0])
	}
}
