package history

import (
	"strings"
	"testing"
)

func TestRecordAndListVersions(t *testing.T) {
	svc := New(t.TempDir())

	if err := svc.RecordVersion("doc_1", 1, Manifest{
		Title:      "Install Guide",
		Topics:     []string{"index.html", "topics/intro.html"},
		UploadedBy: "rita",
	}); err != nil {
		t.Fatalf("record v1: %v", err)
	}
	if err := svc.RecordVersion("doc_1", 2, Manifest{
		Title:      "Install Guide",
		Topics:     []string{"index.html", "topics/intro.html", "topics/setup.html"},
		UploadedBy: "omar",
	}); err != nil {
		t.Fatalf("record v2: %v", err)
	}

	versions, err := svc.ListVersions("doc_1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("got %d versions, want 2", len(versions))
	}
	if versions[0].Version != 1 || versions[0].UploadedBy != "rita" {
		t.Errorf("v1 = %+v", versions[0])
	}
	if versions[1].Version != 2 || versions[1].UploadedBy != "omar" {
		t.Errorf("v2 = %+v", versions[1])
	}
}

func TestGetManifestPerVersion(t *testing.T) {
	svc := New(t.TempDir())

	if err := svc.RecordVersion("doc_1", 1, Manifest{Title: "First", Topics: []string{"a.html"}, UploadedBy: "rita"}); err != nil {
		t.Fatalf("record v1: %v", err)
	}
	if err := svc.RecordVersion("doc_1", 2, Manifest{Title: "Second", Topics: []string{"a.html", "b.html"}, UploadedBy: "rita"}); err != nil {
		t.Fatalf("record v2: %v", err)
	}

	m1, err := svc.GetManifest("doc_1", 1)
	if err != nil {
		t.Fatalf("get v1: %v", err)
	}
	if m1.Title != "First" || len(m1.Topics) != 1 {
		t.Errorf("v1 manifest = %+v", m1)
	}

	m2, err := svc.GetManifest("doc_1", 2)
	if err != nil {
		t.Fatalf("get v2: %v", err)
	}
	if m2.Title != "Second" || len(m2.Topics) != 2 {
		t.Errorf("v2 manifest = %+v", m2)
	}
}

func TestRecordDuplicateVersion(t *testing.T) {
	svc := New(t.TempDir())

	if err := svc.RecordVersion("doc_1", 1, Manifest{UploadedBy: "rita"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	err := svc.RecordVersion("doc_1", 1, Manifest{UploadedBy: "omar"})
	if err == nil || !strings.Contains(err.Error(), "already recorded") {
		t.Errorf("err = %v, want already recorded", err)
	}
}

func TestListVersionsNoRepo(t *testing.T) {
	svc := New(t.TempDir())
	versions, err := svc.ListVersions("doc_missing")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(versions) != 0 {
		t.Errorf("versions = %+v, want empty", versions)
	}
}
