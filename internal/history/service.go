// Package history keeps a git repository per document recording what each
// uploaded version contained. Versions are tags, so the full upload history
// survives even when old bundle files are cleaned out of object storage.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Manifest is the recorded content listing of one uploaded version.
type Manifest struct {
	Title      string   `json:"title"`
	SubFolder  string   `json:"subFolder,omitempty"`
	Topics     []string `json:"topics"`
	UploadedBy string   `json:"uploadedBy"`
}

// VersionInfo is one entry of a document's upload history.
type VersionInfo struct {
	Version    int       `json:"version"`
	UploadedBy string    `json:"uploadedBy"`
	UploadedAt time.Time `json:"uploadedAt"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{baseDir: baseDir, locks: make(map[string]*sync.Mutex)}
}

func (s *Service) repoPath(documentID string) string {
	return filepath.Join(s.baseDir, documentID)
}

func (s *Service) documentLock(documentID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[documentID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[documentID] = lock
	}
	return lock
}

// RecordVersion commits the manifest of a freshly uploaded version and tags
// it vN. Recording the same version twice is an error.
func (s *Service) RecordVersion(documentID string, version int, m Manifest) error {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.ensureRepo(documentID)
	if err != nil {
		return err
	}

	tagName := fmt.Sprintf("v%d", version)
	if _, err := repo.Reference(plumbing.NewTagReferenceName(tagName), true); err == nil {
		return fmt.Errorf("version %s already recorded for %s", tagName, documentID)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	payload, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.repoPath(documentID), "manifest.json"), append(payload, '\n'), 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if _, err := worktree.Add("manifest.json"); err != nil {
		return fmt.Errorf("git add manifest: %w", err)
	}

	hash, err := worktree.Commit(fmt.Sprintf("Upload version %d", version), &git.CommitOptions{
		Author: signature(m.UploadedBy),
	})
	if err != nil {
		return fmt.Errorf("commit manifest: %w", err)
	}
	if _, err := repo.CreateTag(tagName, hash, nil); err != nil {
		return fmt.Errorf("tag %s: %w", tagName, err)
	}
	return nil
}

// ListVersions returns the recorded versions of a document in ascending
// order. A document with no repo yet has no history.
func (s *Service) ListVersions(documentID string) ([]VersionInfo, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(documentID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return []VersionInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	tags, err := repo.Tags()
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer tags.Close()

	var versions []VersionInfo
	err = tags.ForEach(func(ref *plumbing.Reference) error {
		name := ref.Name().Short()
		v, err := strconv.Atoi(strings.TrimPrefix(name, "v"))
		if err != nil {
			return nil
		}
		commit, err := repo.CommitObject(ref.Hash())
		if err != nil {
			return fmt.Errorf("read commit for %s: %w", name, err)
		}
		versions = append(versions, VersionInfo{
			Version:    v,
			UploadedBy: commit.Author.Name,
			UploadedAt: commit.Author.When,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(versions, func(i, j int) bool { return versions[i].Version < versions[j].Version })
	return versions, nil
}

// GetManifest reads the manifest recorded for one version.
func (s *Service) GetManifest(documentID string, version int) (Manifest, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(documentID))
	if err != nil {
		return Manifest{}, fmt.Errorf("open repo: %w", err)
	}

	ref, err := repo.Reference(plumbing.NewTagReferenceName(fmt.Sprintf("v%d", version)), true)
	if err != nil {
		return Manifest{}, fmt.Errorf("resolve version %d: %w", version, err)
	}
	commit, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return Manifest{}, fmt.Errorf("read commit: %w", err)
	}
	file, err := commit.File("manifest.json")
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest file: %w", err)
	}
	reader, err := file.Reader()
	if err != nil {
		return Manifest{}, fmt.Errorf("open manifest file: %w", err)
	}
	defer reader.Close()
	raw, err := io.ReadAll(reader)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest contents: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return Manifest{}, fmt.Errorf("unmarshal manifest: %w", err)
	}
	return m, nil
}

func (s *Service) ensureRepo(documentID string) (*git.Repository, error) {
	path := s.repoPath(documentID)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	return repo, nil
}

func signature(author string) *object.Signature {
	if author == "" {
		author = "redline"
	}
	local := strings.ToLower(strings.ReplaceAll(author, " ", "."))
	return &object.Signature{
		Name:  author,
		Email: local + "@local.redline.dev",
		When:  time.Now(),
	}
}
