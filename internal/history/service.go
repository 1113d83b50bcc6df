// Package history keeps an audit trail of stage saves: each matter gets
// a small git repository and every successful save commits the sent
// payload, so reviewers can see who changed what and when.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// SaveInfo describes one recorded save.
type SaveInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// RecordSave commits a stage payload into the matter's history repo,
// creating the repo on first use.
func (s *Service) RecordSave(matterID string, stageNumber int, payload map[string]string, author string) (SaveInfo, error) {
	lock := s.matterLock(matterID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(matterID)
	if err != nil {
		return SaveInfo{}, err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return SaveInfo{}, fmt.Errorf("open worktree: %w", err)
	}

	encoded, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return SaveInfo{}, fmt.Errorf("marshal payload: %w", err)
	}

	fileName := fmt.Sprintf("stage-%d.json", stageNumber)
	path := filepath.Join(s.repoPath(matterID), fileName)
	if err := os.WriteFile(path, append(encoded, '\n'), 0o644); err != nil {
		return SaveInfo{}, fmt.Errorf("write payload: %w", err)
	}
	if _, err := worktree.Add(fileName); err != nil {
		return SaveInfo{}, fmt.Errorf("git add payload: %w", err)
	}

	message := fmt.Sprintf("Save stage %d (%s)", stageNumber, payload["colorStatus"])
	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@local.caseflow.dev", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return SaveInfo{}, fmt.Errorf("commit payload: %w", err)
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return SaveInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toSaveInfo(commitObj), nil
}

// History lists recorded saves for a matter, newest first.
func (s *Service) History(matterID string, limit int) ([]SaveInfo, error) {
	lock := s.matterLock(matterID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(matterID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return []SaveInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open history repo: %w", err)
	}

	head, err := repo.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return []SaveInfo{}, nil
		}
		return nil, fmt.Errorf("resolve head: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]SaveInfo, 0, limit)
	count := 0
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toSaveInfo(commitObj))
		count++
		if limit > 0 && count >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// PayloadAt returns the stage payload recorded in a given commit.
func (s *Service) PayloadAt(matterID string, stageNumber int, hash string) (map[string]string, error) {
	lock := s.matterLock(matterID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(matterID))
	if err != nil {
		return nil, fmt.Errorf("open history repo: %w", err)
	}

	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return nil, fmt.Errorf("resolve revision %s: %w", hash, err)
	}
	commitObj, err := repo.CommitObject(*resolved)
	if err != nil {
		return nil, fmt.Errorf("read commit %s: %w", hash, err)
	}

	file, err := commitObj.File(fmt.Sprintf("stage-%d.json", stageNumber))
	if err != nil {
		return nil, fmt.Errorf("load stage payload from commit: %w", err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open payload reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read payload bytes: %w", err)
	}
	var payload map[string]string
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return payload, nil
}

func (s *Service) openOrInit(matterID string) (*git.Repository, error) {
	path := s.repoPath(matterID)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open history repo: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create history repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init history repo: %w", err)
	}
	return repo, nil
}

func (s *Service) repoPath(matterID string) string {
	return filepath.Join(s.baseDir, matterID)
}

func (s *Service) matterLock(matterID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[matterID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[matterID] = lock
	}
	return lock
}

func toSaveInfo(commitObj *object.Commit) SaveInfo {
	return SaveInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}
