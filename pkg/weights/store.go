package weights

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/lemonade-sdk/lemonade-server/pkg/catalog"
	"github.com/lemonade-sdk/lemonade-server/pkg/inference"
	"github.com/lemonade-sdk/lemonade-server/pkg/internal/utils"
	"github.com/lemonade-sdk/lemonade-server/pkg/logging"
)

// snapshotRevision is the pinned snapshot directory name. The store does not
// track upstream commits; everything lives under "main".
const snapshotRevision = "main"

// maxConcurrentPulls caps how many repositories download at the same time.
const maxConcurrentPulls = 2

// Store resolves catalog entries to local weight files, pulling them from
// the hub when missing. It is safe for concurrent use.
type Store struct {
	// log is the associated logger.
	log logging.Logger
	// root is the hub cache directory holding models--org--repo trees.
	root string
	// client performs hub API calls.
	client *HubClient
	// offline disables all remote access when true.
	offline bool
	// pullTokens bounds concurrent repository downloads.
	pullTokens chan struct{}
	// repoLocks serializes downloads of the same repository.
	repoLocks sync.Map // repo -> *sync.Mutex
}

// LocalModel describes one repository present in the cache.
type LocalModel struct {
	Repo  string
	Files []string
	Bytes int64
}

// NewStore creates a weights store rooted at the given hub cache directory.
func NewStore(log logging.Logger, root string, client *HubClient, offline bool) *Store {
	return &Store{
		log:        log,
		root:       root,
		client:     client,
		offline:    offline,
		pullTokens: make(chan struct{}, maxConcurrentPulls),
	}
}

// RepoDir returns the cache directory for a repository.
func (s *Store) RepoDir(repo string) string {
	return filepath.Join(s.root, "models--"+strings.ReplaceAll(repo, "/", "--"))
}

// SnapshotDir returns the snapshot directory files are stored in.
func (s *Store) SnapshotDir(repo string) string {
	return filepath.Join(s.RepoDir(repo), "snapshots", snapshotRevision)
}

// LocalFiles lists the repo-relative paths present in the cache for a
// repository. A missing repository yields an empty list.
func (s *Store) LocalFiles(repo string) ([]string, error) {
	snapshotDir := s.SnapshotDir(repo)
	var files []string
	err := filepath.WalkDir(snapshotDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasSuffix(d.Name(), partialSuffix) {
			return nil
		}
		rel, err := filepath.Rel(snapshotDir, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// Resolve maps an entry to its local weight files without touching the
// network. It fails with WeightsMissing when files are absent.
func (s *Store) Resolve(entry catalog.Entry) (inference.ModelArtifacts, error) {
	repo, variant := entry.SplitCheckpoint()

	files, err := s.LocalFiles(repo)
	if err != nil {
		return inference.ModelArtifacts{}, err
	}
	if len(files) == 0 {
		return inference.ModelArtifacts{}, inference.NewError(inference.ErrWeightsMissing,
			"weights for %q are not downloaded", entry.Name)
	}

	selection, err := SelectWeights(files, variant)
	if err != nil {
		return inference.ModelArtifacts{}, err
	}

	artifacts := inference.ModelArtifacts{
		Checkpoint: entry.Checkpoint,
		Primary:    filepath.Join(s.SnapshotDir(repo), filepath.FromSlash(selection.Primary)),
	}

	if entry.MMProj != "" {
		found := false
		for _, f := range files {
			if f == entry.MMProj || filepath.Base(f) == entry.MMProj {
				artifacts.Projector = filepath.Join(s.SnapshotDir(repo), filepath.FromSlash(f))
				found = true
				break
			}
		}
		if !found {
			return inference.ModelArtifacts{}, inference.NewError(inference.ErrWeightsMissing,
				"projector file %q for %q is not downloaded", entry.MMProj, entry.Name)
		}
	}

	return artifacts, nil
}

// Downloaded reports whether the entry's weights resolve locally.
func (s *Store) Downloaded(entry catalog.Entry) bool {
	_, err := s.Resolve(entry)
	return err == nil
}

// EnsureLocal resolves an entry's weights, downloading missing files first.
// Pull progress records are written to progressWriter when non-nil.
func (s *Store) EnsureLocal(ctx context.Context, entry catalog.Entry, progressWriter io.Writer) (inference.ModelArtifacts, error) {
	if artifacts, err := s.Resolve(entry); err == nil {
		return artifacts, nil
	}

	if s.offline {
		return inference.ModelArtifacts{}, inference.NewError(inference.ErrWeightsMissing,
			"weights for %q are not downloaded and the server is in offline mode", entry.Name)
	}

	repo, variant := entry.SplitCheckpoint()

	// One download of a given repository at a time; concurrent requests for
	// the same model wait here and then resolve against the fresh files.
	lock := s.repoLock(repo)
	lock.Lock()
	defer lock.Unlock()

	if artifacts, err := s.Resolve(entry); err == nil {
		return artifacts, nil
	}

	select {
	case s.pullTokens <- struct{}{}:
		defer func() { <-s.pullTokens }()
	case <-ctx.Done():
		return inference.ModelArtifacts{}, ctx.Err()
	}

	s.log.Infof("Downloading weights for %s from %s", utils.SanitizeForLog(entry.Name), repo)
	_ = WriteStatus(progressWriter, "Fetching file list for %s...", repo)

	remote, err := s.client.ListFiles(ctx, repo, snapshotRevision)
	if err != nil {
		return inference.ModelArtifacts{}, hubError(err, entry.Name)
	}

	wanted, err := s.selectRemote(remote, entry, variant)
	if err != nil {
		return inference.ModelArtifacts{}, err
	}

	downloader := NewDownloader(s.log, s.client, repo, snapshotRevision, s.SnapshotDir(repo))
	if err := downloader.DownloadAll(ctx, wanted, progressWriter); err != nil {
		return inference.ModelArtifacts{}, hubError(err, entry.Name)
	}

	return s.Resolve(entry)
}

// selectRemote picks the remote files an entry needs: the weights selection,
// the projector sidecar, and any config sidecars the repository carries.
func (s *Store) selectRemote(remote []RepoFile, entry catalog.Entry, variant string) ([]RepoFile, error) {
	byPath := make(map[string]RepoFile, len(remote))
	var names []string
	for _, f := range remote {
		if f.Type != "file" {
			continue
		}
		byPath[f.Path] = f
		names = append(names, f.Path)
	}

	selection, err := SelectWeights(names, variant)
	if err != nil {
		return nil, err
	}

	wantedPaths := selection.All()
	if entry.MMProj != "" {
		found := ""
		for _, name := range names {
			if name == entry.MMProj || filepath.Base(name) == entry.MMProj {
				found = name
				break
			}
		}
		if found == "" {
			return nil, inference.NewError(inference.ErrWeightsMissing,
				"projector file %q not found in repository", entry.MMProj)
		}
		wantedPaths = append(wantedPaths, found)
	}

	// Tokenizer and config sidecars ride along when the repository has them.
	for _, name := range names {
		if configSidecar(name) {
			wantedPaths = append(wantedPaths, name)
		}
	}

	seen := make(map[string]bool, len(wantedPaths))
	wanted := make([]RepoFile, 0, len(wantedPaths))
	for _, p := range wantedPaths {
		if seen[p] {
			continue
		}
		seen[p] = true
		wanted = append(wanted, byPath[p])
	}
	return wanted, nil
}

// configSidecar reports whether a repository file is a config or tokenizer
// sidecar ("config.json", "tokenizer*.json", "tokenizer.model").
func configSidecar(name string) bool {
	base := filepath.Base(name)
	switch {
	case base == "config.json", base == "tokenizer.model":
		return true
	case strings.HasPrefix(base, "tokenizer") && strings.HasSuffix(base, ".json"):
		return true
	}
	return false
}

// Delete removes a repository from the cache.
func (s *Store) Delete(repo string) error {
	return os.RemoveAll(s.RepoDir(repo))
}

// ListLocal enumerates all repositories present in the cache.
func (s *Store) ListLocal() ([]LocalModel, error) {
	entries, err := os.ReadDir(s.root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	var models []LocalModel
	for _, dirEntry := range entries {
		if !dirEntry.IsDir() || !strings.HasPrefix(dirEntry.Name(), "models--") {
			continue
		}
		repo := strings.ReplaceAll(strings.TrimPrefix(dirEntry.Name(), "models--"), "--", "/")
		files, err := s.LocalFiles(repo)
		if err != nil {
			return nil, err
		}
		var bytes int64
		for _, f := range files {
			if info, err := os.Stat(filepath.Join(s.SnapshotDir(repo), filepath.FromSlash(f))); err == nil {
				bytes += info.Size()
			}
		}
		models = append(models, LocalModel{Repo: repo, Files: files, Bytes: bytes})
	}
	sort.Slice(models, func(i, j int) bool { return models[i].Repo < models[j].Repo })
	return models, nil
}

// DiskUsage returns the total bytes used by the cache.
func (s *Store) DiskUsage() (int64, error) {
	var total int64
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	return total, err
}

func (s *Store) repoLock(repo string) *sync.Mutex {
	lock, _ := s.repoLocks.LoadOrStore(repo, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// hubError maps hub client failures onto the classified error surface.
func hubError(err error, modelName string) error {
	var infErr *inference.Error
	if errors.As(err, &infErr) {
		return err
	}

	var notFound *NotFoundError
	var auth *AuthError
	switch {
	case errors.As(err, &notFound):
		return inference.NewError(inference.ErrWeightsMissing,
			"checkpoint repository for %q not found: %v", modelName, err)
	case errors.As(err, &auth):
		return inference.NewError(inference.ErrWeightsMissing,
			"checkpoint repository for %q requires authentication (set HF_TOKEN): %v", modelName, err)
	default:
		return inference.NewError(inference.ErrWeightsMissing,
			"unable to download weights for %q: %v", modelName, err)
	}
}
