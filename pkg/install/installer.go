package install

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/docker/go-units"
	"github.com/moby/sys/atomicwriter"

	"github.com/lemonade-sdk/lemonade-server/pkg/inference"
	"github.com/lemonade-sdk/lemonade-server/pkg/logging"
)

const (
	// versionMarker records the installed release inside an install
	// directory. It is written last, so its presence means the install
	// completed.
	versionMarker = "version.txt"

	downloadLogInterval = 100 * 1024 * 1024
)

// Spec identifies one installable backend build.
type Spec struct {
	// Family is the backend family directory name ("llamacpp", "sdcpp", ...).
	Family string
	// Variant is the accelerator variant ("vulkan", "rocm", "cpu", "metal")
	// or "system" for a PATH-installed binary.
	Variant string
	// Version is the upstream release tag to install.
	Version string
	// Binary is the executable to locate after extraction, without ".exe".
	Binary string
}

func (s Spec) dirName() string {
	return s.Variant + "-" + s.Version
}

// Installer downloads backend release archives and lays them out under
// <cache>/backends/<family>/<variant>-<version>/. Installs are idempotent
// and safe to request concurrently.
type Installer struct {
	log  logging.Logger
	root string

	// locks serializes installs per target directory.
	locks sync.Map
}

// NewInstaller returns an installer rooted at backendsDir, typically
// <cache>/backends.
func NewInstaller(log logging.Logger, backendsDir string) *Installer {
	return &Installer{
		log:  log,
		root: backendsDir,
	}
}

// Ensure makes the binary for spec available and returns its absolute path.
// The "system" variant resolves from PATH and never downloads. Other
// variants reuse a completed install when the recorded version matches,
// otherwise they download and extract the release archive using httpClient.
func (i *Installer) Ensure(ctx context.Context, httpClient *http.Client, spec Spec) (string, error) {
	if spec.Variant == "system" {
		binPath, err := exec.LookPath(spec.Binary)
		if err != nil {
			return "", inference.NewError(inference.ErrSystemBinaryMissing,
				"%s not found on PATH; install it or select a downloadable variant", spec.Binary)
		}
		return binPath, nil
	}

	dir := filepath.Join(i.root, spec.Family, spec.dirName())
	unlock := i.lock(dir)
	defer unlock()

	if i.installedVersion(dir) == spec.Version {
		if binPath, err := findBinary(dir, spec.Binary); err == nil {
			return binPath, nil
		}
		i.log.Warnf("Install at %s is marked complete but %s is missing, reinstalling", dir, spec.Binary)
	}

	if err := i.install(ctx, httpClient, spec, dir); err != nil {
		return "", err
	}
	return findBinary(dir, spec.Binary)
}

// DiskUsage returns the bytes consumed by installed builds of a family.
func (i *Installer) DiskUsage(family string) (int64, error) {
	var total int64
	err := filepath.WalkDir(filepath.Join(i.root, family), func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
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
	return total, err
}

func (i *Installer) lock(dir string) func() {
	mu, _ := i.locks.LoadOrStore(dir, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

func (i *Installer) installedVersion(dir string) string {
	data, err := os.ReadFile(filepath.Join(dir, versionMarker))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (i *Installer) install(ctx context.Context, httpClient *http.Client, spec Spec, dir string) error {
	url, err := assetURL(spec.Family, spec.Variant, spec.Version, runtime.GOOS, runtime.GOARCH)
	if err != nil {
		return err
	}

	i.log.Infof("Installing %s %s (%s) from %s", spec.Family, spec.Version, spec.Variant, url)

	if err := os.RemoveAll(dir); err != nil {
		return installFailed(spec, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return installFailed(spec, err)
	}

	archivePath := filepath.Join(dir, path.Base(url))
	if err := i.download(ctx, httpClient, url, archivePath); err != nil {
		os.RemoveAll(dir)
		return installFailed(spec, err)
	}
	if err := extractArchive(archivePath, dir); err != nil {
		os.RemoveAll(dir)
		return installFailed(spec, err)
	}
	if err := os.Remove(archivePath); err != nil {
		i.log.Warnf("Could not remove archive %s: %v", archivePath, err)
	}

	if err := atomicwriter.WriteFile(filepath.Join(dir, versionMarker), []byte(spec.Version+"\n"), 0o644); err != nil {
		os.RemoveAll(dir)
		return installFailed(spec, err)
	}

	i.log.Infof("Installed %s %s into %s", spec.Family, spec.Version, dir)
	return nil
}

func (i *Installer) download(ctx context.Context, httpClient *http.Client, url, target string) error {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s fetching %s", resp.Status, url)
	}

	f, err := os.Create(target)
	if err != nil {
		return err
	}
	counter := &countingWriter{
		log:   i.log,
		label: path.Base(url),
		total: resp.ContentLength,
	}
	_, err = io.Copy(io.MultiWriter(f, counter), resp.Body)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	return err
}

func installFailed(spec Spec, err error) error {
	var infErr *inference.Error
	if errors.As(err, &infErr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return inference.NewError(inference.ErrInstallFailed,
		"installing %s %s (%s): %v", spec.Family, spec.Version, spec.Variant, err)
}

func findBinary(dir, name string) (string, error) {
	var found string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if base := d.Name(); base == name || base == name+".exe" {
			found = p
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", inference.NewError(inference.ErrInstallFailed,
			"binary %q not found under %s after install", name, dir)
	}
	return found, nil
}

// countingWriter logs download progress at coarse intervals so large
// archives show signs of life without flooding the log.
type countingWriter struct {
	log     logging.Logger
	label   string
	total   int64
	written int64
	logged  int64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.written += int64(len(p))
	if w.written-w.logged >= downloadLogInterval {
		w.logged = w.written
		if w.total > 0 {
			w.log.Infof("Downloading %s: %s / %s", w.label,
				units.HumanSize(float64(w.written)), units.HumanSize(float64(w.total)))
		} else {
			w.log.Infof("Downloading %s: %s", w.label, units.HumanSize(float64(w.written)))
		}
	}
	return len(p), nil
}
