package install

import (
	"archive/zip"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/moby/go-archive"
)

// extractArchive unpacks a release archive into dest. Zip and gzipped tar
// archives are supported, which covers every release source in assets.go.
func extractArchive(archivePath, dest string) error {
	switch {
	case strings.HasSuffix(archivePath, ".zip"):
		return extractZip(archivePath, dest)
	case strings.HasSuffix(archivePath, ".tar.gz"), strings.HasSuffix(archivePath, ".tgz"):
		return extractTar(archivePath, dest)
	default:
		return fmt.Errorf("unsupported archive format: %s", filepath.Base(archivePath))
	}
}

func extractTar(archivePath, dest string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()
	return archive.Untar(f, dest, &archive.TarOptions{NoLchown: true})
}

func extractZip(archivePath, dest string) error {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return err
	}
	defer reader.Close()

	for _, file := range reader.File {
		if err := extractZipFile(file, dest); err != nil {
			return fmt.Errorf("extract %s: %w", file.Name, err)
		}
	}
	return nil
}

func extractZipFile(file *zip.File, dest string) error {
	// Reject entries that would escape the destination directory.
	name := filepath.FromSlash(file.Name)
	if !filepath.IsLocal(name) {
		return fmt.Errorf("illegal path in archive")
	}
	target := filepath.Join(dest, name)

	if file.FileInfo().IsDir() {
		return os.MkdirAll(target, 0o755)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	src, err := file.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	mode := file.Mode()
	if mode&0o111 == 0 && isExecutableName(filepath.Base(name)) {
		mode |= 0o755
	}
	dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}
	defer dst.Close()

	_, err = dst.ReadFrom(src)
	return err
}

// isExecutableName reports whether a file should carry the executable bit
// even when the archive did not record one.
func isExecutableName(name string) bool {
	if strings.HasSuffix(name, ".exe") {
		return true
	}
	switch {
	case strings.HasPrefix(name, "llama-"),
		strings.HasPrefix(name, "whisper-"),
		name == "sd",
		name == "flm":
		return true
	}
	return false
}
