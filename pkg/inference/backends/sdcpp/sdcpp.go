// Package sdcpp serves OpenAI-style image endpoints by invoking the
// stable-diffusion.cpp CLI once per image. The engine has no server mode, so
// the backend is non-resident: no process outlives a request.
package sdcpp

import (
	"context"
	"fmt"
	"net/http"

	"github.com/pkg/errors"

	"github.com/lemonade-sdk/lemonade-server/pkg/catalog"
	"github.com/lemonade-sdk/lemonade-server/pkg/inference"
	"github.com/lemonade-sdk/lemonade-server/pkg/install"
	"github.com/lemonade-sdk/lemonade-server/pkg/logging"
	"github.com/lemonade-sdk/lemonade-server/pkg/sysinfo"
)

const (
	// Name is the backend name.
	Name = "sdcpp"

	// cliBinary is the stable-diffusion.cpp executable, without ".exe".
	cliBinary = "sd"
)

// Config carries server-level settings for the stable-diffusion backend.
type Config struct {
	// Variant pins the accelerator variant instead of probing the host.
	Variant string
	// SaveImages persists generated images to ImagesDir instead of deleting
	// them once they are encoded into the response.
	SaveImages bool
	// ImagesDir is where images are kept when SaveImages is set.
	ImagesDir string
}

// sdCpp is the stable-diffusion.cpp backend implementation.
type sdCpp struct {
	log       logging.Logger
	installer *install.Installer
	catalog   *catalog.Catalog
	config    *Config

	binPath string
	status  string
}

// New creates a new stable-diffusion.cpp backend. The catalog supplies
// per-model image defaults (steps, guidance, size).
func New(log logging.Logger, installer *install.Installer, modelCatalog *catalog.Catalog, config *Config) inference.Backend {
	if config == nil {
		config = &Config{}
	}
	return &sdCpp{
		log:       log,
		installer: installer,
		catalog:   modelCatalog,
		config:    config,
		status:    "not installed",
	}
}

// Name implements inference.Backend.Name.
func (s *sdCpp) Name() string {
	return Name
}

// UsesExternalWeights implements inference.Backend.UsesExternalWeights.
func (s *sdCpp) UsesExternalWeights() bool {
	return false
}

// Resident implements inference.Backend.Resident.
func (s *sdCpp) Resident() bool {
	return false
}

// ReadyPath implements inference.Backend.ReadyPath.
func (s *sdCpp) ReadyPath() string {
	return ""
}

// Install implements inference.Backend.Install.
func (s *sdCpp) Install(ctx context.Context, httpClient *http.Client) error {
	s.status = "installing"

	variant := install.SelectPreferredVariant(Name, s.config.Variant, cliBinary,
		sysinfo.DetectAccelerators())
	binPath, err := s.installer.Ensure(ctx, httpClient, install.Spec{
		Family:  Name,
		Variant: variant,
		Version: install.SDCppVersion,
		Binary:  cliBinary,
	})
	if err != nil {
		s.status = fmt.Sprintf("install failed: %v", err)
		return err
	}
	s.binPath = binPath
	s.status = fmt.Sprintf("installed (%s)", variant)
	s.log.Infof("Installed stable-diffusion.cpp %s variant at %s", variant, binPath)
	return nil
}

// Run implements inference.Backend.Run. The backend is non-resident, so the
// pool never invokes it.
func (s *sdCpp) Run(ctx context.Context, port int, model string, artifacts inference.ModelArtifacts, mode inference.BackendMode, config *inference.BackendConfiguration) error {
	return errors.New("stable-diffusion.cpp does not run a server process")
}

// Proxy implements inference.Backend.Proxy.
func (s *sdCpp) Proxy(port int, model string, artifacts inference.ModelArtifacts) http.Handler {
	return &imagesHandler{
		backend:   s,
		model:     model,
		artifacts: artifacts,
	}
}

// Status implements inference.Backend.Status.
func (s *sdCpp) Status() string {
	return s.status
}

// GetDiskUsage implements inference.Backend.GetDiskUsage.
func (s *sdCpp) GetDiskUsage() (int64, error) {
	return s.installer.DiskUsage(Name)
}
