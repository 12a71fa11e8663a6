package models

import (
	"context"
	"io"

	"github.com/lemonade-sdk/lemonade-server/pkg/catalog"
	"github.com/lemonade-sdk/lemonade-server/pkg/inference"
	"github.com/lemonade-sdk/lemonade-server/pkg/internal/utils"
	"github.com/lemonade-sdk/lemonade-server/pkg/logging"
	"github.com/lemonade-sdk/lemonade-server/pkg/weights"
)

// WeightsPuller is implemented by backends that manage their own weight
// store (FastFlowLM among them). The manager discovers it by interface
// assertion; every other backend resolves weights through the shared store.
type WeightsPuller interface {
	PullModel(ctx context.Context, checkpoint string) error
}

// Manager handles the business logic for model management operations. It
// resolves names through the catalog and moves weights through the shared
// store or, for self-managed backends, through the backend itself.
type Manager struct {
	// log is the associated logger.
	log logging.Logger
	// catalog resolves model names to entries and holds user registrations.
	catalog *catalog.Catalog
	// store resolves and downloads model weights.
	store *weights.Store
	// backends are the supported inference backends, keyed by recipe name.
	backends map[string]inference.Backend
	// unload releases a resident model before its files are removed. It may
	// be nil.
	unload func(ctx context.Context, modelName string)
}

// NewManager creates a new model manager.
func NewManager(
	log logging.Logger,
	cat *catalog.Catalog,
	store *weights.Store,
	backends map[string]inference.Backend,
	unload func(ctx context.Context, modelName string),
) *Manager {
	return &Manager{
		log:      log,
		catalog:  cat,
		store:    store,
		backends: backends,
		unload:   unload,
	}
}

// selfManaged returns the backend holding the entry's weights when that
// backend keeps a store of its own, and nil otherwise.
func (m *Manager) selfManaged(entry catalog.Entry) inference.Backend {
	backend, ok := m.backends[entry.Recipe]
	if !ok || !backend.UsesExternalWeights() {
		return nil
	}
	return backend
}

// downloaded reports whether an entry's weights are available locally.
// Self-managed backends resolve weights at load time, so their entries
// count as available whenever the runtime itself is installed.
func (m *Manager) downloaded(entry catalog.Entry) bool {
	if backend := m.selfManaged(entry); backend != nil {
		return backend.Status() == "installed"
	}
	return m.store.Downloaded(entry)
}

// List returns catalog entries in their API representation. Unless showAll
// is set, entries without local weights are omitted, which is the behavior
// OpenAI clients expect from the models endpoint.
func (m *Manager) List(showAll bool) []*OpenAIModel {
	entries := m.catalog.List()
	result := make([]*OpenAIModel, 0, len(entries))
	for _, entry := range entries {
		downloaded := m.downloaded(entry)
		if !showAll && !downloaded {
			continue
		}
		result = append(result, ToOpenAI(entry, downloaded))
	}
	return result
}

// Get returns a single model by name.
func (m *Manager) Get(name string) (*OpenAIModel, error) {
	entry, err := m.catalog.Lookup(name)
	if err != nil {
		return nil, err
	}
	return ToOpenAI(entry, m.downloaded(entry)), nil
}

// Artifacts resolves a model's local weight files without touching the
// network. Self-managed backends keep their weights outside the shared
// store, so their entries report WeightsMissing here.
func (m *Manager) Artifacts(name string) (inference.ModelArtifacts, error) {
	entry, err := m.catalog.Lookup(name)
	if err != nil {
		return inference.ModelArtifacts{}, err
	}
	if m.selfManaged(entry) != nil {
		return inference.ModelArtifacts{}, inference.NewError(inference.ErrWeightsMissing,
			"the %s runtime manages its own weights", entry.Recipe)
	}
	return m.store.Resolve(entry)
}

// Pull ensures a model's weights are available locally, registering the
// entry first when the request carries registration fields for an unknown
// name. Progress records are written to progressWriter when non-nil.
func (m *Manager) Pull(ctx context.Context, req PullRequest, progressWriter io.Writer) (catalog.Entry, error) {
	name := req.Name()
	entry, err := m.catalog.Lookup(name)
	if err != nil {
		if req.Checkpoint == "" || req.Recipe == "" {
			return catalog.Entry{}, err
		}
		entry = catalog.Entry{
			Name:       name,
			Checkpoint: req.Checkpoint,
			Recipe:     req.Recipe,
			MMProj:     req.MMProj,
			Labels:     registrationLabels(req),
		}
		if err := m.catalog.Register(entry); err != nil {
			return catalog.Entry{}, err
		}
	}

	if backend := m.selfManaged(entry); backend != nil {
		puller, ok := backend.(WeightsPuller)
		if !ok {
			return entry, inference.NewError(inference.ErrUnsupportedPlatform,
				"the %s runtime manages its own weights and does not support pulls", entry.Recipe)
		}
		_ = weights.WriteStatus(progressWriter, "Pulling %s through %s...", entry.Checkpoint, entry.Recipe)
		if err := puller.PullModel(ctx, entry.Checkpoint); err != nil {
			return entry, err
		}
		return entry, nil
	}

	if _, err := m.store.EnsureLocal(ctx, entry, progressWriter); err != nil {
		return entry, err
	}
	return entry, nil
}

// registrationLabels maps a pull request's capability flags onto catalog
// labels.
func registrationLabels(req PullRequest) []string {
	var labels []string
	if req.Reasoning {
		labels = append(labels, catalog.LabelReasoning)
	}
	if req.Vision {
		labels = append(labels, catalog.LabelVision)
	}
	if req.Embedding {
		labels = append(labels, catalog.LabelEmbeddings)
	}
	if req.Reranking {
		labels = append(labels, catalog.LabelReranking)
	}
	return labels
}

// Delete removes a model's local weights, unloading it first if resident.
// User-registered entries are also removed from the catalog; built-in
// entries stay listed as not downloaded. Deleting weights that were never
// downloaded succeeds.
func (m *Manager) Delete(ctx context.Context, name string) error {
	entry, err := m.catalog.Lookup(name)
	if err != nil {
		return err
	}

	if m.unload != nil {
		m.unload(ctx, entry.Name)
	}

	if m.selfManaged(entry) == nil {
		if err := m.store.Delete(entry.Repo()); err != nil {
			return err
		}
	}

	if entry.UserDefined() {
		if err := m.catalog.Unregister(entry.Name); err != nil {
			return err
		}
	}

	m.log.Infof("Deleted model %s", utils.SanitizeForLog(entry.Name))
	return nil
}
