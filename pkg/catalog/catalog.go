package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/moby/sys/atomicwriter"

	"github.com/lemonade-sdk/lemonade-server/pkg/inference"
	"github.com/lemonade-sdk/lemonade-server/pkg/internal/utils"
	"github.com/lemonade-sdk/lemonade-server/pkg/logging"
)

// UserModelsFile is the file name under the cache directory holding
// user-registered entries.
const UserModelsFile = "user_models.json"

// Catalog resolves model names to entries. It is safe for concurrent use.
type Catalog struct {
	// log is the associated logger.
	log logging.Logger
	// path is the location of the persisted user entries.
	path string
	// mu serializes access to entries.
	mu sync.RWMutex
	// entries maps model name to entry, built-ins and user entries together.
	entries map[string]Entry
}

// New creates a catalog from the built-in list plus the user entries
// persisted under cacheDir, if any.
func New(log logging.Logger, cacheDir string) (*Catalog, error) {
	c := &Catalog{
		log:     log,
		path:    filepath.Join(cacheDir, UserModelsFile),
		entries: builtinEntries(),
	}
	for name, entry := range c.entries {
		entry.Name = name
		c.entries[name] = entry
	}

	if err := c.loadUserEntries(); err != nil {
		return nil, fmt.Errorf("unable to load user models: %w", err)
	}
	return c, nil
}

func (c *Catalog) loadUserEntries() error {
	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return err
	}

	var userEntries map[string]Entry
	if err := json.Unmarshal(data, &userEntries); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(c.path), err)
	}

	for name, entry := range userEntries {
		if !strings.HasPrefix(name, UserModelPrefix) {
			c.log.Warnf("Skipping user model without %q prefix: %s", UserModelPrefix, utils.SanitizeForLog(name))
			continue
		}
		entry.Name = name
		c.entries[name] = entry
	}
	c.log.Infof("Loaded %d user model(s) from %s", len(userEntries), c.path)
	return nil
}

// Lookup resolves a model name to its entry. Names are case-sensitive.
func (c *Catalog) Lookup(name string) (Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[name]
	if !ok {
		return Entry{}, inference.NewError(inference.ErrModelNotFound, "model %q not found", name)
	}
	return entry, nil
}

// List returns all entries sorted by name.
func (c *Catalog) List() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]Entry, 0, len(c.entries))
	for _, entry := range c.entries {
		result = append(result, entry)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result
}

// Register adds a user entry and persists it. Entries are immutable:
// registering an existing name fails.
func (c *Catalog) Register(entry Entry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[entry.Name]; exists {
		return inference.NewError(inference.ErrBadRequest, "model %q already exists", entry.Name)
	}
	c.entries[entry.Name] = entry
	if err := c.saveLocked(); err != nil {
		delete(c.entries, entry.Name)
		return err
	}
	c.log.Infof("Registered model %s (recipe %s)", utils.SanitizeForLog(entry.Name), entry.Recipe)
	return nil
}

// Unregister removes a user entry and persists the change. Built-in entries
// cannot be removed.
func (c *Catalog) Unregister(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[name]
	if !ok {
		return inference.NewError(inference.ErrModelNotFound, "model %q not found", name)
	}
	if !entry.UserDefined() {
		return inference.NewError(inference.ErrBadRequest, "model %q is built-in and cannot be deleted", name)
	}
	delete(c.entries, name)
	if err := c.saveLocked(); err != nil {
		c.entries[name] = entry
		return err
	}
	c.log.Infof("Unregistered model %s", utils.SanitizeForLog(name))
	return nil
}

func validateEntry(entry Entry) error {
	if !strings.HasPrefix(entry.Name, UserModelPrefix) {
		return inference.NewError(inference.ErrBadRequest,
			"user model names must start with %q", UserModelPrefix)
	}
	if len(entry.Name) <= len(UserModelPrefix) {
		return inference.NewError(inference.ErrBadRequest, "model name is empty")
	}
	if entry.Checkpoint == "" {
		return inference.NewError(inference.ErrBadRequest, "checkpoint is required")
	}
	if !KnownRecipes[entry.Recipe] {
		return inference.NewError(inference.ErrBadRequest, "unknown recipe %q", entry.Recipe)
	}
	return nil
}

// saveLocked persists the user entries. Callers must hold mu.
func (c *Catalog) saveLocked() error {
	userEntries := make(map[string]Entry)
	for name, entry := range c.entries {
		if entry.UserDefined() {
			userEntries[name] = entry
		}
	}

	data, err := json.MarshalIndent(userEntries, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}
	return atomicwriter.WriteFile(c.path, data, 0o644)
}
