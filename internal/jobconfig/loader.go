package jobconfig

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"

	"job-replay-service/internal/models"
	"job-replay-service/internal/platform/logger"
)

// FileName is the per-context configuration document.
const FileName = "jobs.json"

// Loader reads jobs.json documents from context directories under Root.
type Loader struct {
	// Root holds one directory per context.
	Root string
	// Global, when set, is a directory whose jobs.json entries flagged
	// for-all-projects are added to every context.
	Global string

	validate *validator.Validate
	logger   *slog.Logger
}

// NewLoader creates a Loader rooted at root.
func NewLoader(root, global string, l *slog.Logger) *Loader {
	return &Loader{
		Root:     root,
		Global:   global,
		validate: validator.New(),
		logger:   logger.OrDiscard(l).With("component", "jobconfig_loader"),
	}
}

// Path returns the location of a context's configuration document.
func (l *Loader) Path(contextName string) string {
	return filepath.Join(l.Root, contextName, FileName)
}

// LoadOrFail returns the single configuration selected for contextName. With
// a blank configID, ignore-on-running entries are skipped and exactly one
// configuration must remain; otherwise only entries whose id equals configID
// are kept.
func (l *Loader) LoadOrFail(contextName, configID string) ([]JobConfiguration, error) {
	configs, err := l.load(contextName)
	if err != nil {
		return nil, err
	}

	configID = strings.TrimSpace(configID)
	var selected []JobConfiguration
	for _, c := range configs {
		if configID == "" && c.Ignored() {
			continue
		}
		if configID != "" && c.ID != configID {
			continue
		}
		selected = append(selected, c)
	}

	if err := checkSelection(contextName, selected); err != nil {
		return nil, err
	}
	if configID == "" && len(selected) > 1 {
		return nil, models.ConfigurationError("load job configuration",
			fmt.Errorf("%w: context %q has %d configurations, pass a configuration id",
				models.ErrAmbiguousConfiguration, contextName, len(selected)))
	}
	if err := l.validateAll(selected); err != nil {
		return nil, err
	}
	return selected, nil
}

// LoadAll returns every configuration of contextName that is not flagged
// ignore-on-running. Ids must still be unique.
func (l *Loader) LoadAll(contextName string) ([]JobConfiguration, error) {
	configs, err := l.load(contextName)
	if err != nil {
		return nil, err
	}
	var selected []JobConfiguration
	for _, c := range configs {
		if !c.Ignored() {
			selected = append(selected, c)
		}
	}
	if err := checkSelection(contextName, selected); err != nil {
		return nil, err
	}
	if err := l.validateAll(selected); err != nil {
		return nil, err
	}
	return selected, nil
}

// validateAll checks only the selected configurations, so an incomplete
// entry never blocks an unrelated one.
func (l *Loader) validateAll(configs []JobConfiguration) error {
	for _, c := range configs {
		if err := l.validate.Struct(c); err != nil {
			return models.ConfigurationError("validate job configuration",
				fmt.Errorf("configuration %q: %w", c.Name(), err))
		}
		if err := c.checkDriver(); err != nil {
			return models.ConfigurationError("validate job configuration", err)
		}
	}
	return nil
}

func checkSelection(contextName string, selected []JobConfiguration) error {
	if len(selected) == 0 {
		return models.ConfigurationError("load job configuration",
			fmt.Errorf("%w: context %q", models.ErrNoConfiguration, contextName))
	}
	seen := make(map[string]bool, len(selected))
	for _, c := range selected {
		if c.ID == "" {
			continue
		}
		if seen[c.ID] {
			return models.ConfigurationError("load job configuration",
				fmt.Errorf("%w: %q in context %q", models.ErrDuplicateConfigurationID, c.ID, contextName))
		}
		seen[c.ID] = true
	}
	return nil
}

func (l *Loader) load(contextName string) ([]JobConfiguration, error) {
	path := l.Path(contextName)
	configs, err := l.readDocument(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, models.ConfigurationError("load job configuration",
				fmt.Errorf("%w: %s does not exist", models.ErrNoConfiguration, path))
		}
		return nil, models.ConfigurationError("load job configuration", err)
	}

	if l.Global != "" {
		globalPath := filepath.Join(l.Global, FileName)
		if filepath.Clean(globalPath) != filepath.Clean(path) {
			shared, err := l.readDocument(globalPath)
			switch {
			case errors.Is(err, fs.ErrNotExist):
				l.logger.Debug("no global job configuration", "path", globalPath)
			case err != nil:
				return nil, models.ConfigurationError("load global job configuration", err)
			default:
				for _, c := range shared {
					if c.ForAllProjects {
						configs = append(configs, c)
					}
				}
			}
		}
	}

	for i := range configs {
		configs[i].Context = contextName
		configs[i].resolveEnv()
	}

	l.logger.Debug("job configuration loaded", "context", contextName, "path", path, "count", len(configs))
	return configs, nil
}

// readDocument parses a jobs.json holding either one object or an array.
func (l *Loader) readDocument(path string) ([]JobConfiguration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := documentSchema.Validate(data); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ParseDocument(data)
}

// ParseDocument decodes a configuration document in either shape.
func ParseDocument(data []byte) ([]JobConfiguration, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var configs []JobConfiguration
		if err := json.Unmarshal(trimmed, &configs); err != nil {
			return nil, fmt.Errorf("failed to decode configuration array: %w", err)
		}
		return configs, nil
	}
	var single JobConfiguration
	if err := json.Unmarshal(trimmed, &single); err != nil {
		return nil, fmt.Errorf("failed to decode configuration object: %w", err)
	}
	return []JobConfiguration{single}, nil
}
