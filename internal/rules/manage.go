package rules

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// serializedFile is the strict shape written back to disk by the management
// operations.
type serializedFile struct {
	Rules []Rule `yaml:"rules"`
}

func writeFile(path string, rs []Rule) error {
	out, err := yaml.Marshal(serializedFile{Rules: rs})
	if err != nil {
		return fmt.Errorf("failed to serialize rules: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("failed to write rules file %s: %w", path, err)
	}
	return nil
}

// Add merges the rules from srcPath into the rule file at destPath, skipping
// rules whose name already exists. It returns how many rules were added.
func Add(destPath, srcPath string, logger *zap.Logger) (int, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var existing []Rule
	if _, statErr := os.Stat(destPath); statErr == nil {
		var err error
		existing, err = Load(destPath, logger)
		if err != nil {
			return 0, err
		}
	}
	incoming, err := Load(srcPath, logger)
	if err != nil {
		return 0, err
	}

	known := make(map[string]struct{}, len(existing))
	for _, r := range existing {
		known[r.Name] = struct{}{}
	}

	added := 0
	for _, r := range incoming {
		if _, dup := known[r.Name]; dup {
			logger.Debug("Rule already exists, skipping", zap.String("rule", r.Name))
			continue
		}
		existing = append(existing, r)
		known[r.Name] = struct{}{}
		added++
	}

	if err := writeFile(destPath, existing); err != nil {
		return 0, err
	}
	logger.Info("Added rules", zap.Int("count", added), zap.String("file", destPath))
	return added, nil
}

// Remove deletes the named rule from the rule file. It reports whether the
// rule was present.
func Remove(path, name string, logger *zap.Logger) (bool, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	existing, err := Load(path, logger)
	if err != nil {
		return false, err
	}

	kept := existing[:0]
	for _, r := range existing {
		if r.Name != name {
			kept = append(kept, r)
		}
	}
	if len(kept) == len(existing) {
		logger.Warn("Rule not found", zap.String("rule", name), zap.String("file", path))
		return false, nil
	}

	if err := writeFile(path, kept); err != nil {
		return false, err
	}
	logger.Info("Removed rule", zap.String("rule", name), zap.String("file", path))
	return true, nil
}
