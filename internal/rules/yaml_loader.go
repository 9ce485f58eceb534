package rules

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"distributor/internal/domain"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// ruleFile is the on-disk YAML layout of a rule set:
//
//	tenant: acme
//	rules:
//	  - id: large-invoices        # optional; derived from tenant and name
//	    name: large invoices by email
//	    type: amount
//	    channel: email
//	    priority: 90
//	    conditions: {minAmount: 10000}
type ruleFile struct {
	Tenant string      `yaml:"tenant"`
	Rules  []ruleEntry `yaml:"rules"`
}

type ruleEntry struct {
	ID          string         `yaml:"id"`
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Type        string         `yaml:"type"`
	Channel     string         `yaml:"channel"`
	Priority    int            `yaml:"priority"`
	Active      *bool          `yaml:"active"`
	Conditions  map[string]any `yaml:"conditions"`
}

// ParseRuleSet decodes a YAML rule set. tenantOverride, when set, replaces the
// tenant declared in the file.
func ParseRuleSet(data []byte, tenantOverride string) ([]domain.Rule, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rule set: %w", err)
	}
	tenant := f.Tenant
	if tenantOverride != "" {
		tenant = tenantOverride
	}

	out := make([]domain.Rule, 0, len(f.Rules))
	for i, e := range f.Rules {
		ch, err := domain.ParseChannel(e.Channel)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, e.Name, err)
		}
		cond, err := json.Marshal(e.Conditions)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): conditions: %w", i, e.Name, err)
		}
		active := true
		if e.Active != nil {
			active = *e.Active
		}
		out = append(out, domain.Rule{
			ID:            e.ID,
			TenantID:      tenant,
			Name:          e.Name,
			Description:   e.Description,
			RuleType:      domain.RuleType(strings.ToLower(e.Type)),
			Conditions:    cond,
			TargetChannel: ch,
			Priority:      e.Priority,
			IsActive:      active,
			CreatedBy:     "import",
		})
	}
	return out, nil
}

var ruleIDSpace = uuid.MustParse("5b0c7a8e-2f7d-4a51-9c1e-8d3f0e6b1a42")

// StableRuleID derives the id an imported rule gets when its file declares
// none, so importing the same set again addresses the same rows.
func StableRuleID(tenantID, name string) string {
	return uuid.NewSHA1(ruleIDSpace, []byte(tenantID+"\x00"+name)).String()
}

// LoadRuleFile reads a single YAML rule set.
func LoadRuleFile(path, tenantOverride string) ([]domain.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule file: %w", err)
	}
	return ParseRuleSet(data, tenantOverride)
}

// LoadRuleDir loads every .yaml/.yml rule set in dir. Unreadable files are
// logged and skipped.
func LoadRuleDir(dir, tenantOverride string, logger *slog.Logger) ([]domain.Rule, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logger.Debug("rules directory does not exist, skipping", "dir", dir)
		return nil, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read rules dir: %w", err)
	}

	var all []domain.Rule
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		path := filepath.Join(dir, name)
		set, err := LoadRuleFile(path, tenantOverride)
		if err != nil {
			logger.Warn("cannot load rule file", "path", path, "err", err)
			continue
		}
		logger.Info("loaded rule set", "path", path, "rules", len(set))
		all = append(all, set...)
	}
	return all, nil
}
