package rules

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/dredge/api/schemas"
)

// ErrInvalidRule marks a rule definition that cannot be compiled: a path that
// is not a valid URL path, or an empty signature.
var ErrInvalidRule = errors.New("invalid rule")

// Rule is a single declarative scanning rule. Identity is the name; several
// rules may probe the same path with different signatures.
type Rule struct {
	Name        string           `yaml:"name" json:"name"`
	Path        string           `yaml:"path" json:"path"`
	Signature   string           `yaml:"signature" json:"signature"`
	Description string           `yaml:"description,omitempty" json:"description,omitempty"`
	Severity    schemas.Severity `yaml:"severity,omitempty" json:"severity,omitempty"`
}

// Validate checks the fields a rule needs before it can be compiled.
func (r Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("%w: rule has no name", ErrInvalidRule)
	}
	if r.Signature == "" {
		return fmt.Errorf("%w: rule %q has an empty signature", ErrInvalidRule, r.Name)
	}
	u, err := url.Parse(r.Path)
	if err != nil || u.Scheme != "" || u.Host != "" || !strings.HasPrefix(r.Path, "/") {
		return fmt.Errorf("%w: rule %q path %q is not a valid URL path", ErrInvalidRule, r.Name, r.Path)
	}
	return nil
}

// ruleFile mirrors the on-disk YAML layout. Each rule is kept as a raw node so
// one malformed record can be skipped without losing the rest of the file.
type ruleFile struct {
	Rules []yaml.Node `yaml:"rules"`
}

// Load reads a YAML rule file. Individually malformed rules are logged and
// skipped; the load only fails when the file itself cannot be parsed or no
// usable rule survives.
func Load(path string, logger *zap.Logger) ([]Rule, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open rules file %s: %w", path, err)
	}

	var file ruleFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse rules file %s: %w", path, err)
	}

	loaded := make([]Rule, 0, len(file.Rules))
	skipped := 0
	for i := range file.Rules {
		var r Rule
		if err := file.Rules[i].Decode(&r); err != nil {
			logger.Warn("Skipping malformed rule entry",
				zap.String("file", path), zap.Int("index", i), zap.Error(err))
			skipped++
			continue
		}
		if r.Severity == "" {
			r.Severity = schemas.SeverityInfo
		}
		loaded = append(loaded, r)
	}

	if len(loaded) == 0 && len(file.Rules) > 0 {
		return nil, fmt.Errorf("rules file %s contains no parsable rules", path)
	}

	logger.Info("Loaded rules",
		zap.String("file", path), zap.Int("count", len(loaded)), zap.Int("skipped", skipped))
	return loaded, nil
}

// CompiledSet is an immutable, evaluable rule set. It is safe for concurrent
// read-only use by any number of probe workers.
type CompiledSet struct {
	byName  map[string]Rule
	ordered []Rule
}

// Compile validates rules and builds a CompiledSet. Invalid rules are skipped
// and reported through the returned error slice-style joined error; the set
// itself only fails when nothing compiles.
func Compile(in []Rule, logger *zap.Logger) (*CompiledSet, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	cs := &CompiledSet{byName: make(map[string]Rule, len(in))}
	var errs []error
	for _, r := range in {
		if err := r.Validate(); err != nil {
			logger.Warn("Skipping invalid rule", zap.String("rule", r.Name), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		if !r.Severity.Valid() {
			r.Severity = schemas.SeverityInfo
		}
		if _, dup := cs.byName[r.Name]; dup {
			logger.Warn("Duplicate rule name, keeping first definition", zap.String("rule", r.Name))
			continue
		}
		cs.byName[r.Name] = r
		cs.ordered = append(cs.ordered, r)
	}

	if len(cs.ordered) == 0 {
		if len(errs) > 0 {
			return nil, fmt.Errorf("no usable rules: %w", errors.Join(errs...))
		}
		return nil, errors.New("no rules to compile")
	}

	// Highest severity probed first so critical exposure surfaces early.
	sort.SliceStable(cs.ordered, func(i, j int) bool {
		return cs.ordered[i].Severity.Rank() > cs.ordered[j].Severity.Rank()
	})
	return cs, nil
}

// Len returns the number of compiled rules.
func (cs *CompiledSet) Len() int { return len(cs.ordered) }

// Rules returns the compiled rules ordered by descending severity. The slice
// is shared; callers must not mutate it.
func (cs *CompiledSet) Rules() []Rule { return cs.ordered }

// Get looks up a compiled rule by name.
func (cs *CompiledSet) Get(name string) (Rule, bool) {
	r, ok := cs.byName[name]
	return r, ok
}

// Evaluate reports whether the named rule's signature occurs literally in the
// response. Matching is a case-sensitive substring search over the status
// line, headers and body; rules are authored as literal fingerprints, so no
// regex machinery is involved. A miss on an unknown rule name is just false.
func (cs *CompiledSet) Evaluate(name string, resp *Response) bool {
	r, ok := cs.byName[name]
	if !ok || resp == nil {
		return false
	}
	return strings.Contains(resp.Haystack(), r.Signature)
}
