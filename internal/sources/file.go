// Package sources manages IngestionSource definitions: the YAML file operators
// edit, and the table the scheduler and handlers read.
package sources

import (
	"encoding/json"
	"os"
	"regexp"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/catalog-ingest/internal/model"
)

var slugRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// Definition is one source entry in the sources file.
type Definition struct {
	Slug                    string         `yaml:"slug"`
	Kind                    string         `yaml:"kind"`
	ScheduleIntervalMinutes *int           `yaml:"schedule_interval_minutes,omitempty"`
	Active                  *bool          `yaml:"active,omitempty"` // default true
	DefaultTrust            *float64       `yaml:"default_trust,omitempty"`
	Config                  map[string]any `yaml:"config,omitempty"`
}

// DefaultTrust applies when a definition omits default_trust.
const DefaultTrust = 0.5

// LoadFile reads and validates a sources file.
func LoadFile(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "sources: read %s", path)
	}
	return Parse(data)
}

// Parse decodes the YAML document `sources: [...]` and validates every entry.
func Parse(data []byte) ([]Definition, error) {
	var wrapper struct {
		Sources []Definition `yaml:"sources"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "sources: parse")
	}

	seen := make(map[string]bool, len(wrapper.Sources))
	for i, d := range wrapper.Sources {
		if err := d.validate(); err != nil {
			return nil, eris.Wrapf(err, "sources: entry %d", i)
		}
		if seen[d.Slug] {
			return nil, eris.Errorf("sources: duplicate slug %q", d.Slug)
		}
		seen[d.Slug] = true
	}
	return wrapper.Sources, nil
}

func (d Definition) validate() error {
	if !slugRe.MatchString(d.Slug) {
		return eris.Errorf("slug %q must be lowercase letters, digits and dashes", d.Slug)
	}
	switch model.SourceKind(d.Kind) {
	case model.SourceKindManual, model.SourceKindRetailer, model.SourceKindFeed:
	default:
		return eris.Errorf("source %s: unknown kind %q", d.Slug, d.Kind)
	}
	if d.ScheduleIntervalMinutes != nil && *d.ScheduleIntervalMinutes <= 0 {
		return eris.Errorf("source %s: schedule_interval_minutes must be > 0", d.Slug)
	}
	if d.DefaultTrust != nil && (*d.DefaultTrust < 0 || *d.DefaultTrust > 1) {
		return eris.Errorf("source %s: default_trust must be within [0, 1]", d.Slug)
	}
	return nil
}

// Source converts the definition into the stored form.
func (d Definition) Source() (*model.IngestionSource, error) {
	cfg := d.Config
	if cfg == nil {
		cfg = map[string]any{}
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, eris.Wrapf(err, "sources: encode config for %s", d.Slug)
	}

	src := &model.IngestionSource{
		Slug:                    d.Slug,
		Kind:                    model.SourceKind(d.Kind),
		ScheduleIntervalMinutes: d.ScheduleIntervalMinutes,
		Config:                  raw,
		Active:                  true,
		DefaultTrust:            DefaultTrust,
	}
	if d.Active != nil {
		src.Active = *d.Active
	}
	if d.DefaultTrust != nil {
		src.DefaultTrust = *d.DefaultTrust
	}
	return src, nil
}

// DecodeConfig parses a source's stored config.
func DecodeConfig(src *model.IngestionSource) (*model.SourceConfig, error) {
	var cfg model.SourceConfig
	if len(src.Config) == 0 {
		return &cfg, nil
	}
	if err := json.Unmarshal(src.Config, &cfg); err != nil {
		return nil, eris.Wrapf(err, "sources: decode config for %s", src.Slug)
	}
	return &cfg, nil
}
