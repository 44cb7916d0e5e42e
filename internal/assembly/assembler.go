package assembly

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/briefing/internal/fallback"
)

// LastKnownGoodQuality scores sections restored from a previous run.
const LastKnownGoodQuality = 0.8

// Section maps a content section to its document key.
type Section struct {
	Name     string
	Key      string // dotted path, e.g. agentOutputs.favoriteStory
	Critical bool
}

// RequiredField is a top-level key that must exist in every document.
type RequiredField struct {
	Key     string
	Default func(now time.Time) any
}

// Producer yields substitute content for a failed section.
type Producer interface {
	Produce(ctx context.Context, section string, failed any, siblings map[string]any) *fallback.Content
}

// DemoSource supplies static content for the emergency document.
type DemoSource interface {
	Demo(section string) (any, bool)
}

// Input is everything the assembler needs for one run.
type Input struct {
	Successful map[string]any // section -> content
	Failed     []string
	Recovered  map[string]any // failed sections with a last-known-good value
	Context    map[string]any // extra context for generators
	Fields     map[string]any // top-level fields such as the run id
}

// Assembler merges successful sections with fallback content.
type Assembler struct {
	sections map[string]Section
	order    []Section
	required []RequiredField
	producer Producer
	logger   *zap.Logger
	now      func() time.Time
}

// NewAssembler creates an assembler for the given sections
func NewAssembler(sections []Section, required []RequiredField, producer Producer, logger *zap.Logger) *Assembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{
		sections: lo.KeyBy(sections, func(s Section) string { return s.Name }),
		order:    sections,
		required: required,
		producer: producer,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock replaces time.Now
func (a *Assembler) SetClock(now func() time.Time) { a.now = now }

func (a *Assembler) keyFor(section string) string {
	if s, ok := a.sections[section]; ok && s.Key != "" {
		return s.Key
	}
	return section
}

// Assemble builds the document from successful sections and fallbacks for
// the failed ones.
func (a *Assembler) Assemble(ctx context.Context, successful map[string]any, failed []string, siblings map[string]any) (*Document, error) {
	return a.AssembleInput(ctx, Input{Successful: successful, Failed: failed, Context: siblings})
}

// AssembleInput is Assemble with last-known-good values for failed sections.
func (a *Assembler) AssembleInput(ctx context.Context, in Input) (*Document, error) {
	now := a.now()
	body := make(map[string]any)
	meta := Metadata{
		SuccessfulSections: []string{},
		FailedSections:     append([]string{}, in.Failed...),
		FallbackSections:   []string{},
		MissingSections:    []string{},
		DeliveryTimestamp:  now,
		SectionProvenance:  make(map[string]Provenance),
	}

	for _, name := range orderedKeys(in.Successful, a.order) {
		if err := setNested(body, a.keyFor(name), in.Successful[name]); err != nil {
			return nil, fmt.Errorf("place section %s: %w", name, err)
		}
		meta.SuccessfulSections = append(meta.SuccessfulSections, name)
	}

	siblings := make(map[string]any, len(in.Context)+len(in.Successful))
	for k, v := range in.Context {
		siblings[k] = v
	}
	for k, v := range in.Successful {
		siblings[k] = v
	}

	for _, name := range in.Failed {
		var (
			value any
			prov  Provenance
		)
		if v, ok := in.Recovered[name]; ok && v != nil {
			value = v
			prov = Provenance{Method: "last_known_good", Source: "previous_run", Timestamp: now, QualityScore: LastKnownGoodQuality}
		} else {
			content := a.producer.Produce(ctx, name, nil, siblings)
			if !content.Available() {
				meta.MissingSections = append(meta.MissingSections, name)
				a.logger.Warn("No content available for failed section", zap.String("section", name))
				continue
			}
			value = content.Content
			prov = Provenance{Method: content.FallbackMethod, Source: content.Source, Timestamp: content.ProducedAt, QualityScore: content.QualityScore}
		}

		if err := setNested(body, a.keyFor(name), value); err != nil {
			return nil, fmt.Errorf("place fallback for %s: %w", name, err)
		}
		meta.FallbackSections = append(meta.FallbackSections, name)
		meta.SectionProvenance[name] = prov
	}

	for k, v := range in.Fields {
		if _, taken := body[k]; !taken {
			body[k] = v
		}
	}
	if err := a.fillRequired(body, now); err != nil {
		return nil, err
	}

	doc := &Document{
		body:          body,
		Metadata:      meta,
		QualityImpact: ImpactFor(a.failedCritical(in.Failed)),
	}

	a.logger.Info("Assembled briefing document",
		zap.Int("successful_sections", len(meta.SuccessfulSections)),
		zap.Int("fallback_sections", len(meta.FallbackSections)),
		zap.Int("missing_sections", len(meta.MissingSections)),
		zap.String("quality_impact", string(doc.QualityImpact)),
	)
	return doc, nil
}

// Emergency builds a document from demo content only. It cannot fail.
func (a *Assembler) Emergency(demo DemoSource, reason string, fields map[string]any) *Document {
	now := a.now()
	body := make(map[string]any)
	meta := Metadata{
		SuccessfulSections: []string{},
		FailedSections:     []string{},
		FallbackSections:   []string{},
		MissingSections:    []string{},
		DeliveryTimestamp:  now,
		SectionProvenance:  make(map[string]Provenance),
	}

	for _, s := range a.order {
		meta.FailedSections = append(meta.FailedSections, s.Name)
		var v any
		if demo != nil {
			v, _ = demo.Demo(s.Name)
		}
		if v == nil {
			meta.MissingSections = append(meta.MissingSections, s.Name)
			continue
		}
		if err := setNested(body, a.keyFor(s.Name), v); err != nil {
			continue
		}
		meta.FallbackSections = append(meta.FallbackSections, s.Name)
		meta.SectionProvenance[s.Name] = Provenance{Method: fallback.MethodDemo, Source: "emergency", Timestamp: now, QualityScore: fallback.DemoQuality}
	}

	for k, v := range fields {
		if _, taken := body[k]; !taken {
			body[k] = v
		}
	}
	if err := a.fillRequired(body, now); err != nil {
		// drop whatever blocks the required keys
		body = make(map[string]any)
		_ = a.fillRequired(body, now)
	}

	a.logger.Error("Serving emergency briefing document", zap.String("reason", reason))
	return &Document{
		body:          body,
		Metadata:      meta,
		QualityImpact: ImpactSignificant,
		Emergency:     true,
	}
}

func (a *Assembler) fillRequired(body map[string]any, now time.Time) error {
	for _, f := range a.required {
		if v, ok := getNested(body, f.Key); ok && v != nil {
			continue
		}
		var def any
		if f.Default != nil {
			def = f.Default(now)
		}
		if err := setNested(body, f.Key, def); err != nil {
			return fmt.Errorf("required field %s: %w", f.Key, err)
		}
	}
	return nil
}

func (a *Assembler) failedCritical(failed []string) int {
	return lo.CountBy(lo.Uniq(failed), func(name string) bool {
		return a.sections[name].Critical
	})
}

// orderedKeys returns the keys of m in section order, then any unknown keys
// sorted by name.
func orderedKeys(m map[string]any, order []Section) []string {
	keys := make([]string, 0, len(m))
	for _, s := range order {
		if _, ok := m[s.Name]; ok {
			keys = append(keys, s.Name)
		}
	}
	known := lo.SliceToMap(order, func(s Section) (string, bool) { return s.Name, true })
	rest := lo.Filter(lo.Keys(m), func(k string, _ int) bool { return !known[k] })
	sort.Strings(rest)
	return append(keys, rest...)
}
