package assembly

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrKeyConflict is returned when a nested key runs through a non-map value.
var ErrKeyConflict = errors.New("key conflict")

// QualityImpact summarizes how degraded a document is.
type QualityImpact string

const (
	ImpactMinimal     QualityImpact = "minimal"
	ImpactModerate    QualityImpact = "moderate"
	ImpactSignificant QualityImpact = "significant"
)

// ImpactFor maps the number of failed critical sections to an impact tag.
func ImpactFor(failedCritical int) QualityImpact {
	switch {
	case failedCritical <= 0:
		return ImpactMinimal
	case failedCritical == 1:
		return ImpactModerate
	default:
		return ImpactSignificant
	}
}

// Provenance records where a substituted section came from.
type Provenance struct {
	Method       string    `json:"method"`
	Source       string    `json:"source,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	QualityScore float64   `json:"quality_score"`
}

// Metadata describes what was degraded in a document.
type Metadata struct {
	SuccessfulSections []string              `json:"successful_sections"`
	FailedSections     []string              `json:"failed_sections"`
	FallbackSections   []string              `json:"fallback_sections"`
	MissingSections    []string              `json:"missing_sections"`
	DeliveryTimestamp  time.Time             `json:"delivery_timestamp"`
	SectionProvenance  map[string]Provenance `json:"section_provenance"`
}

// Document is the merged output of one run. It is not modified after
// Assemble returns.
type Document struct {
	body          map[string]any
	Metadata      Metadata
	QualityImpact QualityImpact
	Emergency     bool
}

// Keys reserved for document bookkeeping.
const (
	KeyFallbackMetadata = "fallback_metadata"
	KeyQualityImpact    = "quality_impact"
	KeyEmergency        = "emergency"
)

// Get returns the value at a dotted key path
func (d *Document) Get(path string) (any, bool) {
	return getNested(d.body, path)
}

// Map returns the JSON-ready form of the document
func (d *Document) Map() map[string]any {
	out := deepCopy(d.body).(map[string]any)
	out[KeyFallbackMetadata] = d.Metadata
	out[KeyQualityImpact] = string(d.QualityImpact)
	if d.Emergency {
		out[KeyEmergency] = true
	}
	return out
}

// MarshalJSON implements json.Marshaler
func (d *Document) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Map())
}

func splitPath(path string) []string {
	return strings.Split(path, ".")
}

func getNested(m map[string]any, path string) (any, bool) {
	parts := splitPath(path)
	cur := m
	for i, p := range parts {
		v, ok := cur[p]
		if !ok {
			return nil, false
		}
		if i == len(parts)-1 {
			return v, true
		}
		next, ok := v.(map[string]any)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return nil, false
}

// setNested stores v at path, creating intermediate maps.
func setNested(m map[string]any, path string, v any) error {
	parts := splitPath(path)
	cur := m
	for _, p := range parts[:len(parts)-1] {
		existing, ok := cur[p]
		if !ok || existing == nil {
			next := make(map[string]any)
			cur[p] = next
			cur = next
			continue
		}
		next, ok := existing.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: %q is %T, not a map", ErrKeyConflict, p, existing)
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = v
	return nil
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	default:
		return v
	}
}
