// Package sequence holds the ordered stage definitions for each segment and
// renders a stage's subject and body for one recipient.
package sequence

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/osteele/liquid"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultDefinitions []byte

// ErrInvalidDefinition is wrapped by every load-time validation failure.
var ErrInvalidDefinition = errors.New("invalid sequence definition")

// StageDefinition is one step of a segment's sequence. Index is 1-based.
type StageDefinition struct {
	Index     int
	Key       string
	DelayDays int
	From      string

	subject *liquid.Template
	body    *liquid.Template
}

// MinDelay is the minimum time since the reference send before this stage is due.
func (s StageDefinition) MinDelay() time.Duration {
	return time.Duration(s.DelayDays) * 24 * time.Hour
}

// Recipient carries the personalisation inputs for one render.
type Recipient struct {
	Email   string
	Name    string
	Segment Segment
}

// FirstName is the first word of Name, or empty.
func (r Recipient) FirstName() string {
	fields := strings.Fields(r.Name)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// Rendered is the output of a stage render.
type Rendered struct {
	Subject string
	HTML    string
}

// Render produces the subject and HTML body for r. The output depends only
// on the stage and r.
func (s StageDefinition) Render(r Recipient) (Rendered, error) {
	bindings := map[string]interface{}{
		"email":      r.Email,
		"name":       r.Name,
		"first_name": r.FirstName(),
		"segment":    string(r.Segment),
		"stage":      s.Index,
		"stage_key":  s.Key,
	}

	subject, err := s.subject.RenderString(bindings)
	if err != nil {
		return Rendered{}, fmt.Errorf("render %s subject: %w", s.Key, err)
	}
	body, err := s.body.RenderString(bindings)
	if err != nil {
		return Rendered{}, fmt.Errorf("render %s body: %w", s.Key, err)
	}
	return Rendered{Subject: strings.TrimSpace(subject), HTML: body}, nil
}

type fileDefinition struct {
	Segments map[string]segmentDefinition `yaml:"segments"`
}

type segmentDefinition struct {
	Label  string            `yaml:"label"`
	Stages []stageDefinition `yaml:"stages"`
}

type stageDefinition struct {
	Key       string `yaml:"key"`
	DelayDays int    `yaml:"delay_days"`
	From      string `yaml:"from"`
	Subject   string `yaml:"subject"`
	Body      string `yaml:"body"`
}

// Resolver maps a segment tag to its stage list.
type Resolver struct {
	defaultSegment Segment
	labels         map[Segment]string
	stages         map[Segment][]StageDefinition
}

// Load reads definitions from path, or the embedded defaults when path is empty.
func Load(path string, defaultSegment string) (*Resolver, error) {
	data := defaultDefinitions
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading sequences %s: %w", path, err)
		}
		data = b
	}
	return Parse(data, defaultSegment)
}

// Parse compiles YAML sequence definitions. Every segment must be defined,
// templates must parse and stage delays must strictly increase.
func Parse(data []byte, defaultSegment string) (*Resolver, error) {
	var def fileDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}

	dflt, ok := ParseSegment(defaultSegment)
	if !ok {
		return nil, fmt.Errorf("%w: default segment %q is unknown", ErrInvalidDefinition, defaultSegment)
	}

	engine := newEngine()
	r := &Resolver{
		defaultSegment: dflt,
		labels:         make(map[Segment]string),
		stages:         make(map[Segment][]StageDefinition),
	}

	for name, sd := range def.Segments {
		seg, ok := ParseSegment(name)
		if !ok {
			return nil, fmt.Errorf("%w: unknown segment %q", ErrInvalidDefinition, name)
		}
		stages, err := compileStages(engine, seg, sd.Stages)
		if err != nil {
			return nil, err
		}
		r.labels[seg] = sd.Label
		r.stages[seg] = stages
	}

	for _, seg := range AllSegments {
		if _, ok := r.stages[seg]; !ok {
			return nil, fmt.Errorf("%w: segment %s has no stages", ErrInvalidDefinition, seg)
		}
	}
	return r, nil
}

func compileStages(engine *liquid.Engine, seg Segment, defs []stageDefinition) ([]StageDefinition, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("%w: segment %s has no stages", ErrInvalidDefinition, seg)
	}

	seen := make(map[string]bool, len(defs))
	out := make([]StageDefinition, 0, len(defs))
	for i, d := range defs {
		if d.Key == "" {
			return nil, fmt.Errorf("%w: %s stage %d has no key", ErrInvalidDefinition, seg, i+1)
		}
		if seen[d.Key] {
			return nil, fmt.Errorf("%w: %s stage key %q repeated", ErrInvalidDefinition, seg, d.Key)
		}
		seen[d.Key] = true

		if i > 0 && d.DelayDays <= defs[i-1].DelayDays {
			return nil, fmt.Errorf("%w: %s stage %q delay %dd does not exceed %q delay %dd",
				ErrInvalidDefinition, seg, d.Key, d.DelayDays, defs[i-1].Key, defs[i-1].DelayDays)
		}
		if d.DelayDays < 0 {
			return nil, fmt.Errorf("%w: %s stage %q has a negative delay", ErrInvalidDefinition, seg, d.Key)
		}

		subject, err := engine.ParseString(d.Subject)
		if err != nil {
			return nil, fmt.Errorf("%w: %s/%s subject: %v", ErrInvalidDefinition, seg, d.Key, err)
		}
		body, err := engine.ParseString(d.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: %s/%s body: %v", ErrInvalidDefinition, seg, d.Key, err)
		}

		out = append(out, StageDefinition{
			Index:     i + 1,
			Key:       d.Key,
			DelayDays: d.DelayDays,
			From:      d.From,
			subject:   subject,
			body:      body,
		})
	}
	return out, nil
}

func newEngine() *liquid.Engine {
	engine := liquid.NewEngine()

	// {{ first_name | default: "Trader" }}
	engine.RegisterFilter("default", func(value interface{}, defaultVal string) interface{} {
		if value == nil {
			return defaultVal
		}
		if s := fmt.Sprintf("%v", value); s == "" || s == "<nil>" {
			return defaultVal
		}
		return value
	})
	return engine
}

// Resolve returns the segment for tag and its ordered stages. Unknown or
// empty tags resolve to the default segment.
func (r *Resolver) Resolve(tag string) (Segment, []StageDefinition) {
	seg, ok := ParseSegment(tag)
	if !ok {
		seg = r.defaultSegment
	}
	return seg, r.stages[seg]
}

// Default returns the segment used for untagged contacts.
func (r *Resolver) Default() Segment { return r.defaultSegment }

// Label returns the human-readable name of seg.
func (r *Resolver) Label(seg Segment) string { return r.labels[seg] }

// MaxStages returns the longest stage list across all segments.
func (r *Resolver) MaxStages() int {
	n := 0
	for _, stages := range r.stages {
		if len(stages) > n {
			n = len(stages)
		}
	}
	return n
}
