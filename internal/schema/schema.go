// Package schema holds the declarative field configuration for every
// tenant profile and workflow stage. Definitions live in embedded YAML
// so stage variants stay data, not control flow.
package schema

import (
	"embed"
	"fmt"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed defs/*.yaml
var defsFS embed.FS

type Tenant string

const (
	TenantLegal      Tenant = "legal-services"
	TenantPrint      Tenant = "print-media"
	TenantCommercial Tenant = "commercial"
)

// NoteFormat selects how the system note and client comment are persisted.
type NoteFormat string

const (
	// NoteCombined stores "<systemNote> - <clientComment>" in a single field.
	NoteCombined NoteFormat = "combined"
	// NoteSeparate stores the two halves in independent fields.
	NoteSeparate NoteFormat = "separate"
)

type FieldKind string

const (
	KindChoice   FieldKind = "choice"
	KindText     FieldKind = "text"
	KindNumber   FieldKind = "number"
	KindDateTime FieldKind = "datetime"
	KindImage    FieldKind = "image"
)

// Condition gates a field on a matter attribute, e.g. seller-only fields.
type Condition struct {
	Attr   string   `yaml:"attr"`
	Equals []string `yaml:"equals"`
}

// Matches reports whether the attribute value satisfies the condition.
// Comparison is case-insensitive and whitespace-tolerant.
func (c *Condition) Matches(attrs map[string]string) bool {
	if c == nil {
		return true
	}
	value := strings.TrimSpace(attrs[c.Attr])
	for _, want := range c.Equals {
		if strings.EqualFold(value, strings.TrimSpace(want)) {
			return true
		}
	}
	return false
}

type FieldSpec struct {
	Key           string     `yaml:"key"`
	Label         string     `yaml:"label"`
	Kind          FieldKind  `yaml:"kind"`
	Options       []string   `yaml:"options"`
	PairedDateKey string     `yaml:"paired_date_key"`
	When          *Condition `yaml:"when"`
}

// NoteGroup declares which fields feed one system note, and the exact
// client-facing wording for that stage. Wording differs stage to stage
// and is persisted text, so it is never unified in code.
type NoteGroup struct {
	ID           string   `yaml:"id"`
	Members      []string `yaml:"members"`
	CompleteText string   `yaml:"complete"`
	Suffix       string   `yaml:"suffix"`
	Join         string   `yaml:"join"`
	CommentKey   string   `yaml:"comment_key"`
	// StoredKey is the persisted field for the combined format.
	StoredKey string `yaml:"stored_key"`
	// SystemKey is the persisted field for the separate format.
	SystemKey string `yaml:"system_key"`
}

type StageDef struct {
	Number int         `yaml:"number"`
	Name   string      `yaml:"name"`
	Green  []string    `yaml:"green"`
	Fields []FieldSpec `yaml:"fields"`
	Notes  []NoteGroup `yaml:"notes"`

	greenSet map[string]bool
}

type tenantDef struct {
	Tenant     Tenant     `yaml:"tenant"`
	NoteFormat NoteFormat `yaml:"note_format"`
	Stages     []StageDef `yaml:"stages"`
}

// ActiveFields returns the fields that apply to a matter with the given
// attributes, in declaration order. Fields excluded here never feed
// status, notes, or the save payload.
func (d *StageDef) ActiveFields(attrs map[string]string) []FieldSpec {
	active := make([]FieldSpec, 0, len(d.Fields))
	for _, field := range d.Fields {
		if field.When.Matches(attrs) {
			active = append(active, field)
		}
	}
	return active
}

// Field looks up a declared field by key regardless of conditions.
func (d *StageDef) Field(key string) (FieldSpec, bool) {
	for _, field := range d.Fields {
		if field.Key == key {
			return field, true
		}
	}
	return FieldSpec{}, false
}

// GreenSet returns the normalized set of choice values that count as
// completed for this stage.
func (d *StageDef) GreenSet() map[string]bool {
	return d.greenSet
}

// UnknownStageError is returned for a (tenant, stage) pair with no
// declared schema. Callers must treat it as fatal rather than proceed
// with an empty field list.
type UnknownStageError struct {
	Tenant Tenant
	Stage  int
}

func (e *UnknownStageError) Error() string {
	return fmt.Sprintf("no such stage %d for tenant %q", e.Stage, e.Tenant)
}

type Registry struct {
	tenants map[Tenant]*tenantDef
	stages  map[Tenant]map[int]*StageDef
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
	defaultErr      error
)

// Default returns the registry built from the embedded definitions.
// The definitions are static, so a load failure is a build defect and
// panics rather than being surfaced per call.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry, defaultErr = loadEmbedded()
	})
	if defaultErr != nil {
		panic(defaultErr)
	}
	return defaultRegistry
}

func loadEmbedded() (*Registry, error) {
	entries, err := defsFS.ReadDir("defs")
	if err != nil {
		return nil, fmt.Errorf("read schema defs: %w", err)
	}

	registry := &Registry{
		tenants: make(map[Tenant]*tenantDef),
		stages:  make(map[Tenant]map[int]*StageDef),
	}
	for _, entry := range entries {
		data, err := defsFS.ReadFile("defs/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", entry.Name(), err)
		}
		var def tenantDef
		if err := yaml.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("parse %s: %w", entry.Name(), err)
		}
		if err := registry.add(&def); err != nil {
			return nil, fmt.Errorf("schema %s: %w", entry.Name(), err)
		}
	}
	return registry, nil
}

func (r *Registry) add(def *tenantDef) error {
	if def.Tenant == "" {
		return fmt.Errorf("missing tenant name")
	}
	if def.NoteFormat != NoteCombined && def.NoteFormat != NoteSeparate {
		return fmt.Errorf("tenant %s: invalid note_format %q", def.Tenant, def.NoteFormat)
	}
	byNumber := make(map[int]*StageDef, len(def.Stages))
	for i := range def.Stages {
		stage := &def.Stages[i]
		if err := validateStage(def.Tenant, stage, def.NoteFormat); err != nil {
			return err
		}
		stage.greenSet = make(map[string]bool, len(stage.Green))
		for _, value := range stage.Green {
			stage.greenSet[normalizeToken(value)] = true
		}
		if _, dup := byNumber[stage.Number]; dup {
			return fmt.Errorf("tenant %s: duplicate stage %d", def.Tenant, stage.Number)
		}
		byNumber[stage.Number] = stage
	}
	r.tenants[def.Tenant] = def
	r.stages[def.Tenant] = byNumber
	return nil
}

func validateStage(tenant Tenant, stage *StageDef, format NoteFormat) error {
	seen := make(map[string]bool, len(stage.Fields))
	for _, field := range stage.Fields {
		if field.Key == "" {
			return fmt.Errorf("tenant %s stage %d: field with empty key", tenant, stage.Number)
		}
		if seen[field.Key] {
			return fmt.Errorf("tenant %s stage %d: duplicate field %q", tenant, stage.Number, field.Key)
		}
		seen[field.Key] = true
		switch field.Kind {
		case KindChoice, KindText, KindNumber, KindDateTime, KindImage:
		default:
			return fmt.Errorf("tenant %s stage %d: field %q has unknown kind %q", tenant, stage.Number, field.Key, field.Kind)
		}
	}
	for _, group := range stage.Notes {
		for _, member := range group.Members {
			if !seen[member] {
				return fmt.Errorf("tenant %s stage %d: note group %q references unknown field %q", tenant, stage.Number, group.ID, member)
			}
		}
		if group.CommentKey == "" {
			return fmt.Errorf("tenant %s stage %d: note group %q has no comment_key", tenant, stage.Number, group.ID)
		}
		switch format {
		case NoteCombined:
			if group.StoredKey == "" {
				return fmt.Errorf("tenant %s stage %d: note group %q has no stored_key", tenant, stage.Number, group.ID)
			}
		case NoteSeparate:
			if group.SystemKey == "" {
				return fmt.Errorf("tenant %s stage %d: note group %q has no system_key", tenant, stage.Number, group.ID)
			}
		}
	}
	return nil
}

// Stage resolves the schema for one tenant and stage number.
func (r *Registry) Stage(tenant Tenant, number int) (*StageDef, error) {
	stages, ok := r.stages[tenant]
	if !ok {
		return nil, &UnknownStageError{Tenant: tenant, Stage: number}
	}
	stage, ok := stages[number]
	if !ok {
		return nil, &UnknownStageError{Tenant: tenant, Stage: number}
	}
	return stage, nil
}

// NoteFormat returns the persisted note shape for a tenant.
func (r *Registry) NoteFormat(tenant Tenant) (NoteFormat, error) {
	def, ok := r.tenants[tenant]
	if !ok {
		return "", &UnknownStageError{Tenant: tenant, Stage: 0}
	}
	return def.NoteFormat, nil
}

// Tenants lists the configured tenant profiles.
func (r *Registry) Tenants() []Tenant {
	tenants := make([]Tenant, 0, len(r.tenants))
	for tenant := range r.tenants {
		tenants = append(tenants, tenant)
	}
	return tenants
}

// StageNumbers lists the declared stage numbers for a tenant in ascending order.
func (r *Registry) StageNumbers(tenant Tenant) []int {
	stages, ok := r.stages[tenant]
	if !ok {
		return nil
	}
	numbers := make([]int, 0, len(stages))
	for number := range stages {
		numbers = append(numbers, number)
	}
	for i := 1; i < len(numbers); i++ {
		for j := i; j > 0 && numbers[j-1] > numbers[j]; j-- {
			numbers[j-1], numbers[j] = numbers[j], numbers[j-1]
		}
	}
	return numbers
}

// normalizeToken mirrors the value normalizer's folding for green-set
// declarations so YAML entries like "N/R" compare correctly.
func normalizeToken(value string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(value) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
