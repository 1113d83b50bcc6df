// Package stage implements the per-matter, per-stage editing session:
// loading a snapshot, tracking live edits and field statuses, detecting
// divergence from the last-saved state, and orchestrating the save
// transaction against the external persister and caches.
package stage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"caseflow/api/internal/schema"
	"caseflow/api/internal/workflow"
)

var (
	// ErrNotFound is returned by a Fetcher when no record exists yet for
	// a (matter, stage) pair. The session treats it as an empty snapshot.
	ErrNotFound = errors.New("stage record not found")
	// ErrNoChanges guards against no-op saves; the persister is not called.
	ErrNoChanges = errors.New("no changes to save")
	// ErrSaveInFlight rejects a second save while one is outstanding.
	ErrSaveInFlight = errors.New("save already in flight")
	// ErrStaleLoad marks a load superseded by a newer one for the session.
	ErrStaleLoad = errors.New("load superseded")
	// ErrNotLoaded rejects edits and saves before a successful load.
	ErrNotLoaded = errors.New("session not loaded")
	// ErrUnknownField rejects writes to keys the stage does not declare.
	ErrUnknownField = errors.New("unknown field key")
)

type State string

const (
	StateIdle    State = "idle"
	StateLoading State = "loading"
	StateReady   State = "ready"
	StateEditing State = "editing"
	StateSaving  State = "saving"
	StateError   State = "error"
)

type NotifyKind string

const (
	NotifySuccess NotifyKind = "success"
	NotifyError   NotifyKind = "error"
)

// Fetcher loads the persisted value map for a stage, or ErrNotFound.
type Fetcher interface {
	FetchStage(ctx context.Context, matterID string, stageNumber int) (map[string]string, error)
}

// Persister stores a save payload and returns whatever value map the
// server echoes back, which may omit fields that were sent.
type Persister interface {
	SaveStage(ctx context.Context, matterID string, stageNumber int, payload map[string]string) (map[string]string, error)
}

// Notifier receives exactly one call per save outcome.
type Notifier interface {
	Notify(kind NotifyKind, message string)
}

// Reconciler folds a save response back into client-visible caches.
type Reconciler interface {
	Reconcile(ctx context.Context, matterID string, tenant schema.Tenant, stageNumber int, response, sent map[string]string) error
}

// Deps carries the session's collaborators. Notify and Reconcile may be
// nil; Fetch and Persist are required.
type Deps struct {
	Registry  *schema.Registry
	Fetch     Fetcher
	Persist   Persister
	Notify    Notifier
	Reconcile Reconciler
}

type Session struct {
	deps        Deps
	tenant      schema.Tenant
	matterID    string
	stageNumber int
	def         *schema.StageDef
	noteFormat  schema.NoteFormat
	attrs       map[string]string
	fields      []schema.FieldSpec

	mu       sync.Mutex
	state    State
	form     map[string]string
	baseline map[string]string
	loadSeq  uint64
	saving   bool
	lastErr  string
}

// New resolves the stage schema for the tenant and matter attributes.
// An unknown (tenant, stage) pair fails here, before any fetch.
func New(deps Deps, tenant schema.Tenant, matterID string, stageNumber int, attrs map[string]string) (*Session, error) {
	registry := deps.Registry
	if registry == nil {
		registry = schema.Default()
		deps.Registry = registry
	}
	def, err := registry.Stage(tenant, stageNumber)
	if err != nil {
		return nil, err
	}
	format, err := registry.NoteFormat(tenant)
	if err != nil {
		return nil, err
	}
	if attrs == nil {
		attrs = map[string]string{}
	}
	return &Session{
		deps:        deps,
		tenant:      tenant,
		matterID:    matterID,
		stageNumber: stageNumber,
		def:         def,
		noteFormat:  format,
		attrs:       attrs,
		fields:      def.ActiveFields(attrs),
		state:       StateIdle,
	}, nil
}

func (s *Session) MatterID() string          { return s.matterID }
func (s *Session) StageNumber() int          { return s.stageNumber }
func (s *Session) Tenant() schema.Tenant     { return s.tenant }
func (s *Session) StageName() string         { return s.def.Name }
func (s *Session) Fields() []schema.FieldSpec { return s.fields }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastError returns the message from the most recent failed load or save.
func (s *Session) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Load fetches the stage snapshot and resets the session to a clean
// baseline. A load started while another is in flight supersedes it:
// the earlier response is discarded when it eventually arrives.
func (s *Session) Load(ctx context.Context) error {
	s.mu.Lock()
	s.loadSeq++
	seq := s.loadSeq
	s.state = StateLoading
	s.mu.Unlock()

	snapshot, err := s.deps.Fetch.FetchStage(ctx, s.matterID, s.stageNumber)
	if err != nil && !errors.Is(err, ErrNotFound) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if seq != s.loadSeq {
			return ErrStaleLoad
		}
		s.state = StateIdle
		s.lastErr = err.Error()
		return fmt.Errorf("load stage %d for %s: %w", s.stageNumber, s.matterID, err)
	}
	if snapshot == nil {
		snapshot = map[string]string{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if seq != s.loadSeq {
		return ErrStaleLoad
	}
	s.form = s.populate(snapshot)
	s.baseline = s.comparable(s.form)
	s.state = StateReady
	s.lastErr = ""
	return nil
}

// populate builds the working form from a raw snapshot: active field
// values mapped to canonical options, paired dates, and the client
// comment half of each note group. The stored system-note half is
// discarded; it is always regenerated from field values.
func (s *Session) populate(snapshot map[string]string) map[string]string {
	form := make(map[string]string)
	for _, field := range s.fields {
		form[field.Key] = workflow.CanonicalOption(field, snapshot[field.Key])
		if field.PairedDateKey != "" {
			form[field.PairedDateKey] = snapshot[field.PairedDateKey]
		}
	}
	for _, group := range s.def.Notes {
		switch s.noteFormat {
		case schema.NoteCombined:
			_, comment := workflow.ParseCombinedNote(snapshot[group.StoredKey])
			form[group.CommentKey] = comment
		case schema.NoteSeparate:
			form[group.CommentKey] = snapshot[group.CommentKey]
		}
	}
	return form
}

// comparable is the dirty-check projection: every form key plus the
// derived system-note text per group, with missing keys as empty strings.
func (s *Session) comparable(form map[string]string) map[string]string {
	out := make(map[string]string, len(form)+len(s.def.Notes))
	for key, value := range form {
		out[key] = value
	}
	for _, group := range s.def.Notes {
		out["~note:"+group.ID] = workflow.SystemNote(s.def, group, s.fields, form)
	}
	return out
}

// HandleChange writes one field edit into the working form, normalizing
// choice values to their canonical option, and returns the field's
// freshly derived status.
func (s *Session) HandleChange(key, raw string) (workflow.FieldStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.form == nil {
		return "", ErrNotLoaded
	}
	if s.saving {
		return "", ErrSaveInFlight
	}

	field, isField := s.activeField(key)
	if isField {
		s.form[key] = workflow.CanonicalOption(field, raw)
	} else if s.isAuxKey(key) {
		s.form[key] = raw
	} else {
		return "", fmt.Errorf("%w: %q", ErrUnknownField, key)
	}

	if s.isChangedLocked() {
		s.state = StateEditing
	} else {
		s.state = StateReady
	}
	if isField {
		return workflow.StatusOf(field, s.def.GreenSet(), s.form[key]), nil
	}
	return "", nil
}

func (s *Session) activeField(key string) (schema.FieldSpec, bool) {
	for _, field := range s.fields {
		if field.Key == key {
			return field, true
		}
	}
	return schema.FieldSpec{}, false
}

// isAuxKey reports whether key is a paired date or client comment key.
func (s *Session) isAuxKey(key string) bool {
	for _, field := range s.fields {
		if field.PairedDateKey == key {
			return true
		}
	}
	for _, group := range s.def.Notes {
		if group.CommentKey == key {
			return true
		}
	}
	return false
}

// IsChanged reports whether the working form has diverged from the
// last-loaded or last-saved snapshot.
func (s *Session) IsChanged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isChangedLocked()
}

func (s *Session) isChangedLocked() bool {
	if s.form == nil || s.baseline == nil {
		return false
	}
	current := s.comparable(s.form)
	for key, value := range current {
		if s.baseline[key] != value {
			return true
		}
	}
	for key, value := range s.baseline {
		if value != "" && current[key] != value {
			return true
		}
	}
	return false
}

// Values returns a copy of the working form.
func (s *Session) Values() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.form))
	for key, value := range s.form {
		out[key] = value
	}
	return out
}

// FieldStatuses derives the status of every active field.
func (s *Session) FieldStatuses() map[string]workflow.FieldStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	statuses := make(map[string]workflow.FieldStatus, len(s.fields))
	for _, field := range s.fields {
		statuses[field.Key] = workflow.StatusOf(field, s.def.GreenSet(), s.form[field.Key])
	}
	return statuses
}

// SystemNotes derives the current system note text per note group.
func (s *Session) SystemNotes() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	notes := make(map[string]string, len(s.def.Notes))
	for _, group := range s.def.Notes {
		notes[group.ID] = workflow.SystemNote(s.def, group, s.fields, s.form)
	}
	return notes
}

// ColorStatus aggregates the stage traffic light from the working form.
func (s *Session) ColorStatus() workflow.ColorStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return workflow.ColorStatusOf(s.def, s.fields, s.form)
}

// BuildPayload shapes the tenant-specific save body: active fields,
// paired dates, composed notes, colorStatus and the matter identifier.
// The transient system-note/comment decomposition keys are not sent for
// combined-format tenants.
func (s *Session) BuildPayload() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buildPayloadLocked()
}

func (s *Session) buildPayloadLocked() map[string]string {
	payload := make(map[string]string)
	for _, field := range s.fields {
		payload[field.Key] = s.form[field.Key]
		if field.PairedDateKey != "" {
			payload[field.PairedDateKey] = s.form[field.PairedDateKey]
		}
	}
	for _, group := range s.def.Notes {
		systemNote := workflow.SystemNote(s.def, group, s.fields, s.form)
		switch s.noteFormat {
		case schema.NoteCombined:
			payload[group.StoredKey] = workflow.ComposeCombinedNote(systemNote, s.form[group.CommentKey])
		case schema.NoteSeparate:
			payload[group.SystemKey] = systemNote
			payload[group.CommentKey] = s.form[group.CommentKey]
		}
	}
	payload["colorStatus"] = string(workflow.ColorStatusOf(s.def, s.fields, s.form))
	payload["matterId"] = s.matterID
	return payload
}

// Save persists the current edits. It refuses no-op saves without
// touching the persister, allows a single save in flight, keeps every
// edit on failure, and on success merges the server response over the
// sent payload to form the new clean baseline.
func (s *Session) Save(ctx context.Context) (map[string]string, error) {
	s.mu.Lock()
	if s.form == nil {
		s.mu.Unlock()
		return nil, ErrNotLoaded
	}
	if s.saving {
		s.mu.Unlock()
		return nil, ErrSaveInFlight
	}
	if !s.isChangedLocked() {
		s.mu.Unlock()
		return nil, ErrNoChanges
	}
	payload := s.buildPayloadLocked()
	s.saving = true
	s.state = StateSaving
	s.mu.Unlock()

	response, err := s.deps.Persist.SaveStage(ctx, s.matterID, s.stageNumber, payload)

	s.mu.Lock()
	s.saving = false
	if err != nil {
		s.state = StateEditing
		s.lastErr = err.Error()
		s.mu.Unlock()
		s.notify(NotifyError, err.Error())
		return nil, fmt.Errorf("save stage %d for %s: %w", s.stageNumber, s.matterID, err)
	}

	merged := make(map[string]string, len(payload))
	for key, value := range payload {
		merged[key] = value
	}
	for key, value := range response {
		merged[key] = value
	}
	s.form = s.populate(merged)
	s.baseline = s.comparable(s.form)
	s.state = StateReady
	s.lastErr = ""
	s.mu.Unlock()

	if s.deps.Reconcile != nil {
		if rerr := s.deps.Reconcile.Reconcile(ctx, s.matterID, s.tenant, s.stageNumber, response, payload); rerr != nil {
			log.Printf("stage: reconcile caches for %s stage %d: %v", s.matterID, s.stageNumber, rerr)
		}
	}
	s.notify(NotifySuccess, fmt.Sprintf("%s saved", s.def.Name))
	return merged, nil
}

func (s *Session) notify(kind NotifyKind, message string) {
	if s.deps.Notify == nil {
		return
	}
	s.deps.Notify.Notify(kind, message)
}
