package stage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"caseflow/api/internal/schema"
	"caseflow/api/internal/workflow"
)

type fetchFunc func(ctx context.Context, matterID string, stageNumber int) (map[string]string, error)

func (f fetchFunc) FetchStage(ctx context.Context, matterID string, stageNumber int) (map[string]string, error) {
	return f(ctx, matterID, stageNumber)
}

type persistFunc func(ctx context.Context, matterID string, stageNumber int, payload map[string]string) (map[string]string, error)

func (f persistFunc) SaveStage(ctx context.Context, matterID string, stageNumber int, payload map[string]string) (map[string]string, error) {
	return f(ctx, matterID, stageNumber, payload)
}

type recordNotifier struct {
	mu    sync.Mutex
	calls []struct {
		kind    NotifyKind
		message string
	}
}

func (n *recordNotifier) Notify(kind NotifyKind, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, struct {
		kind    NotifyKind
		message string
	}{kind, message})
}

func (n *recordNotifier) count(kind NotifyKind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, call := range n.calls {
		if call.kind == kind {
			total++
		}
	}
	return total
}

type recordReconciler struct {
	mu       sync.Mutex
	calls    int
	response map[string]string
	sent     map[string]string
}

func (r *recordReconciler) Reconcile(ctx context.Context, matterID string, tenant schema.Tenant, stageNumber int, response, sent map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.response = response
	r.sent = sent
	return nil
}

func emptyFetcher() fetchFunc {
	return func(context.Context, string, int) (map[string]string, error) {
		return nil, ErrNotFound
	}
}

func echoPersister() persistFunc {
	return func(ctx context.Context, matterID string, stageNumber int, payload map[string]string) (map[string]string, error) {
		echo := make(map[string]string, len(payload))
		for key, value := range payload {
			echo[key] = value
		}
		return echo, nil
	}
}

func newLegalSession(t *testing.T, deps Deps) *Session {
	t.Helper()
	if deps.Fetch == nil {
		deps.Fetch = emptyFetcher()
	}
	if deps.Persist == nil {
		deps.Persist = echoPersister()
	}
	session, err := New(deps, schema.TenantLegal, "mat_1", 1, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return session
}

func TestNewUnknownStage(t *testing.T) {
	var unknown *schema.UnknownStageError
	_, err := New(Deps{Fetch: emptyFetcher(), Persist: echoPersister()}, schema.TenantLegal, "mat_1", 99, nil)
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownStageError, got %v", err)
	}
	_, err = New(Deps{Fetch: emptyFetcher(), Persist: echoPersister()}, "aviation", "mat_1", 1, nil)
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownStageError for unknown tenant, got %v", err)
	}
}

func TestLoadEmptySnapshot(t *testing.T) {
	session := newLegalSession(t, Deps{})
	if err := session.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if session.State() != StateReady {
		t.Errorf("state = %q, want ready", session.State())
	}
	if session.IsChanged() {
		t.Error("freshly loaded session must not be dirty")
	}
	if session.ColorStatus() != workflow.ColorRed {
		t.Errorf("empty stage color = %q, want red", session.ColorStatus())
	}
}

func TestLoadParsesStoredCombinedNote(t *testing.T) {
	session := newLegalSession(t, Deps{
		Fetch: fetchFunc(func(context.Context, string, int) (map[string]string, error) {
			return map[string]string{
				"retainer": "yes",
				"note":     "Declaration form not received - seller away until Friday",
			}, nil
		}),
	})
	if err := session.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	values := session.Values()
	if values["retainer"] != "Yes" {
		t.Errorf("retainer = %q, want canonical %q", values["retainer"], "Yes")
	}
	if values["additionalComments"] != "seller away until Friday" {
		t.Errorf("comment = %q", values["additionalComments"])
	}
	if session.IsChanged() {
		t.Error("session must be clean immediately after load")
	}
}

func TestHandleChangeDirtyAndRevert(t *testing.T) {
	session := newLegalSession(t, Deps{})
	if err := session.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	status, err := session.HandleChange("retainer", "yes")
	if err != nil {
		t.Fatalf("HandleChange: %v", err)
	}
	if status != workflow.StatusCompleted {
		t.Errorf("status = %q, want completed", status)
	}
	if !session.IsChanged() || session.State() != StateEditing {
		t.Errorf("expected dirty editing session, got dirty=%v state=%q", session.IsChanged(), session.State())
	}
	if session.Values()["retainer"] != "Yes" {
		t.Errorf("choice value not canonicalized: %q", session.Values()["retainer"])
	}

	if _, err := session.HandleChange("retainer", ""); err != nil {
		t.Fatal(err)
	}
	if session.IsChanged() || session.State() != StateReady {
		t.Errorf("revert should clean the session, got dirty=%v state=%q", session.IsChanged(), session.State())
	}
}

func TestHandleChangeUnknownField(t *testing.T) {
	session := newLegalSession(t, Deps{})
	if err := session.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := session.HandleChange("nope", "value"); !errors.Is(err, ErrUnknownField) {
		t.Errorf("expected ErrUnknownField, got %v", err)
	}
}

func TestHandleChangeAuxKeys(t *testing.T) {
	session, err := New(Deps{Fetch: emptyFetcher(), Persist: echoPersister()}, schema.TenantLegal, "mat_1", 2, map[string]string{"clientType": "Buyer"})
	if err != nil {
		t.Fatal(err)
	}
	if err := session.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	if _, err := session.HandleChange("buildingPestDate", "2026-09-12"); err != nil {
		t.Errorf("paired date key rejected: %v", err)
	}
	if _, err := session.HandleChange("searchesComments", "awaiting bank"); err != nil {
		t.Errorf("comment key rejected: %v", err)
	}
	if !session.IsChanged() {
		t.Error("aux key edits should dirty the session")
	}

	// Inapplicable conditional field is unknown for this matter.
	if _, err := session.HandleChange("obtainDaSeller", "Yes"); !errors.Is(err, ErrUnknownField) {
		t.Errorf("expected ErrUnknownField for buyer-side obtainDaSeller, got %v", err)
	}
}

func TestCommentOnlyEditIsDirty(t *testing.T) {
	session := newLegalSession(t, Deps{})
	if err := session.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := session.HandleChange("additionalComments", "chase on Monday"); err != nil {
		t.Fatal(err)
	}
	if !session.IsChanged() {
		t.Error("comment edit alone should be saveable")
	}
}

func TestSaveNoChanges(t *testing.T) {
	persistCalls := 0
	session := newLegalSession(t, Deps{
		Persist: persistFunc(func(ctx context.Context, matterID string, stageNumber int, payload map[string]string) (map[string]string, error) {
			persistCalls++
			return payload, nil
		}),
	})
	if err := session.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	if _, err := session.Save(context.Background()); !errors.Is(err, ErrNoChanges) {
		t.Fatalf("expected ErrNoChanges, got %v", err)
	}
	if persistCalls != 0 {
		t.Errorf("persister called %d times on no-op save", persistCalls)
	}
}

func TestSaveBeforeLoad(t *testing.T) {
	session := newLegalSession(t, Deps{})
	if _, err := session.Save(context.Background()); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("expected ErrNotLoaded, got %v", err)
	}
	if _, err := session.HandleChange("retainer", "Yes"); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("expected ErrNotLoaded on change, got %v", err)
	}
}

func TestSaveSuccess(t *testing.T) {
	notifier := &recordNotifier{}
	reconciler := &recordReconciler{}
	var sentPayload map[string]string
	session := newLegalSession(t, Deps{
		Persist: persistFunc(func(ctx context.Context, matterID string, stageNumber int, payload map[string]string) (map[string]string, error) {
			sentPayload = payload
			// Server echoes a subset plus its own canonical casing.
			return map[string]string{"retainer": "Yes"}, nil
		}),
		Notify:    notifier,
		Reconcile: reconciler,
	})
	if err := session.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	if _, err := session.HandleChange("retainer", "yes"); err != nil {
		t.Fatal(err)
	}
	if _, err := session.HandleChange("additionalComments", "call client"); err != nil {
		t.Fatal(err)
	}

	merged, err := session.Save(context.Background())
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	if sentPayload["matterId"] != "mat_1" {
		t.Errorf("payload matterId = %q", sentPayload["matterId"])
	}
	if sentPayload["colorStatus"] != string(workflow.ColorAmber) {
		t.Errorf("payload colorStatus = %q, want amber", sentPayload["colorStatus"])
	}
	wantNote := "Declaration form, Contract Review, Quote Type, Quote amount (incl GST), Tenants not received - call client"
	if sentPayload["note"] != wantNote {
		t.Errorf("payload note = %q, want %q", sentPayload["note"], wantNote)
	}
	if _, hasComment := sentPayload["additionalComments"]; hasComment {
		t.Error("combined format should not send the raw comment key")
	}

	if merged["retainer"] != "Yes" {
		t.Errorf("merged retainer = %q", merged["retainer"])
	}
	if session.IsChanged() {
		t.Error("session must be clean after a successful save")
	}
	if session.State() != StateReady {
		t.Errorf("state = %q, want ready", session.State())
	}
	if session.Values()["additionalComments"] != "call client" {
		t.Errorf("comment lost after save: %q", session.Values()["additionalComments"])
	}

	if notifier.count(NotifySuccess) != 1 || notifier.count(NotifyError) != 0 {
		t.Errorf("notifications = %+v, want exactly one success", notifier.calls)
	}
	if reconciler.calls != 1 {
		t.Errorf("reconciler called %d times, want 1", reconciler.calls)
	}
	if reconciler.sent["note"] != wantNote {
		t.Errorf("reconciler sent payload missing note")
	}
}

func TestSaveFailureKeepsEdits(t *testing.T) {
	notifier := &recordNotifier{}
	attempts := 0
	session := newLegalSession(t, Deps{
		Persist: persistFunc(func(ctx context.Context, matterID string, stageNumber int, payload map[string]string) (map[string]string, error) {
			attempts++
			if attempts == 1 {
				return nil, fmt.Errorf("backend unavailable")
			}
			return payload, nil
		}),
		Notify: notifier,
	})
	if err := session.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := session.HandleChange("retainer", "Yes"); err != nil {
		t.Fatal(err)
	}

	_, err := session.Save(context.Background())
	if err == nil || !strings.Contains(err.Error(), "backend unavailable") {
		t.Fatalf("expected wrapped save error, got %v", err)
	}
	if notifier.count(NotifyError) != 1 {
		t.Errorf("error notifications = %d, want exactly 1", notifier.count(NotifyError))
	}
	if session.State() != StateEditing {
		t.Errorf("state = %q, want editing", session.State())
	}
	if !session.IsChanged() {
		t.Error("edits must survive a failed save")
	}
	if session.Values()["retainer"] != "Yes" {
		t.Errorf("retainer = %q after failed save", session.Values()["retainer"])
	}

	// Retry succeeds and cleans the session.
	if _, err := session.Save(context.Background()); err != nil {
		t.Fatalf("retry save: %v", err)
	}
	if session.IsChanged() {
		t.Error("session must be clean after retry")
	}
	if notifier.count(NotifySuccess) != 1 {
		t.Errorf("success notifications = %d, want 1", notifier.count(NotifySuccess))
	}
}

func TestSaveInFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	session := newLegalSession(t, Deps{
		Persist: persistFunc(func(ctx context.Context, matterID string, stageNumber int, payload map[string]string) (map[string]string, error) {
			close(started)
			<-release
			return payload, nil
		}),
	})
	if err := session.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := session.HandleChange("retainer", "Yes"); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := session.Save(context.Background())
		done <- err
	}()

	<-started
	if _, err := session.Save(context.Background()); !errors.Is(err, ErrSaveInFlight) {
		t.Errorf("expected ErrSaveInFlight, got %v", err)
	}
	if _, err := session.HandleChange("tenants", "Yes"); !errors.Is(err, ErrSaveInFlight) {
		t.Errorf("expected ErrSaveInFlight on change, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first save: %v", err)
	}
}

func TestStaleLoadSuperseded(t *testing.T) {
	firstEntered := make(chan struct{})
	firstRelease := make(chan struct{})
	calls := 0
	var mu sync.Mutex
	session := newLegalSession(t, Deps{
		Fetch: fetchFunc(func(context.Context, string, int) (map[string]string, error) {
			mu.Lock()
			calls++
			call := calls
			mu.Unlock()
			if call == 1 {
				close(firstEntered)
				<-firstRelease
				return map[string]string{"retainer": "No"}, nil
			}
			return map[string]string{"retainer": "Yes"}, nil
		}),
	})

	done := make(chan error, 1)
	go func() {
		done <- session.Load(context.Background())
	}()

	<-firstEntered
	if err := session.Load(context.Background()); err != nil {
		t.Fatalf("second load: %v", err)
	}

	close(firstRelease)
	if err := <-done; !errors.Is(err, ErrStaleLoad) {
		t.Fatalf("first load: expected ErrStaleLoad, got %v", err)
	}

	if session.Values()["retainer"] != "Yes" {
		t.Errorf("stale load overwrote newer snapshot: retainer = %q", session.Values()["retainer"])
	}
}

func TestSeparateNoteFormatPayload(t *testing.T) {
	var sentPayload map[string]string
	session, err := New(Deps{
		Fetch: emptyFetcher(),
		Persist: persistFunc(func(ctx context.Context, matterID string, stageNumber int, payload map[string]string) (map[string]string, error) {
			sentPayload = payload
			return payload, nil
		}),
	}, schema.TenantCommercial, "mat_9", 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := session.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	if _, err := session.HandleChange("retainer", "Yes"); err != nil {
		t.Fatal(err)
	}
	if _, err := session.HandleChange("clientNote", "awaiting countersignature"); err != nil {
		t.Fatal(err)
	}
	if _, err := session.Save(context.Background()); err != nil {
		t.Fatal(err)
	}

	if sentPayload["clientNote"] != "awaiting countersignature" {
		t.Errorf("clientNote = %q", sentPayload["clientNote"])
	}
	system := sentPayload["systemNote"]
	if system == "" || strings.Contains(system, " - awaiting") {
		t.Errorf("systemNote = %q, want system half alone", system)
	}
	if !strings.HasSuffix(system, " not received") {
		t.Errorf("systemNote = %q, want outstanding wording", system)
	}
}

func TestSeparateFormatLoadKeepsComment(t *testing.T) {
	session, err := New(Deps{
		Fetch: fetchFunc(func(context.Context, string, int) (map[string]string, error) {
			return map[string]string{
				"retainer":   "Yes",
				"systemNote": "stale system text",
				"clientNote": "client prefers email",
			}, nil
		}),
		Persist: echoPersister(),
	}, schema.TenantCommercial, "mat_9", 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := session.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	if session.Values()["clientNote"] != "client prefers email" {
		t.Errorf("clientNote = %q", session.Values()["clientNote"])
	}
	if session.IsChanged() {
		t.Error("stored system text must not make a fresh load dirty")
	}
}
