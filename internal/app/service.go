package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"caseflow/api/internal/cache"
	"caseflow/api/internal/config"
	"caseflow/api/internal/history"
	"caseflow/api/internal/schema"
	"caseflow/api/internal/search"
	"caseflow/api/internal/stage"
	"caseflow/api/internal/store"
	"caseflow/api/internal/util"
	"caseflow/api/internal/workflow"
)

type dataStore interface {
	InsertMatter(ctx context.Context, item store.Matter) error
	GetMatter(ctx context.Context, matterID string) (store.Matter, error)
	ListMatters(ctx context.Context, tenant string) ([]store.Matter, error)
	FetchStage(ctx context.Context, matterID string, stageNumber int) (map[string]string, error)
	SaveStage(ctx context.Context, matterID string, stageNumber int, data map[string]string, updatedBy string) (map[string]string, error)
	StageColors(ctx context.Context, matterID string) (map[int]string, error)
	SummaryCounts(ctx context.Context) (int, int, int, error)
	Ping(ctx context.Context) error
}

type assetStore interface {
	Has(ctx context.Context, matterID string, stageNumber int, fieldKey string) (bool, error)
	URL(ctx context.Context, matterID string, stageNumber int, fieldKey string) (string, error)
}

type historyService interface {
	RecordSave(matterID string, stageNumber int, payload map[string]string, author string) (history.SaveInfo, error)
	History(matterID string, limit int) ([]history.SaveInfo, error)
}

type sessionRecord struct {
	session   *stage.Session
	expiresAt time.Time
}

type Service struct {
	cfg      config.Config
	registry *schema.Registry
	store    dataStore
	caches   *cache.Store
	search   *search.Service
	assets   assetStore
	history  historyService
	notifier stage.Notifier

	sessionTTL time.Duration
	sessionMu  sync.Mutex
	sessions   map[string]sessionRecord
}

// logNotifier is the default notification sink: one log line per save outcome.
type logNotifier struct{}

func (logNotifier) Notify(kind stage.NotifyKind, message string) {
	log.Printf("notify: %s: %s", kind, message)
}

func New(cfg config.Config, dataStore *store.PostgresStore) *Service {
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Service{
		cfg:        cfg,
		registry:   schema.Default(),
		store:      dataStore,
		notifier:   logNotifier{},
		sessionTTL: ttl,
		sessions:   make(map[string]sessionRecord),
	}
}

// WithCaches attaches the Redis cache reconciler.
func (s *Service) WithCaches(caches *cache.Store) *Service {
	s.caches = caches
	return s
}

// WithSearch attaches the matter search service.
func (s *Service) WithSearch(searchService *search.Service) *Service {
	s.search = searchService
	return s
}

// WithAssets attaches the image-asset presence store.
func (s *Service) WithAssets(assetStore assetStore) *Service {
	s.assets = assetStore
	return s
}

// WithHistory attaches the git-backed save history.
func (s *Service) WithHistory(historySvc historyService) *Service {
	s.history = historySvc
	return s
}

// WithNotifier replaces the default log-based notification sink.
func (s *Service) WithNotifier(notifier stage.Notifier) *Service {
	s.notifier = notifier
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) PingCaches(ctx context.Context) error {
	if s.caches == nil {
		return nil
	}
	return s.caches.Ping(ctx)
}

// CreateMatter registers a new matter or order for a tenant.
func (s *Service) CreateMatter(ctx context.Context, tenant schema.Tenant, reference, clientName, clientType string) (store.Matter, error) {
	if _, err := s.registry.NoteFormat(tenant); err != nil {
		return store.Matter{}, domainError(http.StatusBadRequest, "UNKNOWN_TENANT", fmt.Sprintf("unknown tenant %q", tenant), nil)
	}
	if reference == "" {
		return store.Matter{}, domainError(http.StatusBadRequest, "INVALID_REFERENCE", "reference is required", nil)
	}
	item := store.Matter{
		ID:         util.NewID("mat"),
		Tenant:     string(tenant),
		Reference:  reference,
		ClientName: clientName,
		ClientType: clientType,
	}
	if err := s.store.InsertMatter(ctx, item); err != nil {
		return store.Matter{}, err
	}
	if s.search != nil {
		s.search.IndexMatter(search.MatterRecord{
			ID:         item.ID,
			Tenant:     item.Tenant,
			Reference:  item.Reference,
			ClientName: item.ClientName,
		})
	}
	return item, nil
}

func (s *Service) GetMatter(ctx context.Context, matterID string) (store.MatterSummary, error) {
	matter, err := s.store.GetMatter(ctx, matterID)
	if err != nil {
		return store.MatterSummary{}, err
	}
	colors, err := s.store.StageColors(ctx, matterID)
	if err != nil {
		return store.MatterSummary{}, err
	}
	return store.MatterSummary{Matter: matter, StageColors: colors}, nil
}

func (s *Service) ListMatters(ctx context.Context, tenant string) ([]store.MatterSummary, error) {
	matters, err := s.store.ListMatters(ctx, tenant)
	if err != nil {
		return nil, err
	}
	summaries := make([]store.MatterSummary, 0, len(matters))
	for _, matter := range matters {
		colors, err := s.store.StageColors(ctx, matter.ID)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, store.MatterSummary{Matter: matter, StageColors: colors})
	}
	return summaries, nil
}

func (s *Service) SummaryCounts(ctx context.Context) (total, outstanding, complete int, err error) {
	return s.store.SummaryCounts(ctx)
}

func (s *Service) Search(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

// StageView is what the console renders for one open stage.
type StageView struct {
	MatterID    string                            `json:"matterId"`
	Stage       int                               `json:"stage"`
	StageName   string                            `json:"stageName"`
	Tenant      string                            `json:"tenant"`
	State       stage.State                       `json:"state"`
	Dirty       bool                              `json:"dirty"`
	Fields      []FieldView                       `json:"fields"`
	Values      map[string]string                 `json:"values"`
	Statuses    map[string]workflow.FieldStatus   `json:"statuses"`
	SystemNotes map[string]string                 `json:"systemNotes"`
	ColorStatus workflow.ColorStatus              `json:"colorStatus"`
	Assets      map[string]AssetView              `json:"assets,omitempty"`
}

type FieldView struct {
	Key           string   `json:"key"`
	Label         string   `json:"label"`
	Kind          string   `json:"kind"`
	Options       []string `json:"options,omitempty"`
	PairedDateKey string   `json:"pairedDateKey,omitempty"`
}

type AssetView struct {
	Present bool   `json:"present"`
	URL     string `json:"url,omitempty"`
}

// OpenStage creates (or replaces) the editing session for a stage and
// loads its snapshot. The caller's role feeds field applicability.
func (s *Service) OpenStage(ctx context.Context, matterID string, stageNumber int, role string) (StageView, error) {
	matter, err := s.store.GetMatter(ctx, matterID)
	if err != nil {
		return StageView{}, err
	}

	attrs := map[string]string{
		"clientType": matter.ClientType,
		"role":       role,
	}
	session, err := stage.New(stage.Deps{
		Registry:  s.registry,
		Fetch:     storeFetcher{s.store},
		Persist:   storePersister{s.store},
		Notify:    s.notifier,
		Reconcile: s.reconciler(),
	}, schema.Tenant(matter.Tenant), matterID, stageNumber, attrs)
	if err != nil {
		return StageView{}, err
	}
	if err := session.Load(ctx); err != nil {
		return StageView{}, err
	}

	s.sessionMu.Lock()
	s.pruneSessionsLocked()
	s.sessions[sessionKey(matterID, stageNumber)] = sessionRecord{
		session:   session,
		expiresAt: time.Now().Add(s.sessionTTL),
	}
	s.sessionMu.Unlock()

	return s.viewOf(ctx, session), nil
}

// ChangeField applies one edit to an open stage session.
func (s *Service) ChangeField(ctx context.Context, matterID string, stageNumber int, key, value string) (StageView, error) {
	session, err := s.sessionFor(matterID, stageNumber)
	if err != nil {
		return StageView{}, err
	}
	if _, err := session.HandleChange(key, value); err != nil {
		return StageView{}, err
	}
	return s.viewOf(ctx, session), nil
}

// StageState returns the current view of an open stage session.
func (s *Service) StageState(ctx context.Context, matterID string, stageNumber int) (StageView, error) {
	session, err := s.sessionFor(matterID, stageNumber)
	if err != nil {
		return StageView{}, err
	}
	return s.viewOf(ctx, session), nil
}

// SaveStage persists the session's edits and fans the result out to the
// history trail and the search index.
func (s *Service) SaveStage(ctx context.Context, matterID string, stageNumber int, actor string) (StageView, error) {
	session, err := s.sessionFor(matterID, stageNumber)
	if err != nil {
		return StageView{}, err
	}
	if actor == "" {
		actor = "console"
	}

	payload, err := session.Save(withActor(ctx, actor))
	if err != nil {
		return StageView{}, err
	}

	if s.history != nil {
		if _, herr := s.history.RecordSave(matterID, stageNumber, payload, actor); herr != nil {
			log.Printf("history: record save for %s stage %d: %v", matterID, stageNumber, herr)
		}
	}
	if s.search != nil {
		if note := s.noteText(session.Tenant(), stageNumber, payload); note != "" {
			s.search.IndexNote(search.NoteRecord{
				ID:       fmt.Sprintf("%s-%d", matterID, stageNumber),
				MatterID: matterID,
				Tenant:   string(session.Tenant()),
				Stage:    stageNumber,
				Note:     note,
			})
		}
	}
	return s.viewOf(ctx, session), nil
}

// StageHistory lists the recorded saves for a matter.
func (s *Service) StageHistory(matterID string, limit int) ([]history.SaveInfo, error) {
	if s.history == nil {
		return []history.SaveInfo{}, nil
	}
	return s.history.History(matterID, limit)
}

// noteText extracts the client-facing note text from a saved payload
// for search indexing, honoring the tenant's storage format.
func (s *Service) noteText(tenant schema.Tenant, stageNumber int, payload map[string]string) string {
	def, err := s.registry.Stage(tenant, stageNumber)
	if err != nil {
		return ""
	}
	format, err := s.registry.NoteFormat(tenant)
	if err != nil {
		return ""
	}
	text := ""
	for _, group := range def.Notes {
		switch format {
		case schema.NoteCombined:
			text += payload[group.StoredKey] + " "
		case schema.NoteSeparate:
			text += payload[group.SystemKey] + " " + payload[group.CommentKey] + " "
		}
	}
	return text
}

func (s *Service) viewOf(ctx context.Context, session *stage.Session) StageView {
	fields := session.Fields()
	fieldViews := make([]FieldView, 0, len(fields))
	var assetViews map[string]AssetView
	for _, field := range fields {
		fieldViews = append(fieldViews, FieldView{
			Key:           field.Key,
			Label:         field.Label,
			Kind:          string(field.Kind),
			Options:       field.Options,
			PairedDateKey: field.PairedDateKey,
		})
		if field.Kind == schema.KindImage && s.assets != nil {
			if assetViews == nil {
				assetViews = make(map[string]AssetView)
			}
			assetViews[field.Key] = s.assetView(ctx, session.MatterID(), session.StageNumber(), field.Key)
		}
	}

	return StageView{
		MatterID:    session.MatterID(),
		Stage:       session.StageNumber(),
		StageName:   session.StageName(),
		Tenant:      string(session.Tenant()),
		State:       session.State(),
		Dirty:       session.IsChanged(),
		Fields:      fieldViews,
		Values:      session.Values(),
		Statuses:    session.FieldStatuses(),
		SystemNotes: session.SystemNotes(),
		ColorStatus: session.ColorStatus(),
		Assets:      assetViews,
	}
}

func (s *Service) assetView(ctx context.Context, matterID string, stageNumber int, fieldKey string) AssetView {
	present, err := s.assets.Has(ctx, matterID, stageNumber, fieldKey)
	if err != nil {
		log.Printf("assets: check %s stage %d field %s: %v", matterID, stageNumber, fieldKey, err)
		return AssetView{}
	}
	view := AssetView{Present: present}
	if present {
		if url, err := s.assets.URL(ctx, matterID, stageNumber, fieldKey); err == nil {
			view.URL = url
		}
	}
	return view
}

func (s *Service) reconciler() stage.Reconciler {
	if s.caches == nil {
		return nil
	}
	return s.caches
}

func sessionKey(matterID string, stageNumber int) string {
	return fmt.Sprintf("%s|%d", matterID, stageNumber)
}

func (s *Service) sessionFor(matterID string, stageNumber int) (*stage.Session, error) {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	record, ok := s.sessions[sessionKey(matterID, stageNumber)]
	if !ok || time.Now().After(record.expiresAt) {
		delete(s.sessions, sessionKey(matterID, stageNumber))
		return nil, domainError(http.StatusConflict, "STAGE_NOT_OPEN", "stage session not open; open the stage first", nil)
	}
	record.expiresAt = time.Now().Add(s.sessionTTL)
	s.sessions[sessionKey(matterID, stageNumber)] = record
	return record.session, nil
}

func (s *Service) pruneSessionsLocked() {
	now := time.Now()
	for key, record := range s.sessions {
		if now.After(record.expiresAt) {
			delete(s.sessions, key)
		}
	}
}

// actorKey carries the saving user's name through to the persister.
type actorKey struct{}

func withActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func actorFrom(ctx context.Context) string {
	if actor, ok := ctx.Value(actorKey{}).(string); ok && actor != "" {
		return actor
	}
	return "console"
}

// storeFetcher adapts the data store to the session's Fetcher contract.
type storeFetcher struct {
	store dataStore
}

func (f storeFetcher) FetchStage(ctx context.Context, matterID string, stageNumber int) (map[string]string, error) {
	data, err := f.store.FetchStage(ctx, matterID, stageNumber)
	if errors.Is(err, store.ErrNotFound) {
		return nil, stage.ErrNotFound
	}
	return data, err
}

// storePersister adapts the data store to the session's Persister contract.
type storePersister struct {
	store dataStore
}

func (p storePersister) SaveStage(ctx context.Context, matterID string, stageNumber int, payload map[string]string) (map[string]string, error) {
	return p.store.SaveStage(ctx, matterID, stageNumber, payload, actorFrom(ctx))
}
