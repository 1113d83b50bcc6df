package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultMatter ResultType = "matter"
	ResultNote   ResultType = "note"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type      ResultType `json:"type"`
	ID        string     `json:"id"`
	MatterID  string     `json:"matterId"`
	Tenant    string     `json:"tenant"`
	Title     string     `json:"title"`
	Snippet   string     `json:"snippet"`
	Stage     int        `json:"stage,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text         string
	FilterType   ResultType // empty = all types
	FilterTenant string
	Limit        int
	Offset       int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// MatterRecord is the indexed shape of a matter.
type MatterRecord struct {
	ID         string `json:"id"`
	Tenant     string `json:"tenant"`
	Reference  string `json:"reference"`
	ClientName string `json:"clientName"`
}

// NoteRecord is the indexed shape of one stage's client-facing note.
type NoteRecord struct {
	ID       string `json:"id"`
	MatterID string `json:"matterId"`
	Tenant   string `json:"tenant"`
	Stage    int    `json:"stage"`
	Note     string `json:"note"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}
