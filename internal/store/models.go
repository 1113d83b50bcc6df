package store

import "time"

type Matter struct {
	ID         string    `json:"id"`
	Tenant     string    `json:"tenant"`
	Reference  string    `json:"reference"`
	ClientName string    `json:"clientName"`
	ClientType string    `json:"clientType"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// StageRecord is one persisted stage of a matter. Data holds the raw
// field values keyed by field key, exactly as the engine sent them.
type StageRecord struct {
	MatterID    string            `json:"matterId"`
	Stage       int               `json:"stage"`
	Data        map[string]string `json:"data"`
	ColorStatus string            `json:"colorStatus"`
	UpdatedBy   string            `json:"updatedBy"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// MatterSummary is the list-page projection: the matter plus the color
// status of each stage that has been saved at least once.
type MatterSummary struct {
	Matter
	StageColors map[int]string `json:"stageColors"`
}
