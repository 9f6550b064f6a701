package store

// Job statuses.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobDone      = "done"
	JobError     = "error"
	JobCancelled = "cancelled"
)

// Run statuses. RunRunning is the in-progress marker before FinishRun.
const (
	RunRunning = "running"
	RunSuccess = "success"
	RunPartial = "partial"
	RunError   = "error"
	RunTimeout = "timeout"
)

// Job triggers.
const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
)

// Source fetch mechanisms.
const (
	SourceMarkup = "markup"
	SourceAPI    = "api"
)

// Competitor is a monitored retailer.
type Competitor struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenant_id"`
	Name      string            `json:"name"`
	Geo       string            `json:"geo"`
	Active    bool              `json:"active"`
	Priority  int               `json:"priority"`
	Slugs     map[string]string `json:"slugs,omitempty"`
	CreatedAt int64             `json:"created_at"`
	UpdatedAt int64             `json:"updated_at"`
}

// Source is one fetchable endpoint of a competitor.
type Source struct {
	ID                   string `json:"id"`
	TenantID             string `json:"tenant_id"`
	CompetitorID         string `json:"competitor_id"`
	Kind                 string `json:"kind"`
	SourceType           string `json:"source_type"`
	BaseURL              string `json:"base_url"`
	FrequencyMinutes     int    `json:"frequency_minutes"`
	Priority             int    `json:"priority"`
	RobotsAllowed        bool   `json:"robots_allowed"`
	Active               bool   `json:"active"`
	ProfileID            string `json:"profile_id"`
	ProfileVersion       int    `json:"profile_version"`
	NextDueAt            int64  `json:"next_due_at"`
	ConsecutiveFailures  int    `json:"consecutive_failures"`
	LastRunID            string `json:"last_run_id,omitempty"`
	LastSuccessHash      string `json:"last_success_hash,omitempty"`
	LastAppliedStartedAt int64  `json:"-"`
	CreatedAt            int64  `json:"created_at"`
	UpdatedAt            int64  `json:"updated_at"`
}

// Job binds a source to a due time.
type Job struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenant_id"`
	SourceID   string `json:"source_id"`
	DueAt      int64  `json:"due_at"`
	Status     string `json:"status"`
	Trigger    string `json:"trigger"`
	RunID      string `json:"run_id,omitempty"`
	CreatedAt  int64  `json:"created_at"`
	StartedAt  *int64 `json:"started_at,omitempty"`
	FinishedAt *int64 `json:"finished_at,omitempty"`
}

// QueuedJob is a queued job joined with the dispatch attributes of its source.
type QueuedJob struct {
	Job
	CompetitorID   string
	BaseURL        string
	SourcePriority int
}

// Run records one execution attempt.
type Run struct {
	ID              string `json:"id"`
	TenantID        string `json:"tenant_id"`
	SourceID        string `json:"source_id"`
	JobID           string `json:"job_id,omitempty"`
	ProfileID       string `json:"profile_id"`
	ProfileVersion  int    `json:"profile_version"`
	Status          string `json:"status"`
	HTTPStatus      int    `json:"http_status,omitempty"`
	SnapshotRef     string `json:"snapshot_ref,omitempty"`
	ContentHash     string `json:"content_hash,omitempty"`
	Unchanged       bool   `json:"unchanged"`
	Pages           int    `json:"pages"`
	ProductsParsed  int    `json:"products_parsed"`
	ProductsChanged int    `json:"products_changed"`
	ProductsNew     int    `json:"products_new"`
	Warnings        int    `json:"warnings"`
	DurationMs      int64  `json:"duration_ms"`
	ErrorKind       string `json:"error_kind,omitempty"`
	ErrorDetail     string `json:"error_detail,omitempty"`
	StartedAt       int64  `json:"started_at"`
	FinishedAt      *int64 `json:"finished_at,omitempty"`
}

// Product is a competitor catalog entry.
type Product struct {
	ID                string   `json:"id"`
	TenantID          string   `json:"tenant_id"`
	CompetitorID      string   `json:"competitor_id"`
	SourceID          string   `json:"source_id"`
	ExternalID        string   `json:"external_id"`
	Name              string   `json:"name"`
	Brand             string   `json:"brand,omitempty"`
	Category          string   `json:"category"`
	RawCategory       string   `json:"raw_category,omitempty"`
	Strain            string   `json:"strain,omitempty"`
	Size              string   `json:"size,omitempty"`
	MatchKey          string   `json:"match_key,omitempty"`
	PriceCents        *int64   `json:"price_cents,omitempty"`
	RegularPriceCents *int64   `json:"regular_price_cents,omitempty"`
	InStock           bool     `json:"in_stock"`
	Discontinued      bool     `json:"discontinued"`
	THCPct            *float64 `json:"thc_pct,omitempty"`
	CBDPct            *float64 `json:"cbd_pct,omitempty"`
	ImageURL          string   `json:"image_url,omitempty"`
	URL               string   `json:"url,omitempty"`
	MissedRuns        int      `json:"missed_runs"`
	FirstSeenAt       int64    `json:"first_seen_at"`
	LastSeenAt        int64    `json:"last_seen_at"`
	LastRunID         string   `json:"last_run_id"`
}

// PricePoint is an immutable price observation.
type PricePoint struct {
	ID                string `json:"id"`
	TenantID          string `json:"tenant_id"`
	ProductID         string `json:"product_id"`
	RunID             string `json:"run_id"`
	Seq               int    `json:"seq"`
	PriceCents        *int64 `json:"price_cents,omitempty"`
	RegularPriceCents *int64 `json:"regular_price_cents,omitempty"`
	InStock           bool   `json:"in_stock"`
	ObservedAt        int64  `json:"observed_at"`
}

// Profile is one immutable version of a parser profile. Definition is the
// JSON document interpreted by the parse package.
type Profile struct {
	ID          string `json:"id"`
	Version     int    `json:"version"`
	TenantID    string `json:"tenant_id"`
	Name        string `json:"name"`
	SourceType  string `json:"source_type"`
	Definition  string `json:"definition"`
	ContentHash string `json:"content_hash"`
	CreatedAt   int64  `json:"created_at"`
}

// Insight is a severity-scored change fact.
type Insight struct {
	ID              string   `json:"id"`
	TenantID        string   `json:"tenant_id"`
	CompetitorID    string   `json:"competitor_id"`
	SourceID        string   `json:"source_id"`
	ProductID       string   `json:"product_id,omitempty"`
	RunID           string   `json:"run_id"`
	Type            string   `json:"type"`
	Severity        string   `json:"severity"`
	ProductName     string   `json:"product_name,omitempty"`
	Brand           string   `json:"brand,omitempty"`
	Category        string   `json:"category,omitempty"`
	Geo             string   `json:"geo,omitempty"`
	PreviousValue   *float64 `json:"previous_value,omitempty"`
	CurrentValue    *float64 `json:"current_value,omitempty"`
	DeltaPercentage *float64 `json:"delta_percentage,omitempty"`
	CreatedAt       int64    `json:"created_at"`
	ConsumedBy      []string `json:"consumed_by"`
}

// InsightFilter narrows Unconsumed.
type InsightFilter struct {
	Category string
	Types    []string
	Since    int64
	Limit    int
}

// Action is one watch rule action.
type Action struct {
	Kind   string `json:"kind"`
	Target string `json:"target,omitempty"`
}

// WatchRule is a tenant-defined filter, threshold and action set.
type WatchRule struct {
	ID              string   `json:"id"`
	TenantID        string   `json:"tenant_id"`
	Name            string   `json:"name"`
	Active          bool     `json:"active"`
	CompetitorIDs   []string `json:"competitor_ids,omitempty"`
	Brands          []string `json:"brands,omitempty"`
	ProductIDs      []string `json:"product_ids,omitempty"`
	Geos            []string `json:"geos,omitempty"`
	SourceIDs       []string `json:"source_ids,omitempty"`
	InsightTypes    []string `json:"insight_types,omitempty"`
	MinSeverity     string   `json:"min_severity,omitempty"`
	MinDeltaPct     *float64 `json:"min_delta_pct,omitempty"`
	MaxDeltaPct     *float64 `json:"max_delta_pct,omitempty"`
	UndercutPct     *float64 `json:"undercut_pct,omitempty"`
	DebounceMinutes int      `json:"debounce_minutes"`
	Actions         []Action `json:"actions"`
	LastTriggeredAt int64    `json:"last_triggered_at"`
	TriggerCount    int      `json:"trigger_count"`
	CreatedAt       int64    `json:"created_at"`
	UpdatedAt       int64    `json:"updated_at"`
}

// ReferencePrice is the tenant's own price for a product match key.
type ReferencePrice struct {
	TenantID   string `json:"tenant_id"`
	MatchKey   string `json:"match_key"`
	Name       string `json:"name"`
	Brand      string `json:"brand,omitempty"`
	PriceCents int64  `json:"price_cents"`
	UpdatedAt  int64  `json:"updated_at"`
}

// Snapshot indexes one stored payload page of a run.
type Snapshot struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenant_id"`
	SourceID    string `json:"source_id"`
	RunID       string `json:"run_id"`
	Page        int    `json:"page"`
	ContentHash string `json:"content_hash"`
	BlobKey     string `json:"blob_key"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type,omitempty"`
	CreatedAt   int64  `json:"created_at"`
}
