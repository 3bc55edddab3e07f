package events

// EventData is the interface that all event data types must implement
type EventData interface {
	// EventType returns the event type this data is associated with
	EventType() EventType
}

// PortfolioSummary is the per-policy result carried by AnalysisCompleted.
// SharpeRatio is nil when undefined.
type PortfolioSummary struct {
	Policy               string             `json:"policy"`
	Weights              map[string]float64 `json:"weights"`
	AnnualizedReturn     float64            `json:"annualized_return"`
	AnnualizedVolatility float64            `json:"annualized_volatility"`
	SharpeRatio          *float64           `json:"sharpe_ratio"`
}

// AnalysisStartedData contains data for AnalysisStarted events
type AnalysisStartedData struct {
	Source   string   `json:"source"`
	Tickers  []string `json:"tickers"`
	Policies []string `json:"policies"`
}

// EventType returns the event type for AnalysisStartedData
func (d *AnalysisStartedData) EventType() EventType {
	return AnalysisStarted
}

// AnalysisCompletedData contains data for AnalysisCompleted events
type AnalysisCompletedData struct {
	RunID      string             `json:"run_id"`
	Source     string             `json:"source"`
	Periods    int                `json:"periods"`
	Portfolios []PortfolioSummary `json:"portfolios"`
	DurationMs int64              `json:"duration_ms"`
}

// EventType returns the event type for AnalysisCompletedData
func (d *AnalysisCompletedData) EventType() EventType {
	return AnalysisCompleted
}

// AnalysisFailedData contains data for AnalysisFailed events
type AnalysisFailedData struct {
	Source string `json:"source"`
	Policy string `json:"policy,omitempty"`
	Error  string `json:"error"`
}

// EventType returns the event type for AnalysisFailedData
func (d *AnalysisFailedData) EventType() EventType {
	return AnalysisFailed
}

// RunDeletedData contains data for RunDeleted events
type RunDeletedData struct {
	RunID string `json:"run_id"`
}

// EventType returns the event type for RunDeletedData
func (d *RunDeletedData) EventType() EventType {
	return RunDeleted
}

// JobStatusData contains data for scheduled job events
type JobStatusData struct {
	Job        string `json:"job"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// EventType returns the event type for JobStatusData
func (d *JobStatusData) EventType() EventType {
	switch d.Status {
	case "completed":
		return JobCompleted
	case "failed":
		return JobFailed
	default:
		return JobStarted
	}
}
