package soak

// Verdict is the per-iteration (and windowed) KPI outcome.
type Verdict string

const (
	VerdictPass Verdict = "PASS"
	VerdictWarn Verdict = "WARN"
	VerdictFail Verdict = "FAIL"
)

// Maker/taker ratio source tags, in priority order.
const (
	MakerTakerSourceFillsVolume = "fills_volume"
	MakerTakerSourceFillsCount  = "fills_count"
	MakerTakerSourceRollup      = "rollup"
	MakerTakerSourceMock        = "mock"
)

// mockMakerTakerRatio is the last-resort constant when no fill data and no
// rollup are available.
const mockMakerTakerRatio = 0.80

// Driver tags, ordered by fixed tie-break priority (risk first).
const (
	DriverRiskBlocks        = "risk_blocks"
	DriverSlippage          = "slippage_bps"
	DriverAdverse           = "adverse_bps"
	DriverOrderAge          = "order_age"
	DriverWSLag             = "ws_lag"
	DriverMinIntervalBlocks = "min_interval_blocks"
)

// Rationale tags attached to proposals.
const (
	RationaleAgeRelief = "age_relief"
	RationaleMakerBias = "maker_bias"
)

// KPISummary aggregates one iteration window. All bps values follow the
// net edge sign convention: gross >= 0, fees <= 0 (forced negative at
// ingest), slippage signed, inventory cost entered as an absolute value.
// Adverse selection is tracked but never subtracted from NetBPS.
type KPISummary struct {
	NetBPS       float64 `json:"net_bps"`
	GrossBPS     float64 `json:"gross_bps"`
	FeesEffBPS   float64 `json:"fees_eff_bps"`
	SlippageBPS  float64 `json:"slippage_bps"`
	InventoryBPS float64 `json:"inventory_bps"`
	AdverseBPS   float64 `json:"adverse_bps"`

	MakerTakerRatio  float64 `json:"maker_taker_ratio"`
	MakerTakerSource string  `json:"maker_taker_source"`

	P95LatencyMS   float64 `json:"p95_latency_ms"`
	OrderAgeP95MS  float64 `json:"order_age_p95_ms"`
	WSLagP95MS     float64 `json:"ws_lag_p95_ms"`
	AdverseBPSP95  float64 `json:"adverse_bps_p95"`
	SlippageBPSP95 float64 `json:"slippage_bps_p95"`

	RiskRatio   float64 `json:"risk_ratio"`
	CancelRatio float64 `json:"cancel_ratio"`

	Fills          int `json:"fills"`
	Cancels        int `json:"cancels"`
	Rejects        int `json:"rejects"`
	RiskBlocks     int `json:"risk_blocks"`
	DeadlineMisses int `json:"deadline_misses"`
	Ticks          int `json:"ticks"`
}

// SignaturePair records the overrides signature before and after a tuning
// application.
type SignaturePair struct {
	Before string `json:"before"`
	After  string `json:"after"`
}

// TuningRecord is the per-iteration tuning outcome embedded in the summary
// and appended to the cumulative tuning report.
type TuningRecord struct {
	Iteration   int                `json:"iteration"`
	Applied     bool               `json:"applied"`
	SkipReason  []string           `json:"skip_reason"`
	ChangedKeys []string           `json:"changed_keys"`
	Signature   SignaturePair      `json:"signature"`
	Deltas      map[string]float64 `json:"deltas"`
	Rationale   []string           `json:"rationale"`
}

// IterationSummary is the canonical per-iteration artifact, written exactly
// once and immutable afterwards.
//
// ProposedDeltas is always present, possibly empty; DurationMS is a dynamic
// field stripped before byte-identity comparisons.
type IterationSummary struct {
	Iteration      int                `json:"iteration"`
	RuntimeUTC     string             `json:"runtime_utc"`
	DurationMS     float64            `json:"duration_ms"`
	NetBPS         float64            `json:"net_bps"`
	KPIVerdict     Verdict            `json:"kpi_verdict"`
	NegEdgeDrivers []string           `json:"neg_edge_drivers"`
	ProposedDeltas map[string]float64 `json:"proposed_deltas"`
	Tuning         TuningRecord       `json:"tuning"`
	MakerTaker     string             `json:"maker_taker_source"`
	FreezeReady    bool               `json:"freeze_ready"`
	Summary        KPISummary         `json:"summary"`
}
