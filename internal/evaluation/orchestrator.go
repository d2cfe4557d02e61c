package evaluation

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/ecomsec/sentinel/internal/abtest"
	"github.com/ecomsec/sentinel/internal/idgen"
	"github.com/ecomsec/sentinel/internal/logging"
	"github.com/ecomsec/sentinel/internal/metrics"
	"github.com/ecomsec/sentinel/internal/ml"
	"github.com/ecomsec/sentinel/internal/rules"
	"github.com/ecomsec/sentinel/internal/signalcache"
	"github.com/ecomsec/sentinel/internal/threatintel"
	"github.com/ecomsec/sentinel/internal/traces"
)

// Config tunes the orchestrator. Weights must sum to 1.0; config.Validate
// enforces that before the server starts.
type Config struct {
	// OverallDeadline bounds the whole evaluation. Engines that miss it
	// contribute their neutral score.
	OverallDeadline time.Duration
	// MLDeadline and ThreatIntelDeadline bound the slower engines
	// individually so one of them cannot consume the whole budget.
	MLDeadline          time.Duration
	ThreatIntelDeadline time.Duration

	RuleWeight        float64
	MLWeight          float64
	ThreatIntelWeight float64

	// ApproveMax and ReviewMax are the decision band boundaries:
	// score <= ApproveMax approves, score <= ReviewMax requires auth,
	// anything above blocks.
	ApproveMax int
	ReviewMax  int

	// FailOpenScore is reported when every engine misses the deadline.
	FailOpenScore int

	// BINDenyList is exposed to the rule facts as tx.bin_denied.
	BINDenyList []string
}

// Orchestrator coordinates one evaluation across the three engines.
type Orchestrator struct {
	cfg        Config
	ruleEngine *rules.Engine
	ruleLoader *rules.Loader
	scorer     *ml.Scorer
	registry   *ml.Registry
	intel      *threatintel.Client
	velocity   *signalcache.VelocityTracker
	cache      *signalcache.Cache
	router     *abtest.Router
	emitter    *Emitter
	binDeny    map[string]bool
}

// NewOrchestrator wires the engines together. emitter may be nil to
// disable event publication (tests).
func NewOrchestrator(
	cfg Config,
	ruleLoader *rules.Loader,
	registry *ml.Registry,
	intel *threatintel.Client,
	velocity *signalcache.VelocityTracker,
	cache *signalcache.Cache,
	router *abtest.Router,
	emitter *Emitter,
) *Orchestrator {
	binDeny := make(map[string]bool, len(cfg.BINDenyList))
	for _, bin := range cfg.BINDenyList {
		binDeny[strings.TrimSpace(bin)] = true
	}
	if cfg.FailOpenScore == 0 {
		cfg.FailOpenScore = DefaultFailOpenScore
	}
	return &Orchestrator{
		cfg:        cfg,
		ruleEngine: rules.NewEngine(),
		ruleLoader: ruleLoader,
		scorer:     ml.NewScorer(),
		registry:   registry,
		intel:      intel,
		velocity:   velocity,
		cache:      cache,
		router:     router,
		emitter:    emitter,
		binDeny:    binDeny,
	}
}

// engineResult is one engine's answer, collected off the fan-out channel.
type engineResult struct {
	name     string
	score100 int
	degraded bool
	millis   float64

	ruleResult *rules.Result       // set for the rule engine
	prediction *ml.EnsemblePrediction // set for the ML engine
}

// Evaluate scores one transaction. It always returns a result: engines
// that fail or miss the deadline degrade to neutral contributions, and if
// every engine misses, the fail-open default applies. The caller's ctx is
// bounded by the overall deadline internally.
func (o *Orchestrator) Evaluate(ctx context.Context, tx *Transaction) *EvaluationResult {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "evaluation.Evaluate", traces.TransactionID(tx.TransactionID))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, o.cfg.OverallDeadline)
	defer cancel()

	assignment := o.router.Assign(tx.CustomerID)
	modelVersion := o.resolveModel(ctx, assignment)
	snapshot := o.ruleLoader.Snapshot()

	// Velocity counts are read before fan-out so all engines see the
	// same numbers, then incremented after so a transaction does not
	// count itself.
	cardKey, deviceKey := o.velocityKeys(tx)
	card5m := o.velocity.Count(cardKey, 5*time.Minute)
	device1h := o.velocity.Count(deviceKey, time.Hour)
	distinctCountries := o.observeCountry(tx)

	results := make(chan engineResult, 3)

	go o.runRules(ctx, results, snapshot, tx, card5m, device1h, distinctCountries)
	go o.runML(ctx, results, modelVersion, tx, card5m, device1h, distinctCountries)
	go o.runThreatIntel(ctx, results, tx)

	collected := make(map[string]engineResult, 3)
gather:
	for len(collected) < 3 {
		select {
		case r := <-results:
			collected[r.name] = r
			metrics.EngineDuration.WithLabelValues(r.name).Observe(r.millis / 1000)
			if r.degraded {
				metrics.EngineDegradedTotal.WithLabelValues(r.name).Inc()
			}
		case <-ctx.Done():
			break gather
		}
	}

	result := o.merge(ctx, tx, collected, snapshot, modelVersion, assignment)
	result.DurationMillis = float64(time.Since(start).Microseconds()) / 1000

	o.velocity.Incr(cardKey)
	o.velocity.Incr(deviceKey)

	metrics.EvaluationsTotal.WithLabelValues(string(result.Decision)).Inc()
	metrics.EvaluationDuration.Observe(time.Since(start).Seconds())
	span.SetAttributes(
		traces.Decision(string(result.Decision)),
		traces.RiskScore(result.RiskScore),
		traces.ABGroup(result.ABGroup),
	)

	if o.emitter != nil {
		o.emitter.Emit(result)
	}
	return result
}

// merge blends the collected engine scores and applies the decision bands.
// Engines missing from collected timed out; they enter the blend at their
// neutral score with Degraded set.
func (o *Orchestrator) merge(
	ctx context.Context,
	tx *Transaction,
	collected map[string]engineResult,
	snapshot *rules.Snapshot,
	modelVersion *ml.ModelVersion,
	assignment abtest.Assignment,
) *EvaluationResult {
	result := &EvaluationResult{
		ID:            idgen.WithPrefix("eval_"),
		TransactionID: tx.TransactionID,
		CustomerID:    tx.CustomerID,
		Engines:       make(EngineSet, 3),
		Experiment:    assignment.Experiment,
		ABGroup:       assignment.Group,
		EvaluatedAt:   time.Now(),
	}
	if snapshot != nil {
		result.RuleVersion = snapshot.Version
	}
	if modelVersion != nil {
		result.ModelVersionID = modelVersion.ID
	}

	weights := map[string]float64{
		EngineRules:       o.cfg.RuleWeight,
		EngineML:          o.cfg.MLWeight,
		EngineThreatIntel: o.cfg.ThreatIntelWeight,
	}
	neutral := map[string]int{
		EngineRules:       0,  // no matched rules
		EngineML:          50, // center of the probability range
		EngineThreatIntel: 0,  // no adverse intelligence
	}

	var blended float64
	timedOut := 0
	for _, name := range []string{EngineRules, EngineML, EngineThreatIntel} {
		r, ok := collected[name]
		if !ok {
			timedOut++
			r = engineResult{name: name, score100: neutral[name], degraded: true}
			logging.Engine(ctx, name).Warn("engine missed evaluation deadline",
				"transaction_id", tx.TransactionID)
		}
		result.Engines[name] = EngineBreakdown{
			Score:    r.score100,
			Weight:   weights[name],
			Degraded: r.degraded,
			Millis:   r.millis,
		}
		blended += float64(r.score100) * weights[name]
	}

	if rr, ok := collected[EngineRules]; ok && rr.ruleResult != nil {
		result.Factors = rr.ruleResult.Factors
		result.BlockRuleID = rr.ruleResult.BlockRuleID
	}

	if timedOut == 3 {
		// Terminal fallback: nothing answered in time. Approve at the
		// configured fail-open score rather than punish the customer
		// for our latency.
		result.FailOpen = true
		result.RiskScore = o.cfg.FailOpenScore
		result.RiskLevel, result.Decision = o.band(result.RiskScore)
		metrics.FailOpenTotal.Inc()
		logging.L(ctx).Error("evaluation failed open",
			"transaction_id", tx.TransactionID,
			"evaluation_id", result.ID)
		return result
	}

	result.RiskScore = clampScore(int(math.Round(blended)))
	result.RiskLevel, result.Decision = o.band(result.RiskScore)

	if result.BlockRuleID != "" {
		result.Decision = DecisionBlock
		result.RiskLevel = RiskHigh
		metrics.BlockOverridesTotal.Inc()
	}
	return result
}

// DefaultFailOpenScore is reported when an evaluation fails open, unless
// the orchestrator is configured otherwise.
const DefaultFailOpenScore = 30

// FailOpenResult builds the terminal fail-open outcome for a transaction
// whose evaluation could not run at all, such as a panic on the request
// path. The orchestrator produces its own fail-open result during merge.
func FailOpenResult(transactionID string) *EvaluationResult {
	return &EvaluationResult{
		ID:            idgen.WithPrefix("eval_"),
		TransactionID: transactionID,
		RiskScore:     DefaultFailOpenScore,
		RiskLevel:     RiskLow,
		Decision:      DecisionApprove,
		Engines:       EngineSet{},
		FailOpen:      true,
		EvaluatedAt:   time.Now(),
	}
}

// band maps a score to its risk level and decision.
func (o *Orchestrator) band(score int) (RiskLevel, Decision) {
	switch {
	case score <= o.cfg.ApproveMax:
		return RiskLow, DecisionApprove
	case score <= o.cfg.ReviewMax:
		return RiskMedium, DecisionRequireAuth
	default:
		return RiskHigh, DecisionBlock
	}
}

func (o *Orchestrator) runRules(
	ctx context.Context,
	out chan<- engineResult,
	snapshot *rules.Snapshot,
	tx *Transaction,
	card5m, device1h, distinctCountries int,
) {
	start := time.Now()
	defer o.recoverEngine(ctx, out, EngineRules, start)

	facts := o.buildFacts(tx, card5m, device1h, distinctCountries)
	rr := o.ruleEngine.Evaluate(ctx, snapshot, facts)

	out <- engineResult{
		name:       EngineRules,
		score100:   rr.Score,
		millis:     float64(time.Since(start).Microseconds()) / 1000,
		ruleResult: rr,
	}
}

func (o *Orchestrator) runML(
	ctx context.Context,
	out chan<- engineResult,
	modelVersion *ml.ModelVersion,
	tx *Transaction,
	card5m, device1h, distinctCountries int,
) {
	start := time.Now()
	defer o.recoverEngine(ctx, out, EngineML, start)

	if modelVersion == nil {
		out <- engineResult{name: EngineML, score100: 50, degraded: true,
			millis: float64(time.Since(start).Microseconds()) / 1000}
		return
	}

	mlCtx, cancel := context.WithTimeout(ctx, o.cfg.MLDeadline)
	defer cancel()

	pred := o.scorer.Score(mlCtx, modelVersion, o.buildFeatures(tx, card5m, device1h, distinctCountries))
	out <- engineResult{
		name:       EngineML,
		score100:   clampScore(int(math.Round(pred.Score * 100))),
		degraded:   pred.Degraded,
		millis:     float64(time.Since(start).Microseconds()) / 1000,
		prediction: &pred,
	}
}

func (o *Orchestrator) runThreatIntel(ctx context.Context, out chan<- engineResult, tx *Transaction) {
	start := time.Now()
	defer o.recoverEngine(ctx, out, EngineThreatIntel, start)

	tiCtx, cancel := context.WithTimeout(ctx, o.cfg.ThreatIntelDeadline)
	defer cancel()

	report := o.intel.Lookup(tiCtx, threatintel.Keys{
		IP:                tx.IPAddress,
		DeviceFingerprint: tx.DeviceFingerprint,
		CardBIN:           tx.CardBIN,
		Email:             tx.Email,
	})
	out <- engineResult{
		name:     EngineThreatIntel,
		score100: clampScore(int(math.Round(report.Score * 100))),
		degraded: report.Degraded,
		millis:   float64(time.Since(start).Microseconds()) / 1000,
	}
}

// recoverEngine converts an engine panic into a degraded neutral result so
// one bad rule or model can never take the evaluation down.
func (o *Orchestrator) recoverEngine(ctx context.Context, out chan<- engineResult, name string, start time.Time) {
	if r := recover(); r != nil {
		logging.Engine(ctx, name).Error("engine panicked", "panic", r)
		neutral := 0
		if name == EngineML {
			neutral = 50
		}
		out <- engineResult{
			name:     name,
			score100: neutral,
			degraded: true,
			millis:   float64(time.Since(start).Microseconds()) / 1000,
		}
	}
}

// resolveModel picks the model version for this evaluation: the variant
// model when the experiment routed there and the version is loaded, the
// active model otherwise.
func (o *Orchestrator) resolveModel(ctx context.Context, assignment abtest.Assignment) *ml.ModelVersion {
	if assignment.ModelID != "" {
		if mv, ok := o.registry.Get(assignment.ModelID); ok {
			return mv
		}
		logging.L(ctx).Warn("experiment variant model not loaded, using active",
			"model_version", assignment.ModelID,
			"experiment", assignment.Experiment)
	}
	return o.registry.Active()
}

func (o *Orchestrator) velocityKeys(tx *Transaction) (cardKey, deviceKey string) {
	cardKey = "card:" + tx.CustomerID + ":" + tx.CardBIN
	deviceKey = "device:" + tx.DeviceFingerprint
	return
}

// observeCountry tracks which billing countries a customer has used in the
// last hour and returns the distinct count including this transaction.
func (o *Orchestrator) observeCountry(tx *Transaction) int {
	if tx.CustomerID == "" || tx.BillingCountry == "" {
		return 0
	}
	key := "countries:" + tx.CustomerID

	seen := map[string]bool{tx.BillingCountry: true}
	if v, ok := o.cache.Get("countries", key); ok {
		for c := range v.(map[string]bool) {
			seen[c] = true
		}
	}
	o.cache.Set("countries", key, seen, time.Hour)
	return len(seen)
}

// buildFacts assembles the CEL evaluation input for the rule engine.
func (o *Orchestrator) buildFacts(tx *Transaction, card5m, device1h, distinctCountries int) rules.Facts {
	ipCountry := ""
	if v, ok := o.cache.Get("ip", "ti:ip:"+tx.IPAddress); ok {
		if rep, ok := v.(*threatintel.IPReputation); ok {
			ipCountry = rep.Country
		}
	}

	return rules.Facts{
		"tx": map[string]any{
			"amount":          tx.Amount,
			"currency":        tx.Currency,
			"billing_country": tx.BillingCountry,
			"bin":             tx.CardBIN,
			"bin_denied":      o.binDeny[tx.CardBIN],
			"merchant_id":     tx.MerchantID,
		},
		"velocity": map[string]any{
			"card_5m":   card5m,
			"device_1h": device1h,
		},
		"geo": map[string]any{
			"ip_country": ipCountry,
		},
		"session": map[string]any{
			"avg_amount":            tx.Session.AvgAmount,
			"device_age_days":       tx.Session.DeviceAgeDays,
			"page_views":            tx.Session.PageViews,
			"duration_seconds":      tx.Session.DurationSeconds,
			"distinct_countries_1h": distinctCountries,
		},
	}
}

// buildFeatures assembles the ML feature vector.
func (o *Orchestrator) buildFeatures(tx *Transaction, card5m, device1h, distinctCountries int) ml.Features {
	amountVsAvg := 0.0
	if tx.Session.AvgAmount > 0 {
		amountVsAvg = tx.Amount / tx.Session.AvgAmount
	}

	countryMismatch := 0.0
	if v, ok := o.cache.Get("ip", "ti:ip:"+tx.IPAddress); ok {
		if rep, ok := v.(*threatintel.IPReputation); ok &&
			rep.Country != "" && tx.BillingCountry != "" && rep.Country != tx.BillingCountry {
			countryMismatch = 1
		}
	}

	newDevice := 0.0
	if tx.Session.DeviceAgeDays == 0 {
		newDevice = 1
	}

	hour := tx.Timestamp
	if hour.IsZero() {
		hour = time.Now()
	}

	return ml.Features{
		Amount:            tx.Amount,
		AmountVsAvg:       amountVsAvg,
		CardVelocity5m:    float64(card5m),
		DeviceVelocity1h:  float64(device1h),
		CountryMismatch:   countryMismatch,
		NewDevice:         newDevice,
		SessionDuration:   float64(tx.Session.DurationSeconds),
		PageViews:         float64(tx.Session.PageViews),
		HourOfDay:         float64(hour.Hour()),
		DistinctCountries: float64(distinctCountries),
	}
}

func clampScore(s int) int {
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}
