// Package cost tracks inference spend against daily and monthly budgets and
// recommends which provider type a request should go to.
//
// As the daily budget fills up, recommendations drift from the agent's
// primary provider towards cheaper ones. Past the economy threshold the
// optimizer switches to economy mode, which also stretches cache lifetimes,
// until the budget window resets.
package cost

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/events"
	"github.com/nulpointcorp/inference-gateway/internal/metrics"
	"github.com/nulpointcorp/inference-gateway/internal/providers"
	"github.com/nulpointcorp/inference-gateway/internal/tokenizer"
)

// ErrBudgetExceeded is returned alongside the cheapest provider when spend
// has reached a cap. Routing degrades; the request still runs.
var ErrBudgetExceeded = errors.New("cost: budget exceeded")

// Mode is the routing posture.
type Mode string

const (
	ModeNormal  Mode = "normal"
	ModeEconomy Mode = "economy"
	ModeQuality Mode = "quality"
)

var allModes = []string{string(ModeNormal), string(ModeEconomy), string(ModeQuality)}

// ParseMode validates a base mode. Economy is entered automatically and
// cannot be configured as the base.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "", ModeNormal:
		return ModeNormal, nil
	case ModeQuality:
		return ModeQuality, nil
	default:
		return "", fmt.Errorf("cost: invalid base mode %q", s)
	}
}

// Complexity is a caller hint about how demanding a request is.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

const (
	DefaultAlertFraction   = 0.9
	DefaultEconomyFraction = 0.8

	// pressureStart is the daily usage below which the primary is always
	// recommended.
	pressureStart = 0.5
	// complexityShift moves pressure up for low and down for high
	// complexity requests.
	complexityShift = 0.25
)

// Options configures an Optimizer.
type Options struct {
	// DailyBudget and MonthlyBudget are caps in USD; 0 disables a cap.
	DailyBudget   float64
	MonthlyBudget float64

	AlertFraction   float64
	EconomyFraction float64
	BaseMode        Mode

	Pricing Pricing
	// Counter estimates tokens for calls without reported usage. Defaults
	// to a tiktoken-backed tokenizer.Counter.
	Counter TokenCounter

	Bus     *events.Bus
	Metrics *metrics.Registry
	Logger  *slog.Logger
	Now     func() time.Time
}

// TokenCounter counts tokens in text for a model.
type TokenCounter interface {
	Count(model, text string) int
}

// Optimizer is safe for concurrent use.
type Optimizer struct {
	alertFrac   float64
	economyFrac float64
	pricing     Pricing
	counter     TokenCounter
	bus         *events.Bus
	metrics     *metrics.Registry
	log         *slog.Logger
	now         func() time.Time

	mu             sync.Mutex
	dailyCap       float64
	monthlyCap     float64
	daily          float64
	monthly        float64
	dayStart       time.Time
	monthStart     time.Time
	dailyAlerted   bool
	monthlyAlerted bool
	baseMode       Mode
	mode           Mode
	tracked        uint64
	estimated      uint64
}

// New returns an Optimizer with empty windows starting now.
func New(opts Options) *Optimizer {
	if opts.AlertFraction <= 0 {
		opts.AlertFraction = DefaultAlertFraction
	}
	if opts.EconomyFraction <= 0 {
		opts.EconomyFraction = DefaultEconomyFraction
	}
	if opts.BaseMode == "" || opts.BaseMode == ModeEconomy {
		opts.BaseMode = ModeNormal
	}
	if opts.Pricing.Models == nil && opts.Pricing.Types == nil {
		opts.Pricing = DefaultPricing()
	}
	if opts.Counter == nil {
		opts.Counter = tokenizer.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	now := opts.Now()
	o := &Optimizer{
		alertFrac:   opts.AlertFraction,
		economyFrac: opts.EconomyFraction,
		pricing:     opts.Pricing,
		counter:     opts.Counter,
		bus:         opts.Bus,
		metrics:     opts.Metrics,
		log:         opts.Logger,
		now:         opts.Now,
		dailyCap:    opts.DailyBudget,
		monthlyCap:  opts.MonthlyBudget,
		dayStart:    dayStart(now),
		monthStart:  monthStart(now),
		baseMode:    opts.BaseMode,
		mode:        opts.BaseMode,
	}
	o.metrics.SetMode(string(o.mode), allModes...)
	o.metrics.SetBudgetUsage(0, 0)
	return o
}

func dayStart(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func monthStart(t time.Time) time.Time {
	y, m, _ := t.UTC().Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
}

// Usage describes one finished provider call. When both token counts are
// zero they are estimated from Prompt and Completion.
type Usage struct {
	RequestID    string
	Agent        string
	Provider     providers.Type
	Model        string
	InputTokens  int
	OutputTokens int
	Prompt       string
	Completion   string
}

// CostData is the priced result of TrackUsage.
type CostData struct {
	RequestID    string         `json:"request_id,omitempty"`
	Provider     providers.Type `json:"provider"`
	Model        string         `json:"model,omitempty"`
	InputTokens  int            `json:"input_tokens"`
	OutputTokens int            `json:"output_tokens"`
	Estimated    bool           `json:"estimated,omitempty"`
	InputCost    float64        `json:"input_cost"`
	OutputCost   float64        `json:"output_cost"`
	Total        float64        `json:"total"`
	DailySpend   float64        `json:"daily_spend"`
	MonthlySpend float64        `json:"monthly_spend"`
	Mode         Mode           `json:"mode"`
}

// pending collects events raised under the lock so they are published
// after it is released.
type pending []events.Event

// TrackUsage prices u and adds it to the daily and monthly windows.
func (o *Optimizer) TrackUsage(u Usage) CostData {
	in, out, estimated := u.InputTokens, u.OutputTokens, false
	if in == 0 && out == 0 && (u.Prompt != "" || u.Completion != "") {
		in = o.counter.Count(u.Model, u.Prompt)
		out = o.counter.Count(u.Model, u.Completion)
		estimated = true
	}

	rate := o.pricing.Resolve(u.Provider, u.Model)
	cd := CostData{
		RequestID:    u.RequestID,
		Provider:     u.Provider,
		Model:        u.Model,
		InputTokens:  in,
		OutputTokens: out,
		Estimated:    estimated,
		InputCost:    float64(in) / 1000 * rate.Input,
		OutputCost:   float64(out) / 1000 * rate.Output,
	}
	cd.Total = Cost(rate, in, out)

	o.mu.Lock()
	var evs pending
	o.rollLocked(o.now(), &evs)
	o.daily += cd.Total
	o.monthly += cd.Total
	o.tracked++
	if estimated {
		o.estimated++
	}
	o.checkThresholdsLocked(u.RequestID, &evs)
	cd.DailySpend, cd.MonthlySpend, cd.Mode = o.daily, o.monthly, o.mode
	dailyUsage, monthlyUsage := o.usageLocked()
	o.mu.Unlock()

	o.publish(evs)
	o.metrics.AddCost(string(u.Provider), cd.Total, in, out)
	o.metrics.SetBudgetUsage(dailyUsage, monthlyUsage)
	return cd
}

func (o *Optimizer) usageLocked() (daily, monthly float64) {
	if o.dailyCap > 0 {
		daily = o.daily / o.dailyCap
	}
	if o.monthlyCap > 0 {
		monthly = o.monthly / o.monthlyCap
	}
	return daily, monthly
}

// rollLocked resets windows whose period has ended and leaves economy mode
// once no window is above the economy threshold.
func (o *Optimizer) rollLocked(now time.Time, evs *pending) {
	if ds := dayStart(now); ds.After(o.dayStart) {
		o.dayStart, o.daily, o.dailyAlerted = ds, 0, false
	}
	if ms := monthStart(now); ms.After(o.monthStart) {
		o.monthStart, o.monthly, o.monthlyAlerted = ms, 0, false
	}
	if o.mode == ModeEconomy {
		d, m := o.usageLocked()
		if d < o.economyFrac && m < o.economyFrac {
			o.setModeLocked(o.baseMode, "window_reset", "", evs)
		}
	}
}

func (o *Optimizer) checkThresholdsLocked(reqID string, evs *pending) {
	d, m := o.usageLocked()

	if o.dailyCap > 0 && !o.dailyAlerted && d >= o.alertFrac {
		o.dailyAlerted = true
		*evs = append(*evs, o.alertEvent(reqID, "daily", o.daily, o.dailyCap))
	}
	if o.monthlyCap > 0 && !o.monthlyAlerted && m >= o.alertFrac {
		o.monthlyAlerted = true
		*evs = append(*evs, o.alertEvent(reqID, "monthly", o.monthly, o.monthlyCap))
	}
	if o.mode != ModeEconomy && (d >= o.economyFrac || m >= o.economyFrac) {
		o.setModeLocked(ModeEconomy, "budget_pressure", reqID, evs)
	}
}

func (o *Optimizer) alertEvent(reqID, window string, spend, limit float64) events.Event {
	o.log.Warn("budget_alert",
		slog.String("window", window),
		slog.Float64("spend", spend),
		slog.Float64("cap", limit),
	)
	return events.Event{Kind: events.BudgetAlert, RequestID: reqID, Attrs: map[string]any{
		"window": window, "spend": spend, "cap": limit, "fraction": spend / limit,
	}}
}

func (o *Optimizer) setModeLocked(to Mode, reason, reqID string, evs *pending) {
	if o.mode == to {
		return
	}
	from := o.mode
	o.mode = to
	o.log.Info("mode_changed", slog.String("from", string(from)), slog.String("to", string(to)), slog.String("reason", reason))
	*evs = append(*evs, events.Event{Kind: events.ModeChanged, RequestID: reqID, Attrs: map[string]any{
		"from": string(from), "to": string(to), "reason": reason,
	}})
}

func (o *Optimizer) publish(evs pending) {
	for _, e := range evs {
		o.bus.Publish(e)
		if e.Kind == events.ModeChanged {
			o.metrics.SetMode(e.Attrs["to"].(string), allModes...)
		}
	}
}

// Recommend is the input to ProviderRecommendation.
type Recommend struct {
	Agent      string
	Primary    providers.Type
	Complexity Complexity
	// Candidates are the provider types that can take the request now.
	Candidates []providers.Type
}

// ProviderRecommendation picks the provider type for a request.
//
//   - under half of the daily budget, or in quality mode: the primary
//   - between half and the economy threshold: a step down the cost-sorted
//     candidates proportional to budget pressure
//   - economy mode: the cheapest candidate
//   - over a cap: the cheapest candidate and ErrBudgetExceeded
func (o *Optimizer) ProviderRecommendation(r Recommend) (providers.Type, error) {
	o.mu.Lock()
	var evs pending
	o.rollLocked(o.now(), &evs)
	d, m := o.usageLocked()
	mode := o.mode
	dailyCapped, monthlyCapped := o.dailyCap > 0 && d >= 1, o.monthlyCap > 0 && m >= 1
	o.mu.Unlock()
	o.publish(evs)

	if len(r.Candidates) == 0 {
		return r.Primary, nil
	}
	cheapest := o.cheapest(r.Candidates)

	switch {
	case dailyCapped || monthlyCapped:
		return cheapest, ErrBudgetExceeded
	case mode == ModeEconomy:
		return cheapest, nil
	case mode == ModeQuality || d < pressureStart:
		return r.Primary, nil
	}

	pressure := (d - pressureStart) / (o.economyFrac - pressureStart)
	switch r.Complexity {
	case ComplexityLow:
		pressure += complexityShift
	case ComplexityHigh:
		pressure -= complexityShift
	}
	pressure = math.Max(0, math.Min(1, pressure))

	ladder := o.ladder(r.Primary, r.Candidates)
	return ladder[int(math.Round(pressure*float64(len(ladder)-1)))], nil
}

// unitCost ranks provider types by their combined input and output rate.
func (o *Optimizer) unitCost(t providers.Type) float64 {
	r := o.pricing.Types[t]
	return r.Input + r.Output
}

func (o *Optimizer) cheapest(c []providers.Type) providers.Type {
	best := c[0]
	for _, t := range c[1:] {
		if o.unitCost(t) < o.unitCost(best) {
			best = t
		}
	}
	return best
}

// ladder returns the primary followed by the candidates that cost no more
// than it, most expensive first.
func (o *Optimizer) ladder(primary providers.Type, c []providers.Type) []providers.Type {
	limit := o.unitCost(primary)
	out := []providers.Type{primary}
	var rest []providers.Type
	for _, t := range c {
		if t != primary && o.unitCost(t) <= limit {
			rest = append(rest, t)
		}
	}
	sort.SliceStable(rest, func(i, j int) bool { return o.unitCost(rest[i]) > o.unitCost(rest[j]) })
	return append(out, rest...)
}

// Mode returns the current mode after rolling expired windows.
func (o *Optimizer) Mode() Mode {
	o.mu.Lock()
	var evs pending
	o.rollLocked(o.now(), &evs)
	m := o.mode
	o.mu.Unlock()
	o.publish(evs)
	return m
}

// SetBudgets replaces the caps, for config hot reload.
func (o *Optimizer) SetBudgets(daily, monthly float64) {
	o.mu.Lock()
	o.dailyCap, o.monthlyCap = daily, monthly
	var evs pending
	o.rollLocked(o.now(), &evs)
	o.checkThresholdsLocked("", &evs)
	d, m := o.usageLocked()
	o.mu.Unlock()
	o.publish(evs)
	o.metrics.SetBudgetUsage(d, m)
}

// SetBaseMode changes the mode restored when economy ends. Outside economy
// it takes effect immediately.
func (o *Optimizer) SetBaseMode(m Mode) {
	if m == ModeEconomy || m == "" {
		return
	}
	o.mu.Lock()
	o.baseMode = m
	var evs pending
	if o.mode != ModeEconomy {
		o.setModeLocked(m, "config_reload", "", &evs)
	}
	o.mu.Unlock()
	o.publish(evs)
}

// BudgetState is a snapshot of spend and caps.
type BudgetState struct {
	DailySpend   float64   `json:"daily_spend"`
	MonthlySpend float64   `json:"monthly_spend"`
	DailyCap     float64   `json:"daily_cap"`
	MonthlyCap   float64   `json:"monthly_cap"`
	DailyUsage   float64   `json:"daily_usage"`
	MonthlyUsage float64   `json:"monthly_usage"`
	Mode         Mode      `json:"mode"`
	BaseMode     Mode      `json:"base_mode"`
	DayStart     time.Time `json:"day_start"`
	MonthStart   time.Time `json:"month_start"`
	Tracked      uint64    `json:"tracked_calls"`
	Estimated    uint64    `json:"estimated_calls"`
}

func (o *Optimizer) State() BudgetState {
	o.mu.Lock()
	var evs pending
	o.rollLocked(o.now(), &evs)
	d, m := o.usageLocked()
	st := BudgetState{
		DailySpend:   o.daily,
		MonthlySpend: o.monthly,
		DailyCap:     o.dailyCap,
		MonthlyCap:   o.monthlyCap,
		DailyUsage:   d,
		MonthlyUsage: m,
		Mode:         o.mode,
		BaseMode:     o.baseMode,
		DayStart:     o.dayStart,
		MonthStart:   o.monthStart,
		Tracked:      o.tracked,
		Estimated:    o.estimated,
	}
	o.mu.Unlock()
	o.publish(evs)
	return st
}
