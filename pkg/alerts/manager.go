package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rmax-ai/trackguard/pkg/engine"
	"github.com/rmax-ai/trackguard/pkg/pubsub"
	"github.com/rmax-ai/trackguard/pkg/store"
	"github.com/rmax-ai/trackguard/pkg/vendor"
)

// HistoryLimit bounds the in-memory alert history.
const HistoryLimit = 1000

var (
	ErrRuleNotFound  = errors.New("rule not found")
	ErrRuleExists    = errors.New("rule already exists")
	ErrAlertNotFound = errors.New("alert not found")
)

// AlertStore persists alerts.
type AlertStore interface {
	SaveAlert(ctx context.Context, a store.AlertRecord) error
	ListAlerts(ctx context.Context, f store.AlertFilter) ([]store.AlertRecord, error)
}

type stateKey struct {
	vehicleID string
	ruleID    string
}

// conditionState exists while a rule's condition holds for a vehicle.
// persistent is set once the duration gate passed and the alert fired.
type conditionState struct {
	start      time.Time
	persistent bool
}

// Manager evaluates rules against position updates.
type Manager struct {
	executor *Executor
	store    AlertStore
	logger   *slog.Logger
	now      func() time.Time
	events   *pubsub.Broker[Event]

	mu        sync.Mutex
	rules     map[string]Rule
	states    map[stateKey]*conditionState
	lastFired map[stateKey]time.Time
	active    map[stateKey]*Alert
	history   []*Alert

	actions sync.WaitGroup
}

// NewManager creates a Manager. A nil store keeps alerts in memory only.
func NewManager(executor *Executor, st AlertStore, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if executor == nil {
		executor = NewExecutor(nil, nil, logger)
	}
	return &Manager{
		executor:  executor,
		store:     st,
		logger:    logger,
		now:       time.Now,
		events:    pubsub.NewBroker[Event](),
		rules:     make(map[string]Rule),
		states:    make(map[stateKey]*conditionState),
		lastFired: make(map[stateKey]time.Time),
		active:    make(map[stateKey]*Alert),
	}
}

// Subscribe returns a channel of alert events and its cancel function.
func (m *Manager) Subscribe(buffer int) (<-chan Event, func()) {
	return m.events.Subscribe(buffer)
}

// AddRule registers a rule. An empty ID is generated.
func (m *Manager) AddRule(r Rule) (Rule, error) {
	if err := r.Validate(); err != nil {
		return Rule{}, err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[r.ID]; ok {
		return Rule{}, fmt.Errorf("%w: %s", ErrRuleExists, r.ID)
	}
	m.rules[r.ID] = r
	m.logger.Info("alert_rule_added", "rule_id", r.ID, "name", r.Name)
	return r, nil
}

// UpdateRule replaces a rule and restarts its condition tracking.
func (m *Manager) UpdateRule(id string, r Rule) (Rule, error) {
	if err := r.Validate(); err != nil {
		return Rule{}, err
	}
	r.ID = id
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[id]; !ok {
		return Rule{}, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	m.rules[id] = r
	m.dropStatesLocked(id)
	m.logger.Info("alert_rule_updated", "rule_id", id)
	return r, nil
}

// RemoveRule deletes a rule. Its active alerts stay until acknowledged or
// resolved by history pruning.
func (m *Manager) RemoveRule(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[id]; !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	delete(m.rules, id)
	m.dropStatesLocked(id)
	m.logger.Info("alert_rule_removed", "rule_id", id)
	return nil
}

// ReplaceRules swaps the whole rule set, as on a rules file reload.
// Condition tracking restarts only for rules that changed or went away.
func (m *Manager) ReplaceRules(rules []Rule) error {
	next := make(map[string]Rule, len(rules))
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("rule %s: %w", r.ID, err)
		}
		if r.ID == "" {
			return &vendor.ValidationError{Field: "id", Reason: "required"}
		}
		if _, dup := next[r.ID]; dup {
			return fmt.Errorf("%w: %s", ErrRuleExists, r.ID)
		}
		next[r.ID] = r
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, old := range m.rules {
		if r, ok := next[id]; !ok || !reflect.DeepEqual(old, r) {
			m.dropStatesLocked(id)
		}
	}
	m.rules = next
	m.logger.Info("alert_rules_replaced", "count", len(next))
	return nil
}

func (m *Manager) dropStatesLocked(ruleID string) {
	for k := range m.states {
		if k.ruleID == ruleID {
			delete(m.states, k)
		}
	}
}

// Rule returns one rule.
func (m *Manager) Rule(id string) (Rule, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	return r, ok
}

// Rules returns all rules sorted by ID.
func (m *Manager) Rules() []Rule {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Rule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Evaluate runs every enabled rule against one position.
func (m *Manager) Evaluate(ctx context.Context, p vendor.Position) {
	now := m.now()
	var fired, resolved []Alert
	var firedRules []Rule

	m.mu.Lock()
	for _, rule := range m.rules {
		if !rule.Enabled || !rule.appliesTo(p.DeviceID) {
			continue
		}
		key := stateKey{vehicleID: p.DeviceID, ruleID: rule.ID}
		value, ok := FieldValue(p, rule.Condition.Field, now)
		if !ok {
			continue
		}

		if !rule.Condition.Operator.Apply(value, rule.Condition.Value) {
			delete(m.states, key)
			if a := m.resolveLocked(key, now); a != nil {
				resolved = append(resolved, *a)
			}
			continue
		}

		st, tracking := m.states[key]
		if !tracking {
			st = &conditionState{start: now}
			m.states[key] = st
		}
		if st.persistent || now.Sub(st.start) < rule.Condition.Duration() {
			continue
		}
		if last, ok := m.lastFired[key]; ok && now.Sub(last) < rule.Throttle() {
			continue
		}

		st.persistent = true
		m.lastFired[key] = now
		a := m.fireLocked(rule, p.DeviceID, value, now)
		fired = append(fired, *a)
		firedRules = append(firedRules, rule)
	}
	ActiveAlerts.Set(float64(len(m.active)))
	m.mu.Unlock()

	for _, a := range resolved {
		m.persist(ctx, a)
		m.events.Publish(Event{Type: EventResolved, Alert: a})
	}
	for i, a := range fired {
		AlertsFiredTotal.WithLabelValues(string(a.Severity)).Inc()
		m.persist(ctx, a)
		m.events.Publish(Event{Type: EventFired, Alert: a})

		actions := firedRules[i].Actions
		if len(actions) == 0 {
			continue
		}
		m.actions.Add(1)
		go func(a Alert) {
			defer m.actions.Done()
			m.executor.Execute(context.WithoutCancel(ctx), a, actions)
		}(a)
	}
}

func (m *Manager) fireLocked(rule Rule, vehicleID string, value float64, now time.Time) *Alert {
	a := &Alert{
		ID:        uuid.NewString(),
		RuleID:    rule.ID,
		RuleName:  rule.Name,
		VehicleID: vehicleID,
		Severity:  rule.Severity,
		Message: fmt.Sprintf("%s: %s %s %g (value %g) for %s",
			rule.Name, rule.Condition.Field, rule.Condition.Operator, rule.Condition.Value, value, vehicleID),
		Value:     value,
		Timestamp: now,
	}
	m.active[stateKey{vehicleID: vehicleID, ruleID: rule.ID}] = a
	m.history = append(m.history, a)
	if over := len(m.history) - HistoryLimit; over > 0 {
		m.history = append(m.history[:0:0], m.history[over:]...)
	}
	m.logger.Info("alert_fired",
		"alert_id", a.ID,
		"rule_id", rule.ID,
		"vehicle_id", vehicleID,
		"severity", rule.Severity,
	)
	return a
}

func (m *Manager) resolveLocked(key stateKey, now time.Time) *Alert {
	a, ok := m.active[key]
	if !ok {
		return nil
	}
	delete(m.active, key)
	t := now
	a.ResolvedAt = &t
	m.logger.Info("alert_resolved", "alert_id", a.ID, "rule_id", a.RuleID, "vehicle_id", a.VehicleID)
	return a
}

func (m *Manager) persist(ctx context.Context, a Alert) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveAlert(ctx, a.record()); err != nil {
		m.logger.Warn("alert_persist_failed", "alert_id", a.ID, "error", err)
	}
}

// Run evaluates every position carried by updates until ctx ends or the
// channel closes. Failed polls are skipped.
func (m *Manager) Run(ctx context.Context, updates <-chan engine.PositionUpdate) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			if u.Err != nil {
				continue
			}
			for _, p := range u.Positions {
				m.Evaluate(ctx, p)
			}
		}
	}
}

// Wait blocks until actions of already fired alerts have finished.
func (m *Manager) Wait() {
	m.actions.Wait()
}

// Close waits for pending actions and closes subscriber channels.
func (m *Manager) Close() {
	m.actions.Wait()
	m.events.Close()
}

// ActiveAlerts returns unresolved alerts, newest first.
func (m *Manager) ActiveAlerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, 0, len(m.active))
	for _, a := range m.active {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}

// History returns up to limit alerts, newest first. limit <= 0 returns all.
func (m *Manager) History(limit int) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Alert, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, *m.history[i])
	}
	return out
}

// Acknowledge marks an alert as seen by an operator.
func (m *Manager) Acknowledge(ctx context.Context, id string) (Alert, error) {
	m.mu.Lock()
	var found *Alert
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].ID == id {
			found = m.history[i]
			break
		}
	}
	if found == nil {
		m.mu.Unlock()
		return Alert{}, fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	if !found.Acknowledged {
		now := m.now()
		found.Acknowledged = true
		found.AcknowledgedAt = &now
	}
	a := *found
	m.mu.Unlock()

	m.persist(ctx, a)
	m.events.Publish(Event{Type: EventAcknowledged, Alert: a})
	return a, nil
}

// Stats summarises active alerts and the retained history.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		Active:     len(m.active),
		Total:      len(m.history),
		BySeverity: make(map[Severity]int),
		ByRule:     make(map[string]int),
	}
	for _, a := range m.active {
		if a.Acknowledged {
			s.Acknowledged++
		}
	}
	cutoff := m.now().Add(-24 * time.Hour)
	for _, a := range m.history {
		if a.Timestamp.After(cutoff) {
			s.Last24h++
		}
		s.BySeverity[a.Severity]++
		s.ByRule[a.RuleID]++
	}
	return s
}

// Restore loads the most recent persisted alerts into history. Unresolved
// alerts become active again; condition tracking starts fresh.
func (m *Manager) Restore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	records, err := m.store.ListAlerts(ctx, store.AlertFilter{Limit: HistoryLimit})
	if err != nil {
		return fmt.Errorf("failed to restore alerts: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = m.history[:0]
	m.active = make(map[stateKey]*Alert)
	// Records come newest first.
	for i := len(records) - 1; i >= 0; i-- {
		a := fromRecord(records[i])
		m.history = append(m.history, &a)
		key := stateKey{vehicleID: a.VehicleID, ruleID: a.RuleID}
		if a.ResolvedAt == nil {
			m.active[key] = &a
		}
		if last, ok := m.lastFired[key]; !ok || a.Timestamp.After(last) {
			m.lastFired[key] = a.Timestamp
		}
	}
	ActiveAlerts.Set(float64(len(m.active)))
	m.logger.Info("alerts_restored", "history", len(m.history), "active", len(m.active))
	return nil
}
