package enforcement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/storeguard/internal/circuitbreaker"
	"github.com/mbd888/storeguard/internal/logging"
	"github.com/mbd888/storeguard/internal/metrics"
	"github.com/mbd888/storeguard/internal/retry"
	"github.com/mbd888/storeguard/internal/syncutil"
)

const (
	configLock = "config"
	mirrorKey  = "mirror"
)

// Enforcer is the single write path for enforcement state. The stores are
// the source of truth; the mirror is best effort and retried.
type Enforcer struct {
	flags   FlagStore
	configs ConfigStore
	pub     Publisher
	breaker *circuitbreaker.Breaker
	retry   retry.Policy
	locks   *syncutil.KeyedMutex
	now     func() time.Time
	logger  *slog.Logger

	// users whose mirror publish was dropped; republished on recovery
	missedMu sync.Mutex
	missed   map[string]struct{}
}

// NewEnforcer creates an enforcer. Without a publisher nothing is mirrored.
func NewEnforcer(flags FlagStore, configs ConfigStore, logger *slog.Logger) *Enforcer {
	e := &Enforcer{
		flags:   flags,
		configs: configs,
		retry:   retry.Default,
		locks:   syncutil.NewKeyedMutex(),
		now:     time.Now,
		logger:  logger,
		missed:  make(map[string]struct{}),
	}
	e.WithBreaker(circuitbreaker.New(5, 30*time.Second))
	return e
}

// WithPublisher sets the mirror that receives committed changes.
func (e *Enforcer) WithPublisher(p Publisher) *Enforcer {
	e.pub = p
	return e
}

// WithBreaker replaces the circuit breaker guarding mirror publishes.
func (e *Enforcer) WithBreaker(b *circuitbreaker.Breaker) *Enforcer {
	e.breaker = b.OnTransition(e.mirrorTransition)
	return e
}

// WithRetry replaces the retry policy for a single mirror publish.
func (e *Enforcer) WithRetry(p retry.Policy) *Enforcer {
	e.retry = p
	return e
}

// WithClock replaces the time source.
func (e *Enforcer) WithClock(now func() time.Time) *Enforcer {
	e.now = now
	return e
}

// User returns the flags for a customer. A customer with no flags gets the
// zero value, which enforces nothing.
func (e *Enforcer) User(ctx context.Context, subjectID string) (*UserFlags, error) {
	f, err := e.flags.GetUser(ctx, subjectID)
	if errors.Is(err, ErrUserNotFound) {
		return &UserFlags{SubjectID: subjectID}, nil
	}
	return f, err
}

// RequirePrepaid forces prepayment for a customer.
func (e *Enforcer) RequirePrepaid(ctx context.Context, subjectID, reason, decisionKey string) error {
	return e.updateUser(ctx, subjectID, reason, decisionKey, func(f *UserFlags) { f.RequirePrepaid = true })
}

// BlockCOD disables cash on delivery for a customer.
func (e *Enforcer) BlockCOD(ctx context.Context, subjectID, reason, decisionKey string) error {
	return e.updateUser(ctx, subjectID, reason, decisionKey, func(f *UserFlags) { f.BlockCOD = true })
}

// RestoreUser writes f back as the customer's flags. It reverses a flag
// change whose decision could not be committed.
func (e *Enforcer) RestoreUser(ctx context.Context, f *UserFlags) error {
	restored := *f
	return e.updateUser(ctx, f.SubjectID, f.Reason, f.DecisionKey, func(cur *UserFlags) {
		cur.RequirePrepaid = restored.RequirePrepaid
		cur.BlockCOD = restored.BlockCOD
	})
}

func (e *Enforcer) updateUser(ctx context.Context, subjectID, reason, decisionKey string, set func(*UserFlags)) error {
	unlock := e.locks.Lock("user:" + subjectID)
	defer unlock()

	f, err := e.User(ctx, subjectID)
	if err != nil {
		return err
	}
	set(f)
	f.Reason = reason
	f.DecisionKey = decisionKey
	f.UpdatedAt = e.now()
	if err := e.flags.PutUser(ctx, f); err != nil {
		return err
	}
	e.publish(ctx, "user:"+subjectID, func(ctx context.Context) error {
		return e.pub.PublishUser(ctx, f)
	})
	return nil
}

// City returns the policy for a city.
func (e *Enforcer) City(ctx context.Context, city string) (*CityPolicy, error) {
	return e.flags.GetCity(ctx, city)
}

// Cities lists all active city policies.
func (e *Enforcer) Cities(ctx context.Context) ([]*CityPolicy, error) {
	return e.flags.ListCities(ctx)
}

// SetCityPolicy writes the projection for an approved city decision.
func (e *Enforcer) SetCityPolicy(ctx context.Context, p *CityPolicy) error {
	unlock := e.locks.Lock("city:" + p.City)
	defer unlock()

	p.UpdatedAt = e.now()
	if err := e.flags.PutCity(ctx, p); err != nil {
		return err
	}
	e.publish(ctx, "city:"+p.City, func(ctx context.Context) error {
		return e.pub.PublishCity(ctx, p)
	})
	return nil
}

// RemoveCityPolicy lifts a city policy. The decision that created it is
// left untouched.
func (e *Enforcer) RemoveCityPolicy(ctx context.Context, city string) error {
	unlock := e.locks.Lock("city:" + city)
	defer unlock()

	if err := e.flags.DeleteCity(ctx, city); err != nil {
		return err
	}
	e.publish(ctx, "city:"+city, func(ctx context.Context) error {
		return e.pub.RemoveCity(ctx, city)
	})
	return nil
}

// Config returns the live config version.
func (e *Enforcer) Config(ctx context.Context) (*Config, error) {
	return e.configs.Current(ctx)
}

// ConfigVersion returns a specific config version.
func (e *Enforcer) ConfigVersion(ctx context.Context, version int64) (*Config, error) {
	return e.configs.Get(ctx, version)
}

// ConfigHistory lists config versions, newest first.
func (e *Enforcer) ConfigHistory(ctx context.Context, limit int) ([]*Config, error) {
	return e.configs.History(ctx, limit)
}

// UpdateConfig writes a new version with changes applied on top of version
// expect. It fails with ErrVersionConflict if expect is stale.
func (e *Enforcer) UpdateConfig(ctx context.Context, expect int64, changes map[string]decimal.Decimal, reason string) (*Config, error) {
	for k := range changes {
		if !knownKey(k) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownKey, k)
		}
	}

	unlock := e.locks.Lock(configLock)
	defer unlock()

	cur, err := e.configs.Current(ctx)
	if err != nil {
		return nil, err
	}
	if cur.Version != expect {
		return nil, ErrVersionConflict
	}
	return e.writeConfig(ctx, cur, changes, reason)
}

// SetConfigValue sets one key on top of whatever version is current. It is
// a no-op returning the current version when the key already holds value,
// so reverts can be retried safely.
func (e *Enforcer) SetConfigValue(ctx context.Context, key string, value decimal.Decimal, reason string) (*Config, error) {
	if !knownKey(key) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}

	var out *Config
	err := retry.Default.Do(ctx, func(ctx context.Context) error {
		unlock := e.locks.Lock(configLock)
		defer unlock()

		cur, err := e.configs.Current(ctx)
		if err != nil {
			return err
		}
		if cur.Value(key).Equal(value) {
			out = cur
			return nil
		}
		out, err = e.writeConfig(ctx, cur, map[string]decimal.Decimal{key: value}, reason)
		if err != nil && !errors.Is(err, ErrVersionConflict) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// writeConfig must be called with configLock held. A conflict here means
// another process wrote a version in between.
func (e *Enforcer) writeConfig(ctx context.Context, cur *Config, changes map[string]decimal.Decimal, reason string) (*Config, error) {
	next := cur.clone()
	for k, v := range changes {
		next.Values[k] = v
	}
	next.Reason = reason
	next.UpdatedBy = logging.Actor(ctx)
	next.UpdatedAt = e.now()

	written, err := e.configs.CompareAndSwap(ctx, cur.Version, next)
	if err != nil {
		return nil, err
	}
	e.logger.Info("revenue config updated",
		"version", written.Version, "previous", cur.Version, "actor", written.UpdatedBy, "reason", reason)
	e.publish(ctx, "config", func(ctx context.Context) error {
		return e.pub.PublishConfig(ctx, written)
	})
	return written, nil
}

// Resync republishes city policies and the live config to the mirror.
func (e *Enforcer) Resync(ctx context.Context) error {
	if e.pub == nil {
		return nil
	}
	cities, err := e.flags.ListCities(ctx)
	if err != nil {
		return err
	}
	for _, p := range cities {
		if err := e.pub.PublishCity(ctx, p); err != nil {
			return fmt.Errorf("resync city %s: %w", p.City, err)
		}
	}
	cfg, err := e.configs.Current(ctx)
	if err != nil {
		return err
	}
	return e.pub.PublishConfig(ctx, cfg)
}

func (e *Enforcer) publish(ctx context.Context, what string, fn func(ctx context.Context) error) {
	if e.pub == nil {
		return
	}
	err := e.breaker.Do(ctx, mirrorKey, func(ctx context.Context) error {
		return e.retry.Do(ctx, fn)
	})
	if err == nil {
		return
	}
	metrics.MirrorFailuresTotal.Inc()
	if id, ok := strings.CutPrefix(what, "user:"); ok {
		e.missedMu.Lock()
		e.missed[id] = struct{}{}
		e.missedMu.Unlock()
	}
	if errors.Is(err, circuitbreaker.ErrOpen) {
		e.logger.Debug("enforcement mirror circuit open, publish skipped", "key", what)
		return
	}
	e.logger.Warn("enforcement mirror publish failed", "key", what, "error", err)
}

func (e *Enforcer) mirrorTransition(key string, from, to circuitbreaker.State) {
	metrics.MirrorCircuitTransitionsTotal.WithLabelValues(to.String()).Inc()
	e.logger.Warn("enforcement mirror circuit changed", "from", from.String(), "to", to.String())
	if to == circuitbreaker.StateClosed {
		go e.recoverMirror()
	}
}

// recoverMirror republishes what checkout may have missed while the
// circuit was open.
func (e *Enforcer) recoverMirror() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := e.Resync(ctx); err != nil {
		e.logger.Warn("enforcement mirror resync failed", "error", err)
	}
	if n, err := e.RepublishMissed(ctx); err != nil {
		e.logger.Warn("enforcement mirror user republish failed", "error", err, "republished", n)
	}
}

// RepublishMissed pushes the current flags of every customer whose publish
// was dropped. Customers that fail again stay queued.
func (e *Enforcer) RepublishMissed(ctx context.Context) (int, error) {
	if e.pub == nil {
		return 0, nil
	}
	e.missedMu.Lock()
	ids := make([]string, 0, len(e.missed))
	for id := range e.missed {
		ids = append(ids, id)
	}
	e.missedMu.Unlock()
	sort.Strings(ids)

	done := 0
	for _, id := range ids {
		f, err := e.User(ctx, id)
		if err != nil {
			return done, err
		}
		if err := e.pub.PublishUser(ctx, f); err != nil {
			return done, fmt.Errorf("republish user %s: %w", id, err)
		}
		e.missedMu.Lock()
		delete(e.missed, id)
		e.missedMu.Unlock()
		done++
	}
	return done, nil
}

// MissedUsers reports how many customers await republishing.
func (e *Enforcer) MissedUsers() int {
	e.missedMu.Lock()
	defer e.missedMu.Unlock()
	return len(e.missed)
}

func knownKey(k string) bool {
	for _, known := range Keys {
		if k == known {
			return true
		}
	}
	return false
}
