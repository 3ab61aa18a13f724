package policy

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"tradegate/internal/domain"
)

// Holder serves immutable policy snapshots. A reload swaps the pointer, so
// an evaluation that already read a snapshot keeps using it.
type Holder struct {
	current atomic.Pointer[domain.PolicySnapshot]
	logger  *zap.Logger
}

func NewHolder(initial domain.PolicySnapshot, logger *zap.Logger) (*Holder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := Validate(initial); err != nil {
		return nil, err
	}
	h := &Holder{logger: logger}
	h.store(initial)
	return h, nil
}

// Current returns a private copy of the active snapshot.
func (h *Holder) Current() domain.PolicySnapshot {
	p := h.current.Load()
	out := *p
	out.PerInstrumentRules = make(map[string]domain.InstrumentRule, len(p.PerInstrumentRules))
	for k, v := range p.PerInstrumentRules {
		out.PerInstrumentRules[k] = v
	}
	return out
}

// Replace validates and installs a new snapshot between commands.
func (h *Holder) Replace(next domain.PolicySnapshot) error {
	if err := Validate(next); err != nil {
		return err
	}
	h.store(next)
	h.logger.Info("policy snapshot installed",
		zap.String("version", next.Version),
		zap.Float64("max_exposure_pct", next.MaxExposurePct),
		zap.Int("max_positions", next.MaxPositions),
		zap.Int("instruments", len(next.PerInstrumentRules)),
	)
	return nil
}

func (h *Holder) store(p domain.PolicySnapshot) {
	rules := make(map[string]domain.InstrumentRule, len(p.PerInstrumentRules))
	for k, v := range p.PerInstrumentRules {
		rules[strings.ToUpper(k)] = v
	}
	p.PerInstrumentRules = rules
	h.current.Store(&p)
}

func Validate(p domain.PolicySnapshot) error {
	var err error
	if p.MaxExposurePct <= 0 {
		err = multierr.Append(err, errors.New("max_exposure_pct must be positive"))
	}
	if p.MaxPositions <= 0 {
		err = multierr.Append(err, errors.New("max_positions must be positive"))
	}
	if p.MinSLTPDistance < 0 {
		err = multierr.Append(err, errors.New("min_sl_tp_distance must not be negative"))
	}
	for name, rule := range p.PerInstrumentRules {
		if rule.MinSize < 0 || rule.SizeIncrement < 0 {
			err = multierr.Append(err, fmt.Errorf("%s: size rules must not be negative", name))
		}
		if rule.MaxPrice > 0 && rule.MinPrice > rule.MaxPrice {
			err = multierr.Append(err, fmt.Errorf("%s: min_price exceeds max_price", name))
		}
	}
	if err != nil {
		return fmt.Errorf("invalid policy: %w", err)
	}
	return nil
}

// LoadFile reads a YAML policy file on top of defaults.
func LoadFile(path string, defaults domain.PolicySnapshot) (domain.PolicySnapshot, *viper.Viper, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("version", defaults.Version)
	v.SetDefault("max_exposure_pct", defaults.MaxExposurePct)
	v.SetDefault("max_positions", defaults.MaxPositions)
	v.SetDefault("min_sl_tp_distance", defaults.MinSLTPDistance)

	if err := v.ReadInConfig(); err != nil {
		return domain.PolicySnapshot{}, nil, fmt.Errorf("read policy file %q: %w", path, err)
	}
	snap, err := decode(v, defaults)
	if err != nil {
		return domain.PolicySnapshot{}, nil, err
	}
	return snap, v, nil
}

// Watch reloads the snapshot whenever the policy file changes. An invalid
// file keeps the previous snapshot in place.
func (h *Holder) Watch(v *viper.Viper, defaults domain.PolicySnapshot) {
	v.OnConfigChange(func(e fsnotify.Event) {
		snap, err := decode(v, defaults)
		if err == nil {
			err = h.Replace(snap)
		}
		if err != nil {
			h.logger.Error("policy reload rejected; keeping previous snapshot",
				zap.String("file", e.Name),
				zap.Error(err),
			)
		}
	})
	v.WatchConfig()
}

func decode(v *viper.Viper, defaults domain.PolicySnapshot) (domain.PolicySnapshot, error) {
	var snap domain.PolicySnapshot
	err := v.Unmarshal(&snap, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.ErrorUnused = true
	})
	if err != nil {
		return domain.PolicySnapshot{}, fmt.Errorf("decode policy: %w", err)
	}
	if len(snap.PerInstrumentRules) == 0 {
		snap.PerInstrumentRules = defaults.PerInstrumentRules
	}
	return snap, nil
}

// DefaultRules marks every instrument as tradable with unit increments.
func DefaultRules(instruments []string) map[string]domain.InstrumentRule {
	out := make(map[string]domain.InstrumentRule, len(instruments))
	for _, name := range instruments {
		out[strings.ToUpper(name)] = domain.InstrumentRule{Tradable: true, MinSize: 1, SizeIncrement: 1}
	}
	return out
}
