// Package config handles tunnel configuration files.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/torcore/congestion"
)

const (
	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"
)

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level, one of logrus's level names.
	Level string
}

func (lCfg *Logging) validate() error {
	if lCfg.Level == "" {
		lCfg.Level = DefaultLogLevel
	}
	if _, err := logrus.ParseLevel(lCfg.Level); err != nil {
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	return nil
}

// Window is the congestion window configuration. Zero values take the
// consensus defaults.
type Window struct {
	// CwndInit is the initial congestion window, in cells.
	CwndInit uint32
	// CwndIncPctSS is the slow-start window increment, in percent of
	// SendmeInc.
	CwndIncPctSS uint32
	// CwndInc is the steady-state window increment, in cells.
	CwndInc uint32
	// CwndIncRate is the number of window updates per congestion window.
	CwndIncRate uint32
	// CwndMin is the smallest the window may shrink to.
	CwndMin uint32
	// CwndMax is the largest the window may grow to.
	CwndMax uint32
	// SendmeInc is the number of cells acknowledged by each SENDME.
	SendmeInc uint32
}

func (wCfg *Window) applyDefaults(d congestion.WindowParams) {
	if wCfg.SendmeInc == 0 {
		wCfg.SendmeInc = d.SendmeInc
	}
	if wCfg.CwndInit == 0 {
		wCfg.CwndInit = d.CwndInit
	}
	if wCfg.CwndIncPctSS == 0 {
		wCfg.CwndIncPctSS = d.CwndIncPctSS
	}
	if wCfg.CwndInc == 0 {
		wCfg.CwndInc = d.CwndInc
	}
	if wCfg.CwndIncRate == 0 {
		wCfg.CwndIncRate = d.CwndIncRate
	}
	if wCfg.CwndMin == 0 {
		wCfg.CwndMin = d.CwndMin
	}
	if wCfg.CwndMax == 0 {
		wCfg.CwndMax = d.CwndMax
	}
}

func (wCfg *Window) validate() error {
	if wCfg.SendmeInc > wCfg.CwndMin {
		return fmt.Errorf("config: Window: SendmeInc %d exceeds CwndMin %d", wCfg.SendmeInc, wCfg.CwndMin)
	}
	if wCfg.CwndMax < wCfg.CwndMin {
		return fmt.Errorf("config: Window: CwndMax %d below CwndMin %d", wCfg.CwndMax, wCfg.CwndMin)
	}
	if wCfg.CwndInit < wCfg.CwndMin || wCfg.CwndInit > wCfg.CwndMax {
		return fmt.Errorf("config: Window: CwndInit %d outside [CwndMin, CwndMax]", wCfg.CwndInit)
	}
	return nil
}

// RTT is the round-trip-time estimator configuration. Zero values take
// the consensus defaults.
type RTT struct {
	// EwmaCwndPct is the EWMA smoothing window, in percent of the
	// SENDMEs per congestion window.
	EwmaCwndPct uint32
	// EwmaMax caps the EWMA smoothing window.
	EwmaMax uint32
	// EwmaSSMax caps the EWMA smoothing window during slow start.
	EwmaSSMax uint32
	// RTTResetPct blends the minimum RTT toward the current estimate
	// when the window sits at its minimum.
	RTTResetPct uint32
}

func (rCfg *RTT) applyDefaults(d congestion.RTTParams) {
	if rCfg.EwmaCwndPct == 0 {
		rCfg.EwmaCwndPct = d.EwmaCwndPct
	}
	if rCfg.EwmaMax == 0 {
		rCfg.EwmaMax = d.EwmaMax
	}
	if rCfg.EwmaSSMax == 0 {
		rCfg.EwmaSSMax = d.EwmaSSMax
	}
	if rCfg.RTTResetPct == 0 {
		rCfg.RTTResetPct = d.RTTResetPct
	}
}

func (rCfg *RTT) validate() error {
	if rCfg.EwmaCwndPct > 100 {
		return fmt.Errorf("config: RTT: EwmaCwndPct %d exceeds 100", rCfg.EwmaCwndPct)
	}
	if rCfg.RTTResetPct > 100 {
		return fmt.Errorf("config: RTT: RTTResetPct %d exceeds 100", rCfg.RTTResetPct)
	}
	return nil
}

// Vegas is the Tor Vegas algorithm configuration. Zero values take the
// consensus defaults.
type Vegas struct {
	// Alpha is the queue use below which the window grows.
	Alpha uint32
	// Beta is the queue use above which the window shrinks.
	Beta uint32
	// Delta is the queue use at which the window snaps back to the
	// estimated BDP.
	Delta uint32
	// Gamma is the slow-start queue use threshold.
	Gamma uint32
	// SSCwndCap is the window size after which slow-start increments
	// taper off.
	SSCwndCap uint32
	// SSCwndMax is a hard window maximum during slow start.
	SSCwndMax uint32
	// CwndFullGap is the inflight-to-window gap, in SendmeInc multiples,
	// still counted as a full window.
	CwndFullGap uint32
	// CwndFullMinPct is the window utilization, in percent, below which
	// the window is considered idle.
	CwndFullMinPct uint32
	// CwndFullPerCwnd governs how often the fullness flag resets.
	CwndFullPerCwnd uint32
}

func (vCfg *Vegas) applyDefaults(d congestion.VegasParams) {
	if vCfg.Alpha == 0 {
		vCfg.Alpha = d.Alpha
	}
	if vCfg.Beta == 0 {
		vCfg.Beta = d.Beta
	}
	if vCfg.Delta == 0 {
		vCfg.Delta = d.Delta
	}
	if vCfg.Gamma == 0 {
		vCfg.Gamma = d.Gamma
	}
	if vCfg.SSCwndCap == 0 {
		vCfg.SSCwndCap = d.SSCwndCap
	}
	if vCfg.SSCwndMax == 0 {
		vCfg.SSCwndMax = d.SSCwndMax
	}
	if vCfg.CwndFullGap == 0 {
		vCfg.CwndFullGap = d.CwndFullGap
	}
	if vCfg.CwndFullMinPct == 0 {
		vCfg.CwndFullMinPct = d.CwndFullMinPct
	}
	if vCfg.CwndFullPerCwnd == 0 {
		vCfg.CwndFullPerCwnd = d.CwndFullPerCwnd
	}
}

func (vCfg *Vegas) validate() error {
	if vCfg.Beta < vCfg.Alpha {
		return fmt.Errorf("config: Vegas: Beta %d below Alpha %d", vCfg.Beta, vCfg.Alpha)
	}
	if vCfg.Delta < vCfg.Beta {
		return fmt.Errorf("config: Vegas: Delta %d below Beta %d", vCfg.Delta, vCfg.Beta)
	}
	if vCfg.CwndFullMinPct > 100 {
		return fmt.Errorf("config: Vegas: CwndFullMinPct %d exceeds 100", vCfg.CwndFullMinPct)
	}
	return nil
}

// Congestion bundles the congestion control configuration sections.
type Congestion struct {
	Window *Window
	RTT    *RTT
	Vegas  *Vegas
}

// Params converts the configuration to the parameter set used by the
// congestion package. Call only after FixupAndValidate.
func (cCfg *Congestion) Params() congestion.Params {
	return congestion.Params{
		Window: congestion.WindowParams{
			CwndInit:     cCfg.Window.CwndInit,
			CwndIncPctSS: cCfg.Window.CwndIncPctSS,
			CwndInc:      cCfg.Window.CwndInc,
			CwndIncRate:  cCfg.Window.CwndIncRate,
			CwndMin:      cCfg.Window.CwndMin,
			CwndMax:      cCfg.Window.CwndMax,
			SendmeInc:    cCfg.Window.SendmeInc,
		},
		RTT: congestion.RTTParams{
			EwmaCwndPct: cCfg.RTT.EwmaCwndPct,
			EwmaMax:     cCfg.RTT.EwmaMax,
			EwmaSSMax:   cCfg.RTT.EwmaSSMax,
			RTTResetPct: cCfg.RTT.RTTResetPct,
		},
		Vegas: congestion.VegasParams{
			Alpha:           cCfg.Vegas.Alpha,
			Beta:            cCfg.Vegas.Beta,
			Delta:           cCfg.Vegas.Delta,
			Gamma:           cCfg.Vegas.Gamma,
			SSCwndCap:       cCfg.Vegas.SSCwndCap,
			SSCwndMax:       cCfg.Vegas.SSCwndMax,
			CwndFullGap:     cCfg.Vegas.CwndFullGap,
			CwndFullMinPct:  cCfg.Vegas.CwndFullMinPct,
			CwndFullPerCwnd: cCfg.Vegas.CwndFullPerCwnd,
		},
	}
}

// Config is the top level tunnel configuration.
type Config struct {
	Congestion *Congestion
	Logging    *Logging
}

// FixupAndValidate applies defaults to unset fields and checks the
// configuration for sanity.
func (cfg *Config) FixupAndValidate() error {
	if cfg.Congestion == nil {
		cfg.Congestion = &Congestion{}
	}
	if cfg.Congestion.Window == nil {
		cfg.Congestion.Window = &Window{}
	}
	if cfg.Congestion.RTT == nil {
		cfg.Congestion.RTT = &RTT{}
	}
	if cfg.Congestion.Vegas == nil {
		cfg.Congestion.Vegas = &Vegas{}
	}
	if cfg.Logging == nil {
		cfg.Logging = &Logging{}
	}

	defaults := congestion.DefaultParams()
	cfg.Congestion.Window.applyDefaults(defaults.Window)
	cfg.Congestion.RTT.applyDefaults(defaults.RTT)
	cfg.Congestion.Vegas.applyDefaults(defaults.Vegas)

	if err := cfg.Congestion.Window.validate(); err != nil {
		return err
	}
	if err := cfg.Congestion.RTT.validate(); err != nil {
		return err
	}
	if err := cfg.Congestion.Vegas.validate(); err != nil {
		return err
	}
	return cfg.Logging.validate()
}

// Load parses and validates the provided buffer as a TOML config.
func Load(b []byte) (*Config, error) {
	if b == nil {
		return nil, errors.New("config: no buffer provided")
	}
	cfg := new(Config)
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns
// the Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
