// Package torcore assembles a conflux-aware multi-path tunnel: a set
// of circuit legs joined at a common hop, a reactor multiplexing
// traffic across them, and per-leg congestion control.
package torcore

import (
	"crypto/rand"
	"fmt"
	"io"
	"os"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/torcore/clock"
	"github.com/opd-ai/torcore/config"
	"github.com/opd-ai/torcore/conflux"
	"github.com/opd-ai/torcore/congestion"
	"github.com/opd-ai/torcore/relaycell"
	"github.com/opd-ai/torcore/tunnel"
)

// defaultJoinPoint is the middle relay on a standard three hop circuit.
const defaultJoinPoint = conflux.HopNum(2)

type options struct {
	joinPoint conflux.HopNum
	desiredUX relaycell.DesiredUX
	clk       clock.TimeProvider
	rng       io.Reader
	logger    *logrus.Logger
}

// Option customizes tunnel construction.
type Option func(*options)

// WithJoinPoint sets the hop at which the legs join.
func WithJoinPoint(hop conflux.HopNum) Option {
	return func(o *options) { o.joinPoint = hop }
}

// WithDesiredUX sets the user experience hint sent in the LINK cell.
func WithDesiredUX(ux relaycell.DesiredUX) Option {
	return func(o *options) { o.desiredUX = ux }
}

// WithClock substitutes the time source, for tests.
func WithClock(clk clock.TimeProvider) Option {
	return func(o *options) { o.clk = clk }
}

// WithRand substitutes the entropy source used for nonces, identifiers
// and cell padding, for tests.
func WithRand(rng io.Reader) Option {
	return func(o *options) { o.rng = rng }
}

// WithLogger substitutes the logger built from the configuration.
func WithLogger(logger *logrus.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// Tunnel is one multi-path tunnel. Legs are attached with AddLeg and
// traffic flows once Start is called and at least one leg has linked.
type Tunnel struct {
	id      ulid.ULID
	params  congestion.Params
	set     *conflux.Set
	reactor *tunnel.Reactor

	clk clock.TimeProvider
	rng io.Reader
	log *logrus.Entry
}

// NewTunnel creates a tunnel from the given configuration. deliver
// receives the tunnel's in-order traffic; it runs on the reactor
// goroutine and must not block.
func NewTunnel(cfg *config.Config, deliver tunnel.DeliverFunc, opts ...Option) (*Tunnel, error) {
	if cfg == nil {
		cfg = &config.Config{}
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}

	o := options{
		joinPoint: defaultJoinPoint,
		desiredUX: relaycell.UXNoOpinion,
		clk:       clock.RealTimeProvider{},
	}
	for _, opt := range opts {
		opt(&o)
	}

	// By default identifiers and nonces draw from the kernel entropy
	// pool, while cell padding uses the faster ChaCha20 stream.
	rng, padRNG := o.rng, o.rng
	if rng == nil {
		rng = rand.Reader
		var err error
		padRNG, err = relaycell.NewPaddingRNG()
		if err != nil {
			return nil, err
		}
	}

	logger := o.logger
	if logger == nil {
		var err error
		logger, err = newLogger(cfg.Logging)
		if err != nil {
			return nil, err
		}
	}

	id, err := ulid.New(ulid.Timestamp(o.clk.Now()), rng)
	if err != nil {
		return nil, fmt.Errorf("torcore: failed to generate tunnel ID: %w", err)
	}
	log := logger.WithField("tunnel", id.String())

	nonce, err := relaycell.NewNonce(rng)
	if err != nil {
		return nil, err
	}

	set := conflux.NewSet(o.joinPoint, nonce, o.desiredUX, log)
	t := &Tunnel{
		id:      id,
		params:  cfg.Congestion.Params(),
		set:     set,
		reactor: tunnel.NewReactor(set, o.clk, padRNG, deliver, log),
		clk:     o.clk,
		rng:     rng,
		log:     log,
	}
	return t, nil
}

func newLogger(cfg *config.Logging) (*logrus.Logger, error) {
	logger := logrus.New()
	if cfg.Disable {
		logger.SetOutput(io.Discard)
		return logger, nil
	}
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(level)
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, err
		}
		logger.SetOutput(f)
	}
	return logger, nil
}

// ID returns the tunnel identifier.
func (t *Tunnel) ID() ulid.ULID {
	return t.id
}

// AddLeg attaches a new circuit leg over the given transport and starts
// its link handshake. Returns the leg's identifier.
func (t *Tunnel) AddLeg(tr tunnel.LegTransport) (conflux.LegID, error) {
	id, err := conflux.NewLegID(t.clk, t.rng)
	if err != nil {
		return conflux.LegID{}, err
	}
	handler := conflux.NewHandler(t.set.JoinPoint(), t.set.Nonce(), t.set.Delivered(),
		t.params.Window, t.clk, t.log.WithField("leg", id))
	leg := conflux.NewLeg(id, handler, congestion.NewControl(t.params, t.clk))
	if err := t.reactor.AddLeg(leg, tr); err != nil {
		return conflux.LegID{}, err
	}
	return id, nil
}

// Start launches the tunnel's reactor.
func (t *Tunnel) Start() {
	t.reactor.Start()
}

// Send transmits msg on the tunnel's current best leg.
func (t *Tunnel) Send(streamID relaycell.StreamID, msg relaycell.Msg) error {
	return t.reactor.Send(streamID, msg)
}

// HandshakeEvents signals each leg that completes the link handshake.
func (t *Tunnel) HandshakeEvents() <-chan conflux.LegID {
	return t.reactor.HandshakeEvents()
}

// Delivered returns the number of in-order messages handed to the
// delivery callback so far.
func (t *Tunnel) Delivered() uint64 {
	return t.set.Delivered().Load()
}

// Err returns the error the tunnel shut down with, if any.
func (t *Tunnel) Err() error {
	return t.reactor.Err()
}

// Halt tears the tunnel down and waits for its goroutines to exit.
func (t *Tunnel) Halt() {
	t.reactor.Halt()
}
