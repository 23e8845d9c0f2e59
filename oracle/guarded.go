package oracle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/tendermint/tendermint/libs/log"
)

var (
	ErrVersionMismatch   = errors.New("oracle evaluation version mismatch")
	ErrInvalidMultiplier = errors.New("oracle multiplier is not a finite positive number")
)

// Guarded protects the engine from a slow or misbehaving oracle. Each call
// is bounded by a timeout, answers with an unknown version or a non-finite
// multiplier are discarded, and any failure degrades to the neutral
// multiplier. Good answers are cached per (validator, epoch), so an oracle
// is asked at most once per validator and epoch while the entry is cached.
type Guarded struct {
	oracle  ScoreOracle
	timeout time.Duration
	cache   *lru.Cache

	logger log.Logger
}

var _ ScoreOracle = (*Guarded)(nil)

func NewGuarded(oracle ScoreOracle, timeout time.Duration, cacheSize int) (*Guarded, error) {
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	return &Guarded{
		oracle:  oracle,
		timeout: timeout,
		cache:   cache,
		logger:  log.NewNopLogger(),
	}, nil
}

func (g *Guarded) SetLogger(logger log.Logger) {
	g.logger = logger
}

type cacheKey struct {
	validatorID string
	epoch       int64
}

// Evaluate never fails: a failing oracle yields the neutral evaluation.
func (g *Guarded) Evaluate(ctx context.Context, c Context) (Evaluation, error) {
	key := cacheKey{validatorID: c.ValidatorID, epoch: c.Epoch.Int64()}
	if cached, ok := g.cache.Get(key); ok {
		return cached.(Evaluation), nil
	}

	ev, err := g.evaluate(ctx, c)
	if err != nil {
		g.logger.Info("score oracle unusable, using neutral multiplier",
			"validator", c.ValidatorID, "epoch", c.Epoch, "err", err)
		return Evaluation{Version: CurrentVersion, Multiplier: NeutralMultiplier}, nil
	}
	if len(ev.RecommendedActions) > 0 {
		g.logger.Debug("score oracle recommendations",
			"validator", c.ValidatorID, "threats", ev.RecommendedThreats, "actions", ev.RecommendedActions)
	}

	g.cache.Add(key, ev)
	return ev, nil
}

func (g *Guarded) evaluate(ctx context.Context, c Context) (Evaluation, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	type answer struct {
		ev  Evaluation
		err error
	}
	ch := make(chan answer, 1)
	go func() {
		ev, err := g.oracle.Evaluate(callCtx, c)
		ch <- answer{ev, err}
	}()

	select {
	case <-callCtx.Done():
		return Evaluation{}, callCtx.Err()
	case a := <-ch:
		if a.err != nil {
			return Evaluation{}, a.err
		}
		if a.ev.Version != CurrentVersion {
			return Evaluation{}, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, a.ev.Version, CurrentVersion)
		}
		m := a.ev.Multiplier
		if math.IsNaN(m) || math.IsInf(m, 0) || m <= 0 {
			return Evaluation{}, fmt.Errorf("%w: %v", ErrInvalidMultiplier, m)
		}
		return a.ev, nil
	}
}

// Purge drops every cached evaluation.
func (g *Guarded) Purge() {
	g.cache.Purge()
}
