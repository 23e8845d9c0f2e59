package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	pkgerrors "github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/log"

	"stakebft/types"
)

const defaultInitialInterval = 50 * time.Millisecond

// Retrying wraps a Client with a per-call timeout and exponential backoff.
// Only transient failures (ErrLedgerUnavailable, call timeouts) are retried;
// when the retry budget runs out the error still wraps ErrLedgerUnavailable.
type Retrying struct {
	client Client

	callTimeout     time.Duration
	maxElapsed      time.Duration
	initialInterval time.Duration

	logger log.Logger
}

var _ Client = (*Retrying)(nil)

type RetryOption func(*Retrying)

func WithInitialInterval(d time.Duration) RetryOption {
	return func(r *Retrying) {
		r.initialInterval = d
	}
}

func NewRetrying(client Client, callTimeout, maxElapsed time.Duration, options ...RetryOption) *Retrying {
	r := &Retrying{
		client:          client,
		callTimeout:     callTimeout,
		maxElapsed:      maxElapsed,
		initialInterval: defaultInitialInterval,
		logger:          log.NewNopLogger(),
	}
	for _, option := range options {
		option(r)
	}
	return r
}

func (r *Retrying) SetLogger(logger log.Logger) {
	r.logger = logger
}

// Unwrap returns the wrapped client.
func (r *Retrying) Unwrap() Client {
	return r.client
}

func (r *Retrying) do(ctx context.Context, method string, op func(ctx context.Context) error) error {
	expBackOff := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(r.initialInterval),
		backoff.WithMaxElapsedTime(r.maxElapsed),
	)

	operation := func() error {
		callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
		defer cancel()

		err := op(callCtx)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, types.ErrLedgerUnavailable), errors.Is(err, context.DeadlineExceeded):
			return err
		default:
			return backoff.Permanent(err)
		}
	}
	notify := func(err error, next time.Duration) {
		r.logger.Debug("ledger call failed, retrying", "method", method, "next", next, "err", err)
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(expBackOff, ctx), notify)
	if err == nil {
		return nil
	}
	if !errors.Is(err, types.ErrLedgerUnavailable) &&
		(errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
		err = fmt.Errorf("%w: %v", types.ErrLedgerUnavailable, err)
	}
	return pkgerrors.Wrapf(err, "ledger %s", method)
}

func (r *Retrying) GetStake(ctx context.Context, validatorID string) (stake uint64, err error) {
	err = r.do(ctx, "GetStake", func(ctx context.Context) error {
		stake, err = r.client.GetStake(ctx, validatorID)
		return err
	})
	return stake, err
}

func (r *Retrying) GetAllStakers(ctx context.Context) (ids []string, err error) {
	err = r.do(ctx, "GetAllStakers", func(ctx context.Context) error {
		ids, err = r.client.GetAllStakers(ctx)
		return err
	})
	return ids, err
}

func (r *Retrying) HasRole(ctx context.Context, validatorID, role string) (ok bool, err error) {
	err = r.do(ctx, "HasRole", func(ctx context.Context) error {
		ok, err = r.client.HasRole(ctx, validatorID, role)
		return err
	})
	return ok, err
}

func (r *Retrying) SubmitPenalty(ctx context.Context, validatorID string, amount uint64, penaltyID string) error {
	return r.do(ctx, "SubmitPenalty", func(ctx context.Context) error {
		return r.client.SubmitPenalty(ctx, validatorID, amount, penaltyID)
	})
}

type retryingPerformance struct {
	r   *Retrying
	src PerformanceSource
}

func (rp retryingPerformance) GetPerformance(ctx context.Context, validatorID string) (pm types.PerformanceMetrics, err error) {
	err = rp.r.do(ctx, "GetPerformance", func(ctx context.Context) error {
		pm, err = rp.src.GetPerformance(ctx, validatorID)
		return err
	})
	return pm, err
}

// AsPerformanceSource returns the performance source behind c, looking
// through a Retrying wrapper.
func AsPerformanceSource(c Client) (PerformanceSource, bool) {
	if r, ok := c.(*Retrying); ok {
		src, ok := AsPerformanceSource(r.client)
		if !ok {
			return nil, false
		}
		return retryingPerformance{r: r, src: src}, true
	}
	src, ok := c.(PerformanceSource)
	return src, ok
}
