package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"go-qearn-stats/logger"
	"go-qearn-stats/metrics"
	"go-qearn-stats/model"
	"go-qearn-stats/rpc"
)

var (
	ErrRateLimited = errors.New("rate limited")
	ErrTransport   = errors.New("transport failure")
)

type Kind int

const (
	KindTransport Kind = iota
	KindRateLimited
)

func (k Kind) String() string {
	if k == KindRateLimited {
		return "rate_limited"
	}
	return "transport"
}

// CallError is returned by RetryingCaller.Call. It matches ErrRateLimited or
// ErrTransport under errors.Is depending on Kind.
type CallError struct {
	Kind     Kind
	Attempts int
	Err      error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s after %d attempt(s): %v", e.Kind, e.Attempts, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

func (e *CallError) Is(target error) bool {
	switch target {
	case ErrRateLimited:
		return e.Kind == KindRateLimited
	case ErrTransport:
		return e.Kind == KindTransport
	}
	return false
}

// Transport issues a single contract query.
type Transport interface {
	QuerySmartContract(ctx context.Context, query model.Query) (*model.QueryResult, error)
}

// RetryingCaller retries rate-limited queries with exponential backoff:
// baseDelay, 2*baseDelay, 4*baseDelay, ... for at most maxRetries retries.
type RetryingCaller struct {
	transport  Transport
	maxRetries int
	baseDelay  time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
}

func NewRetryingCaller(transport Transport, maxRetries int, baseDelay time.Duration) *RetryingCaller {
	return &RetryingCaller{
		transport:  transport,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		sleep:      sleepContext,
	}
}

func (c *RetryingCaller) Call(ctx context.Context, query model.Query) (*model.QueryResult, error) {
	start := time.Now()
	for retry := 0; ; retry++ {
		result, err := c.transport.QuerySmartContract(ctx, query)
		if err == nil {
			metrics.CallLatency.WithLabelValues("success").Observe(time.Since(start).Seconds())
			return result, nil
		}

		if !isRateLimited(err) {
			metrics.CallLatency.WithLabelValues("transport").Observe(time.Since(start).Seconds())
			return nil, &CallError{Kind: KindTransport, Attempts: retry + 1, Err: err}
		}
		if retry >= c.maxRetries {
			metrics.CallLatency.WithLabelValues("rate_limited").Observe(time.Since(start).Seconds())
			return nil, &CallError{Kind: KindRateLimited, Attempts: retry + 1, Err: err}
		}

		delay := c.baseDelay << retry
		metrics.RetryAttemptsTotal.Inc()
		logger.LogDebug("contract %d input %d rate limited, retry %d in %v", query.ContractIndex, query.InputType, retry+1, delay)
		if err := c.sleep(ctx, delay); err != nil {
			return nil, &CallError{Kind: KindRateLimited, Attempts: retry + 1, Err: err}
		}
	}
}

func isRateLimited(err error) bool {
	var statusErr *rpc.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.RateLimited()
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "too many requests")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
