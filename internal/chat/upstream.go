package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/solvia/usage-gateway/internal/provider"
)

// Upstream wraps the model provider with a circuit breaker and a bounded
// request timeout, so a hung or failing provider surfaces as a stream error
// instead of an indefinite wait.
type Upstream struct {
	provider provider.Provider
	breaker  *gobreaker.CircuitBreaker
	timeout  time.Duration
}

func NewUpstream(p provider.Provider, timeout time.Duration) *Upstream {
	settings := gobreaker.Settings{
		Name:        p.Name(),
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	return &Upstream{
		provider: p,
		breaker:  gobreaker.NewCircuitBreaker(settings),
		timeout:  timeout,
	}
}

// Stream opens a bounded token stream. The returned cancel must be called
// when the caller is done consuming the channel.
func (u *Upstream) Stream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, context.CancelFunc, error) {
	if u.breaker.State() == gobreaker.StateOpen {
		return nil, nil, fmt.Errorf("circuit breaker is open for provider: %s", u.provider.Name())
	}

	streamCtx, cancel := context.WithTimeout(ctx, u.timeout)

	origCh, err := u.provider.StreamGenerate(streamCtx, req)
	if err != nil {
		_, _ = u.breaker.Execute(func() (interface{}, error) {
			return nil, err
		})
		cancel()
		return nil, nil, err
	}

	wrappedCh := make(chan *provider.Chunk)
	go func() {
		defer close(wrappedCh)
		for chunk := range origCh {
			if chunk.Err != nil {
				_, _ = u.breaker.Execute(func() (interface{}, error) {
					return nil, chunk.Err
				})
			}
			if chunk.Done {
				_, _ = u.breaker.Execute(func() (interface{}, error) {
					return nil, nil
				})
			}
			select {
			case wrappedCh <- chunk:
			case <-streamCtx.Done():
				return
			}
		}
	}()

	return wrappedCh, cancel, nil
}

func (u *Upstream) ProviderName() string {
	return u.provider.Name()
}
