package chat

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/solvia/usage-gateway/internal/provider"
)

type failingProvider struct {
	calls int
}

func (f *failingProvider) StreamGenerate(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	f.calls++
	return nil, errors.New("connection refused")
}

func (f *failingProvider) Name() string { return "failing" }

func TestUpstream_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	prov := &failingProvider{}
	u := NewUpstream(prov, time.Second)

	for i := 0; i < 3; i++ {
		if _, _, err := u.Stream(context.Background(), &provider.Request{}); err == nil {
			t.Fatalf("Attempt %d: expected an error", i+1)
		}
	}

	_, _, err := u.Stream(context.Background(), &provider.Request{})
	if err == nil || !strings.Contains(err.Error(), "circuit breaker is open") {
		t.Fatalf("Expected an open-breaker error, got %v", err)
	}
	if prov.calls != 3 {
		t.Errorf("Expected the provider untouched once open, got %d calls", prov.calls)
	}
}

func TestUpstream_ForwardsChunksAndRecordsSuccess(t *testing.T) {
	prov := &mockProvider{chunks: []*provider.Chunk{
		{Delta: "hi"},
		{Done: true},
	}}
	u := NewUpstream(prov, time.Second)

	ch, cancel, err := u.Stream(context.Background(), &provider.Request{})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	defer cancel()

	var got []string
	for chunk := range ch {
		if chunk.Done {
			break
		}
		got = append(got, chunk.Delta)
	}
	if len(got) != 1 || got[0] != "hi" {
		t.Errorf("Unexpected chunks: %v", got)
	}
}
