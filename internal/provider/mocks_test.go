package provider

import (
	"context"
	"sync"
)

// fakeClient is a scriptable Client for registry tests.
type fakeClient struct {
	mu          sync.Mutex
	validateErr error
	responses   []*Response
	errs        []error
	calls       int
}

func (f *fakeClient) Invoke(ctx context.Context, req Request) (*Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return &Response{Text: "ok", InputTokens: 10, OutputTokens: 5}, nil
}

func (f *fakeClient) Validate(ctx context.Context) error {
	return f.validateErr
}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
