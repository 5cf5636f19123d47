package oracle

import (
	"context"
	"sync"
)

// MockSynthesizer is a scriptable oracle for tests. Responses are
// consumed in order; when the script runs out the last entry repeats.
type MockSynthesizer struct {
	mu        sync.Mutex
	Responses []string
	Errs      []error
	Calls     []Requirement
	idx       int
}

// Synthesize returns the next scripted response.
func (m *MockSynthesizer) Synthesize(ctx context.Context, req Requirement) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.Calls = append(m.Calls, req)

	i := m.idx
	if i >= len(m.Responses) && len(m.Responses) > 0 {
		i = len(m.Responses) - 1
	}
	m.idx++

	if i < len(m.Errs) && m.Errs[i] != nil {
		return "", m.Errs[i]
	}
	if i < len(m.Responses) {
		return m.Responses[i], nil
	}
	return "", ErrEmptyResponse
}

// CallCount returns how many times the oracle was invoked.
func (m *MockSynthesizer) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}
