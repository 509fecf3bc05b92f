package adapter

import (
	"context"
	"fmt"
	"sync"

	"github.com/zen-systems/pixelgate/pkg/artifact"
)

// MockAdapter returns deterministic images for local runs and tests.
type MockAdapter struct {
	mu          sync.Mutex
	description string
	calls       map[Operation]int

	// Errors, when set, are returned by the corresponding operation.
	GenerateErr error
	EditErr     error
	DescribeErr error
}

// NewMockAdapter creates a mock adapter with a default description.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		description: "a mock image",
		calls:       make(map[Operation]int),
	}
}

// NewMockAdapterWithDescription creates a mock adapter whose Describe returns description.
func NewMockAdapterWithDescription(description string) *MockAdapter {
	m := NewMockAdapter()
	m.description = description
	return m
}

// Name returns the adapter identifier.
func (a *MockAdapter) Name() string {
	return "mock"
}

// Models returns the list of supported mock models.
func (a *MockAdapter) Models() []string {
	return []string{"mock-1"}
}

// Calls returns how many times op was invoked.
func (a *MockAdapter) Calls(op Operation) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[op]
}

// GenerateImage returns a PNG-signed payload derived from the prompt.
func (a *MockAdapter) GenerateImage(_ context.Context, req ImageRequest) ([]*artifact.Image, error) {
	a.record(OpGenerate)
	if a.GenerateErr != nil {
		return nil, a.GenerateErr
	}
	return []*artifact.Image{a.image(req.Model, req.Prompt, "generate")}, nil
}

// EditImage returns a payload derived from the source hash and prompt.
func (a *MockAdapter) EditImage(_ context.Context, req EditRequest) ([]*artifact.Image, error) {
	a.record(OpEdit)
	if a.EditErr != nil {
		return nil, a.EditErr
	}
	seed := req.Prompt
	if req.Source != nil {
		seed = req.Source.Hash + ":" + req.Prompt
	}
	return []*artifact.Image{a.image(req.Model, seed, "edit")}, nil
}

// Describe returns the configured description.
func (a *MockAdapter) Describe(_ context.Context, _ DescribeRequest) (string, error) {
	a.record(OpDescribe)
	if a.DescribeErr != nil {
		return "", a.DescribeErr
	}
	return a.description, nil
}

func (a *MockAdapter) record(op Operation) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.calls == nil {
		a.calls = make(map[Operation]int)
	}
	a.calls[op]++
}

func (a *MockAdapter) image(model, prompt, op string) *artifact.Image {
	if model == "" {
		model = "mock-1"
	}
	data := append([]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}, []byte(fmt.Sprintf("%s|%s", op, prompt))...)
	return artifact.FromBytes(data, "image/png", a.Name(), model, prompt)
}
