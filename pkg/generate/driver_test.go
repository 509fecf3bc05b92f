package generate

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zen-systems/pixelgate/pkg/adapter"
	"github.com/zen-systems/pixelgate/pkg/archive"
	"github.com/zen-systems/pixelgate/pkg/artifact"
	"github.com/zen-systems/pixelgate/pkg/config"
	"github.com/zen-systems/pixelgate/pkg/logging"
	"github.com/zen-systems/pixelgate/pkg/prompt"
)

// scriptedAdapter returns queued errors per operation before succeeding.
type scriptedAdapter struct {
	mu          sync.Mutex
	generateErr []error
	editErr     []error
	describeErr []error
	description string
	prompts     []string
	calls       map[adapter.Operation]int
	block       bool
}

func (s *scriptedAdapter) Name() string     { return "scripted" }
func (s *scriptedAdapter) Models() []string { return []string{"scripted-1"} }

func (s *scriptedAdapter) next(op adapter.Operation, queue *[]error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = make(map[adapter.Operation]int)
	}
	s.calls[op]++
	if len(*queue) == 0 {
		return nil
	}
	err := (*queue)[0]
	*queue = (*queue)[1:]
	return err
}

func (s *scriptedAdapter) count(op adapter.Operation) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *scriptedAdapter) GenerateImage(ctx context.Context, req adapter.ImageRequest) ([]*artifact.Image, error) {
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err := s.next(adapter.OpGenerate, &s.generateErr); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.prompts = append(s.prompts, req.Prompt)
	s.mu.Unlock()
	return []*artifact.Image{pngImage("generate|" + req.Prompt)}, nil
}

func (s *scriptedAdapter) EditImage(_ context.Context, req adapter.EditRequest) ([]*artifact.Image, error) {
	if err := s.next(adapter.OpEdit, &s.editErr); err != nil {
		return nil, err
	}
	return []*artifact.Image{pngImage("edit|" + req.Prompt)}, nil
}

func (s *scriptedAdapter) Describe(_ context.Context, _ adapter.DescribeRequest) (string, error) {
	if err := s.next(adapter.OpDescribe, &s.describeErr); err != nil {
		return "", err
	}
	return s.description, nil
}

func pngImage(seed string) *artifact.Image {
	data := append([]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}, []byte(seed)...)
	return artifact.FromBytes(data, "image/png", "scripted", "scripted-1", seed)
}

func newTestDriver(t *testing.T, a adapter.Adapter, retries int) *Driver {
	t.Helper()
	store, err := archive.NewStore(t.TempDir(), "http://assets.test")
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	target := Target{Adapter: a, Model: "scripted-1"}
	return New(Options{
		Image:   target,
		Edit:    target,
		Vision:  target,
		Timeout: time.Second,
		Retry:   config.RetryConfig{MaxRetries: retries, BaseBackoffMs: 1, MaxBackoffMs: 2},
	}, prompt.New(config.PromptConfig{
		Enrichments:         []config.Enrichment{{Keyword: "halloween", Suffix: "with pumpkins and moody orange light"}},
		VariationQualifiers: []string{"different angle", "minor background change"},
	}), store, logging.Discard(), nil)
}

func sourceImage() *artifact.Image {
	return pngImage("source")
}

func rateLimited() error {
	return &adapter.AdapterError{Kind: adapter.KindRateLimited, Status: 429, Err: errors.New("slow down")}
}

func quotaExceeded() error {
	return &adapter.AdapterError{Kind: adapter.KindQuotaExceeded, Status: 402, Err: errors.New("billing limit")}
}

func TestFromTextArchivesAndEnriches(t *testing.T) {
	a := &scriptedAdapter{}
	d := newTestDriver(t, a, 0)

	out, err := d.FromText(context.Background(), TextRequest{Prompt: "A Halloween party", Style: "cinematic", Size: "1024x1024"})
	if err != nil {
		t.Fatalf("FromText: %v", err)
	}
	if len(out.Images) != 1 || !out.Images[0].Stored() {
		t.Fatalf("expected one archived image, got %+v", out.Images)
	}
	if !strings.HasPrefix(out.Images[0].URL, "http://assets.test/assets/") {
		t.Fatalf("unexpected asset url %q", out.Images[0].URL)
	}
	if len(a.prompts) != 1 || !strings.Contains(a.prompts[0], "pumpkins") || !strings.Contains(a.prompts[0], "in cinematic style") {
		t.Fatalf("prompt not composed: %v", a.prompts)
	}
	if len(out.Reports) != 1 || out.Reports[0].Error != "" {
		t.Fatalf("unexpected reports %+v", out.Reports)
	}
}

func TestFromTextHasNoFallback(t *testing.T) {
	a := &scriptedAdapter{generateErr: []error{quotaExceeded()}}
	d := newTestDriver(t, a, 2)

	out, err := d.FromText(context.Background(), TextRequest{Prompt: "a cat"})
	if adapter.KindOf(err) != adapter.KindQuotaExceeded {
		t.Fatalf("expected quota error, got %v", err)
	}
	if a.count(adapter.OpGenerate) != 1 {
		t.Fatalf("quota errors must not be retried, got %d calls", a.count(adapter.OpGenerate))
	}
	if a.count(adapter.OpDescribe) != 0 || a.count(adapter.OpEdit) != 0 {
		t.Fatal("text generation must not fall back")
	}
	if len(out.Reports) != 1 || out.Reports[0].ErrorKind != adapter.KindQuotaExceeded {
		t.Fatalf("unexpected reports %+v", out.Reports)
	}
}

func TestTransientErrorsAreRetried(t *testing.T) {
	a := &scriptedAdapter{generateErr: []error{rateLimited(), rateLimited()}}
	d := newTestDriver(t, a, 2)

	out, err := d.FromText(context.Background(), TextRequest{Prompt: "a cat"})
	if err != nil {
		t.Fatalf("FromText: %v", err)
	}
	if out.Reports[0].Retries != 2 {
		t.Fatalf("expected 2 retries, got %d", out.Reports[0].Retries)
	}
}

func TestRetriesExhausted(t *testing.T) {
	a := &scriptedAdapter{generateErr: []error{rateLimited(), rateLimited(), rateLimited()}}
	d := newTestDriver(t, a, 1)

	_, err := d.FromText(context.Background(), TextRequest{Prompt: "a cat"})
	if adapter.KindOf(err) != adapter.KindRateLimited {
		t.Fatalf("expected rate limited error, got %v", err)
	}
	if a.count(adapter.OpGenerate) != 2 {
		t.Fatalf("expected 2 attempts, got %d", a.count(adapter.OpGenerate))
	}
}

func TestProviderTimeout(t *testing.T) {
	a := &scriptedAdapter{block: true}
	d := newTestDriver(t, a, 0)
	d.timeout = 20 * time.Millisecond

	_, err := d.FromText(context.Background(), TextRequest{Prompt: "a cat"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestTransformUsesEditWhenAvailable(t *testing.T) {
	a := &scriptedAdapter{description: "a dog"}
	d := newTestDriver(t, a, 0)

	out, err := d.Transform(context.Background(), TransformRequest{Source: sourceImage(), Prompt: "make it blue"})
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if out.FallbackUsed || a.count(adapter.OpDescribe) != 0 {
		t.Fatal("edit success must not fall back")
	}
	if len(out.Images) != 1 || !out.Images[0].Stored() {
		t.Fatalf("expected archived image, got %+v", out.Images)
	}
}

func TestTransformFallsBackToDescribeAndGenerate(t *testing.T) {
	a := &scriptedAdapter{
		editErr:     []error{adapter.Unsupported("scripted", adapter.OpEdit)},
		description: "a golden retriever on a beach",
	}
	d := newTestDriver(t, a, 2)

	out, err := d.Transform(context.Background(), TransformRequest{Source: sourceImage(), Prompt: "make it blue"})
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if !out.FallbackUsed {
		t.Fatal("expected fallback")
	}
	if a.count(adapter.OpEdit) != 1 {
		t.Fatalf("unsupported edits must not be retried, got %d", a.count(adapter.OpEdit))
	}
	want := "make it blue" + prompt.FallbackSeparator + "a golden retriever on a beach"
	if len(a.prompts) != 1 || a.prompts[0] != want {
		t.Fatalf("expected seed %q, got %v", want, a.prompts)
	}
	if len(out.Reports) != 3 || !out.Reports[1].FallbackUsed || !out.Reports[2].FallbackUsed {
		t.Fatalf("unexpected reports %+v", out.Reports)
	}
}

func TestTransformReturnsPrimaryErrorWhenFallbackFails(t *testing.T) {
	editErr := &adapter.AdapterError{Kind: adapter.KindOther, Status: 400, Err: errors.New("edit rejected")}
	a := &scriptedAdapter{
		editErr:     []error{editErr},
		generateErr: []error{quotaExceeded()},
		description: "a cat",
	}
	d := newTestDriver(t, a, 0)

	out, err := d.Transform(context.Background(), TransformRequest{Source: sourceImage(), Prompt: "make it blue"})
	if !errors.Is(err, editErr) {
		t.Fatalf("expected the edit error, got %v", err)
	}
	if len(out.Images) != 0 {
		t.Fatal("expected no images")
	}
}

func TestTransformEmptyDescriptionFails(t *testing.T) {
	editErr := &adapter.AdapterError{Kind: adapter.KindUnsupported, Err: adapter.ErrUnsupported}
	a := &scriptedAdapter{editErr: []error{editErr}, description: "   "}
	d := newTestDriver(t, a, 0)

	_, err := d.Transform(context.Background(), TransformRequest{Source: sourceImage(), Prompt: "make it blue"})
	if !errors.Is(err, editErr) {
		t.Fatalf("expected the edit error, got %v", err)
	}
	if a.count(adapter.OpGenerate) != 0 {
		t.Fatal("generate must not run without a description")
	}
}

func TestTransformRequiresSourceData(t *testing.T) {
	d := newTestDriver(t, &scriptedAdapter{}, 0)
	if _, err := d.Transform(context.Background(), TransformRequest{Prompt: "x"}); err == nil {
		t.Fatal("expected error for missing source")
	}
}

func TestVariationsPartialSuccess(t *testing.T) {
	a := &scriptedAdapter{
		generateErr: []error{nil, quotaExceeded()},
		description: "a red barn",
	}
	d := newTestDriver(t, a, 0)

	out, err := d.Variations(context.Background(), VariationRequest{Source: sourceImage(), Count: 3})
	if err != nil {
		t.Fatalf("Variations: %v", err)
	}
	if len(out.Images) != 2 {
		t.Fatalf("expected 2 variations, got %d", len(out.Images))
	}
	if a.count(adapter.OpDescribe) != 1 {
		t.Fatalf("expected a single describe call, got %d", a.count(adapter.OpDescribe))
	}
	if a.prompts[0] != "a red barn, different angle" || a.prompts[1] != "a red barn, different angle" {
		t.Fatalf("unexpected variation prompts %v", a.prompts)
	}
}

func TestVariationsAllFailReturnsFirstError(t *testing.T) {
	first := quotaExceeded()
	a := &scriptedAdapter{
		generateErr: []error{first, rateLimited()},
		description: "a red barn",
	}
	d := newTestDriver(t, a, 0)

	_, err := d.Variations(context.Background(), VariationRequest{Source: sourceImage(), Count: 2})
	if !errors.Is(err, first) {
		t.Fatalf("expected first error, got %v", err)
	}
}

func TestVariationsDescribeFailure(t *testing.T) {
	a := &scriptedAdapter{describeErr: []error{quotaExceeded()}}
	d := newTestDriver(t, a, 0)

	_, err := d.Variations(context.Background(), VariationRequest{Source: sourceImage(), Count: 2})
	if adapter.KindOf(err) != adapter.KindQuotaExceeded {
		t.Fatalf("expected quota error, got %v", err)
	}
	if a.count(adapter.OpGenerate) != 0 {
		t.Fatal("generate must not run after describe fails")
	}
}

func TestComputeBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{5, time.Second},
	}
	for _, tt := range tests {
		if got := computeBackoff(100, 1000, tt.attempt); got != tt.want {
			t.Errorf("attempt %d: expected %v, got %v", tt.attempt, tt.want, got)
		}
	}
}
