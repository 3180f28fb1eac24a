// Package mock provides a test double for the assist.Provider interface.
//
// Response fields are returned in order: the first call gets the first entry
// of Reports (or Images), later calls get later entries and the last entry
// repeats. Errs work the same way and win over responses when non-nil.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/omnisuite/pkg/provider/assist"
)

// AnalyzeCall records a single invocation of AnalyzeText.
type AnalyzeCall struct {
	Ctx  context.Context
	Text string
}

// EditCall records a single invocation of EditImage.
type EditCall struct {
	Ctx context.Context
	Req assist.ImageEditRequest
}

// Provider is a mock implementation of assist.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	Reports     []*assist.EmailReport
	AnalyzeErrs []error
	Images      []*assist.ImageResult
	EditErrs    []error

	// --- Call records (read after test) ---

	AnalyzeCalls []AnalyzeCall
	EditCalls    []EditCall
}

var _ assist.Provider = (*Provider)(nil)

// AnalyzeText implements assist.Provider.
func (p *Provider) AnalyzeText(ctx context.Context, text string) (*assist.EmailReport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.AnalyzeCalls)
	p.AnalyzeCalls = append(p.AnalyzeCalls, AnalyzeCall{Ctx: ctx, Text: text})
	if err := pick(p.AnalyzeErrs, n); err != nil {
		return nil, err
	}
	return pick(p.Reports, n), nil
}

// EditImage implements assist.Provider.
func (p *Provider) EditImage(ctx context.Context, req assist.ImageEditRequest) (*assist.ImageResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.EditCalls)
	p.EditCalls = append(p.EditCalls, EditCall{Ctx: ctx, Req: req})
	if err := pick(p.EditErrs, n); err != nil {
		return nil, err
	}
	return pick(p.Images, n), nil
}

// AnalyzeCount returns the number of AnalyzeText calls so far.
func (p *Provider) AnalyzeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.AnalyzeCalls)
}

// EditCount returns the number of EditImage calls so far.
func (p *Provider) EditCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.EditCalls)
}

func pick[T any](xs []T, n int) T {
	var zero T
	if len(xs) == 0 {
		return zero
	}
	return xs[min(n, len(xs)-1)]
}
