// Package providertest offers an in-memory provider for engine tests.
package providertest

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/smallbiznis/genledger/internal/provider/domain"
)

const Name = "fake"

// Provider records submissions and serves scripted status results.
type Provider struct {
	mu sync.Mutex

	nextRef     int
	submitErr   error
	statusErr   error
	verifyErr   error
	results     map[string]domain.StatusResult
	submissions []domain.SubmitRequest
	statusCalls map[string]int
}

func New() *Provider {
	return &Provider{
		results:     map[string]domain.StatusResult{},
		statusCalls: map[string]int{},
	}
}

func (p *Provider) Name() string { return Name }

func (p *Provider) FailSubmit(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submitErr = err
}

func (p *Provider) FailStatus(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statusErr = err
}

func (p *Provider) RejectSignatures(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.verifyErr = err
}

// Complete scripts what GetStatus returns for ref.
func (p *Provider) Complete(ref string, state domain.State, urls ...string) domain.StatusResult {
	result := domain.StatusResult{Ref: ref, State: state, RawStatus: string(state)}
	for _, u := range urls {
		result.Outputs = append(result.Outputs, domain.OutputDescriptor{Kind: domain.OutputStringURL, URL: u})
	}
	p.SetResult(result)
	return result
}

func (p *Provider) SetResult(result domain.StatusResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results[result.Ref] = result
}

func (p *Provider) Submissions() []domain.SubmitRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.SubmitRequest(nil), p.submissions...)
}

func (p *Provider) StatusCalls(ref string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statusCalls[ref]
}

func (p *Provider) Submit(ctx context.Context, req domain.SubmitRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submissions = append(p.submissions, req)
	if p.submitErr != nil {
		return "", p.submitErr
	}
	p.nextRef++
	ref := fmt.Sprintf("ref_%d", p.nextRef)
	p.results[ref] = domain.StatusResult{Ref: ref, State: domain.StatePending, RawStatus: "starting"}
	return ref, nil
}

func (p *Provider) GetStatus(ctx context.Context, ref string) (*domain.StatusResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statusCalls[ref]++
	if p.statusErr != nil {
		return nil, p.statusErr
	}
	result, ok := p.results[ref]
	if !ok {
		return nil, &domain.HTTPError{Operation: "get_status", StatusCode: http.StatusNotFound}
	}
	return &result, nil
}

func (p *Provider) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.verifyErr
}

// ParseNotification treats the payload as a ref and returns the scripted result for it.
func (p *Provider) ParseNotification(ctx context.Context, payload []byte) (*domain.Notification, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ref := string(payload)
	result, ok := p.results[ref]
	if !ok {
		return nil, domain.ErrInvalidPayload
	}
	return &domain.Notification{Ref: ref, Result: result}, nil
}
