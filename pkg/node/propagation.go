package node

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fystack/orion/pkg/digest"
	"github.com/fystack/orion/pkg/encryption"
)

type PropagationMode string

const (
	// PropagationSync pushes before Send returns, under the caller context.
	PropagationSync PropagationMode = "sync"
	// PropagationAsync pushes in the background under the node lifetime.
	PropagationAsync PropagationMode = "async"
)

// PropagationReport is the final outcome of pushing one envelope.
type PropagationReport struct {
	Digest digest.Digest
	// Delivered and Failed are keyed by node URL.
	Delivered []string
	Failed    map[string]error
	// Unresolved lists recipient keys with no known owning node.
	Unresolved []encryption.PublicKey
	// Err is set when propagation was abandoned, e.g. on cancellation.
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

// Complete reports whether every remote recipient was reached.
func (r *PropagationReport) Complete() bool {
	return r.Err == nil && len(r.Failed) == 0 && len(r.Unresolved) == 0
}

// FailedPeers returns the failed node URLs, sorted.
func (r *PropagationReport) FailedPeers() []string {
	out := make([]string, 0, len(r.Failed))
	for p := range r.Failed {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Propagation is a handle on a push that may still be running.
type Propagation struct {
	done   chan struct{}
	once   sync.Once
	report *PropagationReport
}

func newPropagation() *Propagation {
	return &Propagation{done: make(chan struct{})}
}

func completedPropagation(r *PropagationReport) *Propagation {
	p := newPropagation()
	p.finish(r)
	return p
}

func (p *Propagation) finish(r *PropagationReport) {
	p.once.Do(func() {
		p.report = r
		close(p.done)
	})
}

// Done is closed once the report is available.
func (p *Propagation) Done() <-chan struct{} { return p.done }

// Wait blocks until propagation finishes or ctx is done. Cancelling ctx
// only stops the wait; it never changes the stored envelope or its digest.
func (p *Propagation) Wait(ctx context.Context) (*PropagationReport, error) {
	select {
	case <-p.done:
		return p.report, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Report returns the report, or nil while propagation is running.
func (p *Propagation) Report() *PropagationReport {
	select {
	case <-p.done:
		return p.report
	default:
		return nil
	}
}

// Observer is notified of every finished propagation. Implementations must
// not block for long; they run on the propagating goroutine.
type Observer interface {
	OnPropagation(report *PropagationReport)
}

type ObserverFunc func(report *PropagationReport)

func (f ObserverFunc) OnPropagation(report *PropagationReport) { f(report) }
