package messaging

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fystack/orion/pkg/encryption"
	"github.com/fystack/orion/pkg/logger"
	"github.com/fystack/orion/pkg/node"
)

// PropagationEvent is the audit record published for every send. It
// carries addresses and peer URLs only, never payload bytes.
type PropagationEvent struct {
	Digest     string            `json:"digest"`
	CID        string            `json:"cid"`
	Status     string            `json:"status"`
	Delivered  []string          `json:"delivered"`
	Failed     map[string]string `json:"failed,omitempty"`
	Unresolved []string          `json:"unresolved,omitempty"`
	Error      string            `json:"error,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
}

func NewPropagationEvent(r *node.PropagationReport) PropagationEvent {
	ev := PropagationEvent{
		Digest:     r.Digest.String(),
		CID:        r.Digest.CID().String(),
		Status:     StatusComplete,
		Delivered:  append([]string{}, r.Delivered...),
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
	if !r.Complete() {
		ev.Status = StatusPartial
	}
	if len(r.Failed) > 0 {
		ev.Failed = make(map[string]string, len(r.Failed))
		for peer, err := range r.Failed {
			ev.Failed[peer] = err.Error()
		}
	}
	if len(r.Unresolved) > 0 {
		ev.Unresolved = unresolvedKeys(r.Unresolved)
	}
	if r.Err != nil {
		ev.Error = r.Err.Error()
	}
	return ev
}

// PropagationNotifier publishes node propagation reports.
type PropagationNotifier struct {
	pub     Publisher
	subject string
	timeout time.Duration
}

var _ node.Observer = (*PropagationNotifier)(nil)

func NewPropagationNotifier(pub Publisher, subject string) *PropagationNotifier {
	return &PropagationNotifier{pub: pub, subject: subject, timeout: 5 * time.Second}
}

// OnPropagation is called synchronously by the node; publish failures are
// logged and dropped.
func (n *PropagationNotifier) OnPropagation(r *node.PropagationReport) {
	ev := NewPropagationEvent(r)
	data, err := json.Marshal(ev)
	if err != nil {
		logger.Error("Failed to encode propagation event", err, "digest", ev.Digest)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()
	topic := FormatPropagationTopic(n.subject, ev.Status)
	if err := n.pub.Publish(ctx, topic, data, &PublishOptions{IdempotentKey: ev.Digest}); err != nil {
		logger.Warn("Propagation event dropped", "digest", ev.Digest, "topic", topic, "error", err.Error())
	}
}

func unresolvedKeys(keys []encryption.PublicKey) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k.String())
	}
	return out
}
