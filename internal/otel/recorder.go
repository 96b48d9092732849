package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/nodegate/internal/bus"
)

// Recorder bridges bus events onto metric instruments so the hot paths
// never call the meter directly; they publish, and the recorder counts.
type Recorder struct {
	metrics *Metrics
	sub     *bus.Subscription
	cancel  context.CancelFunc
	done    chan struct{}
}

// StartRecorder subscribes to every topic and increments the matching
// instruments until the context is cancelled or Stop is called.
func StartRecorder(ctx context.Context, eventBus *bus.Bus, metrics *Metrics) *Recorder {
	ctx, cancel := context.WithCancel(ctx)
	r := &Recorder{
		metrics: metrics,
		sub:     eventBus.Subscribe(""),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go r.loop(ctx, eventBus)
	return r
}

func (r *Recorder) loop(ctx context.Context, eventBus *bus.Bus) {
	defer close(r.done)
	defer eventBus.Unsubscribe(r.sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-r.sub.Ch():
			if !ok {
				return
			}
			r.record(ctx, ev)
		}
	}
}

func (r *Recorder) record(ctx context.Context, ev bus.Event) {
	switch ev.Topic {
	case bus.TopicAuthDenied:
		attrs := metric.WithAttributes()
		if denied, ok := ev.Payload.(bus.AuthDeniedEvent); ok {
			attrs = metric.WithAttributes(attribute.String("reason", denied.Reason))
		}
		r.metrics.AuthDenials.Add(ctx, 1, attrs)
	case bus.TopicAuthRateLimited:
		r.metrics.RateLimitRejects.Add(ctx, 1)
	case bus.TopicNodeCommand:
		cmd, ok := ev.Payload.(bus.NodeCommandEvent)
		if !ok {
			return
		}
		attrs := metric.WithAttributes(attribute.String("command", cmd.Command))
		r.metrics.NodeCommands.Add(ctx, 1, attrs)
		if !cmd.Allowed {
			r.metrics.NodeCommandDenies.Add(ctx, 1, attrs)
		}
	case bus.TopicNodeConnected:
		r.metrics.ActiveNodes.Add(ctx, 1)
	case bus.TopicNodeDisconnected:
		r.metrics.ActiveNodes.Add(ctx, -1)
	case bus.TopicSubagentAnnounced:
		attrs := metric.WithAttributes()
		if outcome, ok := ev.Payload.(bus.SubagentAnnouncedEvent); ok {
			attrs = metric.WithAttributes(attribute.String("status", outcome.Status))
		}
		r.metrics.SubagentOutcomes.Add(ctx, 1, attrs)
	case bus.TopicChatInject:
		r.metrics.ChatInjects.Add(ctx, 1)
	}
}

// Stop tears the recorder down and waits for the loop to exit.
func (r *Recorder) Stop() {
	r.cancel()
	<-r.done
}
