package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all gateway metric instruments.
type Metrics struct {
	AuthDenials       metric.Int64Counter
	RateLimitRejects  metric.Int64Counter
	NodeCommands      metric.Int64Counter
	NodeCommandDenies metric.Int64Counter
	SubagentOutcomes  metric.Int64Counter
	ActiveNodes       metric.Int64UpDownCounter
	ChatInjects       metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.AuthDenials, err = meter.Int64Counter("nodegate.auth.denials",
		metric.WithDescription("Connection attempts rejected by the authorizer"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("nodegate.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	m.NodeCommands, err = meter.Int64Counter("nodegate.node.commands",
		metric.WithDescription("Node command policy decisions"),
	)
	if err != nil {
		return nil, err
	}

	m.NodeCommandDenies, err = meter.Int64Counter("nodegate.node.command_denies",
		metric.WithDescription("Node commands denied by policy"),
	)
	if err != nil {
		return nil, err
	}

	m.SubagentOutcomes, err = meter.Int64Counter("nodegate.subagent.outcomes",
		metric.WithDescription("Terminal subagent run announcements"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveNodes, err = meter.Int64UpDownCounter("nodegate.node.active",
		metric.WithDescription("Currently connected node sessions"),
	)
	if err != nil {
		return nil, err
	}

	m.ChatInjects, err = meter.Int64Counter("nodegate.chat.injects",
		metric.WithDescription("Operator chat injections"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
