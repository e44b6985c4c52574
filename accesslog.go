package paygate

import (
	"context"
	"log/slog"
	"time"
)

// AccessLogger writes one structured record per proxied request and one
// per resolved payment flow. It uses slog.LogAttrs to keep the hot path
// allocation light.
type AccessLogger struct {
	logger *slog.Logger
}

// AccessLogEntry describes one proxied request.
type AccessLogEntry struct {
	Timestamp time.Time
	FlowID    string
	Method    string
	Host      string
	Path      string
	Scheme    string

	// StatusCode is the status written to the client.
	StatusCode   int
	Duration     time.Duration
	BytesWritten int64
	ClientAddr   string

	// Blocked is true when the gate refused the request; Outcome and
	// Source say why.
	Blocked bool
	Outcome Outcome
	Source  Source

	Error     string
	UserAgent string
}

// NewAccessLogger creates an AccessLogger writing to logger.
func NewAccessLogger(logger *slog.Logger) *AccessLogger {
	return &AccessLogger{logger: logger}
}

// Log writes an access record.
func (al *AccessLogger) Log(e AccessLogEntry) {
	attrs := make([]slog.Attr, 0, 14)
	attrs = append(attrs,
		slog.Time("timestamp", e.Timestamp),
		slog.String("flow_id", e.FlowID),
		slog.String("method", e.Method),
		slog.String("host", e.Host),
		slog.String("path", e.Path),
		slog.String("scheme", e.Scheme),
		slog.String("client", e.ClientAddr),
		slog.Int("status", e.StatusCode),
	)

	if e.Blocked {
		attrs = append(attrs,
			slog.Bool("blocked", true),
			slog.String("outcome", string(e.Outcome)),
			slog.String("source", string(e.Source)),
		)
	} else {
		attrs = append(attrs, slog.Int64("bytes", e.BytesWritten))
	}

	attrs = append(attrs, slog.Duration("duration", e.Duration))

	if e.Error != "" {
		attrs = append(attrs, slog.String("error", e.Error))
	}
	if e.UserAgent != "" {
		attrs = append(attrs, slog.String("user_agent", e.UserAgent))
	}

	al.logger.LogAttrs(context.Background(), slog.LevelInfo, "access", attrs...)
}

// LogFlow writes the terminal record of a payment flow. The gate calls
// it exactly once per flow.
func (al *AccessLogger) LogFlow(d *Descriptor, res Resolution) {
	level := slog.LevelInfo
	if res.Outcome == OutcomeTimeout {
		level = slog.LevelWarn
	}

	al.logger.LogAttrs(context.Background(), level, "payment flow resolved",
		slog.String("flow_id", d.ID),
		slog.String("method", d.Method),
		slog.String("host", d.Host),
		slog.String("url", d.URL),
		slog.String("outcome", string(res.Outcome)),
		slog.String("source", string(res.Source)),
		slog.String("match_reason", string(res.Classification.Reason)),
		slog.String("match", res.Classification.Match),
		slog.String("reason", res.Reason),
		slog.Duration("held", res.Duration),
	)
}
