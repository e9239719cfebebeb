package listeners

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/INLOpen/synclog/hooks"
)

// Field names understood by OutlierRule.
const (
	FieldRequests       = "requests"
	FieldStreams        = "streams"
	FieldBytes          = "bytes"
	FieldSyncDurationMs = "sync_duration_ms"
	FieldPadDurationMs  = "duration_ms"
	FieldAllocatedBytes = "allocated_bytes"
)

// Thresholds defines the min/max acceptable values for a field.
// A Max of zero or less leaves the upper bound open.
type Thresholds struct {
	Min float64
	Max float64
}

// OutlierRule names one numeric field of an event payload and its acceptable range.
type OutlierRule struct {
	Event      hooks.EventType
	Field      string
	Thresholds Thresholds
}

// OutlierDetectionListener warns when a flush or pad event carries a value
// outside its configured thresholds.
type OutlierDetectionListener struct {
	logger *slog.Logger
	rules  map[hooks.EventType]map[string]Thresholds
}

// NewOutlierDetectionListener creates a new listener for detecting outliers.
func NewOutlierDetectionListener(logger *slog.Logger, rules []OutlierRule) *OutlierDetectionListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	ruleMap := make(map[hooks.EventType]map[string]Thresholds)
	for _, rule := range rules {
		if _, ok := ruleMap[rule.Event]; !ok {
			ruleMap[rule.Event] = make(map[string]Thresholds)
		}
		ruleMap[rule.Event][rule.Field] = rule.Thresholds
	}

	return &OutlierDetectionListener{
		logger: logger.With("component", "OutlierDetectionListener"),
		rules:  ruleMap,
	}
}

// Register subscribes the listener to every event one of its rules names.
func (l *OutlierDetectionListener) Register(hm hooks.HookManager) {
	for event := range l.rules {
		hm.Register(event, l)
	}
}

// OnEvent checks the payload fields of PostBatchFlush and PostSegmentPad events.
func (l *OutlierDetectionListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	eventRules, ok := l.rules[event.Type()]
	if !ok {
		return nil
	}

	var values map[string]float64
	switch p := event.Payload().(type) {
	case hooks.PostBatchFlushPayload:
		values = map[string]float64{
			FieldRequests:       float64(p.Requests),
			FieldStreams:        float64(p.Streams),
			FieldBytes:          float64(p.Bytes),
			FieldSyncDurationMs: float64(p.SyncDuration.Microseconds()) / 1000,
		}
	case hooks.PostSegmentPadPayload:
		values = map[string]float64{
			FieldPadDurationMs:  float64(p.Duration.Microseconds()) / 1000,
			FieldAllocatedBytes: float64(p.AllocatedSize),
		}
	default:
		l.logger.Error("Received event with unsupported payload type", "event", event.Type(), "payload_type", fmt.Sprintf("%T", event.Payload()))
		return nil
	}

	for field, thresholds := range eventRules {
		v, ok := values[field]
		if !ok {
			continue
		}
		if v < thresholds.Min || (thresholds.Max > 0 && v > thresholds.Max) {
			l.logger.Warn("Outlier detected",
				"event", string(event.Type()),
				"field", field,
				"value", v,
				"min_threshold", thresholds.Min,
				"max_threshold", thresholds.Max,
			)
		}
	}

	// Detection only, never cancels.
	return nil
}

// Priority defines the execution order.
func (l *OutlierDetectionListener) Priority() int { return 100 }

// IsAsync lets the hook manager run the check off the flush path.
func (l *OutlierDetectionListener) IsAsync() bool { return true }
