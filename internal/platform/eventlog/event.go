package eventlog

import "time"

// EventType names a discrete occurrence either service can publish.
type EventType string

const (
	// Agent Runner
	EventStateTransition   EventType = "state_transition"
	EventCycleStarted      EventType = "cycle_started"
	EventCycleCompleted    EventType = "cycle_completed"
	EventStepCompleted     EventType = "step_completed"
	EventStepFailed        EventType = "step_failed"
	EventCycleForceSkipped EventType = "cycle_force_skipped"
	EventMailboxDelivered  EventType = "mailbox_delivered"
	EventOverrideApplied   EventType = "override_applied"

	// Execution Service
	EventStrategyLoaded        EventType = "strategy_loaded"
	EventStrategySwapped       EventType = "strategy_swapped"
	EventStrategyRejected      EventType = "strategy_rejected"
	EventStrategyExpired       EventType = "strategy_expired"
	EventOrderDispatched       EventType = "order_dispatched"
	EventOrderFilled           EventType = "order_filled"
	EventOrderRejected         EventType = "order_rejected"
	EventPositionOpened        EventType = "position_opened"
	EventPositionClosed        EventType = "position_closed"
	EventRiskLimitBreached     EventType = "risk_limit_breached"
	EventSafeModeActivated     EventType = "safe_mode_activated"
	EventSafeModeDeactivated   EventType = "safe_mode_deactivated"
	EventReconciliationSummary EventType = "reconciliation_summary"
	EventDMSTriggered          EventType = "dms_triggered"
)

// Event is one record on the append-only log and one message on the
// bus: a stable envelope (timestamp, type, mode, version) wrapping an
// arbitrary, event-specific data payload.
type Event struct {
	Timestamp      time.Time   `json:"timestamp"`
	EventType      EventType   `json:"eventType"`
	Mode           string      `json:"mode"`
	ServiceVersion string      `json:"serviceVersion"`
	Data           interface{} `json:"data"`
}
