package protocol

// WebSocket event names pushed from server to client.
const (
	EventHealth   = "health"
	EventShutdown = "shutdown"

	// Delivery lifecycle events (payload: message id, channel, target, retry_count).
	EventMessageSent     = "message.sent"
	EventMessageFailed   = "message.failed"
	EventMessageRetrying = "message.retrying"
	EventMessageDead     = "message.dead"

	// Broadcast fan-out summary (payload: channels, sent, failed).
	EventBroadcastDone = "broadcast.done"

	// Scheduler events (payload: schedule id, run_count, result).
	EventScheduleExecuted = "schedule.executed"

	// Dead-letter queue changes (payload: size).
	EventDLQChanged = "dlq.changed"

	// Template registry changes (payload: name, source).
	EventTemplateChanged = "template.changed"
)

// Delivery event names recorded against a message in the store.
const (
	DeliveryCreated   = "created"
	DeliverySent      = "sent"
	DeliveryFailed    = "failed"
	DeliveryRetried   = "retried"
	DeliveryDead      = "dead"
	DeliveryRequeued  = "requeued"
	DeliveryScheduled = "scheduled"
)
