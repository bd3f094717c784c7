package eventbus

import "time"

// Topic represents an event topic.
type Topic string

const (
	TopicProviderRegistered   Topic = "provider_registered"
	TopicProviderUnregistered Topic = "provider_unregistered"
	TopicProviderResolved     Topic = "provider_resolved"
	TopicFallbackUsed         Topic = "fallback_used"
	TopicAuthenticated        Topic = "authenticated"
	TopicGenerateStart        Topic = "generate_start"
	TopicGenerateDone         Topic = "generate_done"
	TopicRateLimited          Topic = "rate_limited"
	TopicError                Topic = "provider_error"
	TopicStatusChange         Topic = "status_change"
)

// Event is a message passed through the event bus.
type Event struct {
	Topic     Topic
	Payload   any
	Timestamp time.Time
}

// Handler processes an event.
type Handler func(Event)
