package enums

import "fmt"

// DeadLetterReason explains why a record left the retry loop.
type DeadLetterReason string

const (
	DeadLetterReasonMaxAttempts  DeadLetterReason = "max_attempts"
	DeadLetterReasonNonRetryable DeadLetterReason = "non_retryable"
)

var validDeadLetterReasons = []DeadLetterReason{
	DeadLetterReasonMaxAttempts,
	DeadLetterReasonNonRetryable,
}

func (r DeadLetterReason) IsValid() bool {
	for _, candidate := range validDeadLetterReasons {
		if candidate == r {
			return true
		}
	}
	return false
}

// ParseDeadLetterReason converts raw input into DeadLetterReason.
func ParseDeadLetterReason(value string) (DeadLetterReason, error) {
	for _, candidate := range validDeadLetterReasons {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid dead letter reason %q", value)
}

// OrderStatus is the lifecycle of the demo order aggregate.
type OrderStatus string

const (
	OrderStatusCreated OrderStatus = "created"
)

// EventOrderCreated is the event type appended when an order is placed.
const EventOrderCreated = "OrderCreated"
