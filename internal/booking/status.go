package booking

// SagaStatus is a state of the booking state machine.
type SagaStatus string

const (
	StatusInitiated         SagaStatus = "INITIATED"
	StatusPriceLocked       SagaStatus = "PRICE_LOCKED"
	StatusPaymentProcessing SagaStatus = "PAYMENT_PROCESSING"
	StatusComponentsBooking SagaStatus = "COMPONENTS_BOOKING"
	StatusBookingConfirmed  SagaStatus = "BOOKING_CONFIRMED"
	StatusPartialFailure    SagaStatus = "PARTIAL_FAILURE"
	StatusRefundProcessing  SagaStatus = "REFUND_PROCESSING"
	StatusCompleteFailure   SagaStatus = "COMPLETE_FAILURE"
)

var sagaTransitions = map[SagaStatus][]SagaStatus{
	StatusInitiated:         {StatusPriceLocked, StatusPartialFailure},
	StatusPriceLocked:       {StatusPaymentProcessing, StatusPartialFailure},
	StatusPaymentProcessing: {StatusComponentsBooking, StatusPartialFailure},
	StatusComponentsBooking: {StatusBookingConfirmed, StatusPartialFailure},
	StatusPartialFailure:    {StatusRefundProcessing, StatusCompleteFailure},
	StatusRefundProcessing:  {StatusCompleteFailure},
}

// Terminal reports whether no further transition can leave s.
func (s SagaStatus) Terminal() bool {
	return s == StatusBookingConfirmed || s == StatusCompleteFailure
}

// Failed reports whether s is on the failure path.
func (s SagaStatus) Failed() bool {
	switch s {
	case StatusPartialFailure, StatusRefundProcessing, StatusCompleteFailure:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s SagaStatus) Valid() bool {
	if s.Terminal() {
		return true
	}
	_, ok := sagaTransitions[s]
	return ok
}

// CanTransitionTo reports whether the state machine allows s -> next.
// Non-terminal states may be re-persisted in place to record progress.
func (s SagaStatus) CanTransitionTo(next SagaStatus) bool {
	if s.Terminal() {
		return false
	}
	if s == next {
		return true
	}
	for _, allowed := range sagaTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ComponentType names the kind of travel product a component reserves.
type ComponentType string

const (
	ComponentFlight   ComponentType = "flight"
	ComponentLodging  ComponentType = "lodging"
	ComponentActivity ComponentType = "activity"
	ComponentDining   ComponentType = "dining"
)

func (t ComponentType) Valid() bool {
	switch t {
	case ComponentFlight, ComponentLodging, ComponentActivity, ComponentDining:
		return true
	}
	return false
}

// ComponentStatus is the lifecycle state of one booking component.
type ComponentStatus string

const (
	ComponentPending     ComponentStatus = "pending"
	ComponentConfirmed   ComponentStatus = "confirmed"
	ComponentFailed      ComponentStatus = "failed"
	ComponentCompensated ComponentStatus = "compensated"
)

// PaymentOutcome is the gateway-side state of a payment operation.
type PaymentOutcome string

const (
	OutcomePending   PaymentOutcome = "pending"
	OutcomeSucceeded PaymentOutcome = "succeeded"
	OutcomeFailed    PaymentOutcome = "failed"
	// OutcomeNotFound is only reported by gateway queries for keys the
	// gateway has never seen.
	OutcomeNotFound PaymentOutcome = "not_found"
)
