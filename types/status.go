package types

// ═══════════════════════════════════════════════════════════════════════════════
// ORDER STATUS STATE MACHINE
// ═══════════════════════════════════════════════════════════════════════════════
//
// PENDING → OPEN | FILLED | REJECTED | UNKNOWN
// OPEN → PARTIALLY_FILLED | FILLED | CANCELLED | EXPIRED | UNKNOWN
// PARTIALLY_FILLED → PARTIALLY_FILLED | FILLED | CANCELLED | EXPIRED | UNKNOWN
// UNKNOWN → FILLED | CANCELLED | EXPIRED
// FILLED, CANCELLED, EXPIRED, REJECTED are terminal
//
// ═══════════════════════════════════════════════════════════════════════════════

// OrderStatus is the internal order lifecycle state
type OrderStatus string

const (
	StatusPending         OrderStatus = "PENDING"
	StatusOpen            OrderStatus = "OPEN"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCancelled       OrderStatus = "CANCELLED"
	StatusExpired         OrderStatus = "EXPIRED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusUnknown         OrderStatus = "UNKNOWN"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	StatusPending:         {StatusOpen, StatusFilled, StatusRejected, StatusUnknown},
	StatusOpen:            {StatusPartiallyFilled, StatusFilled, StatusCancelled, StatusExpired, StatusUnknown},
	StatusPartiallyFilled: {StatusPartiallyFilled, StatusFilled, StatusCancelled, StatusExpired, StatusUnknown},
	StatusUnknown:         {StatusFilled, StatusCancelled, StatusExpired},
	StatusFilled:          {},
	StatusCancelled:       {},
	StatusExpired:         {},
	StatusRejected:        {},
}

// Valid reports whether the status is one of the defined values
func (s OrderStatus) Valid() bool {
	_, ok := orderTransitions[s]
	return ok
}

// Terminal reports whether no further transition is allowed
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusExpired || s == StatusRejected
}

// CanTransition reports whether s → next is a legal transition
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Cancellable reports whether the order can still be cancelled
func (s OrderStatus) Cancellable() bool {
	return s == StatusOpen || s == StatusPartiallyFilled
}

// CountsTowardCap reports whether the status consumes window-cap budget.
// REJECTED and CANCELLED orders never held exposure.
func (s OrderStatus) CountsTowardCap() bool {
	return s != StatusRejected && s != StatusCancelled
}

// MapExchangeStatus converts a raw exchange status into the internal status.
// Unknown raw values never map to OPEN: an immediate order type becomes
// REJECTED, a persistent one CANCELLED.
func MapExchangeStatus(raw string, typ OrderType) OrderStatus {
	switch raw {
	case "live":
		return StatusOpen
	case "matched":
		return StatusFilled
	case "cancelled", "expired", "killed":
		if typ.Immediate() {
			return StatusRejected
		}
		return StatusCancelled
	default:
		if typ.Immediate() {
			return StatusRejected
		}
		return StatusCancelled
	}
}
