package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOrderStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to OrderStatus
		ok       bool
	}{
		{StatusPending, StatusOpen, true},
		{StatusPending, StatusFilled, true},
		{StatusPending, StatusRejected, true},
		{StatusPending, StatusUnknown, true},
		{StatusPending, StatusCancelled, false},
		{StatusPending, StatusPartiallyFilled, false},

		{StatusOpen, StatusPartiallyFilled, true},
		{StatusOpen, StatusFilled, true},
		{StatusOpen, StatusCancelled, true},
		{StatusOpen, StatusExpired, true},
		{StatusOpen, StatusUnknown, true},
		{StatusOpen, StatusRejected, false},
		{StatusOpen, StatusPending, false},

		// Partial fills may stack
		{StatusPartiallyFilled, StatusPartiallyFilled, true},
		{StatusPartiallyFilled, StatusFilled, true},
		{StatusPartiallyFilled, StatusCancelled, true},
		{StatusPartiallyFilled, StatusRejected, false},

		// UNKNOWN resolves only to a terminal truth
		{StatusUnknown, StatusFilled, true},
		{StatusUnknown, StatusCancelled, true},
		{StatusUnknown, StatusExpired, true},
		{StatusUnknown, StatusOpen, false},
		{StatusUnknown, StatusRejected, false},

		// Terminal states go nowhere
		{StatusFilled, StatusCancelled, false},
		{StatusCancelled, StatusFilled, false},
		{StatusExpired, StatusOpen, false},
		{StatusRejected, StatusPending, false},
	}

	for _, c := range cases {
		assert.Equal(t, c.ok, c.from.CanTransition(c.to), "%s -> %s", c.from, c.to)
	}
}

func TestOrderStatusTerminal(t *testing.T) {
	terminal := []OrderStatus{StatusFilled, StatusCancelled, StatusExpired, StatusRejected}
	live := []OrderStatus{StatusPending, StatusOpen, StatusPartiallyFilled, StatusUnknown}

	for _, s := range terminal {
		assert.True(t, s.Terminal(), "%s should be terminal", s)
	}
	for _, s := range live {
		assert.False(t, s.Terminal(), "%s should not be terminal", s)
	}
}

func TestOrderStatusCancellable(t *testing.T) {
	assert.True(t, StatusOpen.Cancellable())
	assert.True(t, StatusPartiallyFilled.Cancellable())
	assert.False(t, StatusPending.Cancellable())
	assert.False(t, StatusUnknown.Cancellable())
	assert.False(t, StatusFilled.Cancellable())
	assert.False(t, StatusCancelled.Cancellable())
}

func TestCountsTowardCap(t *testing.T) {
	// Orders that never held exposure give their budget back
	assert.False(t, StatusRejected.CountsTowardCap())
	assert.False(t, StatusCancelled.CountsTowardCap())

	assert.True(t, StatusFilled.CountsTowardCap())
	assert.True(t, StatusOpen.CountsTowardCap())
	assert.True(t, StatusUnknown.CountsTowardCap())
	assert.True(t, StatusPending.CountsTowardCap())
}

func TestMapExchangeStatus(t *testing.T) {
	cases := []struct {
		raw  string
		typ  OrderType
		want OrderStatus
	}{
		{"live", OrderTypeGTC, StatusOpen},
		{"matched", OrderTypeGTC, StatusFilled},
		{"matched", OrderTypeFOK, StatusFilled},
		{"cancelled", OrderTypeGTC, StatusCancelled},
		{"expired", OrderTypeGTC, StatusCancelled},
		{"killed", OrderTypeFOK, StatusRejected},
		{"cancelled", OrderTypeIOC, StatusRejected},

		// Unknown raw values must never look live
		{"weird", OrderTypeGTC, StatusCancelled},
		{"weird", OrderTypeFOK, StatusRejected},
		{"", OrderTypeIOC, StatusRejected},
	}

	for _, c := range cases {
		assert.Equal(t, c.want, MapExchangeStatus(c.raw, c.typ), "raw=%q typ=%s", c.raw, c.typ)
	}
}

func TestOrderStatusValid(t *testing.T) {
	for _, s := range []OrderStatus{
		StatusPending, StatusOpen, StatusPartiallyFilled, StatusFilled,
		StatusCancelled, StatusExpired, StatusRejected, StatusUnknown,
	} {
		assert.True(t, s.Valid())
	}
	assert.False(t, OrderStatus("OPEN_ISH").Valid())
	assert.False(t, OrderStatus("").Valid())
}
