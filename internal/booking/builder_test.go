package booking_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"tripbook/internal/booking"
	"tripbook/internal/booking/bookingtest"
	"tripbook/internal/booking/saga"
	"tripbook/internal/observability"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSupervisor_RequiresGateway(t *testing.T) {
	_, err := booking.BuildSupervisor(booking.Dependencies{
		Store:   saga.NewMemoryStore(nil),
		Vendors: booking.Vendors{"skyways": bookingtest.NewVendor("skyways", "USD", bookingtest.NewClock(time.Now()), nil)},
	}, booking.Config{})
	require.ErrorIs(t, err, booking.ErrPaymentGatewayRequired)
}

func TestBuildSupervisor_RetriesTransientVendorFailures(t *testing.T) {
	clock := bookingtest.NewClock(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))
	calls := &bookingtest.CallLog{}
	air := bookingtest.NewVendor("skyways", "USD", clock, calls)
	air.SetPrice(flightOffer, 40000)
	unavailable := fmt.Errorf("%w: 503", booking.ErrVendorUnavailable)
	air.FailLock(flightOffer, unavailable)
	air.FailConfirm(flightOffer, unavailable, unavailable)
	gateway := bookingtest.NewGateway()
	metrics := observability.NewMetrics()

	reliability := booking.DefaultReliabilityConfig()
	reliability.RetryBaseDelay = time.Millisecond
	reliability.RetryMaxDelay = 2 * time.Millisecond

	sup, err := booking.BuildSupervisor(booking.Dependencies{
		Store:   saga.NewMemoryStore(clock.Now),
		Vendors: booking.Vendors{"skyways": air},
		Gateway: gateway,
		Metrics: metrics,
		Now:     clock.Now,
		Logf:    t.Logf,
	}, booking.Config{
		Supervisor:         booking.SupervisorConfig{Deadline: 5 * time.Second},
		Reliability:        reliability,
		AbandonedRetention: time.Hour,
	})
	require.NoError(t, err)

	result, err := sup.SubmitBooking(context.Background(), selection(15*time.Minute, flight))
	require.NoError(t, err)
	assert.Equal(t, booking.StatusBookingConfirmed, result.Status)
	assert.Len(t, calls.Calls("lock"), 2)
	assert.Len(t, calls.Calls("confirm"), 3)
	assert.Equal(t, 1, gateway.CaptureCalls())

	snap := metrics.Snapshot()
	assert.Equal(t, int64(1), snap.SagaOutcomes[string(booking.StatusBookingConfirmed)])
	assert.Equal(t, int64(3), snap.Operations["vendor.skyways.confirm"].Count)
	assert.Equal(t, int64(1), snap.Operations["payment.capture"].Count)
	assert.Zero(t, sup.InFlight())
}
