package observability

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"dealescrow/core/types"
	"dealescrow/native/escrow"
)

type payloadEvent struct{ evt *types.Event }

func (e payloadEvent) EventType() string   { return e.evt.Type }
func (e payloadEvent) Event() *types.Event { return e.evt }

func TestRejectionReason(t *testing.T) {
	wrapped := fmt.Errorf("escrow: resolve: %w", escrow.ErrStaleTicket)
	require.Equal(t, "stale_ticket", RejectionReason(wrapped))
	require.Equal(t, "internal", RejectionReason(errors.New("boom")))
}

func TestEventMetricsTrackCustodyVolume(t *testing.T) {
	m := Events()
	before := testutil.ToFloat64(m.volume.WithLabelValues("USDC", "in"))
	m.Emit(payloadEvent{evt: &types.Event{
		Type:       escrow.EventTypeDealFunded,
		Attributes: map[string]string{"asset": "usdc", "amount": "250"},
	}})
	require.Equal(t, before+250, testutil.ToFloat64(m.volume.WithLabelValues("USDC", "in")))

	outBefore := testutil.ToFloat64(m.volume.WithLabelValues("USDC", "out"))
	m.Emit(payloadEvent{evt: &types.Event{
		Type:       escrow.EventTypeDealReleased,
		Attributes: map[string]string{"asset": "USDC", "amount": "0", "paid": "250"},
	}})
	require.Equal(t, outBefore+250, testutil.ToFloat64(m.volume.WithLabelValues("USDC", "out")))
	require.GreaterOrEqual(t, testutil.ToFloat64(m.emitted.WithLabelValues(escrow.EventTypeDealReleased)), 1.0)
}

func TestEscrowMetricsObserve(t *testing.T) {
	m := Escrow()
	before := testutil.ToFloat64(m.rejections.WithLabelValues("fund", "unauthorized"))
	m.Observe("fund", time.Millisecond, escrow.ErrUnauthorized)
	m.Observe("fund", time.Millisecond, nil)
	require.Equal(t, before+1, testutil.ToFloat64(m.rejections.WithLabelValues("fund", "unauthorized")))
}
