package session

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mixvpn"
	"mixvpn/internal/backoff"
	"mixvpn/internal/eventbus"
	"mixvpn/pkg/entryclient"
)

func testManager(t *testing.T) (*Manager, *entryclient.Fake, *FakeProber, clockwork.FakeClock) {
	t.Helper()
	entry := entryclient.NewFake()
	prober := NewFakeProber()
	clock := clockwork.NewFakeClock()
	pol := backoff.NewSeeded(10*time.Millisecond, time.Second, 0.1, 1, 2)
	bus := eventbus.New()
	cfg := ProbeConfig{
		PayloadSize: 32,
		Timeout:     time.Second,
		IntervalMin: 100 * time.Millisecond,
		IntervalMax: 200 * time.Millisecond,
		MaxFailures: 3,
	}
	return New(entry, clock, prober, cfg, pol, bus, nil), entry, prober, clock
}

func TestOpen_ReturnsOpenSession(t *testing.T) {
	mgr, _, _, _ := testManager(t)
	dest := mixvpn.Destination{ID: "exit-a"}

	sess, err := mgr.Open(context.Background(), dest, mixvpn.Capabilities{}, mixvpn.PathSpec{Hops: 1}, 51820)
	require.NoError(t, err)
	assert.Equal(t, mixvpn.SessionOpen, sess.Status())
	assert.NotEmpty(t, sess.RemoteID)

	require.NoError(t, mgr.Close(context.Background(), sess))
}

func TestOpen_UnreachableDestinationClassifiesError(t *testing.T) {
	mgr, entry, _, _ := testManager(t)
	dest := mixvpn.Destination{ID: "exit-b"}
	entry.Unreachable[dest.ID] = true

	_, err := mgr.Open(context.Background(), dest, mixvpn.Capabilities{}, mixvpn.PathSpec{Hops: 1}, 51821)
	require.Error(t, err)
}

func TestVerify_SuccessReturnsRTT(t *testing.T) {
	mgr, _, _, clock := testManager(t)
	dest := mixvpn.Destination{ID: "exit-c"}
	sess, err := mgr.Open(context.Background(), dest, mixvpn.Capabilities{}, mixvpn.PathSpec{Hops: 1}, 51822)
	require.NoError(t, err)
	defer mgr.Close(context.Background(), sess)

	_, err = mgr.Verify(context.Background(), sess)
	require.NoError(t, err)
	_ = clock
}

func TestVerify_MismatchedEchoIsAnError(t *testing.T) {
	mgr, _, prober, _ := testManager(t)
	prober.Corrupt = true
	dest := mixvpn.Destination{ID: "exit-d"}
	sess, err := mgr.Open(context.Background(), dest, mixvpn.Capabilities{}, mixvpn.PathSpec{Hops: 1}, 51823)
	require.NoError(t, err)
	defer mgr.Close(context.Background(), sess)

	_, err = mgr.Verify(context.Background(), sess)
	require.ErrorIs(t, err, ErrProbeMismatch)
}

func TestClose_IsIdempotent(t *testing.T) {
	mgr, _, _, _ := testManager(t)
	dest := mixvpn.Destination{ID: "exit-e"}
	sess, err := mgr.Open(context.Background(), dest, mixvpn.Capabilities{}, mixvpn.PathSpec{Hops: 1}, 51824)
	require.NoError(t, err)

	require.NoError(t, mgr.Close(context.Background(), sess))
	require.NoError(t, mgr.Close(context.Background(), sess))
	assert.Equal(t, mixvpn.SessionClosed, sess.Status())
}
