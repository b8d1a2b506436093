package control

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mixvpn"
	"mixvpn/internal/destination"
	"mixvpn/internal/eventbus"
)

type fakeEngine struct {
	state mixvpn.EngineState
	err   error
}

func (f *fakeEngine) Submit(_ context.Context, cmd mixvpn.Command) (mixvpn.EngineState, error) {
	if f.err != nil {
		return mixvpn.EngineState{}, f.err
	}
	if cmd.Kind == mixvpn.CommandConnect {
		f.state = mixvpn.EngineState{Kind: mixvpn.StateDialing, DestinationID: cmd.DestinationID}
	}
	return f.state, nil
}

func (f *fakeEngine) Snapshot() mixvpn.EngineState { return f.state }

func startServer(t *testing.T, eng Engine, bus *eventbus.Bus) (string, *destination.Store) {
	t.Helper()

	dests := destination.New()
	dests.Replace([]mixvpn.Destination{{ID: "exit-a"}})

	srv := New(eng, dests, bus)
	socketPath := filepath.Join(t.TempDir(), "mixd.sock")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(ctx, socketPath) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-errCh:
		case <-time.After(2 * time.Second):
			t.Fatal("server did not shut down")
		}
	})

	require.Eventually(t, func() bool {
		c, err := Dial(context.Background(), socketPath)
		if err != nil {
			return false
		}
		c.Close()
		return true
	}, time.Second, 5*time.Millisecond)

	return socketPath, dests
}

func TestServer_StatusRoundTrip(t *testing.T) {
	eng := &fakeEngine{state: mixvpn.Idle()}
	socketPath, _ := startServer(t, eng, eventbus.New())

	client, err := Dial(context.Background(), socketPath)
	require.NoError(t, err)
	defer client.Close()

	reply, err := client.SendCommand(mixvpn.Command{Kind: mixvpn.CommandStatus})
	require.NoError(t, err)
	assert.Equal(t, mixvpn.StateIdle, reply.State.Kind)
	assert.Len(t, reply.Destinations, 1)
}

func TestServer_ConnectMutatesState(t *testing.T) {
	eng := &fakeEngine{state: mixvpn.Idle()}
	socketPath, _ := startServer(t, eng, eventbus.New())

	client, err := Dial(context.Background(), socketPath)
	require.NoError(t, err)
	defer client.Close()

	reply, err := client.SendCommand(mixvpn.Command{Kind: mixvpn.CommandConnect, DestinationID: "exit-a"})
	require.NoError(t, err)
	assert.Equal(t, mixvpn.StateDialing, reply.State.Kind)
	assert.Equal(t, "exit-a", reply.State.DestinationID)
}

// blockingEngine holds Submit open until release is closed, so a test can
// deterministically force a second mutating command to observe Busy.
type blockingEngine struct {
	state   mixvpn.EngineState
	entered chan struct{}
	release chan struct{}
}

func (b *blockingEngine) Submit(_ context.Context, cmd mixvpn.Command) (mixvpn.EngineState, error) {
	close(b.entered)
	<-b.release
	return b.state, nil
}

func (b *blockingEngine) Snapshot() mixvpn.EngineState { return b.state }

func TestServer_SecondMutatingCommandIsBusy(t *testing.T) {
	eng := &blockingEngine{state: mixvpn.Idle(), entered: make(chan struct{}), release: make(chan struct{})}
	socketPath, _ := startServer(t, eng, eventbus.New())

	client1, err := Dial(context.Background(), socketPath)
	require.NoError(t, err)
	defer client1.Close()
	client2, err := Dial(context.Background(), socketPath)
	require.NoError(t, err)
	defer client2.Close()

	firstDone := make(chan struct{})
	go func() {
		_, _ = client1.SendCommand(mixvpn.Command{Kind: mixvpn.CommandConnect, DestinationID: "exit-a"})
		close(firstDone)
	}()

	<-eng.entered // first command now holds the mutating lock inside Submit

	_, err = client2.SendCommand(mixvpn.Command{Kind: mixvpn.CommandConnect, DestinationID: "exit-a"})
	var replyErr *ReplyError
	require.ErrorAs(t, err, &replyErr)
	assert.Equal(t, ErrCodeBusy, replyErr.Code)

	close(eng.release)
	<-firstDone
}

func TestServer_FollowPushesStatusChanged(t *testing.T) {
	eng := &fakeEngine{state: mixvpn.Idle()}
	bus := eventbus.New()
	socketPath, _ := startServer(t, eng, bus)

	client, err := Dial(context.Background(), socketPath)
	require.NoError(t, err)
	defer client.Close()

	updates := make(chan StatusReply, 4)
	go func() {
		_ = client.Follow(func(sr StatusReply) error {
			updates <- sr
			return nil
		})
	}()

	first := <-updates
	assert.Equal(t, mixvpn.StateIdle, first.State.Kind)

	pushed := mixvpn.EngineState{Kind: mixvpn.StateDialing, DestinationID: "exit-a"}
	bus.Publish(mixvpn.Event{Kind: mixvpn.EventStatusChanged, State: &pushed})

	second := <-updates
	assert.Equal(t, mixvpn.StateDialing, second.State.Kind)
}
