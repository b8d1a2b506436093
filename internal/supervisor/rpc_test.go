package supervisor

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"mixvpn/pkg/routing"
	"mixvpn/pkg/wgctrl"
)

func newRPCPair(t *testing.T, wg wgctrl.Controller, rt routing.Controller) (*RPCClient, *RPCServer) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close(); serverConn.Close() })

	srv := NewRPCServer(wg, rt)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = srv.Serve(ctx, serverConn) }()

	return NewRPCClient(clientConn), srv
}

func TestRPC_ApplyAndRemovePeer(t *testing.T) {
	wgFake := wgctrl.NewFake()
	client, _ := newRPCPair(t, wgFake, routing.NewFake())

	priv, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	remote, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)

	spec := wgctrl.PeerSpec{
		PrivateKey:      priv,
		RemotePublicKey: remote.PublicKey(),
		Keepalive:       25 * time.Second,
		ListenPort:      51820,
	}
	require.NoError(t, client.ApplyPeer(context.Background(), spec))

	applied := wgFake.Applied()
	require.NotNil(t, applied)
	assert.Equal(t, spec.PrivateKey, applied.PrivateKey)
	assert.Equal(t, spec.RemotePublicKey, applied.RemotePublicKey)

	require.NoError(t, client.RemovePeer(context.Background()))
	assert.Nil(t, wgFake.Applied())
}

func TestRPC_InstallAndTearDownRoutes(t *testing.T) {
	rtFake := routing.NewFake()
	client, _ := newRPCPair(t, wgctrl.NewFake(), rtFake)

	spec := routing.Spec{Interface: "mix0", WorkerUID: 1000}
	require.NoError(t, client.InstallRoutes(context.Background(), spec))

	installed := rtFake.Installed()
	require.NotNil(t, installed)
	assert.Equal(t, "mix0", installed.Interface)

	require.NoError(t, client.TearDownRoutes(context.Background()))
	assert.Nil(t, rtFake.Installed())
}

func TestRPC_ApplyPeerErrorPropagates(t *testing.T) {
	wgFake := wgctrl.NewFake()
	wgFake.FailApply = errors.New("device busy")
	client, _ := newRPCPair(t, wgFake, routing.NewFake())

	err := client.ApplyPeer(context.Background(), wgctrl.PeerSpec{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device busy")
}

func TestRPC_ReportIntentInvokesCallback(t *testing.T) {
	srv := NewRPCServer(wgctrl.NewFake(), routing.NewFake())
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close(); serverConn.Close() })

	reported := make(chan string, 1)
	srv.OnIntent = func(id string) { reported <- id }

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = srv.Serve(ctx, serverConn) }()

	client := NewRPCClient(clientConn)
	require.NoError(t, client.ReportIntent("exit-a"))

	select {
	case id := <-reported:
		assert.Equal(t, "exit-a", id)
	case <-time.After(time.Second):
		t.Fatal("OnIntent was not called")
	}
}
