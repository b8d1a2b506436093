package tunnel

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

func remoteKey(t *testing.T) wgtypes.Key {
	t.Helper()
	k, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	return k.PublicKey()
}

func TestUp_InstallsPeerAndDerivesPublicKey(t *testing.T) {
	ctrl := wgctrl.NewFake()
	mgr := New(ctrl, nil, RouteConfig{}, 51820, nil)
	endpoint := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 51820}

	peer, err := mgr.Up(context.Background(), endpoint, remoteKey(t), nil, 25*time.Second)
	require.NoError(t, err)
	assert.NotZero(t, peer.PublicKey)
	assert.NotNil(t, ctrl.Applied())
}

func TestUp_AlreadyUpIsRejected(t *testing.T) {
	ctrl := wgctrl.NewFake()
	mgr := New(ctrl, nil, RouteConfig{}, 51820, nil)
	endpoint := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 51820}

	_, err := mgr.Up(context.Background(), endpoint, remoteKey(t), nil, 25*time.Second)
	require.NoError(t, err)

	_, err = mgr.Up(context.Background(), endpoint, remoteKey(t), nil, 25*time.Second)
	require.ErrorIs(t, err, ErrAlreadyUp)
}

func TestRotate_InstallsNewKeyBeforeDroppingOld(t *testing.T) {
	ctrl := wgctrl.NewFake()
	mgr := New(ctrl, nil, RouteConfig{}, 51820, nil)
	endpoint := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 51820}

	peer, err := mgr.Up(context.Background(), endpoint, remoteKey(t), nil, 25*time.Second)
	require.NoError(t, err)
	oldPub := peer.PublicKey

	rotated, err := mgr.Rotate(context.Background(), peer)
	require.NoError(t, err)
	assert.NotEqual(t, oldPub, rotated.PublicKey)
	assert.NotNil(t, ctrl.Applied(), "a peer must remain installed throughout rotation")
}

func TestRotate_PinnedKeyIsNoOp(t *testing.T) {
	ctrl := wgctrl.NewFake()
	pinned, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	mgr := New(ctrl, nil, RouteConfig{}, 51820, &pinned)
	endpoint := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 51820}

	peer, err := mgr.Up(context.Background(), endpoint, remoteKey(t), nil, 25*time.Second)
	require.NoError(t, err)
	assert.Equal(t, pinned.PublicKey(), peer.PublicKey)

	same, err := mgr.Rotate(context.Background(), peer)
	require.NoError(t, err)
	assert.Same(t, peer, same)
}

func TestDown_IsIdempotentAndZeroisesKey(t *testing.T) {
	ctrl := wgctrl.NewFake()
	mgr := New(ctrl, nil, RouteConfig{}, 51820, nil)
	endpoint := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 51820}

	peer, err := mgr.Up(context.Background(), endpoint, remoteKey(t), nil, 25*time.Second)
	require.NoError(t, err)

	require.NoError(t, mgr.Down(context.Background(), peer))
	require.NoError(t, mgr.Down(context.Background(), peer))
	assert.Nil(t, ctrl.Applied())

	var zero wgtypes.Key
	assert.Equal(t, zero, peer.PrivateKey())
}

func TestUp_InstallsRoutesAlongsidePeer(t *testing.T) {
	ctrl := wgctrl.NewFake()
	rt := routing.NewFake()
	mgr := New(ctrl, rt, RouteConfig{Interface: "mix0", WorkerUID: 1000}, 51820, nil)
	endpoint := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 51820}
	_, allowed, err := net.ParseCIDR("0.0.0.0/0")
	require.NoError(t, err)

	_, err = mgr.Up(context.Background(), endpoint, remoteKey(t), []net.IPNet{*allowed}, 25*time.Second)
	require.NoError(t, err)

	installed := rt.Installed()
	require.NotNil(t, installed)
	assert.Equal(t, "mix0", installed.Interface)
	assert.Equal(t, 1000, installed.WorkerUID)
	require.Len(t, installed.Prefixes, 1)
	assert.Equal(t, 0, installed.Prefixes[0].Bits())
}

func TestUp_RollsBackPeerWhenRouteInstallFails(t *testing.T) {
	ctrl := wgctrl.NewFake()
	rt := routing.NewFake()
	rt.FailInstall = errors.New("nft rule rejected")
	mgr := New(ctrl, rt, RouteConfig{Interface: "mix0"}, 51820, nil)
	endpoint := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 51820}

	_, err := mgr.Up(context.Background(), endpoint, remoteKey(t), nil, 25*time.Second)
	require.ErrorIs(t, err, ErrRouteInstall)
	assert.Nil(t, ctrl.Applied(), "peer must be rolled back when route install fails")
}

func TestDown_TearsDownRoutesWithPeer(t *testing.T) {
	ctrl := wgctrl.NewFake()
	rt := routing.NewFake()
	mgr := New(ctrl, rt, RouteConfig{Interface: "mix0"}, 51820, nil)
	endpoint := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 51820}

	peer, err := mgr.Up(context.Background(), endpoint, remoteKey(t), nil, 25*time.Second)
	require.NoError(t, err)
	require.NotNil(t, rt.Installed())

	require.NoError(t, mgr.Down(context.Background(), peer))
	assert.Nil(t, rt.Installed())
}
