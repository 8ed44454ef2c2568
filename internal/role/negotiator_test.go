package role

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBridge struct {
	features   NativeFeatures
	info       ServerInfo
	capsErr    error
	transErr   error
	capsCalls  atomic.Int32
	transCalls atomic.Int32
}

func (b *fakeBridge) QueryCapabilities(ctx context.Context) (NativeFeatures, error) {
	b.capsCalls.Add(1)
	return b.features, b.capsErr
}

func (b *fakeBridge) QueryServerTransport(ctx context.Context) (ServerInfo, error) {
	b.transCalls.Add(1)
	return b.info, b.transErr
}

func TestNegotiateServer(t *testing.T) {
	br := &fakeBridge{
		features: NativeFeatures{BackgroundInput: true},
		info:     ServerInfo{LocalIP: "192.168.1.20", Port: "3030"},
	}
	n := NewNegotiator(Options{Platform: PlatformNativeHost, RequestURI: "/", Bridge: br})

	res, err := n.Negotiate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RoleServer, res.Role)
	assert.Equal(t, PlatformNativeHost, res.Platform)
	assert.True(t, res.Features.BackgroundInput)
	require.NotNil(t, res.Transport.Server)
	assert.Nil(t, res.Transport.Client)
	assert.Equal(t, ServerTransport{ListenAddress: "192.168.1.20", Host: LoopbackHost, Port: "3030"}, *res.Transport.Server)
}

func TestNegotiateClientNeverCallsBridgeForTransport(t *testing.T) {
	br := &fakeBridge{}
	n := NewNegotiator(Options{
		Platform:   PlatformBrowserHosted,
		RequestURI: "http://10.1.1.1:8080/client?id=s-1",
		Bridge:     br,
	})

	res, err := n.Negotiate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RoleClient, res.Role)
	require.NotNil(t, res.Transport.Client)
	assert.Nil(t, res.Transport.Server)
	assert.Equal(t, ClientTransport{SessionID: "s-1", Host: "10.1.1.1", Port: "8080"}, *res.Transport.Client)
	assert.Zero(t, br.transCalls.Load())
	assert.Zero(t, br.capsCalls.Load())
}

func TestNegotiateFailsWithConfigUnavailable(t *testing.T) {
	tests := []struct {
		name   string
		bridge Bridge
	}{
		{name: "transport error", bridge: &fakeBridge{transErr: errors.New("no ip")}},
		{name: "capabilities error", bridge: &fakeBridge{capsErr: errors.New("ipc closed"), info: ServerInfo{LocalIP: "1.2.3.4", Port: "1"}}},
		{name: "missing bridge", bridge: nil},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			n := NewNegotiator(Options{Platform: PlatformNativeHost, RequestURI: "/", Bridge: tt.bridge})
			res, err := n.Negotiate(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrConfigUnavailable)
			assert.Nil(t, res.Transport.Server)
		})
	}
}

func TestNegotiateRunsOnce(t *testing.T) {
	br := &fakeBridge{info: ServerInfo{LocalIP: "127.0.0.2", Port: "9"}}
	n := NewNegotiator(Options{Platform: PlatformNativeHost, Bridge: br})

	first, err := n.Negotiate(context.Background())
	require.NoError(t, err)
	second, err := n.Negotiate(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), br.transCalls.Load())
	assert.Equal(t, int32(1), br.capsCalls.Load())
}
