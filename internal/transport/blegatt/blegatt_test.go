package blegatt

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tinygo.org/x/bluetooth"

	"github.com/roman-kulish/uwb-tracking/internal/dwm"
)

func TestCharacteristicUUIDsParse(t *testing.T) {
	for _, s := range []string{
		serviceUUID,
		operationModeUUID,
		networkIDUUID,
		locationDataUUID,
		anchorPositionUUID,
		disconnectUUID,
	} {
		assert.NotPanics(t, func() { mustUUID(s) }, s)
	}
}

func TestRegistryKeyMatchesStackRendering(t *testing.T) {
	mac, err := bluetooth.ParseMAC("C1:5A:06:9D:11:22")
	require.NoError(t, err)

	// The connect handler looks transports up by Address.String(), which
	// renders through MAC.String(); the registry must use the same key.
	addr := bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}}
	assert.Equal(t, addr.String(), registryKey(mac))
}

func TestOperationsRequireLink(t *testing.T) {
	tr := New("C1:5A:06:9D:11:22")

	_, err := tr.Read(context.Background(), dwm.ChannelNetworkID)
	require.ErrorIs(t, err, dwm.ErrReadFailed)
	require.ErrorIs(t, err, dwm.ErrTransportClosed)

	err = tr.Write(context.Background(), dwm.ChannelNetworkID, []byte{0x42, 0x13}, true)
	require.ErrorIs(t, err, dwm.ErrWriteFailed)

	_, err = tr.Subscribe(context.Background(), dwm.ChannelLocation)
	require.ErrorIs(t, err, dwm.ErrReadFailed)

	assert.NoError(t, tr.Unsubscribe(dwm.ChannelLocation))
	assert.NoError(t, tr.Disconnect())
}

func TestSubscribeRejectsOtherChannels(t *testing.T) {
	tr := New("C1:5A:06:9D:11:22")

	_, err := tr.Subscribe(context.Background(), dwm.ChannelOperationMode)
	require.ErrorIs(t, err, dwm.ErrReadFailed)
}
