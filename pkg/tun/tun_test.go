package tun_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tuntcp/tuntcp/pkg/tun"
)

func TestFakeDeviceRoundTrips(t *testing.T) {
	dev := tun.NewFakeDevice(1500, 4)
	defer dev.Close()

	dev.Inject([]byte("hello"))
	buf := make([]byte, 1500)
	n, err := dev.ReadFrame(buf, time.Second)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))

	require.NoError(t, dev.WriteFrame([]byte("world")))
	select {
	case got := <-dev.Written:
		require.Equal(t, "world", string(got))
	case <-time.After(time.Second):
		t.Fatal("WriteFrame never delivered to Written")
	}
}

func TestFakeDeviceReadFrameTimesOut(t *testing.T) {
	dev := tun.NewFakeDevice(1500, 4)
	defer dev.Close()

	_, err := dev.ReadFrame(make([]byte, 1500), 10*time.Millisecond)
	require.ErrorIs(t, err, tun.ErrTimeout)
}

func TestFakeDeviceReadFrameUnblocksOnClose(t *testing.T) {
	dev := tun.NewFakeDevice(1500, 4)
	done := make(chan error, 1)
	go func() {
		_, err := dev.ReadFrame(make([]byte, 1500), 5*time.Second)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, dev.Close())

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("ReadFrame never unblocked on Close")
	}
}
