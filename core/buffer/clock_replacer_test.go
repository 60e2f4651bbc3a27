package buffer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClockReplacer_InitiallyEmpty(t *testing.T) {
	r := NewClockReplacer(4)
	require.Equal(t, 0, r.Size())

	_, ok := r.Victim()
	require.False(t, ok, "all slots start pinned, there is nothing to victimize")
}

func TestClockReplacer_VictimOrder(t *testing.T) {
	r := NewClockReplacer(4)
	for i := 0; i < 4; i++ {
		r.Unpin(FrameID(i))
	}
	require.Equal(t, 4, r.Size())

	// The first sweep consumes every reference bit, then the hand comes back
	// around and takes the frames in order.
	for want := 0; want < 4; want++ {
		frame, ok := r.Victim()
		require.True(t, ok)
		require.Equal(t, FrameID(want), frame)
	}
	require.Equal(t, 0, r.Size())

	_, ok := r.Victim()
	require.False(t, ok)
}

func TestClockReplacer_SecondChance(t *testing.T) {
	r := NewClockReplacer(3)
	r.Unpin(0)
	r.Unpin(1)
	r.Unpin(2)

	frame, ok := r.Victim()
	require.True(t, ok)
	require.Equal(t, FrameID(0), frame)

	// Returning frame 0 sets its reference bit, so the next sweeps take 1
	// and 2 first and only then come back to 0.
	r.Unpin(0)
	require.Equal(t, 3, r.Size())

	frame, ok = r.Victim()
	require.True(t, ok)
	require.Equal(t, FrameID(1), frame)

	frame, ok = r.Victim()
	require.True(t, ok)
	require.Equal(t, FrameID(2), frame)

	frame, ok = r.Victim()
	require.True(t, ok)
	require.Equal(t, FrameID(0), frame)
}

func TestClockReplacer_PinUnpinIdempotent(t *testing.T) {
	r := NewClockReplacer(2)
	r.Unpin(0)
	r.Unpin(0)
	require.Equal(t, 1, r.Size(), "double unpin must not inflate the victim count")

	r.Pin(0)
	r.Pin(0)
	require.Equal(t, 0, r.Size(), "double pin must not deflate the victim count")

	r.Unpin(1)
	require.Equal(t, 1, r.Size())
	frame, ok := r.Victim()
	require.True(t, ok)
	require.Equal(t, FrameID(1), frame)
}
