package netnsutil

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netns"
)

func TestOpenEmptyNameReturnsNoneWithoutError(t *testing.T) {
	h, err := Open("")
	require.NoError(t, err)
	require.False(t, h.IsOpen())
}

func TestOpenUnknownNameErrors(t *testing.T) {
	_, err := Open("definitely-not-a-real-netns")
	require.Error(t, err)
}

func TestRunWithUnopenedHandleRunsInlineWithoutSwitching(t *testing.T) {
	ran := false
	err := Run(netns.None(), func() error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	require.True(t, ran)
}
