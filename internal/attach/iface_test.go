package attach

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInterfaceIndexUnknownNameErrors(t *testing.T) {
	_, err := interfaceIndex("definitely-not-a-real-iface0")
	require.Error(t, err)
}
