package ss58

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	var accountID [32]byte
	for i := range accountID {
		accountID[i] = byte(i)
	}

	address, err := Encode(42, accountID)
	require.NoError(t, err)
	assert.NotEmpty(t, address)

	prefix, decoded, err := Decode(address)
	require.NoError(t, err)
	assert.Equal(t, byte(42), prefix)
	assert.Equal(t, accountID, decoded)
}

func TestDecodeRejectsCorruptedChecksum(t *testing.T) {
	var accountID [32]byte
	address, err := Encode(42, accountID)
	require.NoError(t, err)

	corrupted := []byte(address)
	corrupted[len(corrupted)-1]++

	_, _, err = Decode(string(corrupted))
	assert.Error(t, err)
}

func TestDifferentNetworkPrefixesProduceDifferentAddresses(t *testing.T) {
	var accountID [32]byte
	a, err := Encode(0, accountID)
	require.NoError(t, err)
	b, err := Encode(42, accountID)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
