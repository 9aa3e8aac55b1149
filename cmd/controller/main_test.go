package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTargets(t *testing.T) {
	addrs, err := parseTargets("", 5569)
	require.NoError(t, err)
	assert.Empty(t, addrs)

	addrs, err = parseTargets("192.168.1.10:6000, 192.168.1.11", 5569)
	require.NoError(t, err)
	require.Len(t, addrs, 2)
	assert.Equal(t, "192.168.1.10:6000", addrs[0].String())
	assert.Equal(t, "192.168.1.11:5569", addrs[1].String())

	_, err = parseTargets("not a host", 5569)
	assert.Error(t, err)
}
