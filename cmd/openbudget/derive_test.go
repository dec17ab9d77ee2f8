package main

import (
	"bytes"
	"testing"

	"openbudget/internal/ledger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveAddress(t *testing.T) {
	addr, err := deriveAddress([]string{"platform"})
	require.NoError(t, err)
	assert.Equal(t, ledger.PlatformAddress(), addr)

	addr, err = deriveAddress([]string{"project", "P1"})
	require.NoError(t, err)
	assert.Equal(t, ledger.ProjectAddress("P1"), addr)

	addr, err = deriveAddress([]string{"milestone", "P1", "7"})
	require.NoError(t, err)
	assert.Equal(t, ledger.MilestoneAddress("P1", 7), addr)

	for _, args := range [][]string{
		{"milestone", "P1", "256"},
		{"milestone", "P1"},
		{"project"},
		{"platform", "extra"},
		{"vault"},
	} {
		_, err := deriveAddress(args)
		assert.Error(t, err, "%v", args)
	}
}

func TestDeriveCommandOutput(t *testing.T) {
	var out bytes.Buffer
	deriveCmd.SetOut(&out)
	t.Cleanup(func() { deriveCmd.SetOut(nil) })

	require.NoError(t, runDerive(deriveCmd, []string{"project", "P1"}))
	assert.Equal(t, ledger.ProjectAddress("P1").String()+"\n", out.String())
}

func TestQueueName(t *testing.T) {
	assert.Equal(t, "projection.ledger.funds_released.q", queueName("projection", "ledger.funds_released"))
}
