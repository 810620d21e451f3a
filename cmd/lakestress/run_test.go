package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunStressSmall(t *testing.T) {
	require.NoError(t, runStress(runOptions{
		workers:   2,
		fibers:    16,
		items:     64,
		rounds:    2,
		fanout:    4,
		budgetMiB: 64,
		queue:     256,
		seed:      7,
	}))
}

func TestRunStressRejectsTinyFiberCount(t *testing.T) {
	require.Error(t, runStress(runOptions{fibers: 2, items: 1, rounds: 1, fanout: 1, queue: 2}))
}
