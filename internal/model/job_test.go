package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJobKind(t *testing.T) {
	for _, k := range AllJobKinds {
		got, err := ParseJobKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}

	_, err := ParseJobKind("offers.teleport")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown job kind")
}

func TestEntityTypeValid(t *testing.T) {
	assert.True(t, EntityProduct.Valid())
	assert.True(t, EntityPlant.Valid())
	assert.True(t, EntityOffer.Valid())
	assert.False(t, EntityType("retailer").Valid())
}

func TestNormalizationOrder(t *testing.T) {
	assert.Equal(t, []EntityType{EntityProduct, EntityPlant, EntityOffer}, NormalizationOrder)
}

func TestSourceScheduled(t *testing.T) {
	interval := 60
	zero := 0
	assert.True(t, (&IngestionSource{Active: true, ScheduleIntervalMinutes: &interval}).Scheduled())
	assert.False(t, (&IngestionSource{Active: false, ScheduleIntervalMinutes: &interval}).Scheduled())
	assert.False(t, (&IngestionSource{Active: true}).Scheduled())
	assert.False(t, (&IngestionSource{Active: true, ScheduleIntervalMinutes: &zero}).Scheduled())
}

func TestRunStatsMerge(t *testing.T) {
	s := RunStats{"fetched": 2}
	s.Add("fetched", 1)
	s.Merge(RunStats{"fetched": 1, "failed": 3})
	assert.Equal(t, RunStats{"fetched": 4, "failed": 3}, s)
}

func TestIdentifiersEmpty(t *testing.T) {
	assert.True(t, Identifiers{}.Empty())
	assert.True(t, Identifiers{Values: map[string]string{"sku": ""}}.Empty())
	assert.False(t, Identifiers{Values: map[string]string{"sku": "T1"}}.Empty())
	assert.False(t, Identifiers{Slug: "tank-a"}.Empty())
}
