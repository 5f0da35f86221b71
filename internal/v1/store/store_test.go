package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestToggleReactionAddsAndRemoves(t *testing.T) {
	c := &Comment{}

	added := c.ToggleReaction("thumbsup", "u1")
	assert.True(t, added)
	assert.Equal(t, []string{"u1"}, c.Reactions.Strings("thumbsup"))

	added = c.ToggleReaction("thumbsup", "u2")
	assert.True(t, added)
	assert.ElementsMatch(t, []string{"u1", "u2"}, c.Reactions.Strings("thumbsup"))

	added = c.ToggleReaction("thumbsup", "u1")
	assert.False(t, added)
	assert.Equal(t, []string{"u2"}, c.Reactions.Strings("thumbsup"))
}

func TestToggleReactionDropsEmptySymbol(t *testing.T) {
	c := &Comment{}

	c.ToggleReaction("heart", "u1")
	c.ToggleReaction("heart", "u1")

	_, exists := c.Reactions["heart"]
	assert.False(t, exists)
}

func TestArtifactCarriesFileMetadata(t *testing.T) {
	a := Artifact{
		ID:       "a1",
		OwnerID:  "alice",
		Title:    "parser",
		Checksum: "sha256:0f343b09",
		Size:     2048,
		Status:   "active",
	}

	assert.Equal(t, "sha256:0f343b09", a.Checksum)
	assert.Equal(t, int64(2048), a.Size)
	assert.Equal(t, "active", a.Status)
}

func TestQueryTrackerAggregates(t *testing.T) {
	tr := NewQueryTracker()

	tr.Record("comment.create", 10*time.Millisecond)
	tr.Record("comment.create", 30*time.Millisecond)
	tr.Record("comment.list", 5*time.Millisecond)

	snap := tr.Snapshot()
	cc := snap["comment.create"]
	assert.Equal(t, int64(2), cc.Executions)
	assert.InDelta(t, 10, cc.MinMs, 1)
	assert.InDelta(t, 30, cc.MaxMs, 1)
	assert.InDelta(t, 20, cc.AvgMs, 1)

	assert.Equal(t, int64(1), snap["comment.list"].Executions)
}

func TestQueryTrackerSlowestShapes(t *testing.T) {
	tr := NewQueryTracker()

	tr.Record("fast", time.Millisecond)
	tr.Record("slow", 100*time.Millisecond)
	tr.Record("medium", 10*time.Millisecond)

	shapes := tr.SlowestShapes(2)
	assert.Equal(t, []string{"slow", "medium"}, shapes)
}

func TestQueryTrackerEmptySnapshot(t *testing.T) {
	tr := NewQueryTracker()
	assert.Empty(t, tr.Snapshot())
	assert.Empty(t, tr.SlowestShapes(5))
}
