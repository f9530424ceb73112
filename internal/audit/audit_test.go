package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"brokerrelay/internal/logger"
)

func TestRecord_EnqueuesWithinCapacity(t *testing.T) {
	tr := &Trail{entries: make(chan Record, 2), logger: logger.NopLogger()}

	tr.Record(context.Background(), "orders", "consume", "tester", map[string]interface{}{"x": 1}, "accepted", "")

	assert.Len(t, tr.entries, 1)
	rec := <-tr.entries
	assert.Equal(t, "orders", rec.QueueName)
	assert.Equal(t, "consume", rec.Action)
	assert.Equal(t, "tester", rec.Actor)
	assert.NotEmpty(t, rec.ID)
}

func TestRecord_DefaultsActorToSystem(t *testing.T) {
	tr := &Trail{entries: make(chan Record, 1), logger: logger.NopLogger()}

	tr.Record(context.Background(), "orders", "pause", "", nil, "accepted", "")

	rec := <-tr.entries
	assert.Equal(t, "system", rec.Actor)
}

func TestRecord_DropsWhenQueueFull(t *testing.T) {
	tr := &Trail{entries: make(chan Record, 1), logger: logger.NopLogger()}

	tr.Record(context.Background(), "orders", "consume", "tester", nil, "accepted", "")
	tr.Record(context.Background(), "orders", "stop", "tester", nil, "accepted", "")

	assert.Len(t, tr.entries, 1)
	rec := <-tr.entries
	assert.Equal(t, "consume", rec.Action)
}
