package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBound_OwnTimeoutRecordsCause(t *testing.T) {
	ctx, cancel := bound(context.Background(), "get", 10*time.Millisecond)
	defer cancel()

	<-ctx.Done()
	assert.ErrorIs(t, ctx.Err(), context.DeadlineExceeded)
	assert.ErrorIs(t, context.Cause(ctx), ErrTimeout)
	assert.Contains(t, context.Cause(ctx).Error(), "get after 10ms")
}

func TestBound_SoonerParentDeadlineWins(t *testing.T) {
	parent, cancelParent := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancelParent()

	ctx, cancel := boundWrite(parent, "put")
	defer cancel()

	want, _ := parent.Deadline()
	got, ok := ctx.Deadline()
	assert.True(t, ok)
	assert.Equal(t, want, got)

	<-ctx.Done()
	assert.NotErrorIs(t, context.Cause(ctx), ErrTimeout)
}

func TestBound_ReadIsTighterThanWrite(t *testing.T) {
	start := time.Now()
	read, cancelRead := boundRead(context.Background(), "get")
	defer cancelRead()
	write, cancelWrite := boundWrite(context.Background(), "put")
	defer cancelWrite()

	r, _ := read.Deadline()
	w, _ := write.Deadline()
	assert.WithinDuration(t, start.Add(readTimeout), r, time.Second)
	assert.True(t, r.Before(w))
}
