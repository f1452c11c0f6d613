package call

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue()
	a, _ := New("a", nil)
	b, _ := New("b", nil)
	q.Push(a)
	q.Push(b)
	assert.Equal(t, 2, q.Len())
	assert.Same(t, a, q.Pop())
	assert.Same(t, b, q.Pop())
	assert.Nil(t, q.Pop())
}

func TestQueueRequeueHeadReversesOrder(t *testing.T) {
	q := NewQueue()
	next, _ := New("next", nil)
	q.Push(next)

	first, _ := New("first", nil)
	second, _ := New("second", nil)
	// first and second were assigned to a worker in that order; the worker
	// died, so they come back reversed ahead of "next".
	q.RequeueHead([]*Call{first, second})

	assert.Same(t, second, q.Pop())
	assert.Same(t, first, q.Pop())
	assert.Same(t, next, q.Pop())
}

func TestCallSettleOnce(t *testing.T) {
	c, result := New("m", nil)
	c.Settle(1, nil)
	c.Settle(2, nil) // no-op, must not block or panic

	v, err := Wait(context.Background(), result)
	assert.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestWaitRespectsDeadline(t *testing.T) {
	_, result := New("m", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := Wait(ctx, result)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
