package event

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister_PostAndTake(t *testing.T) {
	reg := NewRegister()
	assert.True(t, reg.Post(3))
	assert.True(t, reg.IsPending(3))
	assert.Equal(t, uint32(0b1000), reg.Pending())

	f, ok := reg.take()
	require.True(t, ok)
	assert.Equal(t, Flag(3), f)
	assert.False(t, reg.IsPending(3))

	_, ok = reg.take()
	assert.False(t, ok)
}

func TestRegister_PostCoalesces(t *testing.T) {
	reg := NewRegister()
	assert.True(t, reg.Post(1))
	assert.False(t, reg.Post(1), "second post of a pending flag is coalesced")
	assert.Equal(t, uint64(2), reg.posts[1].Load())
	assert.Equal(t, uint64(1), reg.coalesced[1].Load())

	_, ok := reg.take()
	require.True(t, ok)
	_, ok = reg.take()
	assert.False(t, ok, "coalesced posts leave a single pending bit")
}

func TestRegister_TakeLowestFirst(t *testing.T) {
	reg := NewRegister()
	reg.Post(2)
	reg.Post(1)
	reg.Post(7)

	var order []Flag
	for {
		f, ok := reg.take()
		if !ok {
			break
		}
		order = append(order, f)
	}
	assert.Equal(t, []Flag{1, 2, 7}, order)
}

func TestRegister_ConcurrentPostsAccumulate(t *testing.T) {
	reg := NewRegister()
	var wg sync.WaitGroup
	for i := range MaxFlags {
		wg.Add(1)
		go func(f Flag) {
			defer wg.Done()
			reg.Post(f)
		}(Flag(i))
	}
	wg.Wait()
	assert.Equal(t, ^uint32(0), reg.Pending(), "no post may be lost")
}

func TestRegister_WakeSignalled(t *testing.T) {
	reg := NewRegister()
	reg.Post(0)
	reg.Post(4)
	select {
	case <-reg.Wake():
	default:
		t.Fatal("expected wake signal after post")
	}
}

func TestRegister_InvalidFlagPanics(t *testing.T) {
	reg := NewRegister()
	assert.Panics(t, func() { reg.Post(MaxFlags) })
}
