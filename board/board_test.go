package board

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClocks_EnableIsIdempotent(t *testing.T) {
	c := NewClocks()
	assert.ErrorIs(t, c.Require(I2C1), ErrClockDisabled)
	c.Enable(I2C1)
	c.Enable(I2C1)
	assert.True(t, c.Enabled(I2C1))
	assert.NoError(t, c.Require(I2C1))
	assert.False(t, c.Enabled(LETIMER0))
}

func TestDelay(t *testing.T) {
	start := time.Now()
	Delay(5 * time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
}
