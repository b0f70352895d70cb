package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zapcore.WarnLevel, ParseLevel(" warn "))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel("nonsense"))
}

func TestEveryN(t *testing.T) {
	gate := NewEveryN(3)
	var allowed []int
	for i := 1; i <= 7; i++ {
		if gate.Allow() {
			allowed = append(allowed, i)
		}
	}
	assert.Equal(t, []int{1, 4, 7}, allowed)
}

func TestEveryNOneAllowsAll(t *testing.T) {
	gate := NewEveryN(0)
	for i := 0; i < 3; i++ {
		assert.True(t, gate.Allow())
	}
}
