package logger

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestNew_Level(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, New("debug", true).GetLevel())
	assert.Equal(t, zerolog.WarnLevel, New("warn", false).GetLevel())
	assert.Equal(t, zerolog.InfoLevel, New("nonsense", true).GetLevel())
	assert.Equal(t, zerolog.InfoLevel, New("", true).GetLevel())
}
