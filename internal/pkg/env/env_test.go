package env

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("SUBSYNC_ENV_TEST", "from-process")
	assert.Equal(t, "from-process", GetEnv("SUBSYNC_ENV_TEST", "fallback"))
	assert.Equal(t, "fallback", GetEnv("SUBSYNC_ENV_TEST_UNSET", "fallback"))
}
