package main

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRunCommand(t *testing.T) {
	started := time.Now().Add(-90 * time.Second)

	assert.Contains(t, runCommand("help", "", started), "!roll")
	assert.Equal(t, "Up for 1m30s", runCommand("uptime", "", started))
	assert.Equal(t, "shutdown", runCommand("echo", "/shutdown", started))
	assert.Empty(t, runCommand("dance", "", started))

	for i := 0; i < 50; i++ {
		reply := runCommand("roll", "20", started)
		assert.True(t, strings.HasPrefix(reply, "Rolled a d20: "), reply)
	}
	assert.True(t, strings.HasPrefix(runCommand("roll", "nonsense", started), "Rolled a d6: "))
}
