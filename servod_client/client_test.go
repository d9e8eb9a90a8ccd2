package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInts(t *testing.T) {
	ints, err := parseInts([]string{"0", "45", "-10"})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 45, -10}, ints)

	_, err = parseInts([]string{"1", "forty"})
	assert.EqualError(t, err, "invalid number 'forty'")
}

func TestCheckResponse(t *testing.T) {
	assert.NoError(t, checkResponse(map[string]interface{}{"result": "success", "message": "ok"}))

	err := checkResponse(map[string]interface{}{"result": "error", "code": float64(109), "message": "not running"})
	assert.EqualError(t, err, "server error (code 109): not running")
}

func TestCommands(t *testing.T) {
	names := make(map[string]bool)
	for _, cmd := range rootCmd.Commands() {
		names[cmd.Name()] = true
	}
	for _, name := range []string{"status", "angle", "publish", "start", "halt"} {
		assert.True(t, names[name], "missing command %s", name)
	}

	assert.Error(t, angleCmd.Args(angleCmd, []string{"0"}))
	assert.NoError(t, angleCmd.Args(angleCmd, []string{"0", "45"}))
	assert.Error(t, publishCmd.Args(publishCmd, []string{"/angle_servo"}))
}
