package config

import (
	"errors"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"git.amikhalev.com/amikhalev/servod/logic"
	"git.amikhalev.com/amikhalev/servod/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withConfigFile(t *testing.T, name string, contents string) string {
	dir, err := ioutil.TempDir("", "servod-config")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	file := filepath.Join(dir, name)
	if contents != "" {
		require.NoError(t, ioutil.WriteFile(file, []byte(contents), 0644))
	}
	prev := ConfigFile()
	SetConfigFile(file)
	t.Cleanup(func() { SetConfigFile(prev) })
	return file
}

func TestLoadConfig_JSON(t *testing.T) {
	ass := assert.New(t)
	withConfigFile(t, "config.json", `{
		"connection": {"type": "mock"},
		"servos": [
			{"name": "servo", "pin": 22},
			{"name": "pan", "pin": 18, "topic": "/pan", "startAngle": 90}
		]
	}`)

	c, err := LoadConfig()
	require.NoError(t, err)
	ass.Equal("mock", c.Connection.Name())
	require.Len(t, c.Servos, 2)
	ass.Equal("servo", c.Servos[0].Name())
	ass.Equal(logic.PinID(22), c.Servos[0].Pin())
	ass.Nil(c.Servos[0].StartAngle())
	ass.Equal(logic.PinID(18), c.Servos[1].Pin())
	require.NotNil(t, c.Servos[1].StartAngle())
	ass.Equal(90, *c.Servos[1].StartAngle())
	ass.Equal([]string{DefaultTopic, "/pan"}, c.Topics)
}

func TestLoadConfig_YAML(t *testing.T) {
	ass := assert.New(t)
	withConfigFile(t, "config.yaml", `
connection:
  type: mock
servos:
  - name: tilt
    pin: 13
    topic: /tilt
`)

	c, err := LoadConfig()
	require.NoError(t, err)
	require.Len(t, c.Servos, 1)
	ass.Equal("tilt", c.Servos[0].Name())
	ass.Equal(logic.PinID(13), c.Servos[0].Pin())
	ass.Equal([]string{"/tilt"}, c.Topics)
}

func TestLoadConfig_NoPin(t *testing.T) {
	withConfigFile(t, "config.json", `{"servos": [{"name": "no-pin-servo"}]}`)

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No pin specified for Servo. Cannot proceed")
	var uerr *util.Error
	require.True(t, errors.As(err, &uerr))
	assert.Equal(t, util.ErrorCode(util.EC_NotSpecified), uerr.Code)
}

func TestLoadConfig_Errors(t *testing.T) {
	withConfigFile(t, "missing.json", "")
	_, err := LoadConfig()
	assert.Error(t, err)

	withConfigFile(t, "config.json", `{"servos": [`)
	_, err = LoadConfig()
	assert.Error(t, err)

	withConfigFile(t, "config.json", `{"connection": {"type": "serial"}, "servos": []}`)
	_, err = LoadConfig()
	assert.Error(t, err)
}

func TestConnectionJSON_Env(t *testing.T) {
	defer os.Unsetenv("RPI")

	os.Setenv("RPI", "true")
	conn, err := (&ConnectionJSON{}).ToConnection()
	require.NoError(t, err)
	assert.Equal(t, "rpio", conn.Name())

	os.Setenv("RPI", "")
	conn, err = (&ConnectionJSON{}).ToConnection()
	require.NoError(t, err)
	assert.Equal(t, "mock", conn.Name())
	assert.NoError(t, conn.ServoWrite(1, 2), "fallback mock should accept all writes")
}

func TestWriteConfig(t *testing.T) {
	cases := map[string]string{
		"config.json": `{"connection": {"type": "mock"}, "servos": [{"name": "a", "pin": 4, "startAngle": 10}]}`,
		"config.yml":  "connection: {type: mock}\nservos: [{name: a, pin: 4, startAngle: 10}]\n",
	}
	for name, contents := range cases {
		t.Run(name, func(t *testing.T) {
			ass := assert.New(t)
			withConfigFile(t, name, contents)

			c, err := LoadConfig()
			require.NoError(t, err)
			require.NoError(t, WriteConfig(&c))

			c2, err := LoadConfig()
			require.NoError(t, err)
			require.Len(t, c2.Servos, 1)
			ass.Equal("a", c2.Servos[0].Name())
			ass.Equal(logic.PinID(4), c2.Servos[0].Pin())
			require.NotNil(t, c2.Servos[0].StartAngle())
			ass.Equal(10, *c2.Servos[0].StartAngle())
			ass.Equal([]string{DefaultTopic}, c2.Topics)
			ass.Equal("mock", c2.ConnectionType)
		})
	}
}
