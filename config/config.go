package config

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"git.amikhalev.com/amikhalev/servod/logic"
	"git.amikhalev.com/amikhalev/servod/util"
	"gopkg.in/yaml.v3"
)

// DefaultTopic is the topic a servo listens for angles on if none is configured
const DefaultTopic = "/angle_servo"

// ConfigData is the app state after being read from config
type ConfigData struct {
	ConnectionType string
	Connection     logic.Connection
	Servos         []*logic.Servo
	// Topics holds the angle topic of each servo in Servos
	Topics []string
}

// ToJSON converts a ConfigData to a ConfigDataJSON
func (c *ConfigData) ToJSON() (j ConfigDataJSON) {
	j = ConfigDataJSON{}
	j.Connection = ConnectionJSON{Type: c.ConnectionType}
	j.Servos = make([]ServoConfigJSON, len(c.Servos))
	for i, servo := range c.Servos {
		pin := servo.Pin()
		j.Servos[i] = ServoConfigJSON{
			Name:       servo.Name(),
			Pin:        &pin,
			Topic:      c.Topics[i],
			StartAngle: servo.StartAngle(),
		}
	}
	return
}

// ConnectionJSON is the JSON form of the connection config
type ConnectionJSON struct {
	// Type is either "rpio" or "mock". If it is empty, rpio is used if the RPI env var is "true"
	Type string `json:"type,omitempty" yaml:"type,omitempty"`
}

// ToConnection creates the connection described by the config
func (cj *ConnectionJSON) ToConnection() (conn logic.Connection, err error) {
	connType := cj.Type
	if connType == "" {
		if os.Getenv("RPI") == "true" {
			connType = "rpio"
		} else {
			connType = "mock"
		}
	}
	switch connType {
	case "rpio":
		conn = logic.NewRpioConnection()
	case "mock":
		mockConn := logic.NewMockConnection()
		mockConn.SetupAllReturns()
		conn = mockConn
	default:
		err = util.NewInvalidDataError("connection", fmt.Errorf("unknown connection type '%s'", cj.Type))
	}
	return
}

// ServoConfigJSON is the JSON form of the config of one servo
type ServoConfigJSON struct {
	Name       string       `json:"name" yaml:"name"`
	Pin        *logic.PinID `json:"pin" yaml:"pin"`
	Topic      string       `json:"topic,omitempty" yaml:"topic,omitempty"`
	StartAngle *int         `json:"startAngle,omitempty" yaml:"startAngle,omitempty"`
}

// ConfigDataJSON is the JSON form of config data
type ConfigDataJSON struct {
	Connection ConnectionJSON    `json:"connection" yaml:"connection"`
	Servos     []ServoConfigJSON `json:"servos" yaml:"servos"`
}

// ToConfigData converts a ConfigDataJSON to a ConfigData
func (j *ConfigDataJSON) ToConfigData() (c ConfigData, err error) {
	c = ConfigData{}
	c.ConnectionType = j.Connection.Type
	c.Connection, err = j.Connection.ToConnection()
	if err != nil {
		return
	}
	for i, sj := range j.Servos {
		var servo *logic.Servo
		servo, err = logic.NewServo(logic.ServoConfig{
			Name:       sj.Name,
			Pin:        sj.Pin,
			Connection: c.Connection,
			StartAngle: sj.StartAngle,
		})
		if err != nil {
			err = fmt.Errorf("invalid servo %d ('%s'): %w", i, sj.Name, err)
			return
		}
		topic := sj.Topic
		if topic == "" {
			topic = DefaultTopic
		}
		c.Servos = append(c.Servos, servo)
		c.Topics = append(c.Topics, topic)
	}
	return
}

func isYAML(file string) bool {
	ext := strings.ToLower(filepath.Ext(file))
	return ext == ".yaml" || ext == ".yml"
}

func findConfigFile() (configFile string) {
	configFile = os.Getenv("CONFIG")
	if configFile == "" {
		dir, _ := os.Getwd()
		configFile = dir + "/config.json"
	}
	return
}

var log = util.Logger.WithField("module", "config")
var configFile = findConfigFile()
var configMutex = &sync.Mutex{}

// ConfigFile returns the path config is loaded from and written to
func ConfigFile() string {
	configMutex.Lock()
	defer configMutex.Unlock()
	return configFile
}

// SetConfigFile sets the path config is loaded from and written to
func SetConfigFile(file string) {
	configMutex.Lock()
	defer configMutex.Unlock()
	configFile = file
}

// LoadConfig loads a ConfigData from the config file
func LoadConfig() (config ConfigData, err error) {
	configMutex.Lock()
	defer configMutex.Unlock()

	var j ConfigDataJSON

	log.Debugf("loading config from %v", configFile)
	file, err := ioutil.ReadFile(configFile)
	if err != nil {
		err = fmt.Errorf("could not read config file: %v", err)
		return
	}
	if isYAML(configFile) {
		err = yaml.Unmarshal(file, &j)
	} else {
		err = json.Unmarshal(file, &j)
	}
	if err != nil {
		err = fmt.Errorf("could not parse config file: %v", err)
		return
	}

	config, err = j.ToConfigData()
	return
}

// WriteConfig writes a ConfigData to the config file
func WriteConfig(configData *ConfigData) (err error) {
	configMutex.Lock()
	defer configMutex.Unlock()

	log.Debugf("writing config to %v", configFile)
	data := configData.ToJSON()

	var bytes []byte
	if isYAML(configFile) {
		bytes, err = yaml.Marshal(&data)
	} else {
		bytes, err = json.MarshalIndent(&data, "", "  ")
	}
	if err != nil {
		err = fmt.Errorf("could not serialize config: %v", err)
		return
	}

	err = ioutil.WriteFile(configFile, bytes, 0644)
	if err != nil {
		err = fmt.Errorf("could not write config file: %v", err)
		return
	}
	return
}
