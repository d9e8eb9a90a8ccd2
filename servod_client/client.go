package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"git.amikhalev.com/amikhalev/servod/datamodel"
	servomqtt "git.amikhalev.com/amikhalev/servod/mqtt"
	"git.amikhalev.com/amikhalev/servod/util"
	"github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	brokerURL string
	clientID  string
	timeout   time.Duration
)

var errTimeout = errors.New("the operation timed out")

// ServoClient talks to a servod server through the broker
type ServoClient struct {
	mqttClient mqtt.Client
	prefix     string

	chanConnected chan bool
	chanNumServos chan int
	chanServos    chan datamodel.ServoJSON
	chanResponses chan map[string]interface{}

	ridMu sync.Mutex
	rid   int
}

func NewServoClient(mqttClient mqtt.Client, prefix string) *ServoClient {
	return &ServoClient{
		mqttClient: mqttClient,
		prefix:     prefix,

		chanConnected: make(chan bool, 1),
		chanNumServos: make(chan int, 1),
		chanServos:    make(chan datamodel.ServoJSON, 16),
		chanResponses: make(chan map[string]interface{}, 16),
	}
}

func (c *ServoClient) Connect() error {
	if token := c.mqttClient.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	c.subscribe()
	return nil
}

func (c *ServoClient) Disconnect() {
	c.mqttClient.Disconnect(250)
}

func (c *ServoClient) subscribe() {
	c.mqttClient.Subscribe(c.prefix+"/connected", 1, c.handleConnected)
	c.mqttClient.Subscribe(c.prefix+"/servos", 1, c.handleNumServos)
	c.mqttClient.Subscribe(c.prefix+"/servos/+", 1, c.handleServos)
	c.mqttClient.Subscribe(c.prefix+"/responses", 2, c.handleResponse)
}

func (c *ServoClient) handleConnected(mqttC mqtt.Client, message mqtt.Message) {
	connected, err := strconv.ParseBool(string(message.Payload()))
	select {
	case c.chanConnected <- err == nil && connected:
	default:
	}
}

func (c *ServoClient) handleNumServos(mqttC mqtt.Client, message mqtt.Message) {
	i, err := strconv.Atoi(string(message.Payload()))
	if err != nil {
		log.Errorf("invalid number received: %v", err)
		return
	}
	select {
	case c.chanNumServos <- i:
	default:
	}
}

func (c *ServoClient) handleServos(mqttC mqtt.Client, message mqtt.Message) {
	var servo datamodel.ServoJSON
	if err := json.Unmarshal(message.Payload(), &servo); err != nil {
		log.WithError(err).WithField("topic", message.Topic()).Error("error in received servo")
		return
	}
	c.chanServos <- servo
}

func (c *ServoClient) handleResponse(mqttC mqtt.Client, message mqtt.Message) {
	var res map[string]interface{}
	if err := json.Unmarshal(message.Payload(), &res); err != nil {
		log.WithError(err).Error("invalid response received")
		return
	}
	c.chanResponses <- res
}

// IsConnected reports whether a server is connected at the prefix
func (c *ServoClient) IsConnected() bool {
	select {
	case connected := <-c.chanConnected:
		return connected
	case <-time.After(timeout):
		return false
	}
}

// GetServos returns the servos published by the server
func (c *ServoClient) GetServos() ([]datamodel.ServoJSON, error) {
	timeoutChan := time.After(timeout)
	var numServos int
	select {
	case numServos = <-c.chanNumServos:
	case <-timeoutChan:
		return nil, errTimeout
	}
	servos := make([]datamodel.ServoJSON, numServos)
	received := make(map[int]bool)
	for len(received) < numServos {
		select {
		case servo := <-c.chanServos:
			if servo.ID < 0 || servo.ID >= numServos {
				continue
			}
			servos[servo.ID] = servo
			received[servo.ID] = true
		case <-timeoutChan:
			return nil, errTimeout
		}
	}
	return servos, nil
}

// Request sends an api request and waits for its response
func (c *ServoClient) Request(reqType string, fields map[string]interface{}) (map[string]interface{}, error) {
	c.ridMu.Lock()
	c.rid++
	rid := c.rid
	c.ridMu.Unlock()

	req := map[string]interface{}{"rid": rid, "type": reqType}
	for k, v := range fields {
		req[k] = v
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	token := c.mqttClient.Publish(c.prefix+"/requests", 2, false, payload)
	if token.WaitTimeout(timeout) && token.Error() != nil {
		return nil, token.Error()
	}

	timeoutChan := time.After(timeout)
	for {
		select {
		case res := <-c.chanResponses:
			if r, ok := res["rid"].(float64); ok && int(r) == rid {
				return res, nil
			}
		case <-timeoutChan:
			return nil, errTimeout
		}
	}
}

// PublishAngle publishes angle to topic, which is relative to the prefix
func (c *ServoClient) PublishAngle(topic string, angle int) error {
	payload, err := json.Marshal(map[string]int{"data": angle})
	if err != nil {
		return err
	}
	fullTopic := c.prefix + "/" + strings.TrimLeft(topic, "/")
	token := c.mqttClient.Publish(fullTopic, 1, false, payload)
	if token.WaitTimeout(timeout) && token.Error() != nil {
		return token.Error()
	}
	log.WithFields(log.Fields{"topic": fullTopic, "angle": angle}).Info("published angle")
	return nil
}

func connect() (*ServoClient, error) {
	brokerURI, prefix, err := servomqtt.ParseBrokerURL(brokerURL)
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"broker": brokerURI, "prefix": prefix}).Debug("connecting to MQTT broker")

	opts := mqtt.NewClientOptions()
	if brokerURI.User != nil {
		opts.SetUsername(brokerURI.User.Username())
		password, _ := brokerURI.User.Password()
		opts.SetPassword(password)
		brokerURI.User = nil
	}
	opts.AddBroker(brokerURI.String())
	opts.SetClientID(clientID)
	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		log.WithError(err).Info("disconnected from MQTT broker")
	})

	client := NewServoClient(mqtt.NewClient(opts), prefix)
	if err = client.Connect(); err != nil {
		return nil, fmt.Errorf("error connecting to mqtt broker: %v", err)
	}
	return client, nil
}

func checkResponse(res map[string]interface{}) error {
	if res["result"] != "success" {
		return fmt.Errorf("server error (code %v): %v", res["code"], res["message"])
	}
	log.Info(res["message"])
	return nil
}

var rootCmd = &cobra.Command{
	Use:   "servod_client",
	Short: "Control a servod server over MQTT",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		util.InitLogLevel()
		log.SetLevel(util.Logger.Level)
	},
	SilenceUsage: true,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether a server is connected, and its servos",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := connect()
		if err != nil {
			return err
		}
		defer client.Disconnect()

		entry := log.WithField("prefix", client.prefix)
		if !client.IsConnected() {
			return fmt.Errorf("no servod server connected at prefix %s", client.prefix)
		}
		entry.Info("servod server is connected to broker")

		servos, err := client.GetServos()
		if err != nil {
			return fmt.Errorf("failed to retrieve servos: %v", err)
		}
		for _, servo := range servos {
			fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\tpin %d\t%s\n", servo.ID, servo.Name, servo.Pin, servo.Topic)
		}
		return nil
	},
}

func parseInts(args []string) ([]int, error) {
	ints := make([]int, len(args))
	for i, arg := range args {
		n, err := strconv.Atoi(arg)
		if err != nil {
			return nil, fmt.Errorf("invalid number '%s'", arg)
		}
		ints[i] = n
	}
	return ints, nil
}

func servoRequestCmd(use, short, reqType string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <servoId>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseInts(args)
			if err != nil {
				return err
			}
			client, err := connect()
			if err != nil {
				return err
			}
			defer client.Disconnect()
			res, err := client.Request(reqType, map[string]interface{}{"servoId": ids[0]})
			if err != nil {
				return err
			}
			return checkResponse(res)
		},
	}
}

var angleCmd = &cobra.Command{
	Use:   "angle <servoId> <angle>",
	Short: "Set the angle of a servo through the request api",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ints, err := parseInts(args)
		if err != nil {
			return err
		}
		client, err := connect()
		if err != nil {
			return err
		}
		defer client.Disconnect()
		res, err := client.Request("setAngle", map[string]interface{}{"servoId": ints[0], "angle": ints[1]})
		if err != nil {
			return err
		}
		return checkResponse(res)
	},
}

var publishCmd = &cobra.Command{
	Use:   "publish <topic> <angle>",
	Short: "Publish an angle command on a topic",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ints, err := parseInts(args[1:])
		if err != nil {
			return err
		}
		client, err := connect()
		if err != nil {
			return err
		}
		defer client.Disconnect()
		return client.PublishAngle(args[0], ints[0])
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&brokerURL, "broker", "b", os.Getenv("MQTT_BROKER"),
		"The MQTT broker URL. Its path is the topic prefix of the server")
	rootCmd.PersistentFlags().StringVar(&clientID, "cid", "servod_client-"+uuid.New().String(),
		"The MQTT client ID to connect with")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 500*time.Millisecond,
		"How long to wait for the server")

	rootCmd.AddCommand(statusCmd, angleCmd, publishCmd,
		servoRequestCmd("start", "Start a servo", "startServo"),
		servoRequestCmd("halt", "Halt a servo", "haltServo"),
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
