package mqtt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"git.amikhalev.com/amikhalev/servod/config"
	"git.amikhalev.com/amikhalev/servod/datamodel"
	"git.amikhalev.com/amikhalev/servod/logic"
	"git.amikhalev.com/amikhalev/servod/util"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const CONNECT_RETRY_TIMEOUT = 10 * time.Second
const MQTT_TIMEOUT = 10 * time.Second

// DefaultPrefix is the topic prefix used when MQTT_BROKER has no path
const DefaultPrefix = "servod"

type responseData map[string]interface{}
type requestHandler func(message mqtt.Message, rData responseData) (err error)

// MQTTApi encapsulates all functionality exposed over MQTT
type MQTTApi struct {
	config    *config.ConfigData
	client    mqtt.Client
	newClient func(opts *mqtt.ClientOptions) mqtt.Client
	prefix    string
	quit      chan struct{}
	stopOnce  sync.Once

	handlers map[string][]logic.AngleHandler
	subMu    sync.Mutex

	logger *logrus.Entry
}

var _ logic.AngleSource = (*MQTTApi)(nil)

// NewMQTTApi creates a new MQTTApi that uses the specified data
func NewMQTTApi(config *config.ConfigData) *MQTTApi {
	return &MQTTApi{
		config:    config,
		newClient: mqtt.NewClient,
		prefix:    DefaultPrefix,
		quit:      make(chan struct{}),
		handlers:  make(map[string][]logic.AngleHandler),
		logger:    util.Logger.WithField("module", "MQTTApi"),
	}
}

// ParseBrokerURL translates broker into a URL paho can connect to, and extracts the topic prefix from its path
func ParseBrokerURL(broker string) (brokerURI *url.URL, prefix string, err error) {
	if broker == "" {
		broker = "tcp://localhost:1883"
	}
	brokerURI, err = url.Parse(broker)
	if err != nil {
		err = fmt.Errorf("error parsing MQTT_BROKER: %v", err)
		return
	}
	if brokerURI.Scheme == "mqtt" { // translate scheme to compatible
		brokerURI.Scheme = "tcp"
	} else if brokerURI.Scheme == "mqtts" {
		brokerURI.Scheme = "ssl"
	} else if brokerURI.Scheme == "" {
		brokerURI.Scheme = "tcp"
	}
	prefix = strings.Trim(brokerURI.Path, "/")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	brokerURI.Path = ""
	return
}

func (a *MQTTApi) createMQTTOpts() (opts *mqtt.ClientOptions, err error) {
	brokerURI, prefix, err := ParseBrokerURL(os.Getenv("MQTT_BROKER"))
	if err != nil {
		return
	}
	a.prefix = prefix
	a.logger.Debugf("broker prefix: '%s'", a.prefix)

	cid := os.Getenv("MQTT_CID")
	if cid == "" {
		cid = "servod-" + uuid.New().String()
	}

	opts = mqtt.NewClientOptions()
	if brokerURI.User != nil {
		username := brokerURI.User.Username()
		opts.SetUsername(username)
		password, _ := brokerURI.User.Password()
		opts.SetPassword(password)
		a.logger.WithFields(logrus.Fields{
			"username": username,
		}).Debug("authenticating to mqtt server")
		brokerURI.User = nil
	}
	opts.AddBroker(brokerURI.String())
	opts.SetClientID(cid)
	opts.SetCleanSession(false)
	opts.SetOrderMatters(true)
	return
}

// Start connects to the MQTT broker and listens to the API topics. Connecting is retried in the
// background until it succeeds or the MQTTApi is stopped
func (a *MQTTApi) Start() (err error) {
	opts, err := a.createMQTTOpts()
	if err != nil {
		return
	}
	opts.SetWill(a.prefix+"/connected", "false", 1, true)
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		a.logger.Info("connected to mqtt broker")
		a.updateConnected(true)
		a.subscribe()
		a.UpdateAll()
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		a.logger.WithError(err).Warn("lost connection to mqtt broker")
	})
	a.client = a.newClient(opts)

	go func() {
		for {
			if token := a.client.Connect(); token.WaitTimeout(MQTT_TIMEOUT) && token.Error() != nil {
				a.logger.WithError(token.Error()).
					Errorf("error connecting to mqtt broker. will retry in %v", CONNECT_RETRY_TIMEOUT)
				select {
				case <-a.quit:
					return
				case <-time.After(CONNECT_RETRY_TIMEOUT):
				}
			} else {
				break
			}
		}
	}()

	return
}

// Stop disconnects from the broker
func (a *MQTTApi) Stop() {
	a.stopOnce.Do(func() { close(a.quit) })
	if a.client != nil && a.client.IsConnected() {
		a.logger.Info("disconnecting from mqtt broker")
		a.updateConnected(false)
		a.client.Disconnect(250)
	} else {
		a.logger.Warn("was never connected to broker")
	}
}

// Client gets the MQTT client used by the MQTTApi
func (a *MQTTApi) Client() mqtt.Client {
	return a.client
}

// Prefix gets the topic prefix of this MQTTApi
func (a *MQTTApi) Prefix() string {
	return a.prefix
}

// Topic returns the full topic for topic, which is relative to the prefix
func (a *MQTTApi) Topic(topic string) string {
	return a.prefix + "/" + strings.TrimPrefix(topic, "/")
}

func (a *MQTTApi) updateConnected(connected bool) (err error) {
	str := strconv.FormatBool(connected)
	token := a.client.Publish(a.prefix+"/connected", 1, true, str)
	if token.WaitTimeout(MQTT_TIMEOUT); token.Error() != nil {
		return token.Error()
	}
	return
}

// UpdateAll updates all mqtt data
func (a *MQTTApi) UpdateAll() (err error) {
	return a.UpdateServos()
}

// UpdateServoData updates the topic for the data of the servo with the specified index
func (a *MQTTApi) UpdateServoData(index int, servo *logic.Servo) (err error) {
	data := datamodel.ServoToJSON(index, servo, a.Topic(a.config.Topics[index]))
	payload, err := json.Marshal(&data)
	if err != nil {
		err = fmt.Errorf("error marshalling servo: %v", err)
		return
	}
	a.client.Publish(fmt.Sprintf("%s/servos/%d", a.prefix, index), 1, true, payload)
	return
}

// UpdateServoState updates the topic for the current state of the servo with the specified index
func (a *MQTTApi) UpdateServoState(index int, servo *logic.Servo) (err error) {
	data := datamodel.ServoStateToJSON(servo.State())
	payload, err := json.Marshal(&data)
	if err != nil {
		err = fmt.Errorf("error marshalling servo state: %v", err)
		return
	}
	a.client.Publish(fmt.Sprintf("%s/servos/%d/state", a.prefix, index), 1, true, payload)
	return
}

// UpdateServos updates the topics for all servos
func (a *MQTTApi) UpdateServos() (err error) {
	servos := a.config.Servos
	a.client.Publish(a.prefix+"/servos", 1, true, []byte(strconv.Itoa(len(servos))))
	for i, servo := range servos {
		err = a.UpdateServoData(i, servo)
		if err != nil {
			return
		}
		err = a.UpdateServoState(i, servo)
		if err != nil {
			return
		}
	}
	return
}

// SubscribeAngle registers handler to be called with every angle published on topic. topic is relative
// to the prefix. The subscription is made now if connected, and again every time the client connects
func (a *MQTTApi) SubscribeAngle(topic string, handler logic.AngleHandler) error {
	topic = strings.TrimPrefix(topic, "/")
	a.subMu.Lock()
	_, subscribed := a.handlers[topic]
	a.handlers[topic] = append(a.handlers[topic], handler)
	a.subMu.Unlock()

	if !subscribed && a.client != nil && a.client.IsConnected() {
		return a.subscribeAngle(topic)
	}
	return nil
}

func (a *MQTTApi) subscribeAngle(topic string) error {
	fullTopic := a.Topic(topic)
	a.logger.WithField("topic", fullTopic).Debug("subscribing to angle topic")
	token := a.client.Subscribe(fullTopic, 1, func(client mqtt.Client, message mqtt.Message) {
		a.handleAngle(topic, message)
	})
	if token.WaitTimeout(MQTT_TIMEOUT) && token.Error() != nil {
		return fmt.Errorf("error subscribing to %s: %v", fullTopic, token.Error())
	}
	return nil
}

func (a *MQTTApi) handleAngle(topic string, message mqtt.Message) {
	log := a.logger.WithField("topic", message.Topic())
	angle, err := ParseAngle(message.Payload())
	if err != nil {
		log.WithError(err).Warn("invalid angle message")
		return
	}
	a.subMu.Lock()
	handlers := append([]logic.AngleHandler(nil), a.handlers[topic]...)
	a.subMu.Unlock()
	for _, handler := range handlers {
		handler(angle)
	}
}

// ParseAngle parses the payload of an angle message. This is either a bare integer, or
// the JSON form of a std_msgs/Int32 ({"data": 45})
func ParseAngle(payload []byte) (angle int, err error) {
	trimmed := bytes.TrimSpace(payload)
	if n, perr := strconv.ParseInt(string(trimmed), 10, 32); perr == nil {
		return int(n), nil
	}
	var data struct {
		Data *int32 `json:"data"`
	}
	err = json.Unmarshal(trimmed, &data)
	if err != nil {
		err = util.NewParseError("angle message", err)
		return
	}
	if data.Data == nil {
		err = util.NewNotSpecifiedError("data")
		return
	}
	angle = int(*data.Data)
	return
}

func (a *MQTTApi) subscribe() {
	reqPath := a.prefix + "/requests"
	resPath := a.prefix + "/responses"
	a.logger.WithField("path", reqPath).Debug("registering request handler")
	a.client.Subscribe(reqPath, 2, func(client mqtt.Client, message mqtt.Message) {
		rData := a.processRequest(message)
		resBytes, err := json.Marshal(&rData)
		if err != nil {
			a.logger.WithError(err).Error("error marshaling response")
			return
		}
		client.Publish(resPath, 2, false, resBytes)
	})

	a.subMu.Lock()
	topics := make([]string, 0, len(a.handlers))
	for topic := range a.handlers {
		topics = append(topics, topic)
	}
	a.subMu.Unlock()
	for _, topic := range topics {
		if err := a.subscribeAngle(topic); err != nil {
			a.logger.WithError(err).Error("error subscribing to angle topic")
		}
	}
}

func (a *MQTTApi) processRequest(message mqtt.Message) (rData responseData) {
	var (
		data struct {
			Rid  int    `json:"rid"`
			Type string `json:"type"`
		}
		err error
	)
	rData = make(responseData)

	defer func() {
		var (
			merr *util.Error
			ok   bool
		)
		if err != nil {
			if merr, ok = err.(*util.Error); !ok {
				merr = util.NewInternalError(err)
			}
		}
		if merr != nil {
			a.logger.WithError(merr).Info("error processing request")
			rData["result"] = "error"
			rData["code"] = merr.Code
			rData["message"] = merr.Error()
			if merr.Name != "" {
				rData["name"] = merr.Name
			}
			if merr.Cause != nil {
				rData["cause"] = merr.Cause.Error()
				if e, ok := merr.Cause.(*json.SyntaxError); ok {
					rData["offset"] = e.Offset
				}
			}
		} else {
			rData["result"] = "success"
		}
	}()

	err = json.Unmarshal(message.Payload(), &data)
	if err != nil {
		err = util.NewParseError("api request", err)
		return
	}

	rData["rid"] = data.Rid
	rData["type"] = data.Type

	var handler requestHandler
	switch data.Type {
	case "setAngle":
		handler = a.setAngle
	case "startServo":
		handler = a.startServo
	case "haltServo":
		handler = a.haltServo
	}

	if handler != nil {
		err = handler(message, rData)
	} else {
		err = util.NewError(util.EC_NotImplemented, fmt.Sprintf("invalid api request type: %s", data.Type))
	}
	return
}

func (a *MQTTApi) getServo(servoID *int) (servo *logic.Servo, err error) {
	err = util.CheckRange(servoID, "servo ID", len(a.config.Servos))
	if err != nil {
		return
	}
	servo = a.config.Servos[*servoID]
	return
}

func (a *MQTTApi) setAngle(message mqtt.Message, rData responseData) (err error) {
	var data struct {
		ServoID *int
		Angle   *int
	}
	err = json.Unmarshal(message.Payload(), &data)
	if err != nil {
		err = util.NewParseError("setAngle request", err)
		return
	}
	servo, err := a.getServo(data.ServoID)
	if err != nil {
		return
	}
	if data.Angle == nil {
		err = util.NewNotSpecifiedError("angle")
		return
	}
	err = servo.SetAngle(*data.Angle)
	if err != nil {
		return
	}
	rData["message"] = fmt.Sprintf("set angle of servo '%s' to %d", servo.Name(), *data.Angle)
	return
}

func (a *MQTTApi) startServo(message mqtt.Message, rData responseData) (err error) {
	var data struct {
		ServoID *int
	}
	err = json.Unmarshal(message.Payload(), &data)
	if err != nil {
		err = util.NewParseError("startServo request", err)
		return
	}
	servo, err := a.getServo(data.ServoID)
	if err != nil {
		return
	}
	err = <-servo.Start()
	if err != nil {
		return
	}
	rData["message"] = fmt.Sprintf("started servo '%s'", servo.Name())
	return
}

func (a *MQTTApi) haltServo(message mqtt.Message, rData responseData) (err error) {
	var data struct {
		ServoID *int
	}
	err = json.Unmarshal(message.Payload(), &data)
	if err != nil {
		err = util.NewParseError("haltServo request", err)
		return
	}
	servo, err := a.getServo(data.ServoID)
	if err != nil {
		return
	}
	err = <-servo.Halt()
	if err != nil {
		return
	}
	rData["message"] = fmt.Sprintf("halted servo '%s'", servo.Name())
	return
}
