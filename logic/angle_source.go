package logic

import (
	"sync"

	"git.amikhalev.com/amikhalev/servod/util"
	"github.com/sirupsen/logrus"
)

// AngleHandler is called with every angle received on a topic
type AngleHandler func(angle int)

// AngleSource is implemented by anything which can deliver angle commands published on a topic
type AngleSource interface {
	SubscribeAngle(topic string, handler AngleHandler) error
}

type angleMessage struct {
	topic string
	angle int
}

// LocalAngleSourceQueueSize is the number of published angles that can be waiting for delivery
const LocalAngleSourceQueueSize = 16

// LocalAngleSource is an in process AngleSource. Published angles are delivered by a single
// goroutine, one at a time and in the order they were published
type LocalAngleSource struct {
	handlers map[string][]AngleHandler
	messages chan angleMessage
	quit     chan struct{}
	stopped  chan struct{}
	closed   util.AtomicBool
	log      *logrus.Entry
	sync.Mutex
}

var _ AngleSource = (*LocalAngleSource)(nil)

// NewLocalAngleSource creates a LocalAngleSource and starts delivering messages
func NewLocalAngleSource() *LocalAngleSource {
	src := &LocalAngleSource{
		handlers: make(map[string][]AngleHandler),
		messages: make(chan angleMessage, LocalAngleSourceQueueSize),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
		closed:   util.NewAtomicBool(false),
		log:      util.Logger.WithField("module", "LocalAngleSource"),
	}
	go src.run()
	return src
}

func (src *LocalAngleSource) run() {
	defer close(src.stopped)
	for {
		select {
		case <-src.quit:
			return
		case msg := <-src.messages:
			src.Lock()
			handlers := append([]AngleHandler(nil), src.handlers[msg.topic]...)
			src.Unlock()
			if len(handlers) == 0 {
				src.log.WithField("topic", msg.topic).Debug("no handlers for topic")
			}
			for _, handler := range handlers {
				handler(msg.angle)
			}
		}
	}
}

// SubscribeAngle registers handler for topic
func (src *LocalAngleSource) SubscribeAngle(topic string, handler AngleHandler) error {
	if src.closed.Load() {
		return util.NewNotRunningError("local angle source")
	}
	src.Lock()
	defer src.Unlock()
	src.handlers[topic] = append(src.handlers[topic], handler)
	return nil
}

// Publish queues angle for delivery to the handlers of topic
func (src *LocalAngleSource) Publish(topic string, angle int) error {
	if src.closed.Load() {
		return util.NewNotRunningError("local angle source")
	}
	select {
	case src.messages <- angleMessage{topic, angle}:
		return nil
	case <-src.quit:
		return util.NewNotRunningError("local angle source")
	}
}

// Close stops delivering messages. Angles still queued are dropped. It must not be called from a handler
func (src *LocalAngleSource) Close() {
	if src.closed.StoreIf(false, true) {
		close(src.quit)
		<-src.stopped
	}
}
