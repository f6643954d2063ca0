package routing

import (
	"fmt"
	"net"
	"strconv"

	"github.com/jfreymuth/pulse/proto"
	"go.uber.org/zap"
)

// DeviceEvent tells the application that the audio server's device set changed
type DeviceEvent struct {
	// SourcesChanged is set when a capture device was added or removed
	SourcesChanged bool

	// ModuleRemoved holds the id of an unloaded module, if any
	ModuleRemoved string
}

// Watcher subscribes to PulseAudio source and module events over the native protocol
type Watcher struct {
	logger *zap.SugaredLogger

	client *proto.Client
	conn   net.Conn

	events chan DeviceEvent
}

func NewWatcher(logger *zap.SugaredLogger) (*Watcher, error) {
	logger = logger.Named("watcher")

	client, conn, err := proto.Connect("")
	if err != nil {
		logger.Warnw("Failed to establish PulseAudio connection", "error", err)
		return nil, fmt.Errorf("establish PulseAudio connection: %w", err)
	}

	request := proto.SetClientName{
		Props: proto.PropList{
			"application.name": proto.PropListString("bonk"),
		},
	}
	reply := proto.SetClientNameReply{}

	if err := client.Request(&request, &reply); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set PulseAudio client name: %w", err)
	}

	w := &Watcher{
		logger: logger,
		client: client,
		conn:   conn,
		events: make(chan DeviceEvent, 8),
	}

	client.Callback = func(msg interface{}) {
		switch msg := msg.(type) {
		case *proto.SubscribeEvent:
			w.handle(msg)
		}
	}

	err = client.Request(&proto.Subscribe{Mask: proto.SubscriptionMaskSource | proto.SubscriptionMaskModule}, nil)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("subscribe to PulseAudio source and module events: %w", err)
	}

	logger.Debug("Created PA watcher instance")

	return w, nil
}

func (w *Watcher) handle(msg *proto.SubscribeEvent) {
	var event DeviceEvent

	switch msg.Event & proto.EventFacilityMask {
	case proto.EventSource:
		if msg.Event.GetType() == proto.EventNew || msg.Event.GetType() == proto.EventRemove {
			event.SourcesChanged = true
		}
	case proto.EventModule:
		if msg.Event.GetType() == proto.EventRemove {
			event.ModuleRemoved = strconv.FormatUint(uint64(msg.Index), 10)
		}
	}

	if event == (DeviceEvent{}) {
		return
	}

	// the callback runs on the protocol reader goroutine and must not block
	select {
	case w.events <- event:
	default:
		w.logger.Debugw("Dropping device event, consumer is behind", "event", event)
	}
}

// Events delivers device changes until Release is called
func (w *Watcher) Events() <-chan DeviceEvent {
	return w.events
}

func (w *Watcher) Release() error {
	if err := w.conn.Close(); err != nil {
		w.logger.Warnw("Failed to close PulseAudio connection", "error", err)
		return fmt.Errorf("close PulseAudio connection: %w", err)
	}

	w.logger.Debug("Released PA watcher instance")

	return nil
}
