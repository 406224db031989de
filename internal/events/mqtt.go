package events

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/snarg/scribe-engine/internal/metrics"
	"github.com/snarg/scribe-engine/internal/transcribe"
)

// MQTTPublisher publishes status events as JSON to <prefix>/<recording_id>.
type MQTTPublisher struct {
	conn      mqtt.Client
	prefix    string
	qos       byte
	connected atomic.Bool
	log       zerolog.Logger
}

type MQTTOptions struct {
	BrokerURL   string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	Log         zerolog.Logger
}

// ConnectMQTT connects to the broker. Reconnects are handled by the client;
// events published while disconnected are dropped.
func ConnectMQTT(opts MQTTOptions) (*MQTTPublisher, error) {
	p := &MQTTPublisher{
		prefix: strings.TrimRight(opts.TopicPrefix, "/"),
		qos:    1,
		log:    opts.Log.With().Str("component", "events").Logger(),
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false).
		SetOnConnectHandler(p.onConnect).
		SetConnectionLostHandler(p.onConnectionLost)

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}

	p.conn = mqtt.NewClient(clientOpts)
	token := p.conn.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *MQTTPublisher) onConnect(_ mqtt.Client) {
	p.connected.Store(true)
	p.log.Info().Str("prefix", p.prefix).Msg("mqtt connected")
}

func (p *MQTTPublisher) onConnectionLost(_ mqtt.Client, err error) {
	p.connected.Store(false)
	p.log.Warn().Err(err).Msg("mqtt connection lost, will auto-reconnect")
}

// Topic returns the topic a recording's events are published on.
func (p *MQTTPublisher) Topic(recordingID int64) string {
	return p.prefix + "/" + strconv.FormatInt(recordingID, 10)
}

// Publish sends ev without waiting for the broker's acknowledgement.
func (p *MQTTPublisher) Publish(ev transcribe.StatusEvent) {
	if !p.connected.Load() {
		p.log.Debug().Int64("recording_id", ev.RecordingID).Msg("mqtt disconnected, dropping event")
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	topic := p.Topic(ev.RecordingID)
	token := p.conn.Publish(topic, p.qos, false, payload)
	go func() {
		if !token.WaitTimeout(10 * time.Second) {
			p.log.Warn().Str("topic", topic).Msg("mqtt publish not acknowledged")
			return
		}
		if err := token.Error(); err != nil {
			p.log.Warn().Err(err).Str("topic", topic).Msg("mqtt publish failed")
			return
		}
		metrics.EventsPublishedTotal.WithLabelValues("mqtt").Inc()
	}()
}

func (p *MQTTPublisher) IsConnected() bool {
	return p.connected.Load()
}

func (p *MQTTPublisher) Close() {
	p.log.Info().Msg("disconnecting mqtt client")
	p.conn.Disconnect(1000)
}
