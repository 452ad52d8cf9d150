// Package mqtt feeds GPS events published by on-board units into the same
// validation and batching path as the HTTP webhook.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
	"github.com/ukydev/transit-ingestion/internal/ingest"
	"github.com/ukydev/transit-ingestion/internal/models"
	"github.com/ukydev/transit-ingestion/internal/validation"
)

// Adder accepts validated events.
type Adder interface {
	Add(ctx context.Context, e models.GPSEvent) (ingest.Result, error)
}

// Options configures the broker connection.
type Options struct {
	BrokerURL string
	ClientID  string
	Topic     string
	QoS       byte
}

// Subscriber consumes fleet/<fleet_number>/gps messages.
type Subscriber struct {
	opts      Options
	validator *validation.Validator
	acc       Adder
	client    paho.Client
}

// NewSubscriber returns a Subscriber that is not yet connected.
func NewSubscriber(opts Options, v *validation.Validator, acc Adder) *Subscriber {
	return &Subscriber{opts: opts, validator: v, acc: acc}
}

// Start connects to the broker and subscribes. The subscription is renewed on
// every reconnect.
func (s *Subscriber) Start(ctx context.Context) error {
	s.client = paho.NewClient(s.clientOptions(ctx))
	token := s.client.Connect()
	if !token.WaitTimeout(15 * time.Second) {
		return errors.New("mqtt connect timed out")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

// clientOptions builds the paho configuration. Handlers run on their own
// goroutines so a flush for one fleet never holds up messages for another;
// the accumulator serializes events of the same fleet.
func (s *Subscriber) clientOptions(ctx context.Context) *paho.ClientOptions {
	return paho.NewClientOptions().
		AddBroker(s.opts.BrokerURL).
		SetClientID(s.opts.ClientID).
		SetAutoReconnect(true).
		SetOrderMatters(false).
		SetConnectTimeout(10 * time.Second).
		SetOnConnectHandler(func(c paho.Client) {
			token := c.Subscribe(s.opts.Topic, s.opts.QoS, func(_ paho.Client, m paho.Message) {
				s.HandleMessage(ctx, m.Topic(), m.Payload())
			})
			if token.WaitTimeout(10*time.Second) && token.Error() != nil {
				log.WithError(token.Error()).WithField("topic", s.opts.Topic).Error("mqtt subscribe failed")
				return
			}
			log.WithField("topic", s.opts.Topic).Info("mqtt subscribed")
		}).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			log.WithError(err).Warn("mqtt connection lost")
		})
}

// Stop disconnects, waiting briefly for in-flight handlers.
func (s *Subscriber) Stop() {
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(250)
	}
}

// HandleMessage validates one payload and adds it to the accumulator. There
// is no reply channel, so every failure is logged and the message dropped.
// A fleet number in the topic must match the payload's.
func (s *Subscriber) HandleMessage(ctx context.Context, topic string, payload []byte) {
	entry := log.WithField("topic", topic)

	e, err := s.validator.GPSEvent(payload)
	if err != nil {
		entry.WithError(err).Warn("dropping invalid gps message")
		return
	}
	if fleet := FleetFromTopic(topic); fleet != "" && fleet != e.FleetNumber {
		entry.WithFields(log.Fields{
			"topic_fleet":   fleet,
			"payload_fleet": e.FleetNumber,
		}).Warn("dropping gps message with mismatched fleet number")
		return
	}

	res, err := s.acc.Add(ctx, e)
	if err != nil {
		entry.WithError(err).WithField("fleet_number", e.FleetNumber).Error("gps message batched but flush failed")
		return
	}
	entry.WithFields(log.Fields{
		"fleet_number": res.Key,
		"status":       res.Status,
		"count":        res.Count,
	}).Debug("gps message accepted")
}

// FleetFromTopic extracts the fleet number from fleet/<fleet_number>/gps, or
// returns "" for any other shape.
func FleetFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "fleet" || parts[2] != "gps" {
		return ""
	}
	return parts[1]
}
