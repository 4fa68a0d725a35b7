// Package broker carries ingestion messages over AMQP 0-9-1.
//
// Each worker owns one connection and one channel. Messages are consumed
// one at a time (prefetch 1) and acknowledged only after the handler and
// the follow-up publish both succeeded, so a crashed worker never loses
// a message, only redelivers it. Publishing runs in confirm mode; an
// unconfirmed publish is surfaced as an error before the ack.
package broker

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

// Handler processes one delivery body and returns the reply to publish.
// A nil reply with a nil error acknowledges the message without
// publishing anything.
type Handler func(ctx context.Context, body []byte) (reply []byte, err error)

// Conf holds the connection and routing settings for one worker.
type Conf struct {
	// Host is the broker hostname or address.
	Host string `mapstructure:"host" validate:"required"`

	// Port is the AMQP port. Defaults to 5672, or 5671 when SSL is on.
	Port int `mapstructure:"port" validate:"required,gt=0,lte=65535"`

	// User and Password authenticate against the broker.
	User     string `mapstructure:"user" validate:"required"`
	Password string `mapstructure:"password" validate:"required"`

	// Vhost is the virtual host to connect to. Defaults to "/".
	Vhost string `mapstructure:"vhost"`

	// Queue is the queue this worker consumes from.
	Queue string `mapstructure:"queue" validate:"required"`

	// Exchange is the local exchange replies are published to. Empty
	// selects the broker's default exchange.
	Exchange string `mapstructure:"exchange"`

	// RoutingKey is where successful replies go.
	RoutingKey string `mapstructure:"routing_key"`

	// RoutingError is where malformed inbound messages are reported.
	RoutingError string `mapstructure:"routing_error"`

	// SSL switches the connection to amqps.
	SSL bool `mapstructure:"ssl"`

	// VerifyPeer enables server certificate verification and, when a
	// client pair is configured, mutual TLS.
	VerifyPeer bool   `mapstructure:"verify_peer"`
	CACert     string `mapstructure:"cacert"`
	ClientCert string `mapstructure:"client_cert"`
	ClientKey  string `mapstructure:"client_key"`

	// ServerName overrides the hostname used for certificate checks.
	ServerName string `mapstructure:"server_name"`

	// PrefetchCount bounds unacknowledged deliveries per worker.
	PrefetchCount int `mapstructure:"prefetch_count" validate:"gte=0"`
}

// ApplyDefaults fills in zero values with sane defaults.
func (c *Conf) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = 5672
		if c.SSL {
			c.Port = 5671
		}
	}

	if c.Vhost == "" {
		c.Vhost = "/"
	}

	if c.RoutingError == "" {
		c.RoutingError = "error"
	}

	if c.PrefetchCount == 0 {
		c.PrefetchCount = 1
	}
}

// Validate checks that the configuration is complete enough to dial.
func (c *Conf) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("broker host is required")
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("broker port %d is out of range", c.Port)
	}

	if c.User == "" || c.Password == "" {
		return fmt.Errorf("broker credentials are required")
	}

	if c.Queue == "" {
		return fmt.Errorf("broker queue is required")
	}

	return nil
}

// uri renders the connection string, credentials escaped.
func (c *Conf) uri() string {
	scheme := "amqp"
	if c.SSL {
		scheme = "amqps"
	}

	u := amqp.URI{
		Scheme:   scheme,
		Host:     c.Host,
		Port:     c.Port,
		Username: c.User,
		Password: c.Password,
		Vhost:    c.Vhost,
	}

	return u.String()
}

// MQ is a live broker session: one connection, one channel, publisher
// confirms enabled.
type MQ struct {
	Connection *amqp.Connection
	Channel    *amqp.Channel

	conf     Conf
	confirms <-chan amqp.Confirmation
}

// NewMQ dials the broker and sets the channel up for confirmed
// publishing and bounded consumption.
func NewMQ(c Conf) (*MQ, error) {
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}

	var (
		conn *amqp.Connection
		err  error
	)

	if c.SSL {
		tlsConf, tlsErr := tlsConfigFor(c)
		if tlsErr != nil {
			return nil, tlsErr
		}
		conn, err = amqp.DialTLS(c.uri(), tlsConf)
	} else {
		conn, err = amqp.Dial(c.uri())
	}
	if err != nil {
		return nil, fmt.Errorf("dialing broker %s:%d: %w", c.Host, c.Port, err)
	}

	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("opening broker channel: %w", err)
	}

	if err := channel.Qos(c.PrefetchCount, 0, false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("setting channel qos: %w", err)
	}

	if err := channel.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("enabling publisher confirms: %w", err)
	}

	mq := &MQ{
		Connection: conn,
		Channel:    channel,
		conf:       c,
		confirms:   channel.NotifyPublish(make(chan amqp.Confirmation, 1)),
	}

	log.WithFields(log.Fields{
		"host":  c.Host,
		"port":  c.Port,
		"vhost": c.Vhost,
		"queue": c.Queue,
	}).Info("connected to message broker")

	return mq, nil
}

// SendMessage publishes a persistent JSON message and waits for the
// broker confirmation. An empty corrID gets a fresh UUID.
func (mq *MQ) SendMessage(corrID, exchange, routingKey string, body []byte) error {
	if corrID == "" {
		corrID = uuid.New().String()
	}

	err := mq.Channel.Publish(exchange, routingKey, false, false, amqp.Publishing{
		ContentEncoding: "UTF-8",
		ContentType:     "application/json",
		DeliveryMode:    amqp.Persistent,
		CorrelationId:   corrID,
		Timestamp:       time.Now(),
		Body:            body,
	})
	if err != nil {
		return fmt.Errorf("publishing to %q with key %q: %w", exchange, routingKey, err)
	}

	confirmed := <-mq.confirms
	if !confirmed.Ack {
		return fmt.Errorf("publish to %q with key %q not confirmed (delivery tag %d)",
			exchange, routingKey, confirmed.DeliveryTag)
	}

	log.WithFields(log.Fields{
		"exchange":       exchange,
		"routing_key":    routingKey,
		"correlation_id": corrID,
	}).Debug("message published")

	return nil
}

// SendToErrorQueue forwards a message that cannot be processed to the
// configured error routing key, so operators can inspect it instead of
// losing it with the reject.
func (mq *MQ) SendToErrorQueue(corrID string, body []byte) error {
	return mq.SendMessage(corrID, mq.conf.Exchange, mq.conf.RoutingError, body)
}

// Consume reads deliveries from queue and runs handler on each, one at
// a time. On handler success a non-empty reply is published to the
// configured exchange under routingKey before the ack; an empty
// routingKey acknowledges without publishing. On handler error the
// delivery is rejected without requeue. Consume blocks until ctx is
// cancelled or the delivery channel closes.
func (mq *MQ) Consume(ctx context.Context, queue, routingKey string, handler Handler) error {
	deliveries, err := mq.Channel.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consuming from queue %q: %w", queue, err)
	}

	log.WithField("queue", queue).Info("waiting for messages")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivered, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel for queue %q closed", queue)
			}
			mq.dispatch(ctx, &delivered, routingKey, handler)
		}
	}
}

// dispatch runs one delivery through the handler and settles it.
func (mq *MQ) dispatch(ctx context.Context, delivered *amqp.Delivery, routingKey string, handler Handler) {
	log.WithField("correlation_id", delivered.CorrelationId).
		Debugf("received message: %s", delivered.Body)

	reply, err := handler(ctx, delivered.Body)
	if err != nil {
		if e := delivered.Nack(false, false); e != nil {
			log.Errorf("failed to nack message: %v", e)
		}
		return
	}

	if len(reply) > 0 && routingKey != "" {
		if err := mq.SendMessage(delivered.CorrelationId, mq.conf.Exchange, routingKey, reply); err != nil {
			log.Errorf("failed to publish reply, requeueing delivery: %v", err)
			// The work is done but the reply is lost; requeue so a
			// later attempt can re-emit it.
			if e := delivered.Nack(false, true); e != nil {
				log.Errorf("failed to nack message: %v", e)
			}
			return
		}
	}

	if err := delivered.Ack(false); err != nil {
		log.Errorf("failed to ack message: %v", err)
	}
}

// ConnectionWatcher blocks until the connection closes and returns the
// close reason. A clean shutdown returns nil.
func (mq *MQ) ConnectionWatcher() error {
	amqpErr := <-mq.Connection.NotifyClose(make(chan *amqp.Error, 1))
	if amqpErr == nil {
		return nil
	}

	return fmt.Errorf("broker connection closed: %v", amqpErr)
}

// Close tears the channel and connection down.
func (mq *MQ) Close() {
	if mq.Channel != nil {
		_ = mq.Channel.Close()
	}

	if mq.Connection != nil {
		_ = mq.Connection.Close()
	}
}

// tlsConfigFor assembles the TLS settings for an amqps connection.
func tlsConfigFor(c Conf) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}

	if c.CACert != "" {
		pem, err := os.ReadFile(c.CACert)
		if err != nil {
			return nil, fmt.Errorf("reading broker CA certificate: %w", err)
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no usable certificates in %s", c.CACert)
		}
	}
	cfg.RootCAs = pool

	if c.ServerName != "" {
		cfg.ServerName = c.ServerName
	}

	if !c.VerifyPeer {
		cfg.InsecureSkipVerify = true //nolint:gosec // explicit opt-out via verify_peer

		return cfg, nil
	}

	if c.ClientCert != "" && c.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(c.ClientCert, c.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("loading broker client certificate: %w", err)
		}
		cfg.Certificates = append(cfg.Certificates, cert)
	}

	return cfg, nil
}
