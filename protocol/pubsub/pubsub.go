// Package pubsub implements transport.TransportConnection over MQTT
// publish/subscribe using github.com/eclipse/paho.mqtt.golang, the same
// client the teacher's own internal/tele/transport-mqtt.go drives.
//
// Delivery acknowledgement for a published message is QoS-1's PUBACK,
// which paho.mqtt.golang surfaces as Token.Wait()/Token.Error() rather
// than an asynchronous callback; Connection runs that wait on its own
// goroutine per publish and reports the outcome back to the engine
// through EngineListener.OnMessageSent, keeping SendMessage itself
// non-blocking the way transport.TransportConnection expects.
package pubsub

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/temoto/dtransport/log2"
	"github.com/temoto/dtransport/protocol/wireenvelope"
	"github.com/temoto/dtransport/transport"
)

// Connection adapts a paho.mqtt.golang client to transport.TransportConnection.
// websocket vs. TCP (ProtocolPubSub vs. ProtocolPubSubWS) only changes the
// broker URL scheme baked into Config.Broker; the client code is identical.
type Connection struct {
	log      *log2.Log
	protocol transport.Protocol
	connID   string

	mu       sync.Mutex
	client   mqtt.Client
	listener transport.EngineListener

	topicTelemetry string
	topicCommand   string
	topicConnect   string
}

func New(protocol transport.Protocol, log *log2.Log) *Connection {
	return &Connection{
		protocol: protocol,
		log:      log,
		connID:   uuid.NewString(),
	}
}

func (c *Connection) SetListener(l transport.EngineListener) { c.listener = l }
func (c *Connection) GetConnectionID() string                { return c.connID }
func (c *Connection) GetProtocol() transport.Protocol        { return c.protocol }

// Open builds a paho ClientOptions from configs[0] and connects. It
// mirrors transportMqtt.Init's option set (will, clean-session,
// credentials provider, resumed subscriptions, store-backed offline
// queueing) but drives connection-state reporting through
// transport.EngineListener instead of vender's tele-specific handlers.
func (c *Connection) Open(configs []*Config) error {
	cfg := configs[0]
	clientID := fmt.Sprintf("dtransport-%s-%s", cfg.DeviceID, c.connID[:8])

	c.topicConnect = fmt.Sprintf("devices/%s/connect", cfg.DeviceID)
	c.topicTelemetry = fmt.Sprintf("devices/%s/messages/events", cfg.DeviceID)
	c.topicCommand = fmt.Sprintf("devices/%s/messages/devicebound/#", cfg.DeviceID)

	opt := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetBinaryWill(c.topicConnect, []byte{0x00}, 1, true).
		SetCleanSession(false).
		SetResumeSubs(true).
		SetOrderMatters(false).
		SetKeepAlive(cfg.Keepalive()).
		SetConnectTimeout(cfg.NetworkTimeout()).
		SetAutoReconnect(false). // the engine owns reconnect policy, not the MQTT client
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost)

	opt.SetCredentialsProvider(func() (string, string) {
		return clientID, c.credentialToken(cfg)
	})

	if cfg.TlsCaFile != "" {
		tlsConf, err := buildTLSConfig(cfg.TlsCaFile)
		if err != nil {
			return errors.Annotate(err, "pubsub: tls config")
		}
		opt.SetTLSConfig(tlsConf)
	}

	client := mqtt.NewClient(opt)
	c.mu.Lock()
	c.client = client
	c.mu.Unlock()

	token := client.Connect()
	if !token.WaitTimeout(cfg.NetworkTimeout()) {
		return transport.NewOperationTimeoutError(errors.New("pubsub: connect timed out"))
	}
	if err := token.Error(); err != nil {
		return transport.NewTransportError(err, true)
	}
	return nil
}

func (c *Connection) credentialToken(cfg *Config) string {
	if cfg.Credential == nil {
		return ""
	}
	if sas, ok := cfg.Credential.(fmt.Stringer); ok {
		return sas.String()
	}
	return ""
}

func (c *Connection) onConnect(mqtt.Client) {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if token := client.Subscribe(c.topicCommand, 1, c.messageHandler); token.Wait() && token.Error() != nil {
		c.listener.OnConnectionLost(errors.Annotate(token.Error(), "pubsub: subscribe"), c.connID)
		return
	}
	client.Publish(c.topicConnect, 1, true, []byte{0x01})
	c.listener.OnConnectionEstablished(c.connID)
}

func (c *Connection) onConnectionLost(_ mqtt.Client, err error) {
	c.listener.OnConnectionLost(transport.NewTransportError(err, true), c.connID)
}

// messageHandler is the default publish handler paho.mqtt.golang invokes
// for every inbound message on topicCommand; it decodes the minimal
// envelope and hands the result to the engine.
func (c *Connection) messageHandler(_ mqtt.Client, m mqtt.Message) {
	msg, err := wireenvelope.Decode(m.Payload())
	if err != nil {
		c.listener.OnMessageReceived(nil, errors.Annotate(err, "pubsub: decode inbound"))
		return
	}
	c.listener.OnMessageReceived(msg, nil)
}

// SendMessage publishes at QoS 1 and waits for the PUBACK on its own
// goroutine so the call itself returns immediately with StatusOK; the
// real delivery outcome arrives later via OnMessageSent.
func (c *Connection) SendMessage(msg *transport.Message) (transport.StatusCode, error) {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil || !client.IsConnected() {
		return transport.StatusUnset, transport.NewTransportError(errors.New("pubsub: not connected"), true)
	}

	payload := wireenvelope.Encode(msg)
	token := client.Publish(c.topicTelemetry, 1, false, payload)

	go func() {
		token.Wait()
		c.listener.OnMessageSent(msg, token.Error())
	}()

	return transport.StatusOK, nil
}

// SendMessageResult has no MQTT analogue: QoS-1 subscriber acks happen at
// the protocol level, invisible to application code. Treated as a no-op
// success so the engine's receive-pump can drive pub/sub and reqresp
// connections through the identical acknowledge_received_message path.
func (c *Connection) SendMessageResult(*transport.Message, transport.CallbackResult) error {
	return nil
}

// ReceiveMessage always returns (nil, nil): inbound messages arrive
// exclusively through messageHandler -> OnMessageReceived.
func (c *Connection) ReceiveMessage() (*transport.Message, error) { return nil, nil }

func (c *Connection) Close() error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return nil
	}
	client.Disconnect(uint(c.disconnectQuiesceMs()))
	return nil
}

func (c *Connection) disconnectQuiesceMs() int { return 250 }

func buildTLSConfig(caFile string) (*tls.Config, error) {
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, errors.Annotate(err, "read ca file")
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("no certificates found in ca file")
	}
	return &tls.Config{RootCAs: pool}, nil
}

// Config is a local alias for transport.Config; the engine only ever calls
// Open with []*transport.Config.
type Config = transport.Config
