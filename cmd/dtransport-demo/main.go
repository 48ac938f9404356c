// Command dtransport-demo wires a TransportEngine to one of the
// protocol adapters and drives its send/receive/callback pumps, the way
// cmd/vender's main.go drives vender's lifecycle systems: load config,
// build the pieces, run until signaled.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/temoto/dtransport/log2"
	"github.com/temoto/dtransport/protocol/pubsub"
	"github.com/temoto/dtransport/protocol/queue"
	"github.com/temoto/dtransport/protocol/reqresp"
	"github.com/temoto/dtransport/retrypolicy"
	"github.com/temoto/dtransport/transport"
)

type fileConfig struct {
	Protocol          string `hcl:"protocol"`
	DeviceID          string `hcl:"device_id"`
	ModuleID          string `hcl:"module_id"`
	AuthType          string `hcl:"auth_type"`
	Broker            string `hcl:"broker"`
	TlsCaFile         string `hcl:"tls_ca_file"`
	NetworkTimeoutSec int    `hcl:"network_timeout_sec"`
	KeepaliveSec      int    `hcl:"keepalive_sec"`
	OperationTimeoutMs uint64 `hcl:"operation_timeout_ms"`
	LogDebug          bool   `hcl:"log_debug"`
}

// staticSASCredential is a fixed-token stand-in for whatever renews SAS
// tokens in a production deployment; this demo only needs something
// satisfying transport.SASTokenAuthenticator.
type staticSASCredential struct{ token string }

func (c staticSASCredential) IsExpired() bool          { return false }
func (c staticSASCredential) IsRenewalNecessary() bool { return false }
func (c staticSASCredential) String() string           { return c.token }

func main() {
	flagConfig := flag.String("config", "dtransport.hcl", "")
	flagToken := flag.String("token", os.Getenv("DTRANSPORT_TOKEN"), "SAS token or connection secret")
	flag.Parse()

	log := log2.NewStderr(log2.LInfo)

	bs, err := os.ReadFile(*flagConfig)
	if err != nil {
		log.Fatalf("read config %s: %v", *flagConfig, err)
	}
	var fc fileConfig
	if err := hcl.Unmarshal(bs, &fc); err != nil {
		log.Fatalf("parse config %s: %v", *flagConfig, err)
	}
	if fc.LogDebug {
		log.SetLevel(log2.LDebug)
	}

	cfg := &transport.Config{
		ProtocolName:       fc.Protocol,
		DeviceID:           fc.DeviceID,
		ModuleID:           fc.ModuleID,
		AuthTypeName:       fc.AuthType,
		Broker:             fc.Broker,
		TlsCaFile:          fc.TlsCaFile,
		NetworkTimeoutSec:  fc.NetworkTimeoutSec,
		KeepaliveSec:       fc.KeepaliveSec,
		OperationTimeoutMs: fc.OperationTimeoutMs,
		Credential:         staticSASCredential{token: *flagToken},
		RetryPolicy:        retrypolicy.NewExponentialBackoff(time.Second, 60*time.Second, 2, 0),
	}

	engine, err := transport.NewTransportEngine(cfg,
		transport.WithLog(log),
		transport.WithConnectionFactory(newConnectionFactory(log)),
	)
	if err != nil {
		log.Fatalf("build engine: %v", err)
	}

	if err := engine.RegisterConnectionStatusChangeCallback(func(status transport.ConnectionStatus, reason transport.ConnectionStatusChangeReason, cause error, _ interface{}) {
		log.Infof("status=%s reason=%s cause=%v", status, reason, cause)
	}, nil); err != nil {
		log.Fatalf("register status callback: %v", err)
	}

	if err := engine.RegisterMessageCallback(func(msg *transport.Message, _ interface{}) transport.CallbackResult {
		log.Infof("received message id=%s body=%s", msg.ID(), msg.Body())
		return transport.Complete
	}, nil); err != nil {
		log.Fatalf("register message callback: %v", err)
	}

	if err := engine.Open([]*transport.Config{cfg}); err != nil {
		log.Fatalf("open: %v", err)
	}
	sdnotify(log, daemon.SdNotifyReady)

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	runPumps(ctx, engine)

	if err := engine.Close(transport.ClientClose, nil); err != nil {
		log.Errorf("close: %v", err)
	}
}

// runPumps drives the three pump ticks the engine itself does not
// schedule, matching SPEC_FULL.md's framing of the engine as driven
// externally rather than owning its own event loop.
func runPumps(ctx context.Context, engine *transport.TransportEngine) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			engine.SendMessages()
			engine.HandleMessage()
			engine.InvokeCallbacks()
		}
	}
}

// sdnotify tells systemd about a state change when running under it; the
// error path is logged rather than fatal, since this demo is equally
// fine running directly from a terminal with no notify socket at all.
func sdnotify(log *log2.Log, state string) bool {
	ok, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Errorf("sdnotify: %v", err)
	}
	return ok
}

func newConnectionFactory(log *log2.Log) transport.ConnectionFactory {
	return func(protocol transport.Protocol) (transport.TransportConnection, error) {
		switch protocol {
		case transport.ProtocolPubSub, transport.ProtocolPubSubWS:
			return pubsub.New(protocol, log), nil
		case transport.ProtocolQueue, transport.ProtocolQueueWS:
			return queue.New(protocol, log), nil
		case transport.ProtocolReqResp:
			return reqresp.New(log), nil
		default:
			return nil, errors.Errorf("unsupported protocol %s", protocol)
		}
	}
}
