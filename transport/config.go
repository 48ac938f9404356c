package transport

import "time"

// Credential is the minimal boundary this engine needs from whatever
// object actually signs requests (SAS token or X.509); both concerns are
// out of scope here per the PURPOSE & SCOPE section, this is the
// interface the engine is allowed to call into.
type Credential interface {
	IsExpired() bool
}

// SASTokenAuthenticator is the subset of SAS-token credential behavior
// the engine consults; only meaningful when Config.AuthType == AuthSASToken.
type SASTokenAuthenticator interface {
	Credential
	IsRenewalNecessary() bool
}

// Config is one device's configuration: protocol selection, credential
// wiring and the timing/retry knobs the engine itself owns. It is decoded
// from HCL with `hcl:"..."` tags, mirroring the teacher's tele_config.Config;
// fields tagged `hcl:"-"` are supplied programmatically (interfaces,
// secrets the caller prefers not to keep in a config file, or values
// computed at runtime).
type Config struct {
	ProtocolName string `hcl:"protocol"` // "reqresp", "pubsub", "pubsub_ws", "queue", "queue_ws"
	DeviceID     string `hcl:"device_id"`
	ModuleID     string `hcl:"module_id"`

	IotHubConnectionString string `hcl:"-"` // secret, not persisted to config files
	AuthTypeName            string `hcl:"auth_type"` // "sas_token", "x509"

	OperationTimeoutMs uint64 `hcl:"operation_timeout_ms"`

	Broker       string `hcl:"broker"`
	TlsCaFile    string `hcl:"tls_ca_file"`
	NetworkTimeoutSec int `hcl:"network_timeout_sec"`
	KeepaliveSec      int `hcl:"keepalive_sec"`

	RetryPolicy RetryPolicy           `hcl:"-"`
	Credential  Credential            `hcl:"-"`
}

// Protocol resolves ProtocolName into the typed enum, defaulting to
// ProtocolPubSub when unset — the common case for a constrained device
// talking to a pub/sub broker.
func (c *Config) Protocol() Protocol {
	switch c.ProtocolName {
	case "reqresp":
		return ProtocolReqResp
	case "pubsub_ws":
		return ProtocolPubSubWS
	case "queue":
		return ProtocolQueue
	case "queue_ws":
		return ProtocolQueueWS
	default:
		return ProtocolPubSub
	}
}

func (c *Config) AuthType() AuthType {
	if c.AuthTypeName == "x509" {
		return AuthX509Certificate
	}
	return AuthSASToken
}

// NetworkTimeout and Keepalive convert the config's integer-seconds
// fields into time.Duration, the way helpers.SecondsOrDefault does for
// the teacher's tele_config.
func (c *Config) NetworkTimeout() time.Duration {
	if c.NetworkTimeoutSec == 0 {
		return 30 * time.Second
	}
	return time.Duration(c.NetworkTimeoutSec) * time.Second
}

func (c *Config) Keepalive() time.Duration {
	if c.KeepaliveSec == 0 {
		return 60 * time.Second
	}
	return time.Duration(c.KeepaliveSec) * time.Second
}

// isCredentialExpired is the engine-internal spelling of the spec's
// is_sas_token_expired(): despite the name, the check applies to whichever
// credential kind is configured.
func (c *Config) isCredentialExpired() bool {
	if c.Credential == nil {
		return false
	}
	return c.Credential.IsExpired()
}
