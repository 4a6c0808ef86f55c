// Package meshconfig reads a meshrtrd node's configuration from the
// environment, the same way the teacher's atlas server does: a struct of
// env-tagged fields unmarshaled by reflection, with ?= marking a var that
// may explicitly be set empty.
package meshconfig

import (
	"encoding/hex"
	"fmt"
	"io/fs"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/meshrtr/meshrtr/pkg/aead"
	"github.com/meshrtr/meshrtr/pkg/router"
	"github.com/meshrtr/meshrtr/pkg/wire"
)

// Config holds everything meshrtrd needs to bring up one node: its
// identity, the pre-shared network key, the protocol tunables from spec
// §6, the serial link to the radio module, the optional uplink backend,
// logging, and metrics.
type Config struct {
	// This node's id on the mesh. Must be nonzero and must not equal
	// wire.Broadcast.
	NodeID uint32 `env:"MESHRTR_NODE_ID"`

	// The pre-shared AES-128 network key, hex-encoded (32 hex chars).
	// If it begins with @, it is treated as the name of a systemd
	// credential to load.
	NetworkKey string `env:"MESHRTR_NETWORK_KEY" sdcreds:"load,trimspace"`

	// The serial device the LoRa radio module is attached to, e.g.
	// /dev/ttyUSB0.
	RadioDevice string `env:"MESHRTR_RADIO_DEVICE=/dev/ttyUSB0"`

	// The baud rate to configure the serial link at.
	RadioBaud int `env:"MESHRTR_RADIO_BAUD=115200"`

	// The backoff policy to use before each channel-access attempt:
	// uniform, binary-exponential, bebackoff, or ppersistent.
	RadioBackoff string `env:"MESHRTR_RADIO_BACKOFF=uniform"`

	// The address the companion-app bridge listens on, e.g. :7000.
	BridgeAddr string `env:"MESHRTR_BRIDGE_ADDR=:7000"`

	// If set, USER_MSG frames flagged TO_GATEWAY that arrive addressed to
	// this node are handed to the given HTTP uplink backend. Setting it
	// does not mark this node as a gateway in its broadcasts. Empty
	// disables the uplink.
	UplinkURL string `env:"MESHRTR_UPLINK_URL"`

	// Bearer token sent with every uplink request. If it begins with
	// @, it is treated as the name of a systemd credential to load.
	UplinkToken string `env:"MESHRTR_UPLINK_TOKEN" sdcreds:"load,trimspace"`

	// T_BCAST: how often the diff-broadcast of locally homed users is
	// flooded.
	TBcast time.Duration `env:"MESHRTR_T_BCAST=60s"`

	// T_SWEEP: how often the retry buffer and pending queues are swept.
	TSweep time.Duration `env:"MESHRTR_T_SWEEP=60s"`

	// T_ACK: how long to wait for an (implicit) ACK before retransmitting.
	TAck time.Duration `env:"MESHRTR_T_ACK=3s"`

	// MAX_RETRANS: retransmissions attempted before giving up on a frame.
	MaxRetrans int `env:"MESHRTR_MAX_RETRANS=3"`

	// MAX_HOPS: the hop-count ceiling for forwarding BROADCAST_INFO and
	// PUBKEY_REQ floods. RREQ and UREQ rebroadcasts are not capped by it.
	MaxHops int `env:"MESHRTR_MAX_HOPS=5"`

	// Route and user-directory reply thresholds: a node answers an RREQ
	// (or UREQ) from its own tables, instead of rebroadcasting it, when
	// its known route to the target (or to the user's home node) has a
	// hop count of at least this value.
	RouteReplyThreshold int `env:"MESHRTR_ROUTE_REPLY_THRESHOLD=2"`
	UserReplyThreshold  int `env:"MESHRTR_USER_REPLY_THRESHOLD=2"`

	// OFFLINE_INBOX_CAP: messages spooled per user while their client
	// bridge session is absent.
	OfflineInboxCap int `env:"MESHRTR_OFFLINE_INBOX_CAP=10"`

	// The seen-set's LRU capacity, for flood duplicate suppression.
	SeenSetCapacity int `env:"MESHRTR_SEEN_SET_CAPACITY=4096"`

	// The minimum spacing between consecutive frames of a MOVE_USER_REQ
	// hand-off's offline-inbox flush.
	MoveFlushInterFrame time.Duration `env:"MESHRTR_MOVE_FLUSH_INTERFRAME=1s"`

	// The minimum log level (e.g., trace, debug, info, warn, error).
	LogLevel zerolog.Level `env:"MESHRTR_LOG_LEVEL=info"`

	// Whether to log to stdout.
	LogStdout bool `env:"MESHRTR_LOG_STDOUT=true"`

	// The log file to output to, if provided. Reopened on SIGHUP.
	LogFile string `env:"MESHRTR_LOG_FILE"`

	// The permissions for the log file.
	LogFileChmod fs.FileMode `env:"MESHRTR_LOG_FILE_CHMOD=0600"`

	// The address to serve Prometheus-format metrics on, e.g. :9090. If
	// empty, the metrics endpoint is not started.
	MetricsAddr string `env:"MESHRTR_METRICS_ADDR"`

	// Path to the sqlite3 database used to record RERR and
	// retry-exhaustion audit events. If empty, auditing is disabled.
	AuditDBPath string `env:"MESHRTR_AUDIT_DB_PATH"`
}

// Tunables converts the env-sourced duration/threshold fields into a
// router.Tunables, clamping the uint8 fields to their valid range.
func (c *Config) Tunables() router.Tunables {
	clamp := func(v int) uint8 {
		if v < 0 {
			return 0
		}
		if v > 255 {
			return 255
		}
		return uint8(v)
	}
	return router.Tunables{
		TBcast:              c.TBcast,
		TSweep:              c.TSweep,
		TAck:                c.TAck,
		MaxRetrans:          clamp(c.MaxRetrans),
		MaxHops:             clamp(c.MaxHops),
		RouteReplyThreshold: clamp(c.RouteReplyThreshold),
		UserReplyThreshold:  clamp(c.UserReplyThreshold),
		OfflineInboxCap:     c.OfflineInboxCap,
		SeenSetCapacity:     c.SeenSetCapacity,
		MoveFlushInterFrame: c.MoveFlushInterFrame,
	}
}

// Key decodes NetworkKey into the raw bytes aead.New expects.
func (c *Config) Key() ([]byte, error) {
	key, err := hex.DecodeString(c.NetworkKey)
	if err != nil {
		return nil, fmt.Errorf("network key: decode hex: %w", err)
	}
	if len(key) != aead.KeySize {
		return nil, fmt.Errorf("network key: must be %d bytes, got %d", aead.KeySize, len(key))
	}
	return key, nil
}

// Node returns NodeID as a wire.NodeID, validating it is neither zero nor
// the broadcast sentinel.
func (c *Config) Node() (wire.NodeID, error) {
	if c.NodeID == 0 {
		return 0, fmt.Errorf("node id must be nonzero")
	}
	if c.NodeID == uint32(wire.Broadcast) {
		return 0, fmt.Errorf("node id must not equal the broadcast address")
	}
	return wire.NodeID(c.NodeID), nil
}

// UnmarshalEnv unmarshals an array of environment variables into c, setting
// default values as appropriate. If incremental is true, default values will
// not be set for missing env vars, but only for empty ones.
func (c *Config) UnmarshalEnv(es []string, incremental bool) error {
	em := map[string]string{}
	for _, e := range es {
		if strings.HasPrefix(e, "MESHRTR_") {
			if k, v, ok := strings.Cut(e, "="); ok {
				em[k] = v
			}
		}
	}
	cv := reflect.ValueOf(c).Elem()
	for _, ctf := range reflect.VisibleFields(cv.Type()) {
		env, ok := ctf.Tag.Lookup("env")
		if !ok {
			continue
		}

		var unsettable bool
		key, val, _ := strings.Cut(env, "=")
		if strings.HasSuffix(key, "?") {
			key = strings.TrimSuffix(key, "?")
			unsettable = true
		}
		if v, exists := em[key]; exists {
			v, err := sdcreds(v, ctf.Tag.Get("sdcreds"))
			if err != nil {
				return fmt.Errorf("env %s: expand systemd credentials: %w", key, err)
			}
			if unsettable || v != "" {
				val = v
			}
			delete(em, key)
		} else if incremental {
			continue
		}

		switch cvf := cv.FieldByName(ctf.Name); cvf.Interface().(type) {
		case string:
			cvf.SetString(val)
		case int, int8, int16, int32, int64:
			if val == "" {
				cvf.SetInt(0)
			} else if v, err := strconv.ParseInt(val, 10, 64); err == nil {
				cvf.SetInt(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case uint, uint8, uint16, uint32, uint64:
			if val == "" {
				cvf.SetUint(0)
			} else if v, err := strconv.ParseUint(val, 10, 64); err == nil {
				cvf.SetUint(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case bool:
			if val == "" {
				cvf.SetBool(false)
			} else if v, err := strconv.ParseBool(val); err == nil {
				cvf.SetBool(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case zerolog.Level:
			if v, err := zerolog.ParseLevel(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case time.Duration:
			if v, err := time.ParseDuration(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case fs.FileMode:
			if val == "" {
				cvf.Set(reflect.ValueOf(fs.FileMode(0)))
			} else if v, err := strconv.ParseUint(val, 8, 32); err == nil {
				cvf.Set(reflect.ValueOf(fs.FileMode(v)))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		default:
			return fmt.Errorf("unhandled type %T (%s)", cvf.Interface(), env)
		}
	}
	for key, val := range em {
		if val != "" {
			return fmt.Errorf("unknown environment variable %q", key)
		}
	}
	return nil
}
