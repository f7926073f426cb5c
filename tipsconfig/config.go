// Package tipsconfig loads the JSON configuration document: a
// process-wide Global section plus Tx/Rx subsections that may override
// a handful of Global keys, validated before any engine is built.
package tipsconfig

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/hmbdc-dev/tips/ipc"
	"github.com/hmbdc-dev/tips/netrecv"
	"github.com/hmbdc-dev/tips/netsend"
)

// SchedPolicy names the Linux scheduling class requested for a Node's
// dispatch thread. Recorded and validated but not yet applied to the
// OS thread: Go exposes no portable sched_setscheduler binding, the
// same limitation runctx.Context.Start's doc comment already notes for
// CPU affinity.
type SchedPolicy string

const (
	SchedOther SchedPolicy = "SCHED_OTHER"
	SchedRR    SchedPolicy = "SCHED_RR"
	SchedFIFO  SchedPolicy = "SCHED_FIFO"
	SchedIdle  SchedPolicy = "SCHED_IDLE"
)

// GlobalConfig holds process-wide defaults; Tx/Rx override the subset
// of these that have a section-local equivalent.
type GlobalConfig struct {
	IfaceAddr             string      `json:"ifaceAddr"`
	MTU                   int         `json:"mtu"`
	SchedPolicy           SchedPolicy `json:"schedPolicy"`
	SchedPriority         int         `json:"schedPriority"`
	Loopback              bool        `json:"loopback"`
	IPCTransportOwnership string      `json:"ipcTransportOwnership"`
}

// TxConfig configures the network send engine.
type TxConfig struct {
	OutBufferSizePower2           int  `json:"outBufferSizePower2"`
	MaxSendBatch                  int  `json:"maxSendBatch"`
	SendBytesPerSec               int  `json:"sendBytesPerSec"`
	SendBytesBurst                int  `json:"sendBytesBurst"`
	TTL                           int  `json:"ttl"`
	TypeTagAdvertisePeriodSeconds int  `json:"typeTagAdvertisePeriodSeconds"`
	MinRecvToStart                int  `json:"minRecvToStart"`
	WaitForSlowReceivers          bool `json:"waitForSlowReceivers"`
	ReplayHistoryForNewRecv       int  `json:"replayHistoryForNewRecv"`
	NetRoundtripLatencyMicrosec   int  `json:"netRoundtripLatencyMicrosec"`
	TCPPort                       int  `json:"tcpPort"`
	Nagling                       bool `json:"nagling"`
	// Loopback overrides GlobalConfig.Loopback for the send side when
	// non-nil.
	Loopback *bool `json:"loopback,omitempty"`
}

// RxConfig configures the network recv engine.
type RxConfig struct {
	CmdBufferSizePower2     int  `json:"cmdBufferSizePower2"`
	MaxTcpReadBytes         int  `json:"maxTcpReadBytes"`
	AllowRecvWithinProcess  bool `json:"allowRecvWithinProcess"`
	RecvReportDelayMicrosec int  `json:"recvReportDelayMicrosec"`
	UdpRecvBufferBytes      int  `json:"udpRecvBufferBytes"`
	// Loopback overrides GlobalConfig.Loopback for the recv side when
	// non-nil.
	Loopback *bool `json:"loopback,omitempty"`
}

// Config is the full JSON document: a Global section plus Tx/Rx
// subsections.
type Config struct {
	Global GlobalConfig `json:"global"`
	Tx     TxConfig     `json:"tx"`
	Rx     RxConfig     `json:"rx"`
}

// defaults returns a Config pre-populated with the built-in defaults,
// so that a JSON document only needs to name the keys it wants to
// override.
func defaults() *Config {
	return &Config{
		Global: GlobalConfig{
			MTU:                   1500,
			SchedPolicy:           SchedOther,
			IPCTransportOwnership: "auto",
		},
		Tx: TxConfig{
			OutBufferSizePower2:           16,
			MaxSendBatch:                  64,
			TTL:                           1,
			TypeTagAdvertisePeriodSeconds: 5,
			MinRecvToStart:                0,
			ReplayHistoryForNewRecv:       0,
			NetRoundtripLatencyMicrosec:   200,
			TCPPort:                       0,
			Nagling:                       false,
		},
		Rx: RxConfig{
			CmdBufferSizePower2:     12,
			MaxTcpReadBytes:         64 * 1024,
			RecvReportDelayMicrosec: 1_000_000,
			UdpRecvBufferBytes:      4 * 1024 * 1024,
		},
	}
}

// Load reads a JSON configuration document from r, layering it over
// the built-in defaults, and validates the result.
func Load(r io.Reader) (*Config, error) {
	cfg := defaults()
	dec := json.NewDecoder(r)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("tipsconfig: parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("tipsconfig: validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks the loaded configuration for obviously-invalid
// values, so a bad document aborts domain construction instead of
// surfacing later as engine misbehavior.
func (c *Config) Validate() error {
	switch c.Global.SchedPolicy {
	case SchedOther, SchedRR, SchedFIFO, SchedIdle:
	default:
		return fmt.Errorf("schedPolicy must be one of SCHED_OTHER|SCHED_RR|SCHED_FIFO|SCHED_IDLE, got %q", c.Global.SchedPolicy)
	}
	switch c.Global.IPCTransportOwnership {
	case "own", "attach", "auto":
	default:
		return fmt.Errorf("ipcTransportOwnership must be one of own|attach|auto, got %q", c.Global.IPCTransportOwnership)
	}
	if c.Global.MTU <= 0 {
		return fmt.Errorf("mtu must be > 0, got %d", c.Global.MTU)
	}
	if c.Tx.OutBufferSizePower2 <= 0 {
		return fmt.Errorf("tx.outBufferSizePower2 must be > 0, got %d", c.Tx.OutBufferSizePower2)
	}
	if c.Tx.MaxSendBatch <= 0 {
		return fmt.Errorf("tx.maxSendBatch must be > 0, got %d", c.Tx.MaxSendBatch)
	}
	if c.Rx.CmdBufferSizePower2 <= 0 {
		return fmt.Errorf("rx.cmdBufferSizePower2 must be > 0, got %d", c.Rx.CmdBufferSizePower2)
	}
	return nil
}

// Ownership maps ipcTransportOwnership to the ipc package's enum.
func (c *Config) Ownership() ipc.Ownership {
	switch c.Global.IPCTransportOwnership {
	case "own":
		return ipc.OwnershipOwn
	case "attach":
		return ipc.OwnershipAttach
	default:
		return ipc.OwnershipAuto
	}
}

// txLoopback resolves the effective loopback flag for the send side:
// Tx.Loopback if set, else Global.Loopback.
func (c *Config) txLoopback() bool {
	if c.Tx.Loopback != nil {
		return *c.Tx.Loopback
	}
	return c.Global.Loopback
}

// rxLoopback resolves the effective loopback flag for the recv side:
// Rx.Loopback if set, else Global.Loopback.
func (c *Config) rxLoopback() bool {
	if c.Rx.Loopback != nil {
		return *c.Rx.Loopback
	}
	return c.Global.Loopback
}

// NetSendConfig projects this Config into the netsend engine's own
// Config shape. multicastAddr is supplied by the caller since it's
// derived from the multicast group the process is told to join, not
// part of this JSON document.
func (c *Config) NetSendConfig(multicastAddr string) netsend.Config {
	return netsend.Config{
		MulticastAddr:           multicastAddr,
		IfaceAddr:               c.Global.IfaceAddr,
		MTU:                     c.Global.MTU,
		TCPPort:                 c.Tx.TCPPort,
		TTL:                     c.Tx.TTL,
		SendBytesPerSec:         c.Tx.SendBytesPerSec,
		SendBytesBurst:          c.Tx.SendBytesBurst,
		OutRingCapacity:         1 << uint(c.Tx.OutBufferSizePower2),
		MaxSendBatch:            c.Tx.MaxSendBatch,
		TypeTagAdvertisePeriod:  time.Duration(c.Tx.TypeTagAdvertisePeriodSeconds) * time.Second,
		MinRecvToStart:          c.Tx.MinRecvToStart,
		WaitForSlowReceivers:    c.Tx.WaitForSlowReceivers,
		ReplayHistoryForNewRecv: c.Tx.ReplayHistoryForNewRecv,
	}
}

// NetRecvConfig projects this Config into the netrecv engine's own
// Config shape.
func (c *Config) NetRecvConfig(multicastAddr string) netrecv.Config {
	return netrecv.Config{
		MulticastAddr:          multicastAddr,
		IfaceAddr:              c.Global.IfaceAddr,
		Loopback:               c.rxLoopback(),
		RecvReportDelay:        time.Duration(c.Rx.RecvReportDelayMicrosec) * time.Microsecond,
		AllowRecvWithinProcess: c.Rx.AllowRecvWithinProcess,
	}
}

// LogConfig emits the main keys of the loaded configuration as
// structured fields; not every recognized key is logged.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("iface_addr", c.Global.IfaceAddr).
		Int("mtu", c.Global.MTU).
		Str("sched_policy", string(c.Global.SchedPolicy)).
		Int("sched_priority", c.Global.SchedPriority).
		Bool("loopback", c.Global.Loopback).
		Str("ipc_transport_ownership", c.Global.IPCTransportOwnership).
		Int("tx_out_buffer_size_power2", c.Tx.OutBufferSizePower2).
		Int("tx_max_send_batch", c.Tx.MaxSendBatch).
		Int("tx_tcp_port", c.Tx.TCPPort).
		Bool("tx_nagling", c.Tx.Nagling).
		Int("rx_cmd_buffer_size_power2", c.Rx.CmdBufferSizePower2).
		Bool("rx_allow_recv_within_process", c.Rx.AllowRecvWithinProcess).
		Msg("tips configuration loaded")
}
