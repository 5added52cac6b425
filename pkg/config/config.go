// Package config loads the driver configuration from an INI file.
//
//	[CAN]
//	Interface = socketcanv3
//	Channel = can0
//	Bitrate = 500000
//	LinkUp = true
//	RxSize = 32
//	TxSize = 32
//	UseRxFilters = true
//
//	[IRQ]
//	PrioBits = 4
//	MaxSyscallPriority = 13
//	RxPriority = 14
//	TxPriority = 14
//	TimerPriority = 15
//	TimerPeriod = 1ms
//
//	[SYNC]
//	CobId = 0x80
//	WindowLength = 0
//
//	[HEARTBEAT]
//	NodeId = 0x20
//	ProducerTime = 1000ms
//	MonitoredNodes = 0x10, 0x11
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/samsamfire/canmodule"
	"github.com/samsamfire/canmodule/pkg/can"
	"github.com/samsamfire/canmodule/pkg/irq"
	log "github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"
)

const (
	DefaultInterface    = "socketcan"
	DefaultChannel      = "can0"
	DefaultBitrate      = 500_000
	DefaultTimerPeriod  = time.Millisecond
	DefaultSyncCobId    = 0x80
	DefaultNodeId       = 0x20
	DefaultProducerTime = time.Second
)

var (
	ErrInvalidValue = errors.New("config: invalid value")
)

type SyncConfig struct {
	CobId        uint32
	WindowLength time.Duration // 0 disables the synchronous window
}

type HeartbeatConfig struct {
	NodeId         uint8
	ProducerTime   time.Duration
	MonitoredNodes []uint8
}

type Config struct {
	Interface   string
	Channel     string
	Bitrate     int
	LinkUp      bool // Bring the interface up before connecting
	Module      canmodule.Config
	IRQ         irq.Config
	TimerPeriod time.Duration
	Sync        SyncConfig
	Heartbeat   HeartbeatConfig
}

func Default() *Config {
	return &Config{
		Interface:   DefaultInterface,
		Channel:     DefaultChannel,
		Bitrate:     DefaultBitrate,
		Module:      canmodule.DefaultConfig(),
		IRQ:         irq.DefaultConfig(),
		TimerPeriod: DefaultTimerPeriod,
		Sync:        SyncConfig{CobId: DefaultSyncCobId},
		Heartbeat:   HeartbeatConfig{NodeId: DefaultNodeId, ProducerTime: DefaultProducerTime},
	}
}

// Load a configuration file, missing keys keep their default value.
// file can be either a path or an *os.File or []byte
func Load(file any) (*Config, error) {
	iniFile, err := ini.Load(file)
	if err != nil {
		return nil, err
	}
	config := Default()

	section := iniFile.Section("CAN")
	config.Interface = section.Key("Interface").MustString(config.Interface)
	config.Channel = section.Key("Channel").MustString(config.Channel)
	config.Bitrate = section.Key("Bitrate").MustInt(config.Bitrate)
	config.LinkUp = section.Key("LinkUp").MustBool(config.LinkUp)
	config.Module.RxSize = section.Key("RxSize").MustInt(config.Module.RxSize)
	config.Module.TxSize = section.Key("TxSize").MustInt(config.Module.TxSize)
	config.Module.UseRxFilters = section.Key("UseRxFilters").MustBool(config.Module.UseRxFilters)

	section = iniFile.Section("IRQ")
	prioBits, err := uintKey(section, "PrioBits", uint64(config.IRQ.PrioBits), 8)
	if err != nil {
		return nil, err
	}
	config.IRQ.PrioBits = uint8(prioBits)
	for _, p := range []struct {
		key   string
		value *irq.Priority
	}{
		{"MaxSyscallPriority", &config.IRQ.MaxSyscallPriority},
		{"RxPriority", &config.Module.RxPriority},
		{"TxPriority", &config.Module.TxPriority},
		{"TimerPriority", &config.Module.TimerPriority},
	} {
		v, err := uintKey(section, p.key, uint64(*p.value), 8)
		if err != nil {
			return nil, err
		}
		*p.value = irq.Priority(v)
	}
	config.TimerPeriod = section.Key("TimerPeriod").MustDuration(config.TimerPeriod)

	section = iniFile.Section("SYNC")
	cobId, err := uintKey(section, "CobId", uint64(config.Sync.CobId), 32)
	if err != nil {
		return nil, err
	}
	config.Sync.CobId = uint32(cobId)
	config.Sync.WindowLength = section.Key("WindowLength").MustDuration(config.Sync.WindowLength)

	section = iniFile.Section("HEARTBEAT")
	nodeId, err := uintKey(section, "NodeId", uint64(config.Heartbeat.NodeId), 8)
	if err != nil {
		return nil, err
	}
	config.Heartbeat.NodeId = uint8(nodeId)
	config.Heartbeat.ProducerTime = section.Key("ProducerTime").MustDuration(config.Heartbeat.ProducerTime)
	if section.HasKey("MonitoredNodes") {
		for _, s := range section.Key("MonitoredNodes").Strings(",") {
			id, err := strconv.ParseUint(strings.TrimSpace(s), 0, 8)
			if err != nil {
				return nil, fmt.Errorf("%w : [HEARTBEAT] MonitoredNodes %v", ErrInvalidValue, s)
			}
			config.Heartbeat.MonitoredNodes = append(config.Heartbeat.MonitoredNodes, uint8(id))
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	log.Debugf("[CONFIG] loaded %v on %v, rx %v, tx %v", config.Interface, config.Channel, config.Module.RxSize, config.Module.TxSize)
	return config, nil
}

// Numbers accept decimal or 0x prefixed hex like EDS files
func uintKey(section *ini.Section, name string, def uint64, bitSize int) (uint64, error) {
	if !section.HasKey(name) {
		return def, nil
	}
	raw := section.Key(name).String()
	v, err := strconv.ParseUint(strings.TrimSpace(raw), 0, bitSize)
	if err != nil {
		return 0, fmt.Errorf("%w : [%v] %v = %v", ErrInvalidValue, section.Name(), name, raw)
	}
	return v, nil
}

func (config *Config) Validate() error {
	if config.Module.RxSize <= 0 || config.Module.TxSize <= 0 {
		return fmt.Errorf("%w : table sizes must be positive", ErrInvalidValue)
	}
	if config.Bitrate <= 0 {
		return fmt.Errorf("%w : bitrate %v", ErrInvalidValue, config.Bitrate)
	}
	if config.TimerPeriod <= 0 {
		return fmt.Errorf("%w : timer period %v", ErrInvalidValue, config.TimerPeriod)
	}
	if config.Sync.CobId > can.CanSffMask {
		return fmt.Errorf("%w : sync cob-id x%x", ErrInvalidValue, config.Sync.CobId)
	}
	if config.Sync.WindowLength < 0 {
		return fmt.Errorf("%w : sync window length %v", ErrInvalidValue, config.Sync.WindowLength)
	}
	if config.Heartbeat.NodeId == 0 || config.Heartbeat.NodeId > 127 {
		return fmt.Errorf("%w : node id %v", ErrInvalidValue, config.Heartbeat.NodeId)
	}
	for _, id := range config.Heartbeat.MonitoredNodes {
		if id == 0 || id > 127 {
			return fmt.Errorf("%w : monitored node id %v", ErrInvalidValue, id)
		}
	}
	return nil
}
