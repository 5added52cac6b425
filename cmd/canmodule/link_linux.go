//go:build linux

package main

import (
	"github.com/samsamfire/canmodule/pkg/can/link"
	_ "github.com/samsamfire/canmodule/pkg/can/socketcan"
	_ "github.com/samsamfire/canmodule/pkg/can/socketcanv3"
	log "github.com/sirupsen/logrus"
)

// Restart the interface with the configured bitrate
func bringUp(channel string, bitrate int) error {
	l, err := link.Open(channel)
	if err != nil {
		return err
	}
	if err := l.SetDown(); err != nil {
		return err
	}
	if err := l.SetBitrate(bitrate); err != nil {
		return err
	}
	if err := l.SetUp(); err != nil {
		return err
	}
	up, err := l.IsUp()
	if err != nil {
		return err
	}
	log.Infof("[MAIN] %v up : %v, bitrate %v", l.Name(), up, bitrate)
	return nil
}
