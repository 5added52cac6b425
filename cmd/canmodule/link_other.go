//go:build !linux

package main

import "errors"

func bringUp(channel string, bitrate int) error {
	return errors.New("link configuration is only supported on linux")
}
