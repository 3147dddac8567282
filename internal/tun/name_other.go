//go:build !linux && !darwin && !windows

package tun

import "github.com/songgao/water"

// setName is a no-op where water cannot name the device.
func setName(cfg *water.Config, name string) {}
