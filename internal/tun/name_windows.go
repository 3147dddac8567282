package tun

import "github.com/songgao/water"

func setName(cfg *water.Config, name string) {
	cfg.InterfaceName = name
}
