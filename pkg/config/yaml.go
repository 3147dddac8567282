package config

import (
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/6ccg/vpncore/internal/obfs"
)

// File is the layout of the YAML configuration file. The ovpn field holds
// regular OpenVPN options; the other fields override them.
type File struct {
	OVPN       string   `yaml:"ovpn"`
	Remote     string   `yaml:"remote"`
	Port       uint16   `yaml:"port"`
	Proto      string   `yaml:"proto"`
	Username   string   `yaml:"username"`
	Password   string   `yaml:"password"`
	Cipher     string   `yaml:"cipher"`
	Auth       string   `yaml:"auth"`
	PIAPatches bool     `yaml:"pia-patches"`
	Scramble   Scramble `yaml:"scramble"`
}

// Scramble is the obfuscation section of [File].
type Scramble struct {
	Method string `yaml:"method"`
	Mask   string `yaml:"mask"`
}

// LoadYAML reads a YAML configuration file from r. The result is not
// validated.
func LoadYAML(r io.Reader) (*Configuration, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadConfig, err)
	}
	return f.Configuration()
}

// Configuration parses the embedded options and applies the overrides.
func (f *File) Configuration() (*Configuration, error) {
	cfg, err := ParseOptionLines(strings.Split(f.OVPN, "\n"))
	if err != nil {
		return nil, err
	}
	if f.Remote != "" {
		remote := Remote{Address: f.Remote, Port: f.Port, Proto: ProtoUDP}
		if remote.Port == 0 {
			remote.Port = DefaultPort
		}
		if f.Proto != "" {
			proto, err := parseProtoName(f.Proto)
			if err != nil {
				return nil, err
			}
			remote.Proto = proto
		}
		cfg.Remotes = append([]Remote{remote}, cfg.Remotes...)
	}
	if f.Username != "" || f.Password != "" {
		cfg.Username, cfg.Password = f.Username, f.Password
	}
	if f.Cipher != "" {
		if err := parseCipher(&parseState{cfg: cfg}, []string{f.Cipher}); err != nil {
			return nil, err
		}
	}
	if f.Auth != "" {
		if err := parseAuth(&parseState{cfg: cfg}, []string{f.Auth}); err != nil {
			return nil, err
		}
	}
	if f.Scramble.Method != "" {
		cfg.ScrambleMethod = obfs.Method(f.Scramble.Method)
		cfg.ScrambleMask = []byte(f.Scramble.Mask)
	}
	cfg.UsesPIAPatches = cfg.UsesPIAPatches || f.PIAPatches
	return cfg, nil
}
