// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config provides basic infrastructure to set configuration settings
// for runboot. Each setting that can be changed from the command line must
// have a corresponding flag registered in flags.go; a setting may also come
// from an optional TOML or YAML file, with explicitly set flags taking
// precedence.
package config

import (
	"fmt"
	"math/bits"
	"net/netip"
	"reflect"
	"time"

	"ibboot.dev/ibboot/pkg/arbel"
	"ibboot.dev/ibboot/pkg/log"
	"ibboot.dev/ibboot/pkg/tcpip"
	"ibboot.dev/ibboot/pkg/tcpip/transport/tcp"
)

// Config holds configuration that is not part of the per-command flags.
type Config struct {
	// ConfigFile is the file the remaining settings were read from, if
	// any. Files ending in .yaml or .yml are YAML, anything else TOML.
	ConfigFile string `flag:"config" toml:"-" yaml:"-"`

	// LogFilename is the file to log to. %COMMAND% and %TIMESTAMP% are
	// substituted. Empty means stderr.
	LogFilename string `flag:"log" toml:"log" yaml:"log"`

	// LogFormat is the log format: text, json or logrus.
	LogFormat string `flag:"log-format" toml:"log-format" yaml:"log-format"`

	// LogLevel is the minimum level logged: warning, info or debug.
	LogLevel string `flag:"log-level" toml:"log-level" yaml:"log-level"`

	// MetricsFile, if set, receives the Prometheus text exposition of all
	// counters when the command exits.
	MetricsFile string `flag:"metrics-file" toml:"metrics-file" yaml:"metrics-file"`

	// Sim selects the simulated HCA instead of mapped hardware.
	Sim bool `flag:"sim" toml:"sim" yaml:"sim"`

	// HCRPath and UARPath are the resources mapped for the command
	// registers and the doorbell page when Sim is false.
	HCRPath string `flag:"hcr-path" toml:"hcr-path" yaml:"hcr-path"`
	UARPath string `flag:"uar-path" toml:"uar-path" yaml:"uar-path"`

	// LKey is the reserved memory key set up by firmware initialisation.
	LKey uint `flag:"lkey" toml:"lkey" yaml:"lkey"`

	// HCRWait bounds how long a command may take.
	HCRWait time.Duration `flag:"hcr-wait" toml:"hcr-wait" yaml:"hcr-wait"`

	// CQEntries, SendWQEs and RecvWQEs size the probe's queues. All must be
	// powers of two.
	CQEntries uint `flag:"cq-entries" toml:"cq-entries" yaml:"cq-entries"`
	SendWQEs  uint `flag:"send-wqes" toml:"send-wqes" yaml:"send-wqes"`
	RecvWQEs  uint `flag:"recv-wqes" toml:"recv-wqes" yaml:"recv-wqes"`

	// QKey is the probe queue pair's queue key.
	QKey uint `flag:"qkey" toml:"qkey" yaml:"qkey"`

	// Peer is the address the TCP check connects to.
	Peer string `flag:"peer" toml:"peer" yaml:"peer"`

	// LocalAddress is the TCP check's source address.
	LocalAddress string `flag:"local-address" toml:"local-address" yaml:"local-address"`

	// LocalPort is the TCP check's source port. Zero picks one.
	LocalPort uint `flag:"local-port" toml:"local-port" yaml:"local-port"`

	// Payload is sent by the TCP check and must be echoed back.
	Payload string `flag:"payload" toml:"payload" yaml:"payload"`

	// Connections is how many TCP checks run side by side.
	Connections int `flag:"connections" toml:"connections" yaml:"connections"`

	RetransmitMin    time.Duration `flag:"retransmit-min" toml:"retransmit-min" yaml:"retransmit-min"`
	RetransmitMax    time.Duration `flag:"retransmit-max" toml:"retransmit-max" yaml:"retransmit-max"`
	RetransmitGiveUp time.Duration `flag:"retransmit-give-up" toml:"retransmit-give-up" yaml:"retransmit-give-up"`

	// MSL is the maximum segment lifetime; TIME_WAIT lasts twice this.
	MSL time.Duration `flag:"msl" toml:"msl" yaml:"msl"`

	// Timeout bounds a whole check.
	Timeout time.Duration `flag:"timeout" toml:"timeout" yaml:"timeout"`
}

func isPowerOfTwo(n uint) bool {
	return n != 0 && bits.OnesCount(n) == 1
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json", "logrus":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text', 'json' or 'logrus'", c.LogFormat)
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	for _, q := range []struct {
		name string
		n    uint
	}{
		{"cq-entries", c.CQEntries},
		{"send-wqes", c.SendWQEs},
		{"recv-wqes", c.RecvWQEs},
	} {
		if !isPowerOfTwo(q.n) {
			return fmt.Errorf("%s must be a power of two, got %d", q.name, q.n)
		}
	}
	if c.QKey > 0xffffffff {
		return fmt.Errorf("qkey %#x does not fit in 32 bits", c.QKey)
	}
	if c.LKey > 0xffffffff {
		return fmt.Errorf("lkey %#x does not fit in 32 bits", c.LKey)
	}
	if _, err := tcpip.ParseFullAddress(c.Peer); err != nil {
		return fmt.Errorf("invalid peer %q: %w", c.Peer, err)
	}
	if _, err := netip.ParseAddr(c.LocalAddress); err != nil {
		return fmt.Errorf("invalid local address %q: %w", c.LocalAddress, err)
	}
	if c.LocalPort > 0xffff {
		return fmt.Errorf("local port %d out of range", c.LocalPort)
	}
	if c.Connections < 1 {
		return fmt.Errorf("connections must be at least 1, got %d", c.Connections)
	}
	if c.Connections > 1 && c.LocalPort != 0 {
		return fmt.Errorf("local-port cannot be fixed with more than one connection")
	}
	if c.RetransmitMin <= 0 || c.RetransmitMax < c.RetransmitMin {
		return fmt.Errorf("invalid retransmission timeouts: min %v, max %v", c.RetransmitMin, c.RetransmitMax)
	}
	if c.RetransmitGiveUp <= 0 || c.MSL <= 0 || c.Timeout <= 0 || c.HCRWait <= 0 {
		return fmt.Errorf("durations must be positive")
	}
	return nil
}

// Level returns the configured log level.
func (c *Config) Level() log.Level {
	l, _ := log.ParseLevel(c.LogLevel)
	return l
}

// PeerAddress returns the parsed peer address.
func (c *Config) PeerAddress() tcpip.FullAddress {
	a, _ := tcpip.ParseFullAddress(c.Peer)
	return a
}

// LocalFullAddress returns the parsed local address and port.
func (c *Config) LocalFullAddress() tcpip.FullAddress {
	return tcpip.FullAddress{
		Addr: netip.MustParseAddr(c.LocalAddress),
		Port: uint16(c.LocalPort),
	}
}

// RetransmitOptions returns the retransmission timer settings.
func (c *Config) RetransmitOptions() tcp.RetransmitOptions {
	return tcp.RetransmitOptions{
		MinTimeout:  c.RetransmitMin,
		MaxTimeout:  c.RetransmitMax,
		GiveUpAfter: c.RetransmitGiveUp,
	}
}

// ArbelOptions returns the HCA driver settings.
func (c *Config) ArbelOptions() arbel.Options {
	return arbel.Options{CommandTimeout: c.HCRWait}
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			continue
		}
		log.Infof("\t%s: %s", name, getVal(obj.Field(i)))
	}
}
