// Copyright 2020 The gVisor Authors.
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

package config

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
	"gopkg.in/yaml.v3"
	"ibboot.dev/ibboot/pkg/arbel"
	"ibboot.dev/ibboot/pkg/tcpip/transport/tcp"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "TOML or YAML (.yaml, .yml) file to read settings from. Flags given on the command line take precedence.")

	// Logging flags.
	flagSet.String("log", "", "file path where logs are written, default is stderr. %COMMAND% and %TIMESTAMP% are replaced.")
	flagSet.String("log-format", "text", "log format: text (default), json, or logrus.")
	flagSet.String("log-level", "info", "minimum level logged: warning, info (default), or debug.")
	flagSet.String("metrics-file", "", "file path where counters are written in Prometheus text format on exit.")

	// Flags that control the HCA.
	flagSet.Bool("sim", true, "use the simulated HCA instead of mapped hardware.")
	flagSet.String("hcr-path", "", "resource file holding the HCA configuration space, e.g. a PCI BAR0 resource in sysfs.")
	flagSet.String("uar-path", "", "resource file holding the HCA user access region.")
	flagSet.Uint("lkey", 0, "reserved memory key set up by firmware.")
	flagSet.Duration("hcr-wait", arbel.HCRMaxWait, "how long to wait for an HCA command to complete.")
	flagSet.Uint("cq-entries", 8, "completion queue size used by probe; a power of two.")
	flagSet.Uint("send-wqes", 2, "send queue size used by probe; a power of two.")
	flagSet.Uint("recv-wqes", 4, "receive queue size used by probe; a power of two.")
	flagSet.Uint("qkey", 0x11111111, "queue key of the probe queue pair.")

	// Flags that control the TCP check.
	flagSet.String("peer", "203.0.113.5:80", "address the TCP check connects to.")
	flagSet.String("local-address", "192.0.2.1", "source address of the TCP check.")
	flagSet.Uint("local-port", 0, "source port of the TCP check; 0 picks an ephemeral port.")
	flagSet.String("payload", "GET / HTTP/1.0\r\n\r\n", "data sent by the TCP check and echoed by its peer.")
	flagSet.Int("connections", 1, "number of TCP checks run side by side.")
	flagSet.Duration("retransmit-min", tcp.DefaultRetransmitOptions.MinTimeout, "first retransmission timeout.")
	flagSet.Duration("retransmit-max", tcp.DefaultRetransmitOptions.MaxTimeout, "largest retransmission timeout.")
	flagSet.Duration("retransmit-give-up", tcp.DefaultRetransmitOptions.GiveUpAfter, "time after which retransmission is abandoned.")
	flagSet.Duration("msl", tcp.DefaultMSL, "maximum segment lifetime.")
	flagSet.Duration("timeout", time.Minute, "deadline for a whole check.")
}

// setFromFlags copies the value of each flag visited into its Config field.
func setFromFlags(conf *Config, visit func(func(*flag.Flag))) {
	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	fields := make(map[string]int, st.NumField())
	for i := 0; i < st.NumField(); i++ {
		if name, ok := st.Field(i).Tag.Lookup("flag"); ok {
			fields[name] = i
		}
	}
	visit(func(fl *flag.Flag) {
		i, ok := fields[fl.Name]
		if !ok {
			// Not a Config flag.
			return
		}
		x := reflect.ValueOf(fl.Value.(flag.Getter).Get())
		obj.Field(i).Set(x)
	})
}

// NewFromFlags creates a new Config with values coming from command line
// flags and, when --config is given, from that file.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	for _, name := range flagNames() {
		if flagSet.Lookup(name) == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
	}
	setFromFlags(conf, flagSet.VisitAll)

	if conf.ConfigFile != "" {
		fileConf := deepcopy.Copy(conf).(*Config)
		if err := decodeFile(conf.ConfigFile, fileConf); err != nil {
			return nil, err
		}
		// Only explicitly set flags override the file.
		setFromFlags(fileConf, flagSet.Visit)
		conf = fileConf
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// decodeFile decodes the settings in path over conf. Settings the file does
// not mention keep their value; unknown settings are an error.
func decodeFile(path string, conf *Config) error {
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("error reading config file %q: %w", path, err)
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(conf); err != nil && err != io.EOF {
			if strings.Contains(err.Error(), "not found in type") {
				return fmt.Errorf("unknown settings in config file %q: %w", path, err)
			}
			return fmt.Errorf("error reading config file %q: %w", path, err)
		}
		return nil
	default:
		md, err := toml.DecodeFile(path, conf)
		if err != nil {
			return fmt.Errorf("error reading config file %q: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			return fmt.Errorf("unknown settings in config file %q: %s", path, strings.Join(keys, ", "))
		}
		return nil
	}
}

// flagNames returns the flag name of every Config field.
func flagNames() []string {
	var names []string
	st := reflect.TypeOf(Config{})
	for i := 0; i < st.NumField(); i++ {
		if name, ok := st.Field(i).Tag.Lookup("flag"); ok {
			names = append(names, name)
		}
	}
	return names
}

// ToFlags returns a slice of flags that correspond to the given Config.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		val := getVal(obj.Field(i))

		flag := flagSet.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == flag.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", flag.Name, val))
	}
	return rv
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}
