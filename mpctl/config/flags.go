// Copyright 2026 The gVisor Authors.
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
	"reflect"
	"strconv"
	"time"

	"gvisor.dev/mpboot/pkg/mptable"
	"gvisor.dev/mpboot/pkg/smp"
	"gvisor.dev/mpboot/pkg/trampoline"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	// Debugging flags.
	flagSet.String("log-format", "text", "log format: text (default), json, or logrus.")
	flagSet.Bool("debug", false, "enable debug logging.")

	// Firmware table flags.
	flagSet.Int("max-cores", mptable.DefaultMaxCores, "maximum number of processors taken from the MP table.")
	flagSet.Uint64("scan-limit", uint64(mptable.DefaultScanLimit), "last physical address searched for the MP floating pointer.")
	flagSet.Bool("strict-checksum", false, "treat MP table checksum errors like a missing table.")

	// Wakeup flags.
	flagSet.Uint64("trampoline-addr", uint64(trampoline.DefaultLoadAddress), "physical load address of the trampoline, page aligned and below 1MiB.")
	flagSet.Int("stack-pages", trampoline.StackPages, "number of pages in each application processor stack.")
	flagSet.Duration("init-delay", smp.DefaultInitDelay, "wait after the INIT IPI sequence.")
	flagSet.Duration("sipi-delay", smp.DefaultSIPIDelay, "wait between the two STARTUP IPIs.")
	flagSet.Duration("ipi-timeout", smp.DefaultIPITimeout, "maximum wait for the local APIC to accept an IPI.")
	flagSet.Duration("ack-timeout", smp.DefaultAckTimeout, "maximum wait for a core to consume its trampoline parameters.")
}

// NewFromFlags creates a new Config with values coming from command line flags.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}

	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		x := reflect.ValueOf(fl.Value.(flag.Getter).Get())
		obj.Field(i).Set(x)
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
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
	if d, ok := field.Interface().(time.Duration); ok {
		return d.String()
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
