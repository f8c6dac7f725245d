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


// Package cli is the main entrypoint for mpctl.
package cli

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"runtime"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"
	"gvisor.dev/mpboot/mpctl/cmd"
	"gvisor.dev/mpboot/mpctl/config"
	"gvisor.dev/mpboot/pkg/log"
)

// Main is the main entrypoint.
func Main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// Register with the main command line.
	config.RegisterFlags(flag.CommandLine)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		cmd.Fatalf("%v", err)
	}

	if conf.Debug {
		log.SetLevel(log.Debug)
	}
	log.SetTarget(newEmitter(conf.LogFormat, os.Stderr))

	log.Debugf("%s, %s, %d CPUs, PID %d", runtime.Version(), runtime.GOARCH, runtime.NumCPU(), os.Getpid())
	log.Debugf("Args: %v", os.Args)
	if log.IsLogging(log.Debug) {
		conf.Log()
	}

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()
	subcmdCode := subcommands.Execute(ctx, conf)
	if subcmdCode != subcommands.ExitSuccess {
		log.Debugf("Failure to execute command, err: %v", subcmdCode)
	}
	stop()
	os.Exit(int(subcmdCode))
}

func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")
	cb(subcommands.CommandsCommand(), "")

	cb(new(cmd.Scan), "")
	cb(new(cmd.Simulate), "")

	const hostGroup = "host"
	cb(new(cmd.Lapic), hostGroup)
}

func newEmitter(format string, logFile io.Writer) log.Emitter {
	switch format {
	case "text":
		return log.GoogleEmitter{Emitter: &log.Writer{Next: logFile}}
	case "json":
		return log.JSONEmitter{Writer: &log.Writer{Next: logFile}}
	case "logrus":
		return log.NewLogrusEmitter(&log.Writer{Next: logFile})
	}
	cmd.Fatalf("invalid log format %q, must be 'text', 'json', or 'logrus'", format)
	panic("unreachable")
}
