// Copyright 2018 Axel Wagner
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

// Command nbd-client attaches NBD exports to local device nodes.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
)

var commands []subcommands.Command

// knownCommands lists every registered subcommand name plus the
// built-in help/flags/commands trio, so main can tell whether the
// first argument already names a mode or should fall through to the
// implicit default (attach).
var knownCommands = map[string]bool{
	"help":     true,
	"flags":    true,
	"commands": true,
}

func main() {
	for _, c := range commands {
		knownCommands[c.Name()] = true
	}

	// "nbd-client host device" (no explicit mode) means attach, same
	// as the original CLI's default behavior; insert the subcommand
	// name so google/subcommands has something to dispatch on.
	if len(os.Args) > 1 && !knownCommands[os.Args[1]] && os.Args[1] != "-h" && os.Args[1] != "--help" {
		args := make([]string, 0, len(os.Args)+1)
		args = append(args, os.Args[0], "attach")
		args = append(args, os.Args[1:]...)
		os.Args = args
	}

	flag.Parse()
	flag.VisitAll(func(f *flag.Flag) {
		subcommands.ImportantFlag(f.Name)
	})
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	for _, c := range commands {
		subcommands.Register(c, "")
	}
	os.Exit(int(subcommands.Execute(context.Background())))
}
