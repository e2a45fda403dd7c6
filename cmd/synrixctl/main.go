// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Command synrixctl is a small inspection and maintenance tool for
// lattice files: point lookups, prefix scans, manual add/delete, and
// forcing a checkpoint, without writing a host-language binding.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"sigs.k8s.io/yaml"

	"github.com/synrix/lattice"
)

// cliConfig is the shape of an optional -config YAML file, parsed
// with sigs.k8s.io/yaml (which round-trips through encoding/json, so
// the struct tags are ordinary json tags).
type cliConfig struct {
	InitialCapacity    uint64 `json:"initialCapacity,omitempty"`
	CheckpointOps      uint64 `json:"checkpointOps,omitempty"`
	CheckpointInterval string `json:"checkpointInterval,omitempty"`
	SyncBatched        bool   `json:"syncBatched,omitempty"`
}

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	configPath := flag.String("config", "", "optional YAML config file")
	flag.CommandLine.Parse(os.Args[2:])
	args := flag.CommandLine.Args()

	opts, err := loadOptions(*configPath)
	if err != nil {
		log.Fatalf("synrixctl: %v", err)
	}
	opts.Logger = log.New(os.Stderr, "", 0)

	cmd := os.Args[1]
	if err := run(cmd, args, opts); err != nil {
		log.Fatalf("synrixctl: %v", err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: synrixctl <command> [-config file.yaml] <path> [args...]

commands:
  stat <path>
  get <path> <id>
  get-by-name <path> <name>
  find-prefix <path> <prefix> [limit]
  add <path> <name> <type> <data>
  delete <path> <id>
  checkpoint <path>`)
}

func loadOptions(configPath string) (lattice.Options, error) {
	var opts lattice.Options
	if configPath == "" {
		return opts, nil
	}
	raw, err := os.ReadFile(configPath)
	if err != nil {
		return opts, fmt.Errorf("reading config: %w", err)
	}
	var cfg cliConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return opts, fmt.Errorf("parsing config: %w", err)
	}
	opts.InitialCapacity = cfg.InitialCapacity
	opts.CheckpointOps = cfg.CheckpointOps
	if cfg.CheckpointInterval != "" {
		d, err := time.ParseDuration(cfg.CheckpointInterval)
		if err != nil {
			return opts, fmt.Errorf("parsing checkpointInterval: %w", err)
		}
		opts.CheckpointInterval = d
	}
	if cfg.SyncBatched {
		opts.SyncMode = lattice.SyncBatched
	}
	return opts, nil
}

func run(cmd string, args []string, opts lattice.Options) error {
	if len(args) < 1 {
		usage()
		return fmt.Errorf("missing lattice path")
	}
	path := args[0]
	rest := args[1:]

	readOnly := cmd != "add" && cmd != "delete" && cmd != "checkpoint"
	opts.ReadOnly = readOnly
	opts.NoBackground = true

	l, err := lattice.Open(path, opts)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer l.Close()

	switch cmd {
	case "stat":
		return cmdStat(l)
	case "get":
		return cmdGet(l, rest)
	case "get-by-name":
		return cmdGetByName(l, rest)
	case "find-prefix":
		return cmdFindPrefix(l, rest)
	case "add":
		return cmdAdd(l, rest)
	case "delete":
		return cmdDelete(l, rest)
	case "checkpoint":
		return l.Checkpoint()
	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func dumpYAML(v interface{}) error {
	out, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("rendering output: %w", err)
	}
	fmt.Print(string(out))
	return nil
}

func cmdStat(l *lattice.Lattice) error {
	m := l.Metrics()
	return dumpYAML(map[string]interface{}{
		"count":          l.Count(),
		"corruptRecords": m.CorruptRecords(),
		"tornWalTails":   m.TornWalTails(),
		"seqlockRetries": m.SeqlockRetries(),
		"orphanChunks":   m.OrphanChunks(),
		"checkpoints":    m.Checkpoints(),
	})
}

func cmdGet(l *lattice.Lattice, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: get <path> <id>")
	}
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid id %q: %w", args[0], err)
	}
	rec, err := l.Get(id)
	if err != nil {
		return err
	}
	return dumpYAML(rec)
}

func cmdGetByName(l *lattice.Lattice, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: get-by-name <path> <name>")
	}
	rec, err := l.GetByName(args[0])
	if err != nil {
		return err
	}
	return dumpYAML(rec)
}

func cmdFindPrefix(l *lattice.Lattice, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("usage: find-prefix <path> <prefix> [limit]")
	}
	limit := 0
	if len(args) == 2 {
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid limit %q: %w", args[1], err)
		}
		limit = n
	}
	recs, err := l.FindByPrefix(args[0], limit)
	if err != nil {
		return err
	}
	return dumpYAML(recs)
}

func cmdAdd(l *lattice.Lattice, args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("usage: add <path> <name> <type> <data>")
	}
	typ, err := strconv.ParseUint(args[1], 10, 16)
	if err != nil {
		return fmt.Errorf("invalid type %q: %w", args[1], err)
	}
	id, err := l.Add(args[0], uint16(typ), []byte(args[2]))
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func cmdDelete(l *lattice.Lattice, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: delete <path> <id>")
	}
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid id %q: %w", args[0], err)
	}
	return l.Delete(id)
}
