package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"

	"github.com/rpcpool/pagedhash/store"
)

func newCmd_Shell() *cli.Command {
	var create bool
	var pageLength uint64
	var maxLoadFactor float64
	return &cli.Command{
		Name:        "shell",
		Usage:       "Interactive shell over a store directory.",
		Description: "Open a store directory and run set/get/del/has commands against it interactively.",
		ArgsUsage:   "<store-dir>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "create",
				Usage:       "discard any existing store in the directory and start fresh",
				Destination: &create,
			},
			&cli.Uint64Flag{
				Name:        "page-length",
				Usage:       "segment slots per table page; must match the value the store was created with",
				Value:       64,
				Destination: &pageLength,
			},
			&cli.Float64Flag{
				Name:        "max-load-factor",
				Usage:       "size/bucket threshold that triggers table doubling (0 = default)",
				Destination: &maxLoadFactor,
			},
		},
		Action: func(c *cli.Context) error {
			if c.Args().Len() != 1 {
				return fmt.Errorf("exactly one store directory is required")
			}
			dir := c.Args().First()

			options := []store.Option{store.PageLength(pageLength)}
			if create {
				options = append(options, store.Overwrite())
			}
			if maxLoadFactor != 0 {
				options = append(options, store.MaxLoadFactor(maxLoadFactor))
			}
			st, err := store.Open(dir, options...)
			if err != nil {
				return err
			}
			defer func() {
				if err := st.Close(); err != nil {
					klog.Errorf("error closing store: %v", err)
				}
			}()

			fmt.Printf("opened %s (%d keys, %d buckets); type 'help' for commands\n", dir, st.Size(), st.BucketCount())
			return runShell(st, bufio.NewScanner(os.Stdin))
		},
	}
}

func runShell(st *store.Store, in *bufio.Scanner) error {
	for {
		fmt.Print("> ")
		if !in.Scan() {
			return in.Err()
		}
		fields := strings.Fields(in.Text())
		if len(fields) == 0 {
			continue
		}
		cmd, args := fields[0], fields[1:]

		switch cmd {
		case "set":
			if len(args) < 2 {
				fmt.Println("usage: set <key> <value>")
				continue
			}
			value := strings.Join(args[1:], " ")
			ok, err := st.Insert([]byte(args[0]), []byte(value))
			if err != nil {
				return err
			}
			if ok {
				fmt.Println("ok")
			} else {
				fmt.Println("refused: key exists (del it first)")
			}

		case "get":
			if len(args) != 1 {
				fmt.Println("usage: get <key>")
				continue
			}
			value, found, err := st.Get([]byte(args[0]))
			if err != nil {
				return err
			}
			if found {
				fmt.Printf("%q\n", value)
			} else {
				fmt.Println("(not found)")
			}

		case "del":
			if len(args) != 1 {
				fmt.Println("usage: del <key>")
				continue
			}
			ok, err := st.Erase([]byte(args[0]))
			if err != nil {
				return err
			}
			fmt.Println(strconv.FormatBool(ok))

		case "has":
			if len(args) != 1 {
				fmt.Println("usage: has <key>")
				continue
			}
			ok, err := st.Has([]byte(args[0]))
			if err != nil {
				return err
			}
			fmt.Println(strconv.FormatBool(ok))

		case "size":
			fmt.Println(st.Size())

		case "stats":
			stats, err := st.Stats()
			if err != nil {
				return err
			}
			if len(args) == 1 && args[0] == "--json" {
				printStatsJSON(stats)
			} else {
				printStats(stats)
			}

		case "shrink":
			if err := st.ShrinkToFit(); err != nil {
				return err
			}
			fmt.Printf("shrunk to %d buckets\n", st.BucketCount())

		case "dump":
			stats, err := st.Stats()
			if err != nil {
				return err
			}
			fmt.Print(spew.Sdump(stats))

		case "help":
			fmt.Println(shellHelp)

		case "exit", "quit":
			return nil

		default:
			fmt.Printf("unknown command %q; type 'help'\n", cmd)
		}
	}
}

const shellHelp = `commands:
  set <key> <value>   insert a pair (refused while the key is present)
  get <key>           print the value of a key
  del <key>           erase a key
  has <key>           check whether a key is present
  size                number of keys
  stats [--json]      store statistics
  shrink              rehash the table down to the smallest fitting size
  dump                raw statistics dump
  exit                close the store and leave`
