package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	jsoniter "github.com/json-iterator/go"
	"github.com/urfave/cli/v2"

	"github.com/rpcpool/pagedhash/store"
)

func newCmd_Stats() *cli.Command {
	var pageLength uint64
	var asJSON bool
	return &cli.Command{
		Name:      "stats",
		Usage:     "Print statistics of an existing store directory.",
		ArgsUsage: "<store-dir>",
		Flags: []cli.Flag{
			&cli.Uint64Flag{
				Name:        "page-length",
				Usage:       "segment slots per table page; must match the value the store was created with",
				Value:       64,
				Destination: &pageLength,
			},
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "machine-readable output",
				Destination: &asJSON,
			},
		},
		Action: func(c *cli.Context) error {
			if c.Args().Len() != 1 {
				return fmt.Errorf("exactly one store directory is required")
			}
			st, err := store.Open(c.Args().First(), store.PageLength(pageLength))
			if err != nil {
				return err
			}
			defer st.Close()

			stats, err := st.Stats()
			if err != nil {
				return err
			}
			if asJSON {
				printStatsJSON(stats)
			} else {
				printStats(stats)
			}
			return nil
		},
	}
}

func printStats(stats store.Stats) {
	fmt.Printf("dir:             %s\n", stats.Dir)
	fmt.Printf("keys:            %s\n", humanize.Comma(int64(stats.Size)))
	fmt.Printf("buckets:         %s\n", humanize.Comma(int64(stats.BucketCount)))
	fmt.Printf("page length:     %d\n", stats.PageLength)
	fmt.Printf("load factor:     %.3f (max %.3f)\n", stats.LoadFactor, stats.MaxLoadFactor)
	fmt.Printf("table file:      %s\n", humanize.Bytes(uint64(stats.TableBytes)))
	fmt.Printf("keys file:       %s\n", humanize.Bytes(uint64(stats.KeysBytes)))
	fmt.Printf("data file:       %s\n", humanize.Bytes(uint64(stats.DataBytes)))
}

func printStatsJSON(stats store.Stats) {
	out, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(stats, "", "  ")
	if err != nil {
		panic(fmt.Errorf("error while marshaling stats to JSON: %w", err))
	}
	fmt.Println(string(out))
}
