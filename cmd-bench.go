package main

import (
	"fmt"
	"math/rand"
	"os"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
	jsoniter "github.com/json-iterator/go"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/rpcpool/pagedhash/store"
)

const benchCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

type benchResult struct {
	Keys          int64   `json:"keys"`
	PageLength    uint64  `json:"page_length"`
	BucketCount   uint64  `json:"bucket_count"`
	LoadFactor    float64 `json:"load_factor"`
	GenMs         int64   `json:"gen_ms"`
	InsertAvgMcs  float64 `json:"insert_avg_mcs"`
	SearchAvgMcs  float64 `json:"search_avg_mcs"`
	SearchFound   int64   `json:"search_found"`
	DeleteAvgMcs  float64 `json:"delete_avg_mcs"`
	DeleteDeleted int64   `json:"delete_deleted"`
}

func newCmd_Bench() *cli.Command {
	var numKeys int64
	var keyLen, valueLen int
	var pageLength uint64
	var dir string
	var keep, asJSON bool
	return &cli.Command{
		Name:        "bench",
		Usage:       "Benchmark insert/search/delete over random keys.",
		Description: "Fill a fresh store with random key/value pairs and measure the average per-operation latency of inserts, lookups and deletions.",
		Flags: []cli.Flag{
			&cli.Int64Flag{
				Name:        "n",
				Usage:       "number of keys",
				Value:       100_000,
				Destination: &numKeys,
			},
			&cli.IntFlag{
				Name:        "key-len",
				Usage:       "length of the random keys",
				Value:       16,
				Destination: &keyLen,
			},
			&cli.IntFlag{
				Name:        "value-len",
				Usage:       "length of the random values",
				Value:       16,
				Destination: &valueLen,
			},
			&cli.Uint64Flag{
				Name:        "page-length",
				Usage:       "segment slots per table page",
				Value:       64,
				Destination: &pageLength,
			},
			&cli.StringFlag{
				Name:        "dir",
				Usage:       "store directory (default: a fresh temporary directory)",
				Destination: &dir,
			},
			&cli.BoolFlag{
				Name:        "keep",
				Usage:       "keep the store directory afterwards",
				Destination: &keep,
			},
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "machine-readable output",
				Destination: &asJSON,
			},
		},
		Action: func(c *cli.Context) error {
			if dir == "" {
				tmp, err := os.MkdirTemp("", "pagedhash-bench-")
				if err != nil {
					return err
				}
				dir = tmp
			}
			if !keep {
				defer os.RemoveAll(dir)
			}

			genStart := time.Now()
			keys, values, err := generatePairs(numKeys, keyLen, valueLen)
			if err != nil {
				return err
			}
			genDuration := time.Since(genStart)

			st, err := store.Open(dir, store.Overwrite(), store.PageLength(pageLength))
			if err != nil {
				return err
			}
			defer func() {
				if err := st.Close(); err != nil {
					klog.Errorf("error closing store: %v", err)
				}
			}()

			result := benchResult{
				Keys:       numKeys,
				PageLength: pageLength,
				GenMs:      genDuration.Milliseconds(),
			}

			insertStart := time.Now()
			for i := range keys {
				if _, err := st.Insert(keys[i], values[i]); err != nil {
					return err
				}
			}
			result.InsertAvgMcs = avgMcs(time.Since(insertStart), numKeys)

			searchStart := time.Now()
			for i := range keys {
				found, err := st.Has(keys[i])
				if err != nil {
					return err
				}
				if found {
					result.SearchFound++
				}
			}
			result.SearchAvgMcs = avgMcs(time.Since(searchStart), numKeys)

			deleteStart := time.Now()
			for i := range keys {
				ok, err := st.Erase(keys[i])
				if err != nil {
					return err
				}
				if ok {
					result.DeleteDeleted++
				}
			}
			result.DeleteAvgMcs = avgMcs(time.Since(deleteStart), numKeys)

			result.BucketCount = st.BucketCount()
			result.LoadFactor = st.LoadFactor()

			if asJSON {
				out, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(result, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			}
			fmt.Printf("N: %s (key %d bytes, value %d bytes)\n", humanize.Comma(result.Keys), keyLen, valueLen)
			fmt.Printf("gen: %d ms\n", result.GenMs)
			fmt.Printf("buckets: %s, load factor: %.3f\n", humanize.Comma(int64(result.BucketCount)), result.LoadFactor)
			fmt.Printf("ins avg: %.2f mcs\n", result.InsertAvgMcs)
			fmt.Printf("search avg: %.2f mcs (%s found)\n", result.SearchAvgMcs, humanize.Comma(result.SearchFound))
			fmt.Printf("del avg: %.2f mcs (%s deleted)\n", result.DeleteAvgMcs, humanize.Comma(result.DeleteDeleted))
			return nil
		},
	}
}

// generatePairs builds the dataset up front so the timed loops measure the
// store and not the generator. Duplicate random keys are possible and fine;
// the insert loop ignores the refused duplicate inserts.
func generatePairs(n int64, keyLen, valueLen int) ([][]byte, [][]byte, error) {
	keys := make([][]byte, n)
	values := make([][]byte, n)

	var group errgroup.Group
	workers := int64(runtime.NumCPU())
	chunk := (n + workers - 1) / workers
	for w := int64(0); w < workers; w++ {
		begin := w * chunk
		end := min(begin+chunk, n)
		if begin >= end {
			break
		}
		rng := rand.New(rand.NewSource(time.Now().UnixNano() + begin))
		group.Go(func() error {
			for i := begin; i < end; i++ {
				keys[i] = randomBytes(rng, keyLen)
				values[i] = randomBytes(rng, valueLen)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, nil, err
	}
	return keys, values, nil
}

func randomBytes(rng *rand.Rand, n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = benchCharset[rng.Intn(len(benchCharset))]
	}
	return buf
}

func avgMcs(d time.Duration, n int64) float64 {
	if n == 0 {
		return 0
	}
	return float64(d.Microseconds()) / float64(n)
}
