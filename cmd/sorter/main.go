// Copyright 2023-2024 daviszhen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/klauspost/compress/gzip"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/daviszhen/tuplesort/pkg/sort"
	"github.com/daviszhen/tuplesort/pkg/tape"
	"github.com/daviszhen/tuplesort/pkg/util"
)

func init() {
	cobra.OnInitialize(loadConfig)
	initRunCmd()
}

var sorterCfg = &util.Config{}

var info = "sorter"

var RootCmd = &cobra.Command{
	Use:          "sorter",
	Short:        info,
	Long:         info,
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("use sorter --help or -h")
	},
}

var runInfo = "sort a file of records"

var runCmd = &cobra.Command{
	Use:   "run",
	Short: runInfo,
	Long:  runInfo,
	RunE: func(cmd *cobra.Command, args []string) error {
		initRunCfg()
		return run(sorterCfg)
	},
}

func initRunCfg() {
	sorterCfg.Input.Path = viper.GetString("input.path")
	sorterCfg.Input.Format = viper.GetString("input.format")
	sorterCfg.Input.Gzip = viper.GetBool("input.gzip")
	sorterCfg.Output.Path = viper.GetString("output.path")
	sorterCfg.Output.Gzip = viper.GetBool("output.gzip")
	sorterCfg.WorkMem = viper.GetInt64("workMemKB")
	sorterCfg.TempDir = viper.GetString("tempDir")
	sorterCfg.Workers = viper.GetInt("workers")
	sorterCfg.TopN = viper.GetInt64("topN")
	sorterCfg.Debug.PrintStats = viper.GetBool("debug.printStats")
	sorterCfg.Debug.DumpTapes = viper.GetBool("debug.dumpTapes")
}

func initRunCmd() {
	RootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&sorterCfg.Input.Path, "input", "", "input file. - for stdin")
	runCmd.Flags().StringVar(&sorterCfg.Input.Format, "format", "text", "record format. text, int64")
	runCmd.Flags().BoolVar(&sorterCfg.Input.Gzip, "input_gzip", false, "input is gzip compressed")
	runCmd.Flags().StringVar(&sorterCfg.Output.Path, "output", "", "output file. - for stdout")
	runCmd.Flags().BoolVar(&sorterCfg.Output.Gzip, "output_gzip", false, "gzip the output")
	runCmd.Flags().Int64Var(&sorterCfg.WorkMem, "workmem", 64*1024, "sort memory budget in KB")
	runCmd.Flags().StringVar(&sorterCfg.TempDir, "tempdir", "", "directory for spill files")
	runCmd.Flags().IntVar(&sorterCfg.Workers, "workers", 0, "parallel sort workers. 0 for serial")
	runCmd.Flags().Int64Var(&sorterCfg.TopN, "topn", 0, "only the first N records are needed")
	runCmd.Flags().BoolVar(&sorterCfg.Debug.PrintStats, "print_stats", false, "log sort statistics")

	viper.BindPFlag("input.path", runCmd.Flags().Lookup("input"))
	viper.BindPFlag("input.format", runCmd.Flags().Lookup("format"))
	viper.BindPFlag("input.gzip", runCmd.Flags().Lookup("input_gzip"))
	viper.BindPFlag("output.path", runCmd.Flags().Lookup("output"))
	viper.BindPFlag("output.gzip", runCmd.Flags().Lookup("output_gzip"))
	viper.BindPFlag("workMemKB", runCmd.Flags().Lookup("workmem"))
	viper.BindPFlag("tempDir", runCmd.Flags().Lookup("tempdir"))
	viper.BindPFlag("workers", runCmd.Flags().Lookup("workers"))
	viper.BindPFlag("topN", runCmd.Flags().Lookup("topn"))
	viper.BindPFlag("debug.printStats", runCmd.Flags().Lookup("print_stats"))
}

var defCfgFilePaths = []string{".", "etc"}
var cfgFileName = "sorter.toml"

func loadConfig() {
	for _, dirPath := range defCfgFilePaths {
		fpath := filepath.Join(dirPath, cfgFileName)
		if util.FileIsValid(fpath) {
			_, err := toml.DecodeFile(fpath, sorterCfg)
			if err != nil {
				util.Error("load config file failed",
					zap.String("fpath", fpath),
					zap.Error(err))
				continue
			}
			viper.SetConfigFile(fpath)
			if err = viper.ReadInConfig(); err != nil {
				util.Error("viper load config file failed",
					zap.String("fpath", fpath),
					zap.Error(err))
			}
			break
		}
	}
}

func openInput(cfg *util.Config) (io.Reader, func() error, error) {
	var r io.Reader = os.Stdin
	closer := func() error { return nil }
	if cfg.Input.Path != "" && cfg.Input.Path != "-" {
		f, err := os.Open(cfg.Input.Path)
		if err != nil {
			return nil, nil, err
		}
		r = f
		closer = f.Close
	}
	if cfg.Input.Gzip {
		gz, err := gzip.NewReader(r)
		if err != nil {
			closer()
			return nil, nil, err
		}
		r = gz
	}
	return r, closer, nil
}

func openOutput(cfg *util.Config) (io.Writer, func() error, error) {
	var w io.Writer = os.Stdout
	closers := []func() error{}
	if cfg.Output.Path != "" && cfg.Output.Path != "-" {
		f, err := os.Create(cfg.Output.Path)
		if err != nil {
			return nil, nil, err
		}
		w = f
		closers = append(closers, f.Close)
	}
	if cfg.Output.Gzip {
		gz := gzip.NewWriter(w)
		w = gz
		closers = append([]func() error{gz.Close}, closers...)
	}
	closer := func() error {
		for _, c := range closers {
			if err := c(); err != nil {
				return err
			}
		}
		return nil
	}
	return w, closer, nil
}

type recordCodec struct {
	format string
	i64    *sort.Int64Policy
	txt    *sort.BytesPolicy
}

func newRecordCodec(format string) (*recordCodec, sort.SortKey, sort.TuplePolicy, error) {
	switch format {
	case "int64":
		p := sort.NewInt64Policy()
		return &recordCodec{format: format, i64: p}, p.Key(false, false), p, nil
	case "", "text":
		p := sort.NewBytesPolicy()
		return &recordCodec{format: "text", txt: p}, p.Key(false, false), p, nil
	}
	return nil, sort.SortKey{}, nil, fmt.Errorf("unknown record format %q", format)
}

func (c *recordCodec) parse(line []byte) (sort.SortTuple, error) {
	if c.i64 != nil {
		v, err := strconv.ParseInt(string(line), 10, 64)
		if err != nil {
			return sort.SortTuple{}, err
		}
		return c.i64.MakeTuple(v), nil
	}
	return c.txt.MakeTuple(line), nil
}

func (c *recordCodec) render(t *sort.SortTuple) []byte {
	if c.i64 != nil {
		v, _ := c.i64.Value(t)
		return []byte(strconv.FormatInt(v, 10))
	}
	b, _ := c.txt.Value(t)
	return b
}

func run(cfg *util.Config) error {
	in, closeIn, err := openInput(cfg)
	if err != nil {
		return err
	}
	defer closeIn()
	out, closeOut, err := openOutput(cfg)
	if err != nil {
		return err
	}

	codec, key, policy, err := newRecordCodec(cfg.Input.Format)
	if err != nil {
		return err
	}

	var ts *sort.Tuplesort
	cleanup := func() error { return nil }
	if cfg.Workers > 1 {
		ts, cleanup, err = runParallel(cfg, codec, key, in)
	} else {
		ts, err = runSerial(cfg, codec, key, policy, in)
	}
	if err != nil {
		return err
	}
	defer cleanup()
	defer ts.End()

	w := bufio.NewWriter(out)
	for {
		t, ok, gerr := ts.Get(true)
		if gerr != nil {
			return gerr
		}
		if !ok {
			break
		}
		if _, werr := w.Write(codec.render(&t)); werr != nil {
			return werr
		}
		if werr := w.WriteByte('\n'); werr != nil {
			return werr
		}
	}
	if err = w.Flush(); err != nil {
		return err
	}
	if err = closeOut(); err != nil {
		return err
	}

	if cfg.Debug.PrintStats {
		stats := ts.Stats()
		util.Info("sort finished",
			zap.String("method", stats.Method),
			zap.String("spaceType", stats.SpaceType),
			zap.Int64("spaceKB", stats.SpaceKB))
	}
	if cfg.Debug.DumpTapes {
		fmt.Fprintln(os.Stderr, ts.DumpState())
	}
	return nil
}

func runSerial(cfg *util.Config, codec *recordCodec, key sort.SortKey, policy sort.TuplePolicy, in io.Reader) (*sort.Tuplesort, error) {
	opts := sort.Option(0)
	if cfg.TopN > 0 {
		opts |= sort.OPT_ALLOW_BOUNDED
	}
	ts, err := sort.Begin(key, policy, cfg.WorkMem, cfg.TempDir, opts, nil)
	if err != nil {
		return nil, err
	}
	if cfg.TopN > 0 {
		if err = ts.SetBound(cfg.TopN); err != nil {
			ts.End()
			return nil, err
		}
	}
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 1024*1024), 16*1024*1024)
	for scanner.Scan() {
		t, perr := codec.parse(scanner.Bytes())
		if perr != nil {
			ts.End()
			return nil, perr
		}
		if err = ts.Put(t); err != nil {
			ts.End()
			return nil, err
		}
	}
	if err = scanner.Err(); err != nil {
		ts.End()
		return nil, err
	}
	if err = ts.Finish(); err != nil {
		ts.End()
		return nil, err
	}
	return ts, nil
}

func runParallel(cfg *util.Config, codec *recordCodec, key sort.SortKey, in io.Reader) (*sort.Tuplesort, func() error, error) {
	nWorkers := cfg.Workers
	fs, err := tape.NewFileSet(cfg.TempDir)
	if err != nil {
		return nil, nil, err
	}
	shared := sort.InitializeShared(nWorkers, fs)

	lines := make([]chan []byte, nWorkers)
	for i := range lines {
		lines[i] = make(chan []byte, 1024)
	}

	// The group's context lets the scanner stop feeding as soon as any
	// worker dies; without it a failed worker leaves its channel
	// undrained and the send below blocks forever.
	eg, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < nWorkers; i++ {
		ch := lines[i]
		eg.Go(func() error {
			wp, serr := workerPolicy(codec)
			if serr != nil {
				return serr
			}
			wts, serr := sort.Begin(key, wp, cfg.WorkMem/int64(nWorkers), cfg.TempDir,
				0, &sort.Coordinate{IsWorker: true, Shared: sort.AttachShared(shared)})
			if serr != nil {
				return serr
			}
			defer wts.End()
			wcodec := &recordCodec{format: codec.format}
			if p, ok := wp.(*sort.Int64Policy); ok {
				wcodec.i64 = p
			} else {
				wcodec.txt = wp.(*sort.BytesPolicy)
			}
			for line := range ch {
				t, perr := wcodec.parse(line)
				if perr != nil {
					return perr
				}
				if serr = wts.Put(t); serr != nil {
					return serr
				}
			}
			return wts.Finish()
		})
	}

	scanErr := func() error {
		defer func() {
			for _, ch := range lines {
				close(ch)
			}
		}()
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 1024*1024), 16*1024*1024)
		i := 0
		for scanner.Scan() {
			line := append([]byte{}, scanner.Bytes()...)
			select {
			case lines[i%nWorkers] <- line:
			case <-ctx.Done():
				// A worker failed; eg.Wait reports its error.
				return nil
			}
			i++
		}
		return scanner.Err()
	}()
	if werr := eg.Wait(); werr != nil {
		fs.Remove()
		return nil, nil, werr
	}
	if scanErr != nil {
		fs.Remove()
		return nil, nil, scanErr
	}

	leaderPolicy, err := workerPolicy(codec)
	if err != nil {
		fs.Remove()
		return nil, nil, err
	}
	leader, err := sort.Begin(key, leaderPolicy, cfg.WorkMem, cfg.TempDir, 0,
		&sort.Coordinate{NParticipants: nWorkers, Shared: shared})
	if err != nil {
		fs.Remove()
		return nil, nil, err
	}
	if err = leader.Finish(); err != nil {
		leader.End()
		fs.Remove()
		return nil, nil, err
	}
	// Worker spill files stay alive until the leader is drained.
	return leader, fs.Remove, nil
}

// workerPolicy builds a fresh policy per participant; policies carry
// scratch state and must not be shared across goroutines.
func workerPolicy(codec *recordCodec) (sort.TuplePolicy, error) {
	if codec.i64 != nil {
		return sort.NewInt64Policy(), nil
	}
	return sort.NewBytesPolicy(), nil
}

func main() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
