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
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/daviszhen/tuplesort/pkg/sort"
	"github.com/daviszhen/tuplesort/pkg/util"
)

func Test_run_parallel_sorts(t *testing.T) {
	cfg := &util.Config{WorkMem: 1024, TempDir: t.TempDir(), Workers: 3}
	codec, key, _, err := newRecordCodec("int64")
	require.NoError(t, err)

	var sb strings.Builder
	n := 10000
	for i := n - 1; i >= 0; i-- {
		fmt.Fprintln(&sb, i)
	}
	ts, cleanup, err := runParallel(cfg, codec, key, strings.NewReader(sb.String()))
	require.NoError(t, err)
	defer cleanup()
	defer ts.End()

	p := sort.NewInt64Policy()
	for i := 0; i < n; i++ {
		tup, ok, gerr := ts.Get(true)
		require.NoError(t, gerr)
		require.True(t, ok)
		v, _ := p.Value(&tup)
		require.Equal(t, int64(i), v)
	}
	_, ok, gerr := ts.Get(true)
	require.NoError(t, gerr)
	require.False(t, ok)
}

func Test_run_parallel_reports_worker_error(t *testing.T) {
	cfg := &util.Config{WorkMem: 1024, TempDir: t.TempDir(), Workers: 3}
	codec, key, _, err := newRecordCodec("int64")
	require.NoError(t, err)

	// a bad record up front kills one worker; the feeder must stop
	// instead of blocking forever on that worker's full channel
	var sb strings.Builder
	sb.WriteString("not-a-number\n")
	for i := 0; i < 50000; i++ {
		fmt.Fprintln(&sb, i)
	}
	_, _, err = runParallel(cfg, codec, key, strings.NewReader(sb.String()))
	require.Error(t, err)
}
