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

package util

type SortInput struct {
	Path   string `toml:"path"`
	Format string `toml:"format"`
	Gzip   bool   `toml:"gzip"`
}

type SortOutput struct {
	Path string `toml:"path"`
	Gzip bool   `toml:"gzip"`
}

type DebugOptions struct {
	PrintStats bool `toml:"printStats"`
	DumpTapes  bool `toml:"dumpTapes"`
}

type Config struct {
	Input   SortInput    `toml:"input"`
	Output  SortOutput   `toml:"output"`
	WorkMem int64        `toml:"workMemKB"`
	TempDir string       `toml:"tempDir"`
	Workers int          `toml:"workers"`
	TopN    int64        `toml:"topN"`
	Debug   DebugOptions `toml:"debug"`
}
