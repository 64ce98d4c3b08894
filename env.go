package archive

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix is the prefix of every environment variable LoadOptionsFromEnv
// reads.
const EnvPrefix = "SHARDARCHIVE_"

// LoadOptionsFromEnv loads the .env file at path (a missing file is fine)
// and applies the SHARDARCHIVE_* variables on top of base. Variables already
// set in the process environment take precedence over the file.
//
//	SHARDARCHIVE_ELEMENT_SIZE        SHARDARCHIVE_KEY_SIZE
//	SHARDARCHIVE_CHUNK_SIZE          SHARDARCHIVE_INDEX_SIZE
//	SHARDARCHIVE_SHARDS              SHARDARCHIVE_MEMORY_BUDGET
//	SHARDARCHIVE_MAX_BUFFER_ELEMENTS SHARDARCHIVE_WORKERS
//	SHARDARCHIVE_SYNC_INTERVAL       SHARDARCHIVE_MIN_FLUSH_ELEMENTS
//	SHARDARCHIVE_MAX_BUFFER_AGE      SHARDARCHIVE_FORCE_FLUSH
//	SHARDARCHIVE_FLUSH_RETRIES       SHARDARCHIVE_USE_MMAP
func LoadOptionsFromEnv(path string, base Options) (Options, error) {
	if path != "" {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return base, fmt.Errorf("load %s: %w", path, err)
		}
	}
	opts := base
	var errs []error
	intVar := func(name string, dst *int) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	int64Var := func(name string, dst *int64) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	durVar := func(name string, dst *time.Duration) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	boolVar := func(name string, dst *bool) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}

	intVar("ELEMENT_SIZE", &opts.ElementSize)
	intVar("KEY_SIZE", &opts.KeySize)
	intVar("CHUNK_SIZE", &opts.ChunkSize)
	int64Var("INDEX_SIZE", &opts.IndexSize)
	intVar("SHARDS", &opts.Shards)
	int64Var("MEMORY_BUDGET", &opts.MemoryBudget)
	intVar("MAX_BUFFER_ELEMENTS", &opts.MaxBufferElements)
	intVar("WORKERS", &opts.Workers)
	durVar("SYNC_INTERVAL", &opts.SyncInterval)
	intVar("MIN_FLUSH_ELEMENTS", &opts.MinFlushElements)
	durVar("MAX_BUFFER_AGE", &opts.MaxBufferAge)
	boolVar("FORCE_FLUSH", &opts.ForceFlush)
	intVar("FLUSH_RETRIES", &opts.FlushRetries)
	boolVar("USE_MMAP", &opts.UseMmap)
	return opts, errors.Join(errs...)
}
