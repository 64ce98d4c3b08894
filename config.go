package archive

import (
	"encoding/json"
	"fmt"
	"os"
)

const (
	configFile = "archive.json"
	tableFile  = "partitions.tsv"
)

// persistedConfig captures the subset of Options that affects file layout.
type persistedConfig struct {
	ElementSize int   `json:"element_size"`
	KeySize     int   `json:"key_size"`
	ChunkSize   int   `json:"chunk_size"`
	IndexSize   int64 `json:"index_size"`
}

func newPersistedConfig(opts Options) persistedConfig {
	return persistedConfig{
		ElementSize: opts.ElementSize,
		KeySize:     opts.KeySize,
		ChunkSize:   opts.ChunkSize,
		IndexSize:   opts.IndexSize,
	}
}

// verifyOrWriteConfig loads an existing config file if present and makes the
// supplied options follow it. If the file does not exist, it is created.
// Differences are logged; the persisted layout always wins.
func verifyOrWriteConfig(path string, opts *Options) error {
	want := newPersistedConfig(*opts)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if want.ElementSize <= 0 || want.KeySize <= 0 || want.KeySize > want.ElementSize {
			return fmt.Errorf("invalid record geometry: element %d, key %d", want.ElementSize, want.KeySize)
		}
		// first time: write file
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create config file: %w", err)
		}
		defer f.Close()
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		if err := enc.Encode(want); err != nil {
			return fmt.Errorf("encode config: %w", err)
		}
		return f.Sync()
	}

	// file exists, load & sync options
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()
	var have persistedConfig
	if err := json.NewDecoder(f).Decode(&have); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	if have.ElementSize <= 0 || have.KeySize <= 0 || have.KeySize > have.ElementSize {
		return fmt.Errorf("%w: config %s has element size %d, key size %d", ErrInconsistent, path, have.ElementSize, have.KeySize)
	}
	if want.ElementSize != 0 && want != have {
		opts.Logger.Warn("options differ from persisted layout, using persisted values",
			"path", path, "want", fmt.Sprintf("%+v", want), "have", fmt.Sprintf("%+v", have))
	}

	// override supplied opts with persisted values to ensure consistency
	opts.ElementSize = have.ElementSize
	opts.KeySize = have.KeySize
	opts.ChunkSize = have.ChunkSize
	opts.IndexSize = have.IndexSize
	return nil
}
