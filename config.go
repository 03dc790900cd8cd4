package stm

import (
	"log/slog"
	"os"
)

// Config carries every process-wide tunable spec §6 lists: VLT size, hash
// shift, the contention-manager policy, irrevocable-mode enablement, and the
// read/write-set initial capacities. Build one with DefaultConfig and
// Options, the same functional-options shape
// Jekaa-go-mvcc-map/mvcc/options.go uses for its map.
type Config struct {
	// LockTableSizeLog2 is log2 of the VLT entry count; must stay fixed
	// once the engine starts serving transactions.
	LockTableSizeLog2 uint
	// AddressAlignShift is the number of low address bits stripped before
	// hashing into the VLT (log2 of the protected word size).
	AddressAlignShift uint
	// ContentionManager is the pluggable conflict policy; defaults to
	// SuicideManager.
	ContentionManager ContentionManager
	// IrrevocableEnabled gates whether TryEnterIrrevocable can ever
	// succeed.
	IrrevocableEnabled bool
	// ReadSetCapacity/WriteSetCapacity size the initial backing arrays for
	// a fresh Txn, mirroring the teacher's tmp [5]*Var small-object
	// optimization.
	ReadSetCapacity  int
	WriteSetCapacity int
	// Logger receives diagnostics: Debug for irrevocable-mode transitions,
	// Warn for kill-other contention fallbacks, Error for commit without
	// start and for faults during commit write-back. Ordinary aborts are
	// counted in the stats, not logged. Defaults to a quiet stderr text
	// logger at LevelWarn, same default as Jekaa-go-mvcc-map/mvcc/options.go.
	Logger *slog.Logger
}

// Option mutates a Config being built by DefaultConfig.
type Option func(*Config)

// DefaultConfig returns the tunables used when Init is called with no
// options: a 2^20-entry VLT hashed on 8-byte words, the suicide contention
// manager, irrevocable mode disabled, and small initial read/write sets.
func DefaultConfig(opts ...Option) Config {
	cfg := Config{
		LockTableSizeLog2:  20,
		AddressAlignShift:  3,
		ContentionManager:  SuicideManager{},
		IrrevocableEnabled: false,
		ReadSetCapacity:    8,
		WriteSetCapacity:   8,
		Logger:             slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithLockTableSize sets log2 of the VLT entry count.
func WithLockTableSize(sizeLog2 uint) Option {
	return func(c *Config) { c.LockTableSizeLog2 = sizeLog2 }
}

// WithContentionManager overrides the default suicide policy.
func WithContentionManager(cm ContentionManager) Option {
	return func(c *Config) { c.ContentionManager = cm }
}

// WithIrrevocable enables the irrevocable-mode escape hatch.
func WithIrrevocable(enabled bool) Option {
	return func(c *Config) { c.IrrevocableEnabled = enabled }
}

// WithLogger installs a custom logger in place of the default stderr one.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithSetCapacities overrides the initial read/write-set backing capacity.
func WithSetCapacities(readCap, writeCap int) Option {
	return func(c *Config) {
		c.ReadSetCapacity = readCap
		c.WriteSetCapacity = writeCap
	}
}
