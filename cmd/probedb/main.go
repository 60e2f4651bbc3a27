// Command probedb runs a smoke workload against the storage-engine core:
// it opens the data file and WAL, builds a buffer pool and a linear-probing
// hash index on top of it, and drives a rate-limited insert/get/remove
// cycle while publishing OpenTelemetry counters.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/probedb/probedb/core/buffer"
	"github.com/probedb/probedb/core/index/hash"
	"github.com/probedb/probedb/core/storage/disk"
	"github.com/probedb/probedb/core/storage/page"
	"github.com/probedb/probedb/core/transaction"
	"github.com/probedb/probedb/core/wal"
	"github.com/probedb/probedb/pkg/config"
	"github.com/probedb/probedb/pkg/logger"
	"github.com/probedb/probedb/pkg/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "probedb: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to yaml config file")
	dataDir := flag.String("data-dir", "", "override directory for data file and WAL")
	numKeys := flag.Int("keys", 1024, "number of keys in the smoke workload")
	opsPerSec := flag.Float64("rate", 4096, "workload operations per second")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *dataDir != "" {
		cfg.Storage.Path = filepath.Join(*dataDir, filepath.Base(cfg.Storage.Path))
		cfg.Storage.WALDir = filepath.Join(*dataDir, "wal")
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	ctx := context.Background()
	metrics, telShutdown, err := telemetry.New(cfg.Telemetry, log)
	if err != nil {
		return err
	}
	defer telShutdown(ctx) //nolint:errcheck

	diskManager, err := disk.NewDiskManager(cfg.Storage.Path, cfg.Storage.PageSize, log.Named("disk"))
	if err != nil {
		return err
	}
	defer diskManager.Close() //nolint:errcheck

	logManager, err := wal.NewLogManager(cfg.Storage.WALDir, 1<<16, 1<<24, log.Named("wal"))
	if err != nil {
		return err
	}
	defer logManager.Close() //nolint:errcheck

	pool := buffer.NewBufferPoolManager(cfg.Storage.PoolSize, diskManager, logManager, log.Named("buffer"))

	table, err := hash.NewLinearProbeHashTable[uint64, uint64](
		"smoke",
		pool,
		hash.Uint64Comparator,
		4,
		hash.DefaultUint64Hash,
		hash.Uint64Codec{},
		hash.Uint64Codec{},
		log.Named("index"),
	)
	if err != nil {
		return err
	}

	if err := smokeWorkload(ctx, metrics, log, logManager, table, *numKeys, *opsPerSec); err != nil {
		return err
	}

	if err := pool.FlushAllPages(); err != nil {
		return err
	}
	if err := logManager.Sync(); err != nil {
		return err
	}
	diskManager.UpdateLastLSN(page.LSN(logManager.CurrentLSN()))
	log.Info("smoke workload complete", zap.Int("keys", *numKeys))
	return nil
}

func smokeWorkload(
	ctx context.Context,
	metrics *telemetry.Metrics,
	log *zap.Logger,
	logManager *wal.LogManager,
	table *hash.LinearProbeHashTable[uint64, uint64],
	numKeys int,
	opsPerSec float64,
) error {
	limiter := rate.NewLimiter(rate.Limit(opsPerSec), 64)
	txn := transaction.Begin()
	log.Info("starting smoke workload", zap.Uint64("txn_id", txn.ID), zap.Int("keys", numKeys))

	for k := uint64(0); k < uint64(numKeys); k++ {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		ok, err := table.Insert(txn, k, k*2)
		if err != nil {
			return fmt.Errorf("insert %d: %w", k, err)
		}
		if !ok {
			return fmt.Errorf("insert %d rejected as duplicate on a fresh table", k)
		}
		metrics.Inserts.Add(ctx, 1)
		if _, err := logManager.AppendRecord(&wal.LogRecord{
			TxnID: txn.ID,
			Type:  wal.LogRecordTypeUpdate,
		}); err != nil {
			return err
		}
	}

	for k := uint64(0); k < uint64(numKeys); k++ {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		values, found, err := table.GetValue(txn, k)
		if err != nil {
			return fmt.Errorf("get %d: %w", k, err)
		}
		if !found || len(values) != 1 || values[0] != k*2 {
			return fmt.Errorf("get %d: want [%d], got %v", k, k*2, values)
		}
		metrics.Lookups.Add(ctx, 1)
	}

	for k := uint64(0); k < uint64(numKeys); k += 2 {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		ok, err := table.Remove(txn, k, k*2)
		if err != nil {
			return fmt.Errorf("remove %d: %w", k, err)
		}
		if !ok {
			return fmt.Errorf("remove %d: pair not found", k)
		}
		metrics.Removes.Add(ctx, 1)
	}

	size, err := table.GetSize()
	if err != nil {
		return err
	}
	txn.State = transaction.TxnStateCommitted
	log.Info("smoke workload verified",
		zap.Int("capacity", size),
		zap.Uint64("last_lsn", uint64(logManager.CurrentLSN())))
	return nil
}
