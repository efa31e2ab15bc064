// Command kcore boots a simulated machine described by the KCORE_*
// environment variables, exercises the privileged memory system calls from
// a root task and shuts the machine down.
package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/hnu-osdesign/kcore/kernel"
	"github.com/hnu-osdesign/kcore/kernel/config"
	"github.com/hnu-osdesign/kcore/kernel/kfmt"
	"github.com/hnu-osdesign/kcore/kernel/kmain"
	"github.com/hnu-osdesign/kcore/kernel/mem"
	"github.com/hnu-osdesign/kcore/kernel/syscall"
	"github.com/hnu-osdesign/kcore/kernel/task"
)

const serviceName = "kcore"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%+v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Parse()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	logger, err := kfmt.NewLogger(kfmt.LoggerConfig{
		ServiceName: serviceName,
		IsDebug:     cfg.Debug,
	})
	if err != nil {
		return errors.Wrap(err, "failed to create logger")
	}
	defer func() { _ = logger.Sync() }()

	k, err := kmain.Boot(cfg, logger)
	if err != nil {
		return errors.Wrap(err, "boot failed")
	}

	runErr := exercise(k, logger)
	if err := k.Shutdown(); err != nil {
		return err
	}

	return runErr
}

// exercise spawns a root task on the first processor and runs one round
// of the physical memory system calls on its behalf.
func exercise(k *kmain.Kernel, logger *zap.Logger) error {
	p := k.Processor(0)

	root, kerr := k.Spawn(task.RootUID)
	if kerr != nil {
		return errors.Wrap(kerr, "failed to spawn root task")
	}
	k.Switch(p, root)

	var (
		driver = p.Driver()
		size   = uint64(4 * mem.PageSize)
	)

	physAddr, kerr := driver.Physalloc(size)
	if kerr != nil {
		return report(logger, "physalloc", kerr)
	}
	logger.Info("physalloc", zap.String("phys", hex(physAddr)), zap.Stringer("size", mem.Size(size)))

	virtAddr, kerr := driver.Physmap(physAddr, size, syscall.PhysmapWrite)
	if kerr != nil {
		return report(logger, "physmap", kerr)
	}
	logger.Info("physmap", zap.String("phys", hex(physAddr)), zap.String("virt", hex(virtAddr)))

	translated, kerr := driver.Virttophys(virtAddr + uint64(mem.PageSize) + 0x10)
	if kerr != nil {
		return report(logger, "virttophys", kerr)
	}
	logger.Info("virttophys", zap.String("phys", hex(translated)))

	if _, kerr = driver.Physunmap(virtAddr); kerr != nil {
		return report(logger, "physunmap", kerr)
	}

	// the grant is gone; translating it must now fail
	_, kerr = driver.Virttophys(virtAddr)
	logger.Info("virttophys after physunmap",
		zap.Uint64("errno", syscall.Errno(kerr)),
		kfmt.Error(kerr),
	)

	if _, kerr = driver.Physfree(physAddr, size); kerr != nil {
		return report(logger, "physfree", kerr)
	}

	if kerr = k.Exit(p); kerr != nil {
		return report(logger, "exit", kerr)
	}

	return nil
}

func report(logger *zap.Logger, call string, err *kernel.Error) error {
	logger.Error("system call failed", zap.String("call", call), kfmt.Error(err))
	return errors.Wrap(err, call)
}

func hex(value uint64) string {
	return fmt.Sprintf("0x%x", value)
}
