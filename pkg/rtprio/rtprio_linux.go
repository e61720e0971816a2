//go:build linux

package rtprio

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

func setRealtime(priority int) error {
	attr := unix.SchedAttr{
		Size:     uint32(unsafe.Sizeof(unix.SchedAttr{})),
		Policy:   unix.SCHED_FIFO,
		Priority: uint32(priority),
	}
	if err := unix.SchedSetAttr(0, &attr, 0); err != nil {
		return fmt.Errorf("rtprio: SCHED_FIFO %d: %w", priority, err)
	}
	return nil
}

func setNice(nice int) error {
	// PRIO_PROCESS with a thread id targets just that thread on Linux.
	if err := unix.Setpriority(unix.PRIO_PROCESS, unix.Gettid(), nice); err != nil {
		return fmt.Errorf("rtprio: nice %d: %w", nice, err)
	}
	return nil
}

func pinCPU(cpu int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("rtprio: pin to cpu %d: %w", cpu, err)
	}
	return nil
}
