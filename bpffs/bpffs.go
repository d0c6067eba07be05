// Package bpffs checks the filesystems trafficd depends on: the BPF
// filesystem that holds the pins and the cgroup v2 hierarchy whose
// hooks carry the classification programs.
package bpffs

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

const (
	// DefaultMountInfoPath is the path to the mountinfo file.
	DefaultMountInfoPath = "/proc/self/mountinfo"

	// FSTypeBPF and FSTypeCgroup2 are the mountinfo fstype fields.
	FSTypeBPF     = "bpf"
	FSTypeCgroup2 = "cgroup2"

	// Some nodes produce very long mountinfo lines; the default
	// bufio limit would fail with ErrTooLong.
	defaultScanMaxLineLen = 1024 * 1024
)

// NotMountedError reports a required mount that is missing.
type NotMountedError struct {
	MountPoint string
	FSType     string
}

func (e NotMountedError) Error() string {
	return fmt.Sprintf("no %s filesystem mounted at %s", e.FSType, e.MountPoint)
}

// IsMounted reports whether a filesystem of type fsType is mounted at
// mountPoint by parsing mountInfoPath.
//
// Each mountinfo line (proc(5)) looks like:
//
//	30 22 0:27 / /sys/fs/bpf rw,nosuid shared:9 - bpf bpf rw,mode=700
//
// Optional fields such as "shared:N" sit between the options and the
// " - " separator, so the separator is found by search, as libmount
// does, rather than by field position.
func IsMounted(mountInfoPath, mountPoint, fsType string) (bool, error) {
	file, err := os.Open(mountInfoPath)
	if err != nil {
		return false, fmt.Errorf("opening mountinfo: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), defaultScanMaxLineLen)

	for scanner.Scan() {
		line := scanner.Text()

		prefix, suffix, ok := strings.Cut(line, " - ")
		if !ok {
			continue
		}
		fields := strings.Fields(prefix)
		if len(fields) < 5 {
			continue
		}
		suffixFields := strings.Fields(suffix)
		if len(suffixFields) < 1 {
			continue
		}

		if fields[4] == mountPoint && suffixFields[0] == fsType {
			return true, nil
		}
	}

	if err := scanner.Err(); err != nil {
		return false, fmt.Errorf("reading mountinfo: %w", err)
	}

	return false, nil
}

// Check returns a NotMountedError unless bpffs is mounted at bpfRoot
// and cgroup2 at cgroupRoot.
func Check(mountInfoPath, bpfRoot, cgroupRoot string) error {
	for _, want := range []NotMountedError{
		{MountPoint: bpfRoot, FSType: FSTypeBPF},
		{MountPoint: cgroupRoot, FSType: FSTypeCgroup2},
	} {
		mounted, err := IsMounted(mountInfoPath, want.MountPoint, want.FSType)
		if err != nil {
			return err
		}
		if !mounted {
			return want
		}
	}
	return nil
}

// Mount mounts a bpffs at mountPoint, creating the directory if needed.
func Mount(mountPoint string) error {
	fi, err := os.Stat(mountPoint)
	switch {
	case err == nil:
		if !fi.IsDir() {
			return fmt.Errorf("mount point %s exists but is not a directory", mountPoint)
		}
	case os.IsNotExist(err):
		if err := os.MkdirAll(mountPoint, 0o755); err != nil {
			return fmt.Errorf("creating mount point directory: %w", err)
		}
	default:
		return fmt.Errorf("stat mount point: %w", err)
	}

	if err := unix.Mount("bpffs", mountPoint, FSTypeBPF, 0, ""); err != nil {
		return fmt.Errorf("mount bpffs at %s: %w", mountPoint, err)
	}
	return nil
}

// EnsureMounted mounts a bpffs at mountPoint unless one is already
// there. Equivalent to:
//
//	findmnt --types bpf <mountPoint> || mount -t bpf bpffs <mountPoint>
func EnsureMounted(mountInfoPath, mountPoint string) error {
	mounted, err := IsMounted(mountInfoPath, mountPoint, FSTypeBPF)
	if err != nil {
		return err
	}
	if mounted {
		return nil
	}
	return Mount(mountPoint)
}
