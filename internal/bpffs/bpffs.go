// Package bpffs manages the bpffs mount shared read-only with external
// consumers (e.g. pods via CSI) and computes the pin-path layout described
// in spec.md section 6.
package bpffs

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// EnsureMounted mounts a bpffs at <rtdir>/fs if one is not already mounted
// there. Idempotent: safe to call on every daemon startup.
func EnsureMounted(rtdir string) error {
	fsPath := filepath.Join(rtdir, "fs")
	if err := os.MkdirAll(fsPath, 0o755); err != nil {
		return fmt.Errorf("creating bpffs mountpoint %s: %w", fsPath, err)
	}

	mounted, err := isMounted(fsPath)
	if err != nil {
		return err
	}
	if mounted {
		return nil
	}

	if err := unix.Mount("bpffs", fsPath, "bpf", 0, ""); err != nil {
		return fmt.Errorf("mounting bpffs at %s: %w", fsPath, err)
	}
	return nil
}

// isMounted checks /proc/mounts for an existing bpf-type mount at path.
func isMounted(path string) (bool, error) {
	f, err := os.Open("/proc/mounts")
	if err != nil {
		return false, fmt.Errorf("reading /proc/mounts: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		if fields[1] == path && fields[2] == "bpf" {
			return true, nil
		}
	}
	return false, scanner.Err()
}

// MapsDir returns <rtdir>/fs/maps/<program-id>, the directory under which
// all of a program's owned maps are pinned.
func MapsDir(rtdir string, programID uint32) string {
	return filepath.Join(rtdir, "fs", "maps", fmt.Sprint(programID))
}

// MapPinPath returns <rtdir>/fs/maps/<program-id>/<map-name>.
func MapPinPath(rtdir string, programID uint32, mapName string) string {
	return filepath.Join(MapsDir(rtdir, programID), mapName)
}

// LinksDir returns <rtdir>/links, the directory under which every
// non-dispatched link file descriptor is pinned.
func LinksDir(rtdir string) string {
	return filepath.Join(rtdir, "links")
}

// LinkPinPath returns <rtdir>/links/<link-id>, where non-dispatched link
// file descriptors are pinned so they survive a daemon restart.
func LinkPinPath(rtdir string, linkID string) string {
	return filepath.Join(LinksDir(rtdir), linkID)
}

// EnsureLinksDir creates <rtdir>/links.
func EnsureLinksDir(rtdir string) error {
	return os.MkdirAll(LinksDir(rtdir), 0o755)
}

// EnsureMapsDir creates <rtdir>/fs/maps/<program-id>.
func EnsureMapsDir(rtdir string, programID uint32) error {
	return os.MkdirAll(MapsDir(rtdir, programID), 0o755)
}
