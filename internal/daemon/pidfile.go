// Package daemon tracks the background serve process.
package daemon

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Info is what a running server records about itself.
type Info struct {
	PID  int
	Addr string
}

// PIDFile stores the PID and listen address of the serve process.
// The first line holds the PID, the optional second line the address.
type PIDFile struct {
	Path string
}

// NewPIDFile creates a PIDFile manager for the given path.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{Path: path}
}

// Write records the current process listening on addr.
func (p *PIDFile) Write(addr string) error {
	return p.WriteInfo(Info{PID: os.Getpid(), Addr: addr})
}

// WriteInfo writes info to the file.
func (p *PIDFile) WriteInfo(info Info) error {
	content := strconv.Itoa(info.PID) + "\n"
	if info.Addr != "" {
		content += info.Addr + "\n"
	}
	return os.WriteFile(p.Path, []byte(content), 0o644)
}

// Read reads the recorded process info.
func (p *PIDFile) Read() (Info, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return Info{}, err
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return Info{}, fmt.Errorf("invalid PID file content: %w", err)
	}
	info := Info{PID: pid}
	if len(lines) > 1 {
		info.Addr = strings.TrimSpace(lines[1])
	}
	return info, nil
}

// Remove deletes the PID file.
func (p *PIDFile) Remove() error {
	return os.Remove(p.Path)
}
