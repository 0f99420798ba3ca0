// Package procscan lists the names of running processes.
package procscan

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
)

// Scanner reads the process table. The zero value scans the host.
type Scanner struct {
	// ProcRoot overrides /proc (tests).
	ProcRoot string
	// GOOS overrides runtime.GOOS (tests).
	GOOS string
	// PS overrides the ps invocation used off Linux.
	PS func(ctx context.Context) ([]byte, error)
}

// Names returns the distinct base names of running executables.
func (s *Scanner) Names(ctx context.Context) ([]string, error) {
	goos := s.GOOS
	if goos == "" {
		goos = runtime.GOOS
	}
	if goos == "linux" {
		root := s.ProcRoot
		if root == "" {
			root = "/proc"
		}
		return scanProc(ctx, root)
	}
	ps := s.PS
	if ps == nil {
		ps = runPS
	}
	out, err := ps(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	return parsePS(out), nil
}

func runPS(ctx context.Context) ([]byte, error) {
	return exec.CommandContext(ctx, "ps", "-axo", "comm=").Output()
}

func scanProc(ctx context.Context, root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", root, err)
	}
	seen := make(map[string]struct{})
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !entry.IsDir() {
			continue
		}
		if _, err := strconv.Atoi(entry.Name()); err != nil {
			continue
		}
		// processes may exit mid-scan
		if name := readName(filepath.Join(root, entry.Name())); name != "" {
			seen[name] = struct{}{}
		}
	}
	return sortedKeys(seen), nil
}

// readName prefers argv[0] so Wine/Proton games show up as foo.exe, and
// falls back to the (truncated) comm name in stat for kernel threads.
func readName(dir string) string {
	if data, err := os.ReadFile(filepath.Join(dir, "cmdline")); err == nil && len(data) > 0 {
		argv0, _, _ := bytes.Cut(data, []byte{0})
		if name := baseName(string(argv0)); name != "" {
			return name
		}
	}
	data, err := os.ReadFile(filepath.Join(dir, "stat"))
	if err != nil {
		return ""
	}
	stat := string(data)
	start := strings.Index(stat, "(")
	end := strings.LastIndex(stat, ")")
	if start == -1 || end <= start {
		return ""
	}
	return stat[start+1 : end]
}

// baseName strips both / and \ separated directories.
func baseName(p string) string {
	p = strings.TrimSpace(p)
	if i := strings.LastIndexAny(p, `/\`); i >= 0 {
		p = p[i+1:]
	}
	return p
}

func parsePS(out []byte) []string {
	seen := make(map[string]struct{})
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		if name := baseName(sc.Text()); name != "" {
			seen[name] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
