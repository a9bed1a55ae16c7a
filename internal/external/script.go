package external

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xsx123123/EBIDownload/internal/transfer"
)

// ScriptDir is the directory under the output root that holds generated scripts.
const ScriptDir = "scripts"

// WriteScript writes scripts/<name>.sh under outDir running commands from outDir.
func WriteScript(outDir, name string, commands [][]string) (string, error) {
	dir := filepath.Join(outDir, ScriptDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create script directory: %w", err)
	}

	var b strings.Builder

	b.WriteString("#!/usr/bin/env bash\n")
	b.WriteString("set -euo pipefail\n")
	fmt.Fprintf(&b, "mkdir -p %s\n", Quote(outDir))
	fmt.Fprintf(&b, "cd %s\n", Quote(outDir))

	for _, argv := range commands {
		b.WriteString(ShellJoin(argv))
		b.WriteByte('\n')
	}

	path := filepath.Join(dir, name+".sh")
	if err := os.WriteFile(path, []byte(b.String()), 0o755); err != nil {
		return "", fmt.Errorf("write script %s: %w", path, err)
	}

	return path, nil
}

// Scripts writes one script per run covering every file of that run plus the conversion
// steps when convert is set.
func Scripts(m *Mechanism, conv *Converter, outDir string, descs []transfer.Descriptor) ([]string, error) {
	var (
		order []string
		byRun = make(map[string][][]string)
	)

	for _, d := range descs {
		if _, ok := byRun[d.RunID]; !ok {
			order = append(order, d.RunID)
		}

		argv, output := m.Command(d, filepath.Dir(d.Dest))
		byRun[d.RunID] = append(byRun[d.RunID], argv)

		if conv != nil {
			byRun[d.RunID] = append(byRun[d.RunID], conv.Commands(d.RunID, output, filepath.Dir(d.Dest))...)
		}
	}

	paths := make([]string, 0, len(order))

	for _, run := range order {
		path, err := WriteScript(outDir, run, byRun[run])
		if err != nil {
			return paths, err
		}

		paths = append(paths, path)
	}

	return paths, nil
}

// ShellJoin renders argv as a bash command line.
func ShellJoin(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = Quote(a)
	}

	return strings.Join(quoted, " ")
}

// Quote single-quotes s when it contains anything a shell would interpret.
func Quote(s string) string {
	if s == "" {
		return "''"
	}

	safe := true

	for _, r := range s {
		if !isSafe(r) {
			safe = false
			break
		}
	}

	if safe {
		return s
	}

	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func isSafe(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	}

	return strings.ContainsRune("-_./:=@%+,*", r)
}
