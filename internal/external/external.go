// Package external runs third-party transfer tools as secondary mechanisms and writes the
// equivalent shell scripts for offline use.
package external

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/xsx123123/EBIDownload/internal/downloader"
	"github.com/xsx123123/EBIDownload/internal/logctx"
	"github.com/xsx123123/EBIDownload/internal/transfer"
)

const (
	MechanismNone     = "none"
	MechanismPrefetch = "prefetch"
	MechanismWget     = "wget"
	MechanismAscp     = "ascp"
)

// Mechanisms lists the accepted secondary mechanism names.
var Mechanisms = []string{MechanismNone, MechanismPrefetch, MechanismWget, MechanismAscp}

const (
	enaFTPHost  = "ftp.sra.ebi.ac.uk"
	enaFaspHost = "era-fasp@fasp.sra.ebi.ac.uk:"

	stderrTail = 2048
)

// Tools holds the executable paths and tuning knobs for the external programs.
type Tools struct {
	Ascp        string
	Prefetch    string
	FasterqDump string
	Pigz        string
	Wget        string

	// SSHKey is the Aspera private key.
	SSHKey string

	// Threads is passed to fasterq-dump and pigz.
	Threads int

	// MaxSize is prefetch's --max-size value.
	MaxSize string
}

// DefaultTools resolves every program from PATH.
func DefaultTools() Tools {
	return Tools{
		Ascp:        "ascp",
		Prefetch:    "prefetch",
		FasterqDump: "fasterq-dump",
		Pigz:        "pigz",
		Wget:        "wget",
		Threads:     4,
		MaxSize:     "100G",
	}
}

// Mechanism is a secondary transfer backed by an external program.
type Mechanism struct {
	name  string
	tools Tools
}

// New returns the mechanism for name, or nil for "none".
func New(name string, tools Tools) (*Mechanism, error) {
	switch name {
	case MechanismNone, "":
		return nil, nil
	case MechanismPrefetch, MechanismWget:
	case MechanismAscp:
		if tools.SSHKey == "" {
			return nil, &transfer.ConfigurationError{Field: "setting.openssh", Reason: "ascp requires an ssh key"}
		}
	default:
		return nil, &transfer.ConfigurationError{
			Field:  "fallback",
			Reason: fmt.Sprintf("unknown mechanism %q, expected one of %s", name, strings.Join(Mechanisms, ", ")),
		}
	}

	return &Mechanism{name: name, tools: tools}, nil
}

func (m *Mechanism) Name() string {
	return m.name
}

// Command builds the argv for d and the path the program will write to.
func (m *Mechanism) Command(d transfer.Descriptor, destDir string) (argv []string, output string) {
	switch m.name {
	case MechanismPrefetch:
		return []string{
			m.tools.Prefetch, d.RunID,
			"-O", destDir,
			"--max-size", m.tools.MaxSize,
			"--verify", "yes",
			"--force", "no",
		}, filepath.Join(destDir, d.RunID, d.RunID+".sra")
	case MechanismAscp:
		return []string{
			m.tools.Ascp, "-QT", "-k2", "-l", "800m", "-P33001",
			"-i", m.tools.SSHKey,
			FaspLocator(d.URL), destDir,
		}, filepath.Join(destDir, filepath.Base(d.URL))
	default:
		return []string{m.tools.Wget, "-c", "-O", d.Dest, d.URL}, d.Dest
	}
}

// Invoke runs the program once. A non-zero exit is reported through ExitOutcome, while err
// is set only when the program could not be started.
func (m *Mechanism) Invoke(ctx context.Context, d transfer.Descriptor, destDir string) (downloader.ExitOutcome, error) {
	argv, output := m.Command(d, destDir)

	logctx.LoggerFromContext(ctx).Debug("running external command", "cmd", ShellJoin(argv))

	code, stderr, err := run(ctx, destDir, argv)

	return downloader.ExitOutcome{ExitCode: code, Stderr: stderr, Output: output}, err
}

// FaspLocator rewrites an ENA FTP locator to the Aspera host.
func FaspLocator(url string) string {
	for _, scheme := range []string{"https://", "http://", "ftp://"} {
		url = strings.TrimPrefix(url, scheme)
	}

	return strings.Replace(url, enaFTPHost, enaFaspHost, 1)
}

func run(ctx context.Context, dir string, argv []string) (int, string, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Stdout = io.Discard

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()

	var exitErr *exec.ExitError

	switch {
	case err == nil:
		return 0, "", nil
	case errors.As(err, &exitErr):
		return exitErr.ExitCode(), tail(stderr.Bytes()), nil
	default:
		return -1, tail(stderr.Bytes()), fmt.Errorf("run %s: %w", argv[0], err)
	}
}

func tail(b []byte) string {
	if len(b) > stderrTail {
		b = b[len(b)-stderrTail:]
	}

	return strings.TrimSpace(string(b))
}
