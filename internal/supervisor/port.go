package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrPortExhausted means no free port was found in the scanned range.
	ErrPortExhausted = errors.New("no free port available")
	// ErrBackendMissing means the backend binary is absent or broken.
	ErrBackendMissing = errors.New("backend not available")
)

// DefaultBasePort is where the port scan starts.
const DefaultBasePort = 10000

const dialTimeout = 100 * time.Millisecond

// AcquirePort returns the first port at or above base with nobody listening
// on 127.0.0.1. At most span ports are tried.
func AcquirePort(ctx context.Context, base, span int) (int, error) {
	if base <= 0 {
		base = DefaultBasePort
	}
	if span <= 0 {
		span = 1
	}

	for port := base; port < base+span && port <= 65535; port++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if portFree(ctx, port) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w: tried %d-%d", ErrPortExhausted, base, base+span-1)
}

func portFree(ctx context.Context, port int) bool {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))

	d := net.Dialer{Timeout: dialTimeout}
	if conn, err := d.DialContext(ctx, "tcp", addr); err == nil {
		conn.Close()
		return false
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return false
	}
	ln.Close()
	return true
}

// CheckBackend runs `<binary> --version` and returns the trimmed version. env
// is appended to the current environment.
func CheckBackend(ctx context.Context, binary string, env ...string) (string, error) {
	cmd := exec.CommandContext(ctx, binary, "--version")
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return "", fmt.Errorf("%w: %s --version: %v: %s", ErrBackendMissing, binary, err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("%w: %s --version: %v", ErrBackendMissing, binary, err)
	}
	return strings.TrimSpace(string(out)), nil
}
