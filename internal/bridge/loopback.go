//go:build linux

package bridge

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"
)

// ProductionEnv skips the latency run when set.
const ProductionEnv = "SERIALMUX_PRODUCTION"

// ErrLoopbackFailed means the test byte did not come back.
var ErrLoopbackFailed = errors.New("loopback test failed")

// TestOptions control RunTest. Zero values select the standard test.
type TestOptions struct {
	Timeout    time.Duration // loopback reply deadline, 1s
	Duration   time.Duration // latency run limit, 10s
	Iterations int           // latency round trips, 10000
	Production bool          // skip the latency run
}

func (o TestOptions) withDefaults() TestOptions {
	if o.Timeout <= 0 {
		o.Timeout = time.Second
	}
	if o.Duration <= 0 {
		o.Duration = 10 * time.Second
	}
	if o.Iterations <= 0 {
		o.Iterations = 10000
	}
	if os.Getenv(ProductionEnv) != "" {
		o.Production = true
	}
	return o
}

// RunTest checks that a channel wired for loopback echoes a byte, then
// measures round trips. Results are written to out as key=value lines.
func RunTest(conn net.Conn, opts TestOptions, out io.Writer) error {
	opts = opts.withDefaults()
	b := []byte{'U'}

	conn.SetDeadline(time.Now().Add(opts.Timeout))
	if _, err := conn.Write(b); err != nil {
		fmt.Fprintln(out, "loopback_test_ok=0")
		return fmt.Errorf("%w: %v", ErrLoopbackFailed, err)
	}
	if _, err := io.ReadFull(conn, b); err != nil || b[0] != 'U' {
		fmt.Fprintln(out, "loopback_test_ok=0")
		if err == nil {
			err = fmt.Errorf("got %q", b[0])
		}
		return fmt.Errorf("%w: %v", ErrLoopbackFailed, err)
	}
	fmt.Fprintln(out, "loopback_test_ok=1")

	if opts.Production {
		return nil
	}

	deadline := time.Now().Add(opts.Duration)
	conn.SetDeadline(deadline)
	start := time.Now()
	i := 0
	for ; i < opts.Iterations && time.Now().Before(deadline); i++ {
		if _, err := conn.Write(b); err != nil {
			break
		}
		if _, err := io.ReadFull(conn, b); err != nil || b[0] != 'U' {
			break
		}
	}
	conn.SetDeadline(time.Time{})

	tps, latency := latency(i, time.Since(start))
	fmt.Fprintf(out, "latency_test_tps=%d\n", tps)
	fmt.Fprintf(out, "latency_us=%.1f\n", latency)
	return nil
}

// latency converts n round trips in elapsed time into transactions per
// second and the per-byte latency beyond the time 115200 baud spends on the
// wire.
func latency(n int, elapsed time.Duration) (int, float64) {
	ms := int(elapsed / time.Millisecond)
	if ms <= 0 {
		ms = 1
	}
	if n == 0 {
		return 0, 0
	}
	tps := n * 1000 / ms
	bits := 10 * n * 2
	possible := 115200 * ms / 1000
	idle := possible - bits
	us := float64(idle) / 115200 / float64(n*2) * 1e6
	return tps, us
}
