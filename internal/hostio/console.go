// Package hostio bridges the emulated UART to the host terminal: a
// non-blocking console endpoint for the device model, and a pump
// goroutine that moves host input toward the machine. On Linux the pump
// reads through io_uring; elsewhere it falls back to plain blocking
// reads.
package hostio

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/coniferos/conifer/internal/logging"
)

// inputBacklog bounds buffered host input ahead of the 16-byte device
// FIFO.
const inputBacklog = 1024

// Console is the host endpoint of the UART. The device model drains
// input with ReadByte (never blocking) and writes output bytes straight
// through.
type Console struct {
	in  chan byte
	mu  sync.Mutex
	out io.Writer
}

// NewConsole creates a console writing output to out.
func NewConsole(out io.Writer) *Console {
	return &Console{in: make(chan byte, inputBacklog), out: out}
}

// ReadByte implements interfaces.Console.
func (c *Console) ReadByte() (byte, bool) {
	select {
	case b := <-c.in:
		return b, true
	default:
		return 0, false
	}
}

// WriteByte implements interfaces.Console.
func (c *Console) WriteByte(b byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.out.Write([]byte{b})
	return err
}

// Push queues host input for the device. Bytes beyond the backlog are
// dropped.
func (c *Console) Push(p []byte) {
	for _, b := range p {
		select {
		case c.in <- b:
		default:
			return
		}
	}
}

// batchReader is one blocking read of host input.
type batchReader interface {
	ReadBatch(buf []byte) (int, error)
	Close() error
}

// plainReader wraps any io.Reader as a batch reader.
type plainReader struct {
	r io.Reader
}

func (p *plainReader) ReadBatch(buf []byte) (int, error) { return p.r.Read(buf) }
func (p *plainReader) Close() error                      { return nil }

// Pump moves host input into the console from its own goroutine and
// notifies the machine after each batch so the UART can poll its FIFO.
type Pump struct {
	console *Console
	reader  batchReader
	onInput func()
	logger  *logging.Logger
	cancel  context.CancelFunc
	done    chan struct{}
}

// StartPump begins pumping r into console. onInput runs after every
// batch; the machine uses it to poll the UART device. When r is a file
// on Linux, reads go through io_uring.
func StartPump(ctx context.Context, console *Console, r io.Reader, onInput func(), logger *logging.Logger) *Pump {
	if logger == nil {
		logger = logging.Default()
	}

	var reader batchReader = &plainReader{r: r}
	if f, ok := r.(*os.File); ok {
		if rr, err := newRingReader(int(f.Fd())); err == nil {
			logger.Debug("console input via io_uring")
			reader = rr
		} else {
			logger.Debug("io_uring unavailable, using blocking reads", "reason", err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pump{
		console: console,
		reader:  reader,
		onInput: onInput,
		logger:  logger,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go p.loop(ctx)
	return p
}

func (p *Pump) loop(ctx context.Context) {
	defer close(p.done)
	buf := make([]byte, 256)
	for {
		n, err := p.reader.ReadBatch(buf)
		if n > 0 {
			p.console.Push(buf[:n])
			p.onInput()
		}
		if err != nil {
			if err != io.EOF {
				p.logger.Debug("console input stopped", "error", err)
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// Close stops the pump. The in-flight read is abandoned; the goroutine
// exits after it completes or errors.
func (p *Pump) Close() {
	p.cancel()
	p.reader.Close() //nolint:errcheck // best-effort teardown
}
