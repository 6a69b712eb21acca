package serialmux

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

var errPortClosed = errors.New("serial port closed")

// SimulatedBase is a SerialPorter that behaves like a cooperative robot base
// controller: every LL command is acknowledged and then completed. It backs
// the --fake-base mode and the actuator tests.
type SimulatedBase struct {
	r *io.PipeReader
	w *io.PipeWriter

	replies chan string
	done    chan struct{}

	mu        sync.Mutex
	commands  []string
	failNext  string
	dropDone  bool
	closed    bool
	closeOnce sync.Once
}

// NewSimulatedBase returns a running SimulatedBase.
func NewSimulatedBase() *SimulatedBase {
	r, w := io.Pipe()
	b := &SimulatedBase{
		r:       r,
		w:       w,
		replies: make(chan string, 64),
		done:    make(chan struct{}),
	}
	go b.pump()
	return b
}

func (b *SimulatedBase) pump() {
	for {
		select {
		case line := <-b.replies:
			if _, err := io.WriteString(b.w, line+"\n"); err != nil {
				return
			}
		case <-b.done:
			return
		}
	}
}

// Read returns reply lines in the order they were produced.
func (b *SimulatedBase) Read(p []byte) (int, error) {
	return b.r.Read(p)
}

// Write records each newline-terminated command and queues the replies a
// base controller would emit for it.
func (b *SimulatedBase) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, errPortClosed
	}

	scan := bufio.NewScanner(bytes.NewReader(p))
	for scan.Scan() {
		line := strings.TrimSpace(scan.Text())
		if line == "" {
			continue
		}
		b.commands = append(b.commands, line)

		fields := strings.Fields(line)
		if len(fields) < 2 || fields[0] != "LL" {
			continue
		}
		seq := fields[1]
		b.queue(fmt.Sprintf("%s %s", ReplyAck, seq))
		switch {
		case b.failNext != "":
			b.queue(fmt.Sprintf("%s %s %s", ReplyErr, seq, b.failNext))
			b.failNext = ""
		case b.dropDone:
		default:
			b.queue(fmt.Sprintf("%s %s", ReplyDone, seq))
		}
	}
	return len(p), nil
}

func (b *SimulatedBase) queue(line string) {
	select {
	case b.replies <- line:
	default:
	}
}

// FailNext makes the next motion command complete with ERR and the given reason.
func (b *SimulatedBase) FailNext(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNext = reason
}

// DropDone stops the base from reporting completion, simulating a stalled motor.
func (b *SimulatedBase) DropDone(drop bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropDone = drop
}

// Commands returns every command line written so far.
func (b *SimulatedBase) Commands() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.commands...)
}

// Close stops the reply pump and unblocks readers.
func (b *SimulatedBase) Close() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
		close(b.done)
		b.w.Close()
	})
	return nil
}

// TestableSerialPort implements SerialPorter with configurable behaviour for testing.
type TestableSerialPort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls
	ReadBuffer *bytes.Buffer

	// WriteBuffer captures data written to the port
	WriteBuffer *bytes.Buffer

	// ReadError is returned by the next Read call if set
	ReadError error

	// WriteError is returned by the next Write call if set
	WriteError error

	// ShortWrite makes Write report one byte fewer than requested
	ShortWrite bool

	// Closed indicates whether Close was called
	Closed bool

	// BlockReads causes Read to block until data is added or Close is called
	BlockReads bool

	readCond *sync.Cond
}

// NewTestableSerialPort creates a new TestableSerialPort for testing.
func NewTestableSerialPort() *TestableSerialPort {
	tsp := &TestableSerialPort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
	}
	tsp.readCond = sync.NewCond(&tsp.mu)
	return tsp
}

// Read reads from the read buffer, optionally blocking and returning errors.
func (t *TestableSerialPort) Read(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Closed {
		return 0, errPortClosed
	}

	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		return 0, err
	}

	if t.BlockReads && t.ReadBuffer.Len() == 0 {
		for !t.Closed && t.ReadBuffer.Len() == 0 {
			t.readCond.Wait()
		}
		if t.Closed {
			return 0, errPortClosed
		}
	}

	return t.ReadBuffer.Read(p)
}

// Write writes to the write buffer, optionally simulating errors.
func (t *TestableSerialPort) Write(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Closed {
		return 0, errPortClosed
	}

	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		return 0, err
	}

	n, err = t.WriteBuffer.Write(p)
	if t.ShortWrite && n > 0 {
		n--
	}
	return n, err
}

// Close marks the port as closed.
func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.Closed = true
	t.readCond.Broadcast()
	return nil
}

// AddReadData adds data to be returned by subsequent Read calls.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadBuffer.Write(data)
	t.readCond.Signal()
}

// GetWrittenData returns all data written to the port.
func (t *TestableSerialPort) GetWrittenData() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.WriteBuffer.String()
}
