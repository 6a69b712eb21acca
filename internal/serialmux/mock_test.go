package serialmux

import (
	"bufio"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func readLine(t *testing.T, scan *bufio.Scanner) string {
	t.Helper()
	done := make(chan string, 1)
	go func() {
		if scan.Scan() {
			done <- scan.Text()
			return
		}
		done <- ""
	}()
	select {
	case line := <-done:
		return line
	case <-time.After(time.Second):
		t.Fatal("timed out reading from simulated base")
		return ""
	}
}

func TestSimulatedBase_AcksAndCompletes(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := NewSimulatedBase()
	defer b.Close()
	scan := bufio.NewScanner(b)

	if _, err := b.Write([]byte("MODE NAV\nLL 1 1 0.2500 0.000000\n")); err != nil {
		t.Fatalf("Write error: %v", err)
	}
	if got := readLine(t, scan); got != "ACK 1" {
		t.Errorf("first reply = %q, want ACK 1", got)
	}
	if got := readLine(t, scan); got != "DONE 1" {
		t.Errorf("second reply = %q, want DONE 1", got)
	}

	cmds := b.Commands()
	if len(cmds) != 2 || cmds[0] != "MODE NAV" {
		t.Errorf("Commands() = %q", cmds)
	}
}

func TestSimulatedBase_FailNext(t *testing.T) {
	b := NewSimulatedBase()
	defer b.Close()
	scan := bufio.NewScanner(b)

	b.FailNext("wheel stalled")
	b.Write([]byte("LL 9 3 0.0000 0.523599\n"))

	readLine(t, scan) // ACK
	if got := readLine(t, scan); got != "ERR 9 wheel stalled" {
		t.Errorf("reply = %q", got)
	}
}

func TestSimulatedBase_WriteAfterClose(t *testing.T) {
	b := NewSimulatedBase()
	b.Close()
	if _, err := b.Write([]byte("LL 1 1 0.25 0\n")); err == nil {
		t.Error("expected error writing to closed base")
	}
	// Close is idempotent
	b.Close()
}

func TestDisabledSerialMux(t *testing.T) {
	d := NewDisabledSerialMux()
	id, ch := d.Subscribe()
	d.Unsubscribe(id)
	if _, ok := <-ch; ok {
		t.Error("expected closed channel after Unsubscribe")
	}

	_, ch2 := d.Subscribe()
	d.Close()
	if _, ok := <-ch2; ok {
		t.Error("expected closed channel after Close")
	}

	_, ch3 := d.Subscribe()
	if _, ok := <-ch3; ok {
		t.Error("Subscribe after Close should return a closed channel")
	}

	if err := d.SendCommand("LL 1 1 0 0"); err != nil {
		t.Errorf("SendCommand returned %v", err)
	}
}
