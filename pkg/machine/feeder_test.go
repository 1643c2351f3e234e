package machine

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/KevoDB/clocksim/pkg/stats"
	"github.com/KevoDB/clocksim/pkg/transport"
)

func serveFeeder(t *testing.T, f *Feeder) (net.Conn, <-chan struct{}) {
	t.Helper()
	server, client := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer server.Close()
		f.Serve(context.Background(), server)
	}()
	t.Cleanup(func() { client.Close() })
	return client, done
}

func TestFeederDiscardsMalformedTokens(t *testing.T) {
	state := NewMachineStateAt(4)
	st := stats.NewAtomicCollector()
	f := NewFeeder(state, 8, 64, quietLogger(), st, nil, nil)
	client, done := serveFeeder(t, f)

	if _, err := client.Write(transport.AppendFrame(nil, []byte("abc"))); err != nil {
		t.Fatal(err)
	}
	client.Close()
	<-done

	if state.QueueLen() != 0 {
		t.Errorf("malformed token should not be queued")
	}
	if state.Clock() != 4 {
		t.Errorf("clock changed to %d", state.Clock())
	}
	if st.Count(stats.OpDiscard) != 1 {
		t.Errorf("expected one discard, got %d", st.Count(stats.OpDiscard))
	}
}

func TestFeederQueuesInArrivalOrder(t *testing.T) {
	state := NewMachineState()
	f := NewFeeder(state, 3, 64, quietLogger(), nil, nil, nil)
	client, done := serveFeeder(t, f)

	var stream []byte
	stream = append(stream, transport.EncodeTimestamp(7)...)
	stream = append(stream, transport.AppendFrame(nil, []byte("8 oops 9"))...)
	corrupt := transport.EncodeTimestamp(99)
	corrupt[len(corrupt)-1] ^= 0xff
	stream = append(stream, corrupt...)
	stream = append(stream, transport.EncodeTimestamp(10)...)

	if _, err := client.Write(stream); err != nil {
		t.Fatal(err)
	}
	client.Close()
	<-done

	var got []uint64
	state.Join(1)
	for i := 0; i < 4; i++ {
		tk := state.BeginTick(1)
		d := state.Decide(1, tk)
		if d.Action != ActionReceive {
			break
		}
		got = append(got, d.Timestamp)
		state.Finish(1, tk)
	}
	want := []uint64{7, 8, 9, 10}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestFeederDropsConnectionOnOversizedFrame(t *testing.T) {
	state := NewMachineState()
	f := NewFeeder(state, 16, 4, quietLogger(), nil, nil, nil)
	client, done := serveFeeder(t, f)

	go client.Write(transport.AppendFrame(nil, []byte("123456789")))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("feeder kept an oversized stream open")
	}
	if state.QueueLen() != 0 {
		t.Errorf("nothing should be queued")
	}
}
