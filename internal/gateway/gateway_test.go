package gateway_test

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/printerctl/internal/errors"
	"codeberg.org/mutker/printerctl/internal/gateway"
	"codeberg.org/mutker/printerctl/internal/logger"
	"codeberg.org/mutker/printerctl/internal/protocol"
	"codeberg.org/mutker/printerctl/internal/testutil/fakeprinter"
	"codeberg.org/mutker/printerctl/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

func testConfig() gateway.Config {
	return gateway.Config{
		ReadTimeout:      2 * time.Second,
		WriteTimeout:     time.Second,
		HandshakeTimeout: time.Second,
		Backoff: gateway.BackoffConfig{
			InitialDelay: 10 * time.Millisecond,
			Multiplier:   2,
			MaxDelay:     50 * time.Millisecond,
		},
	}
}

func startGateway(t *testing.T, addr string, cfg gateway.Config) *gateway.Gateway {
	t.Helper()

	dial := gateway.TransportDialer(transport.Dialer{Addr: addr, ConnectTimeout: time.Second})
	g := gateway.New(dial, cfg, gateway.WithLogger(logger.Nop()))
	g.Start()
	t.Cleanup(g.Stop)

	return g
}

type recorder struct {
	mu      sync.Mutex
	changes []gateway.StateChange
}

func record(g *gateway.Gateway) *recorder {
	r := &recorder{}
	g.OnStateChange(func(c gateway.StateChange) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.changes = append(r.changes, c)
	})
	return r
}

func (r *recorder) seen(s gateway.State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.changes {
		if c.To == s {
			return true
		}
	}
	return false
}

func indexOf(lines []string, line string) int {
	for i, l := range lines {
		if l == line {
			return i
		}
	}
	return -1
}

func TestSubmitConnectsLazily(t *testing.T) {
	fp := fakeprinter.Start(t)
	fp.Update(func(s *fakeprinter.State) { s.NozzleCurrent, s.NozzleTarget = 200, 210 })

	g := startGateway(t, fp.Addr(), testConfig())
	assert.Equal(t, gateway.Disconnected, g.Connection())
	assert.Zero(t, fp.Connections())

	res, err := g.Submit(context.Background(), protocol.QueryTemperature(), gateway.PriorityNormal)
	require.NoError(t, err)
	require.NotNil(t, res.Temperatures)
	assert.Equal(t, protocol.Reading{Current: 200, Target: 210}, *res.Temperatures.Nozzle)

	assert.Equal(t, gateway.StateIdle, g.State())
	assert.Equal(t, gateway.Connected, g.Connection())
	assert.Equal(t, 1, fp.Handshakes())
	assert.Equal(t, []string{"~M601 S1", "~M105"}, fp.Received())
}

func TestConcurrentCommandsNeverOverlap(t *testing.T) {
	fp := fakeprinter.Start(t)
	fp.SetDelay(protocol.OpTemperature, 2*time.Millisecond)

	g := startGateway(t, fp.Addr(), testConfig())

	var wg sync.WaitGroup
	errs := make(chan error, 60)
	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cmd, prio := protocol.QueryTemperature(), gateway.PriorityBestEffort
			if i%3 == 0 {
				cmd, prio = protocol.SetLED(i%2 == 0), gateway.PriorityNormal
			}
			_, err := g.Submit(context.Background(), cmd, prio)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Zero(t, fp.Overlaps(), "a command arrived while another was unanswered")
	assert.Equal(t, 1, fp.Connections())
}

func TestCommandsRunInSubmissionOrder(t *testing.T) {
	fp := fakeprinter.Start(t)
	fp.SetDelay(protocol.OpTemperature, 200*time.Millisecond)

	g := startGateway(t, fp.Addr(), testConfig())

	var wg sync.WaitGroup
	submit := func(cmd protocol.Command) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.Submit(context.Background(), cmd, gateway.PriorityNormal)
			assert.NoError(t, err)
		}()
	}

	submit(protocol.QueryTemperature())
	require.Eventually(t, func() bool { return fp.Count(protocol.OpTemperature) == 1 }, waitFor, tick)

	temps := []int{180, 190, 200, 210}
	for _, temp := range temps {
		submit(protocol.SetNozzleTemperature(temp))
		time.Sleep(20 * time.Millisecond)
	}
	wg.Wait()

	got := fp.Received()
	require.Len(t, got, 6)
	assert.Equal(t, []string{"~M104 S180", "~M104 S190", "~M104 S200", "~M104 S210"}, got[2:])
}

func TestEmergencyStopGoesFirst(t *testing.T) {
	fp := fakeprinter.Start(t)
	fp.SetDelay(protocol.OpTemperature, 400*time.Millisecond)

	g := startGateway(t, fp.Addr(), testConfig())
	_, err := g.Submit(context.Background(), protocol.QueryStatus(), gateway.PriorityNormal)
	require.NoError(t, err)

	inflight := make(chan error, 1)
	go func() {
		_, err := g.Submit(context.Background(), protocol.QueryTemperature(), gateway.PriorityNormal)
		inflight <- err
	}()
	require.Eventually(t, func() bool { return fp.Count(protocol.OpTemperature) == 1 }, waitFor, tick)

	queued := make(chan error, 3)
	for _, temp := range []int{100, 110, 120} {
		go func(temp int) {
			_, err := g.Submit(context.Background(), protocol.SetBedTemperature(temp), gateway.PriorityNormal)
			queued <- err
		}(temp)
		time.Sleep(10 * time.Millisecond)
	}

	start := time.Now()
	_, err = g.Submit(context.Background(), protocol.EmergencyStop(), gateway.PriorityEmergency)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 300*time.Millisecond, "emergency waited for the command in flight")

	err = <-inflight
	assert.True(t, errors.HasCode(err, gateway.ErrPreempted))

	for i := 0; i < 3; i++ {
		assert.NoError(t, <-queued)
	}

	got := fp.Received()
	stop := indexOf(got, "~M112")
	require.GreaterOrEqual(t, stop, 0)
	for _, line := range []string{"~M140 S100", "~M140 S110", "~M140 S120"} {
		assert.Greater(t, indexOf(got, line), stop, line)
	}

	assert.Equal(t, gateway.Connected, g.Connection(), "preemption keeps the connection")
	assert.Equal(t, 1, fp.Connections())
}

func TestIOErrorReconnects(t *testing.T) {
	fp := fakeprinter.Start(t)
	g := startGateway(t, fp.Addr(), testConfig())
	rec := record(g)

	_, err := g.Submit(context.Background(), protocol.QueryStatus(), gateway.PriorityNormal)
	require.NoError(t, err)

	fp.DropOn(protocol.OpTemperature)
	_, err = g.Submit(context.Background(), protocol.QueryTemperature(), gateway.PriorityNormal)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, gateway.ErrIO) || errors.HasCode(err, gateway.ErrCommandTimeout), err.Error())

	require.Eventually(t, func() bool {
		return g.State() == gateway.StateIdle && g.Connection() == gateway.Connected
	}, waitFor, tick)
	assert.True(t, rec.seen(gateway.StateReconnecting))
	assert.Equal(t, 2, fp.Handshakes())

	_, err = g.Submit(context.Background(), protocol.QueryTemperature(), gateway.PriorityNormal)
	assert.NoError(t, err)
}

func TestTimeoutReconnects(t *testing.T) {
	fp := fakeprinter.Start(t)
	cfg := testConfig()
	cfg.ReadTimeout = 150 * time.Millisecond
	g := startGateway(t, fp.Addr(), cfg)
	rec := record(g)

	fp.Silence(protocol.OpTemperature)
	_, err := g.Submit(context.Background(), protocol.QueryTemperature(), gateway.PriorityNormal)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, gateway.ErrCommandTimeout))

	fp.ClearFaults()
	require.Eventually(t, func() bool {
		return g.State() == gateway.StateIdle && g.Connection() == gateway.Connected
	}, waitFor, tick)
	assert.True(t, rec.seen(gateway.StateReconnecting))
}

func TestLateResponseIsDiscarded(t *testing.T) {
	fp := fakeprinter.Start(t)
	fp.SetDelay(protocol.OpTemperature, 300*time.Millisecond)

	g := startGateway(t, fp.Addr(), testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := g.Submit(ctx, protocol.QueryTemperature(), gateway.PriorityNormal)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, gateway.ErrCommandTimeout))

	res, err := g.Submit(context.Background(), protocol.QueryStatus(), gateway.PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, protocol.OpStatus, res.Code)
	assert.NotNil(t, res.Status)
	assert.Nil(t, res.Temperatures, "late temperature response leaked into a later command")
	assert.Equal(t, gateway.Connected, g.Connection())
}

func TestCancelledQueuedCommandIsWithdrawn(t *testing.T) {
	fp := fakeprinter.Start(t)
	fp.SetDelay(protocol.OpTemperature, 200*time.Millisecond)

	g := startGateway(t, fp.Addr(), testConfig())

	go g.Submit(context.Background(), protocol.QueryTemperature(), gateway.PriorityNormal)
	require.Eventually(t, func() bool { return fp.Count(protocol.OpTemperature) == 1 }, waitFor, tick)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := g.Submit(ctx, protocol.Home(), gateway.PriorityNormal)
	assert.True(t, errors.HasCode(err, gateway.ErrCommandTimeout))

	_, err = g.Submit(context.Background(), protocol.QueryStatus(), gateway.PriorityNormal)
	require.NoError(t, err)
	assert.Zero(t, fp.Count(protocol.OpHome), "withdrawn command reached the printer")
}

func TestBestEffortDroppedWhileReconnecting(t *testing.T) {
	fp := fakeprinter.Start(t)
	g := startGateway(t, fp.Addr(), testConfig())

	_, err := g.Submit(context.Background(), protocol.QueryStatus(), gateway.PriorityNormal)
	require.NoError(t, err)

	fp.Refuse(true)
	fp.DisconnectAll()
	_, err = g.Submit(context.Background(), protocol.QueryStatus(), gateway.PriorityNormal)
	require.Error(t, err)

	require.Eventually(t, func() bool { return g.State() == gateway.StateReconnecting }, waitFor, tick)

	_, err = g.Submit(context.Background(), protocol.QueryTemperature(), gateway.PriorityBestEffort)
	assert.True(t, errors.HasCode(err, gateway.ErrQueueDropped))

	_, err = g.Submit(context.Background(), protocol.EmergencyStop(), gateway.PriorityEmergency)
	assert.True(t, errors.HasCode(err, gateway.ErrConnect))

	queued := make(chan error, 1)
	go func() {
		_, err := g.Submit(context.Background(), protocol.QueryStatus(), gateway.PriorityNormal)
		queued <- err
	}()

	select {
	case err := <-queued:
		t.Fatalf("normal command returned during outage: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	fp.Refuse(false)
	select {
	case err := <-queued:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("queued command not released after reconnect")
	}
}

func TestRejectedCommandKeepsConnection(t *testing.T) {
	fp := fakeprinter.Start(t)
	g := startGateway(t, fp.Addr(), testConfig())

	_, err := g.Submit(context.Background(), protocol.SelectFile("missing.gx"), gateway.PriorityNormal)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, gateway.ErrCommandRejected))

	assert.Equal(t, gateway.StateIdle, g.State())
	assert.Equal(t, gateway.Connected, g.Connection())
	assert.Equal(t, 1, fp.Connections())
}

func TestConnectFailureReturnsToIdle(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	g := startGateway(t, addr, testConfig())

	_, err = g.Submit(context.Background(), protocol.QueryStatus(), gateway.PriorityNormal)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, gateway.ErrConnect))
	assert.Equal(t, gateway.StateIdle, g.State())
	assert.Equal(t, gateway.Disconnected, g.Connection())
}

func TestExclusiveHoldsAdmissionSlot(t *testing.T) {
	fp := fakeprinter.Start(t)
	g := startGateway(t, fp.Addr(), testConfig())

	polled := make(chan error, 1)
	err := g.Exclusive(context.Background(), func(s gateway.Session) error {
		if _, err := s.Exec(protocol.BeginWrite("cube.gcode")); err != nil {
			return err
		}

		go func() {
			_, err := g.Submit(context.Background(), protocol.QueryTemperature(), gateway.PriorityBestEffort)
			polled <- err
		}()
		time.Sleep(50 * time.Millisecond)

		for _, line := range []string{"G28", "G1 X10 Y10", "M84"} {
			if _, err := s.Exec(protocol.BareLine(line)); err != nil {
				return err
			}
		}
		_, err := s.Exec(protocol.EndWrite())
		return err
	})
	require.NoError(t, err)
	require.NoError(t, <-polled)

	assert.Equal(t, []string{
		"~M601 S1", "~M28 cube.gcode", "G28", "G1 X10 Y10", "M84", "~M29", "~M105",
	}, fp.Received())

	body, ok := fp.File("cube.gcode")
	require.True(t, ok)
	assert.Equal(t, []string{"G28", "G1 X10 Y10", "M84"}, body)
}

func TestInvalidatedSessionReconnects(t *testing.T) {
	fp := fakeprinter.Start(t)
	g := startGateway(t, fp.Addr(), testConfig())

	aborted := fmt.Errorf("upload aborted")
	err := g.Exclusive(context.Background(), func(s gateway.Session) error {
		if _, err := s.Exec(protocol.BeginWrite("cube.gcode")); err != nil {
			return err
		}
		s.Invalidate()

		_, err := s.Exec(protocol.BareLine("G28"))
		assert.True(t, errors.HasCode(err, gateway.ErrIO))
		return aborted
	})
	require.ErrorIs(t, err, aborted)

	_, err = g.Submit(context.Background(), protocol.SetNozzleTemperature(200), gateway.PriorityNormal)
	require.NoError(t, err)

	assert.Equal(t, 2, fp.Handshakes())
	assert.InDelta(t, 200.0, fp.State().NozzleTarget, 1e-9)
	assert.Equal(t, -1, indexOf(fp.Received(), "G28"))
	_, ok := fp.File("cube.gcode")
	assert.False(t, ok)
}

func TestForceReconnect(t *testing.T) {
	fp := fakeprinter.Start(t)
	g := startGateway(t, fp.Addr(), testConfig())

	_, err := g.Submit(context.Background(), protocol.QueryStatus(), gateway.PriorityNormal)
	require.NoError(t, err)

	g.ForceReconnect()
	require.Eventually(t, func() bool {
		return fp.Handshakes() == 2 && g.State() == gateway.StateIdle && g.Connection() == gateway.Connected
	}, waitFor, tick)
	assert.Equal(t, 2, fp.Connections())
}

func TestStopFailsQueuedCommands(t *testing.T) {
	fp := fakeprinter.Start(t)
	fp.SetDelay(protocol.OpTemperature, 200*time.Millisecond)

	dial := gateway.TransportDialer(transport.Dialer{Addr: fp.Addr(), ConnectTimeout: time.Second})
	g := gateway.New(dial, testConfig(), gateway.WithLogger(logger.Nop()))
	g.Start()

	inflight := make(chan error, 1)
	go func() {
		_, err := g.Submit(context.Background(), protocol.QueryTemperature(), gateway.PriorityNormal)
		inflight <- err
	}()
	require.Eventually(t, func() bool { return fp.Count(protocol.OpTemperature) == 1 }, waitFor, tick)

	queued := make(chan error, 1)
	go func() {
		_, err := g.Submit(context.Background(), protocol.Home(), gateway.PriorityNormal)
		queued <- err
	}()
	time.Sleep(20 * time.Millisecond)

	g.Stop()

	assert.True(t, errors.HasCode(<-queued, gateway.ErrGatewayStopped))
	assert.NoError(t, <-inflight, "command in flight completes before stop")
	assert.Equal(t, gateway.StateStopped, g.State())

	_, err := g.Submit(context.Background(), protocol.QueryStatus(), gateway.PriorityNormal)
	assert.True(t, errors.HasCode(err, gateway.ErrGatewayStopped))
}
