// Package fakeprinter is a loopback TCP printer that speaks the FlashForge
// control protocol, with fault injection for tests.
package fakeprinter

import (
	"bufio"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"codeberg.org/mutker/printerctl/internal/protocol"
)

// State is the simulated machine
type State struct {
	NozzleCurrent, NozzleTarget float64
	BedCurrent, BedTarget       float64
	X, Y, Z                     float64
	MachineStatus               string
	MoveMode                    string
	LED                         bool
	CurrentFile                 string
	BytesDone, BytesTotal       int64
}

type Printer struct {
	ln net.Listener

	mu        sync.Mutex
	state     State
	files     map[string][]string
	received  []string
	delays    map[protocol.Opcode]time.Duration
	dropOn    map[protocol.Opcode]bool
	silent    map[protocol.Opcode]bool
	rejects   map[protocol.Opcode]string
	conns     map[net.Conn]struct{}
	accepted  int
	handshake int

	refuse   atomic.Bool
	overlaps atomic.Int32
	wg       sync.WaitGroup
	closed   chan struct{}
}

// New listens on a random loopback port
func New() (*Printer, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	p := &Printer{
		ln: ln,
		state: State{
			NozzleCurrent: 25, BedCurrent: 24,
			MachineStatus: "READY", MoveMode: "READY", LED: true,
		},
		files:   map[string][]string{},
		delays:  map[protocol.Opcode]time.Duration{},
		dropOn:  map[protocol.Opcode]bool{},
		silent:  map[protocol.Opcode]bool{},
		rejects: map[protocol.Opcode]string{},
		conns:   map[net.Conn]struct{}{},
		closed:  make(chan struct{}),
	}

	p.wg.Add(1)
	go p.accept()

	return p, nil
}

// Start creates a printer that is closed when the test ends
func Start(tb testing.TB) *Printer {
	tb.Helper()

	p, err := New()
	if err != nil {
		tb.Fatalf("fakeprinter: %v", err)
	}
	tb.Cleanup(p.Close)

	return p
}

func (p *Printer) Addr() string { return p.ln.Addr().String() }

// Close stops listening and drops every connection
func (p *Printer) Close() {
	select {
	case <-p.closed:
		return
	default:
		close(p.closed)
	}

	p.ln.Close()
	p.DisconnectAll()
	p.wg.Wait()
}

// SetDelay holds responses to code for d
func (p *Printer) SetDelay(code protocol.Opcode, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delays[code] = d
}

// DropOn closes the connection, without answering, the next time code
// is received.
func (p *Printer) DropOn(code protocol.Opcode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dropOn[code] = true
}

// Silence stops answering code until ClearFaults
func (p *Printer) Silence(code protocol.Opcode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.silent[code] = true
}

// Reject answers code with an Error line
func (p *Printer) Reject(code protocol.Opcode, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rejects[code] = reason
}

// Refuse makes the printer close new connections right after accepting
func (p *Printer) Refuse(refuse bool) {
	p.refuse.Store(refuse)
}

// ClearFaults removes all injected delays, drops, silences and rejections
func (p *Printer) ClearFaults() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delays = map[protocol.Opcode]time.Duration{}
	p.dropOn = map[protocol.Opcode]bool{}
	p.silent = map[protocol.Opcode]bool{}
	p.rejects = map[protocol.Opcode]string{}
	p.refuse.Store(false)
}

// DisconnectAll closes every open connection
func (p *Printer) DisconnectAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for c := range p.conns {
		c.Close()
	}
}

// Update mutates the simulated machine
func (p *Printer) Update(fn func(*State)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(&p.state)
}

func (p *Printer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// AddFile stores a file as if it had been uploaded
func (p *Printer) AddFile(name string, lines ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.files[name] = lines
}

// File returns the stored body lines of name
func (p *Printer) File(name string) ([]string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	lines, ok := p.files[name]
	return append([]string(nil), lines...), ok
}

// Received returns every line received, in order, without line endings
func (p *Printer) Received() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.received...)
}

// Count returns how many times code was received
func (p *Printer) Count(code protocol.Opcode) int {
	n := 0
	for _, line := range p.Received() {
		if cmd, err := protocol.ParseCommandLine(line); err == nil && cmd.Code == code {
			n++
		}
	}
	return n
}

// Overlaps counts non-emergency commands that arrived while an earlier
// command on the same connection was still unanswered.
func (p *Printer) Overlaps() int { return int(p.overlaps.Load()) }

// Connections returns the number of accepted connections
func (p *Printer) Connections() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.accepted
}

// Handshakes returns the number of M601 handshakes answered
func (p *Printer) Handshakes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handshake
}

func (p *Printer) accept() {
	defer p.wg.Done()

	for {
		c, err := p.ln.Accept()
		if err != nil {
			return
		}
		if p.refuse.Load() {
			c.Close()
			continue
		}

		p.mu.Lock()
		p.conns[c] = struct{}{}
		p.accepted++
		p.mu.Unlock()

		p.wg.Add(1)
		go p.serve(c)
	}
}

type session struct {
	p       *Printer
	c       net.Conn
	writeMu sync.Mutex

	// commands read but not yet answered
	outstanding atomic.Int32

	upload  string
	writing bool
	body    []string
}

func (s *session) write(frame string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, _ = s.c.Write([]byte(frame))
}

// serve reads lines on one goroutine and answers them in order on
// another. Emergency stops are answered by the reader at once.
func (p *Printer) serve(c net.Conn) {
	defer p.wg.Done()

	s := &session{p: p, c: c}
	lines := make(chan protocol.Command, 64)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for cmd := range lines {
			frame, keep := s.handle(cmd)
			s.outstanding.Add(-1)
			if !keep {
				c.Close()
				for range lines {
				}
				return
			}
			if frame != "" {
				s.write(frame)
			}
		}
	}()

	defer func() {
		close(lines)
		<-done
		p.mu.Lock()
		delete(p.conns, c)
		p.mu.Unlock()
		c.Close()
	}()

	r := bufio.NewReader(c)
	for {
		raw, err := r.ReadString('\n')
		if err != nil {
			return
		}
		raw = strings.TrimRight(raw, "\r\n")
		if raw == "" {
			continue
		}

		p.mu.Lock()
		p.received = append(p.received, raw)
		p.mu.Unlock()

		cmd, err := protocol.ParseCommandLine(raw)
		if err != nil {
			s.write(protocol.EncodeRejection(protocol.Command{Bare: true}, "invalid command"))
			continue
		}

		if cmd.Code == protocol.OpEmergencyStop && !cmd.Bare {
			s.emergencyStop(cmd)
			continue
		}

		if s.outstanding.Add(1) > 1 {
			p.overlaps.Add(1)
		}
		lines <- cmd
	}
}

func (s *session) emergencyStop(cmd protocol.Command) {
	s.p.Update(func(st *State) {
		st.MachineStatus = "READY"
		st.MoveMode = "READY"
		st.NozzleTarget = 0
		st.BedTarget = 0
	})
	s.write(protocol.EncodeResponse(cmd))
}

// handle returns the frame answering cmd, or an empty frame for no
// answer. It returns false when the connection should be dropped.
func (s *session) handle(cmd protocol.Command) (string, bool) {
	p := s.p

	p.mu.Lock()
	delay := p.delays[cmd.Code]
	drop := p.dropOn[cmd.Code]
	if drop {
		delete(p.dropOn, cmd.Code)
	}
	silent := p.silent[cmd.Code]
	reason, reject := p.rejects[cmd.Code]
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-p.closed:
			return "", false
		}
	}

	switch {
	case drop:
		return "", false
	case silent:
		return "", true
	case reject:
		return protocol.EncodeRejection(cmd, reason), true
	}

	if s.writing && cmd.Code != protocol.OpEndWrite {
		s.body = append(s.body, protocol.Encode(protocol.Command{Code: cmd.Code, Params: cmd.Params, Bare: true}))
		return protocol.EncodeResponse(cmd), true
	}

	body, ok := s.respond(cmd)
	if !ok {
		return protocol.EncodeRejection(cmd, body[0]), true
	}

	return protocol.EncodeResponse(cmd, body...), true
}

func (s *session) respond(cmd protocol.Command) ([]string, bool) {
	p := s.p
	p.mu.Lock()
	defer p.mu.Unlock()
	st := &p.state

	switch cmd.Code {
	case protocol.OpHandshake:
		p.handshake++
		return []string{"Control Success."}, true

	case protocol.OpTemperature:
		return []string{fmt.Sprintf("T0:%.1f/%.1f B:%.1f/%.1f",
			st.NozzleCurrent, st.NozzleTarget, st.BedCurrent, st.BedTarget)}, true

	case protocol.OpStatus:
		led := "0"
		if st.LED {
			led = "1"
		}
		return []string{
			"Endstop: X-max:0 Y-max:0 Z-min:0",
			"MachineStatus: " + st.MachineStatus,
			"MoveMode: " + st.MoveMode,
			"Status: S:1 L:0 J:0 F:0",
			"LED: " + led,
			"CurrentFile: " + st.CurrentFile,
		}, true

	case protocol.OpPosition:
		return []string{fmt.Sprintf("X:%.2f Y:%.2f Z:%.2f A:0 B:0", st.X, st.Y, st.Z)}, true

	case protocol.OpProgress:
		if st.MachineStatus != "BUILDING_FROM_SD" {
			return []string{"Not SD printing."}, true
		}
		return []string{fmt.Sprintf("SD printing byte %d/%d", st.BytesDone, st.BytesTotal)}, true

	case protocol.OpListFiles:
		names := make([]string, 0, len(p.files))
		for name := range p.files {
			names = append(names, name)
		}
		sort.Strings(names)

		body := []string{"Begin file list"}
		for _, name := range names {
			body = append(body, fmt.Sprintf("%s %d bytes", name, size(p.files[name])))
		}
		return append(body, "End file list"), true

	case protocol.OpSelectFile:
		if _, ok := p.files[cmd.Arg()]; !ok {
			return []string{"file not found"}, false
		}
		st.CurrentFile = cmd.Arg()
		return []string{"File selected"}, true

	case protocol.OpResume:
		if st.CurrentFile == "" {
			return []string{"no file selected"}, false
		}
		if st.MachineStatus != "BUILDING_FROM_SD" {
			st.BytesDone = 0
			st.BytesTotal = size(p.files[st.CurrentFile])
		}
		st.MachineStatus = "BUILDING_FROM_SD"
		st.MoveMode = "MOVING"
		return nil, true

	case protocol.OpPause:
		st.MoveMode = "PAUSED"
		return nil, true

	case protocol.OpDeleteFile:
		if _, ok := p.files[cmd.Arg()]; !ok {
			return []string{"file not found"}, false
		}
		delete(p.files, cmd.Arg())
		return nil, true

	case protocol.OpBeginWrite:
		s.upload = cmd.Arg()
		s.writing = true
		s.body = nil
		return []string{"Writing to file: " + cmd.Arg()}, true

	case protocol.OpEndWrite:
		if !s.writing {
			return []string{"not writing"}, false
		}
		p.files[s.upload] = s.body
		s.writing = false
		return []string{"Done saving file."}, true

	case protocol.OpNozzleTemp:
		if v, ok := cmd.Param("S"); ok {
			st.NozzleTarget = v
		}
		return nil, true

	case protocol.OpBedTemp:
		if v, ok := cmd.Param("S"); ok {
			st.BedTarget = v
		}
		return nil, true

	case protocol.OpLED:
		if v, ok := cmd.Param("r"); ok {
			st.LED = v > 0
		}
		return nil, true

	case protocol.OpHome:
		st.X, st.Y, st.Z = 0, 0, 0
		return nil, true

	default:
		return nil, true
	}
}

func size(lines []string) int64 {
	n := 0
	for _, l := range lines {
		n += len(l) + 1
	}
	return int64(n)
}
