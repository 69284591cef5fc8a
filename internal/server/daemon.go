package server

import (
	"fmt"

	"etran/internal/flog"
	"etran/internal/state"
	"etran/internal/tnet"
)

// Daemon binds the configured control and data endpoints and runs their
// accept loops on tracked workers.
type Daemon struct {
	st      *state.State
	control []tnet.Listener
	data    []tnet.Listener
}

// NewDaemon creates the listeners. Every data listener's resolved address
// is published in the shared state for dataChannelAddr.
func NewDaemon(st *state.State, control, data []tnet.Sockname) (*Daemon, error) {
	d := &Daemon{st: st}
	opt := tnet.Options{BufSize: st.BufSize, MSS: st.MSS, MaxBW: st.MaxBW}
	for _, sn := range control {
		ln, err := tnet.Listen(sn, opt)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("control endpoint: %w", err)
		}
		d.control = append(d.control, ln)
	}
	for _, sn := range data {
		ln, err := tnet.Listen(sn, opt)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("data endpoint: %w", err)
		}
		d.data = append(d.data, ln)
		st.DataAddrs = append(st.DataAddrs, ln.Sockname())
	}
	return d, nil
}

// ControlAddrs returns the resolved control endpoints, useful when the
// configuration asked for ephemeral ports.
func (d *Daemon) ControlAddrs() []tnet.Sockname {
	out := make([]tnet.Sockname, 0, len(d.control))
	for _, ln := range d.control {
		out = append(out, ln.Sockname())
	}
	return out
}

// Run starts one accept loop per listener. It returns immediately; the
// loops run on the shared state's tracked workers until shutdown.
func (d *Daemon) Run() {
	for _, ln := range d.control {
		d.acceptLoop(ln, func(c tnet.Conn) { ServeControl(d.st, c) })
	}
	for _, ln := range d.data {
		d.acceptLoop(ln, func(c tnet.Conn) { ServeData(d.st, c) })
	}
}

func (d *Daemon) acceptLoop(ln tnet.Listener, handle func(tnet.Conn)) {
	d.st.Go(func() {
		deregister := d.st.OnCancel(func() { ln.Close() })
		defer deregister()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if d.st.Cancelled.Load() {
					return
				}
				// Per-connection failures don't take the endpoint down;
				// keep accepting.
				flog.Errorf("accept on %s: %v", ln.Sockname(), err)
				continue
			}
			d.st.Go(func() { handle(conn) })
		}
	})
}

// Close shuts the listeners; in-flight sessions are stopped through the
// shared state's cancellation hooks.
func (d *Daemon) Close() {
	for _, ln := range d.control {
		ln.Close()
	}
	for _, ln := range d.data {
		ln.Close()
	}
}
