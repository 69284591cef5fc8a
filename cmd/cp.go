package main

import (
	"fmt"
	"regexp"

	"github.com/spf13/cobra"

	"etran/internal/client"
	"etran/internal/conf"
	"etran/internal/flog"
	"etran/internal/protocol"
	"etran/internal/server"
	"etran/internal/state"
	"etran/internal/tnet"
	"etran/internal/xfer"
)

// A transfer side is a plain local path or <proto>://host[:port]/path.
var rxRemoteTarget = regexp.MustCompile(`^((?:tcp6?|udt6?)://[^/]*)(/.*)$`)

type target struct {
	remote bool
	sn     tnet.Sockname
	path   string
}

func parseTarget(s string) (target, error) {
	m := rxRemoteTarget.FindStringSubmatch(s)
	if m == nil {
		return target{path: s}, nil
	}
	sn, err := tnet.ParseEndpoint(m[1], tnet.DefaultCommandPort)
	if err != nil {
		return target{}, err
	}
	if sn.Host == "" {
		return target{}, fmt.Errorf("remote target %q needs a host", s)
	}
	return target{remote: true, sn: sn, path: m[2]}, nil
}

var cpFlags struct {
	mode      string
	verbosity int
	buffer    int
	mss       int
	maxBW     string
}

var cpCmd = &cobra.Command{
	Use:   "cp SRC DST",
	Short: "copy one file between hosts",
	Long: `Copy a file. Either side may be a local path or a daemon target of the
form <proto>://host[:port]/path with proto one of tcp, tcp6, udt, udt6.`,
	Args: cobra.ExactArgs(2),
	RunE: runCp,
}

func init() {
	f := cpCmd.Flags()
	f.StringVar(&cpFlags.mode, "mode", "New", "destination open mode: New, OverWrite, Resume, SkipExisting")
	f.IntVarP(&cpFlags.verbosity, "message-level", "m", int(flog.Warn), "log verbosity [-1,5]")
	f.IntVar(&cpFlags.buffer, "buffer", 0, "send/receive buffer size for the local side")
	f.IntVar(&cpFlags.mss, "mss", 0, "UDT maximum segment size for the local side")
	f.StringVar(&cpFlags.maxBW, "max-bw", "", "bandwidth cap for the local side, e.g. 1Gbps")
}

// localState builds the shared state backing in-process server instances
// for the local sides of a copy.
func localState() (*state.State, error) {
	st := state.New()
	if cpFlags.buffer > 0 {
		st.BufSize = cpFlags.buffer
	}
	st.MSS = cpFlags.mss
	if cpFlags.maxBW != "" {
		bw, err := conf.ParseBandwidth(cpFlags.maxBW)
		if err != nil {
			return nil, err
		}
		st.MaxBW = bw
	}
	return st, nil
}

func openSide(t target, st *state.State) (xfer.Server, error) {
	if !t.remote {
		return server.New(st), nil
	}
	conn, err := tnet.Dial(t.sn, tnet.Options{BufSize: st.BufSize})
	if err != nil {
		return nil, err
	}
	return client.New(conn), nil
}

func runCp(cmd *cobra.Command, args []string) error {
	flog.SetLevel(cpFlags.verbosity)

	mode, err := protocol.ParseOpenMode(cpFlags.mode)
	if err != nil {
		return err
	}
	if !mode.Writable() {
		return fmt.Errorf("mode %s cannot be used for the destination", mode)
	}
	src, err := parseTarget(args[0])
	if err != nil {
		return err
	}
	dst, err := parseTarget(args[1])
	if err != nil {
		return err
	}

	st, err := localState()
	if err != nil {
		return err
	}
	// A local-to-local copy still moves its bytes through a data channel;
	// a loopback endpoint provides one.
	if !src.remote && !dst.remote {
		d, err := server.NewDaemon(st, nil,
			[]tnet.Sockname{{Proto: tnet.ProtoTCP, Host: "127.0.0.1", Port: 0}})
		if err != nil {
			return err
		}
		d.Run()
		defer func() {
			st.CancelAll()
			d.Close()
			st.Wait()
		}()
	}
	srcSrv, err := openSide(src, st)
	if err != nil {
		return err
	}
	defer srcSrv.Close()
	dstSrv, err := openSide(dst, st)
	if err != nil {
		return err
	}
	defer dstSrv.Close()

	wh, err := dstSrv.RequestFileWrite(dst.path, mode)
	if err != nil {
		return err
	}
	defer dstSrv.RemoveUUID(wh.UUID)

	if mode == protocol.OpenSkipExisting && wh.AlreadyHave > 0 {
		fmt.Printf("%s: exists (%d bytes), skipped\n", dst.path, wh.AlreadyHave)
		return nil
	}

	rh, err := srcSrv.RequestFileRead(src.path, wh.AlreadyHave)
	if err != nil {
		return err
	}
	defer srcSrv.RemoveUUID(rh.UUID)

	if rh.Remain < 0 {
		return fmt.Errorf("%s: destination already has %d bytes, more than the source", dst.path, wh.AlreadyHave)
	}
	if rh.Remain == 0 {
		fmt.Printf("%s: up to date\n", dst.path)
		return nil
	}

	res, err := runTransfer(srcSrv, dstSrv, dst, rh, wh)
	if err != nil {
		return err
	}
	if !res.Finished {
		reason := res.Reason
		if reason == "" {
			reason = "transfer incomplete"
		}
		return fmt.Errorf("%s: %s (%d of %d bytes)", dst.path, reason, res.Bytes, rh.Remain)
	}
	fmt.Printf("%s: %d bytes in %.2fs\n", dst.path, res.Bytes, res.Duration.Seconds())
	return nil
}

// runTransfer pushes from the source; when the destination is local and
// the push cannot reach any of its data endpoints, it pulls instead.
func runTransfer(srcSrv, dstSrv xfer.Server, dst target, rh xfer.ReadHandle, wh xfer.WriteHandle) (protocol.Result, error) {
	dstAddrs, err := dstSrv.DataChannelAddr()
	if err == nil && len(dstAddrs) > 0 {
		res, err := srcSrv.SendFile(rh.UUID, wh.UUID, rh.Remain, dstAddrs)
		if err == nil {
			return res, nil
		}
		if dst.remote {
			return protocol.Result{}, err
		}
		flog.Warnf("push failed (%v), pulling instead", err)
	} else if dst.remote {
		if err != nil {
			return protocol.Result{}, err
		}
		return protocol.Result{}, fmt.Errorf("destination announces no data endpoints")
	}

	// Pull: the destination opens the data channel towards the source.
	srcAddrs, err := srcSrv.DataChannelAddr()
	if err != nil {
		return protocol.Result{}, err
	}
	if len(srcAddrs) == 0 {
		return protocol.Result{}, fmt.Errorf("source announces no data endpoints")
	}
	return dstSrv.GetFile(rh.UUID, wh.UUID, rh.Remain, srcAddrs)
}
