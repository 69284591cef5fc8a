package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"os/user"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"etran/internal/conf"
	"etran/internal/flog"
	"etran/internal/server"
	"etran/internal/state"
)

// Child processes re-executed for daemonization carry this marker.
const daemonEnv = "ETRAN_DAEMONIZED"

var daemonFlags struct {
	foreground bool
	runAs      string
	verbosity  int
	mss        int
	buffer     int
	maxBW      string
	command    []string
	data       []string
	config     string
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "run the transfer daemon",
	RunE:  runDaemon,
}

func init() {
	f := daemonCmd.Flags()
	f.BoolVarP(&daemonFlags.foreground, "foreground", "f", false, "stay in the foreground; do not daemonize")
	f.StringVar(&daemonFlags.runAs, "run-as", "", "drop privileges to this user before serving")
	f.IntVarP(&daemonFlags.verbosity, "message-level", "m", int(flog.Info), "log verbosity [-1,5]")
	f.IntVar(&daemonFlags.mss, "mss", 0, "default UDT maximum segment size")
	f.IntVar(&daemonFlags.buffer, "buffer", 0, "default send/receive buffer size")
	f.StringVar(&daemonFlags.maxBW, "max-bw", "", "default bandwidth cap, e.g. 1Gbps")
	f.StringArrayVar(&daemonFlags.command, "command", nil, "control listen address (repeatable)")
	f.StringArrayVar(&daemonFlags.data, "data", nil, "data listen address (repeatable)")
	f.StringVar(&daemonFlags.config, "config", "", "YAML configuration file")
}

func daemonConf(cmd *cobra.Command) (*conf.Conf, error) {
	cfg := &conf.Conf{}
	if daemonFlags.config != "" {
		loaded, err := conf.LoadFromFile(daemonFlags.config)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if cmd.Flags().Changed("message-level") {
		cfg.Log.SetLevel(daemonFlags.verbosity)
	}
	if daemonFlags.buffer != 0 {
		cfg.Tuning.Buffer = daemonFlags.buffer
	}
	if daemonFlags.mss != 0 {
		cfg.Tuning.MSS = daemonFlags.mss
	}
	if daemonFlags.maxBW != "" {
		cfg.Tuning.MaxBW_ = daemonFlags.maxBW
	}
	cfg.Command = append(cfg.Command, daemonFlags.command...)
	cfg.Data = append(cfg.Data, daemonFlags.data...)
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	if daemonFlags.foreground && daemonFlags.runAs != "" {
		return fmt.Errorf("-f and --run-as are mutually exclusive")
	}
	cfg, err := daemonConf(cmd)
	if err != nil {
		return err
	}

	if !daemonFlags.foreground && os.Getenv(daemonEnv) == "" {
		return detach()
	}
	if os.Getenv(daemonEnv) != "" {
		unix.Umask(0)
		os.Chdir("/")
		if err := flog.UseSyslog("etran"); err != nil {
			fmt.Fprintf(os.Stderr, "syslog unavailable: %v\n", err)
		}
	}
	flog.SetLevel(cfg.Log.Level)

	st := state.New()
	st.BufSize = cfg.Tuning.Buffer
	st.MSS = cfg.Tuning.MSS
	st.MaxBW = cfg.Tuning.MaxBW

	d, err := server.NewDaemon(st, cfg.CommandAddrs, cfg.DataAddrs)
	if err != nil {
		return err
	}

	if daemonFlags.runAs != "" {
		if err := dropPrivileges(daemonFlags.runAs); err != nil {
			d.Close()
			return err
		}
	}

	d.Run()
	flog.Infof("etran daemon up: %d control, %d data endpoints", len(cfg.CommandAddrs), len(cfg.DataAddrs))

	ctx, stop := signal.NotifyContext(context.Background(),
		unix.SIGHUP, unix.SIGINT, unix.SIGTERM, unix.SIGSEGV)
	defer stop()
	<-ctx.Done()

	flog.Infof("shutting down")
	st.CancelAll()
	d.Close()
	st.Wait()
	return nil
}

// detach re-executes the daemon in its own session with stdio on
// /dev/null, the Go rendition of the classic double fork.
func detach() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer devnull.Close()

	child := exec.Command(exe, os.Args[1:]...)
	child.Env = append(os.Environ(), daemonEnv+"=1")
	child.Stdin, child.Stdout, child.Stderr = devnull, devnull, devnull
	child.Dir = "/"
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := child.Start(); err != nil {
		return err
	}
	fmt.Printf("etran daemon started, pid %d\n", child.Process.Pid)
	return nil
}

func dropPrivileges(name string) error {
	u, err := user.Lookup(name)
	if err != nil {
		return fmt.Errorf("run-as %q: %w", name, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return err
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return err
	}
	if err := unix.Setgid(gid); err != nil {
		return fmt.Errorf("setgid %d: %w", gid, err)
	}
	if err := unix.Setuid(uid); err != nil {
		return fmt.Errorf("setuid %d: %w", uid, err)
	}
	flog.Infof("running as %s (uid %d, gid %d)", name, uid, gid)
	return nil
}
