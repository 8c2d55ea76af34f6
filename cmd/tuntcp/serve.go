package main

import (
	"context"
	"net"
	"time"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/tuntcp/tuntcp/internal/config"
	"github.com/tuntcp/tuntcp/internal/logadapter"
	"github.com/tuntcp/tuntcp/pkg/segment"
	"github.com/tuntcp/tuntcp/pkg/stream"
	"github.com/tuntcp/tuntcp/pkg/tun"
	"github.com/tuntcp/tuntcp/pkg/tuntcp"
)

func serveCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "serve",
		Short: "Open the tunnel device and echo back every byte received",
		Args:  cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
	return c
}

func serve(ctx context.Context) error {
	cfg, err := config.Load(ctx, configFile)
	if err != nil {
		return err
	}

	ctx, err = logadapter.New(ctx, cfg.LogLevel)
	if err != nil {
		return err
	}
	ctx = dgroup.WithGoroutineName(ctx, "/tuntcp")

	localIP := net.ParseIP(cfg.LocalIP).To4()
	if localIP == nil {
		return errors.Errorf("invalid local IP %q", cfg.LocalIP)
	}
	var local [4]byte
	copy(local[:], localIP)

	dev, err := tun.Open(cfg.Interface, cfg.MTU)
	if err != nil {
		return errors.Wrap(err, "opening tun device")
	}

	g := dgroup.NewGroup(ctx, dgroup.GroupConfig{
		SoftShutdownTimeout:  2 * time.Second,
		EnableSignalHandling: true,
		ShutdownOnNonError:   true,
	})

	iface, err := tuntcp.New(ctx, g, tuntcp.Config{
		Device:       dev,
		LocalIP:      local,
		MTU:          cfg.MTU,
		PollInterval: cfg.PollInterval,
		ISSSource:    segment.ZeroISS{},
	})
	if err != nil {
		return err
	}

	ln, err := iface.Bind(cfg.ListenPort)
	if err != nil {
		return errors.Wrapf(err, "binding port %d", cfg.ListenPort)
	}

	g.Go("echo-listener", func(ctx context.Context) error {
		defer ln.Close(ctx)
		for {
			st, err := ln.Accept(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			g.Go("echo-conn", func(ctx context.Context) error {
				return echo(ctx, st)
			})
		}
	})

	dlog.Infof(ctx, "tuntcp serving on %s:%d", cfg.LocalIP, cfg.ListenPort)

	// Aggregate the supervised goroutines' shutdown errors together with
	// the device close error, rather than discarding one in favor of the
	// other.
	var result *multierror.Error
	result = multierror.Append(result, g.Wait())
	result = multierror.Append(result, iface.Close())
	return result.ErrorOrNil()
}

// echo reads whatever arrives on st and writes it straight back, draining
// ErrWouldBlock with a short backoff rather than busy-spinning. The
// deferred Drop covers every early-return path (ctx cancellation, a read/
// write error) with the same "schedule a local FIN" behavior Shutdown gives
// the clean end-of-stream path, so an abandoned handler never leaves its
// connection without a FIN scheduled.
func echo(ctx context.Context, st *stream.Stream) error {
	defer st.Drop()
	buf := make([]byte, 4096)
	for {
		n, err := st.Read(ctx, buf)
		if err != nil {
			return err
		}
		if n == 0 {
			return st.Shutdown()
		}
		if err := writeAll(ctx, st, buf[:n]); err != nil {
			return err
		}
	}
}

func writeAll(ctx context.Context, st *stream.Stream, p []byte) error {
	for len(p) > 0 {
		n, err := st.Write(p)
		if err != nil {
			if !errors.Is(err, tuntcp.ErrWouldBlock) {
				return err
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Millisecond):
			}
			continue
		}
		p = p[n:]
	}
	return nil
}
