package serve

import (
	"context"
	"net"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/labpsu/cmd/labpsu/subcmd"
	"github.com/temoto/labpsu/internal/state"
)

const ShutdownTimeout = 10 * time.Second

var Mod = subcmd.Mod{Name: "serve", Usage: "connect instrument, run poller and HTTP API", Main: Main}

func Main(ctx context.Context, config *state.Config) error {
	g := state.GetGlobal(ctx)
	if err := g.Init(ctx, config); err != nil {
		return errors.Annotate(err, "init")
	}
	subcmd.StopOnSignal(g)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := g.Start(ctx); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", g.Config.API.Listen)
	if err != nil {
		g.Stop(context.Background())
		return errors.Annotatef(err, "api listen=%s", g.Config.API.Listen)
	}
	return Run(ctx, g, ln)
}

// Run serves API on ln until g.Alive is stopped or server fails, then stops everything.
func Run(ctx context.Context, g *state.Global, ln net.Listener) error {
	errch := make(chan error, 1)
	go func() { errch <- g.Serve(ln) }()
	subcmd.SdNotify(daemon.SdNotifyReady)
	g.Log.Infof("serve ready")

	var err error
	select {
	case <-g.Alive.StopChan():
	case <-ctx.Done():
	case err = <-errch:
		err = errors.Annotate(err, "api serve")
	}
	subcmd.SdNotify(daemon.SdNotifyStopping)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	g.Stop(shutdownCtx)
	g.Log.Infof("serve stopped")
	return err
}
