package sim

import (
	"context"
	"net"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/labpsu/cmd/labpsu/subcmd"
	"github.com/temoto/labpsu/hardware/psusim"
	"github.com/temoto/labpsu/internal/state"
)

var Mod = subcmd.Mod{Name: "sim", Usage: "run simulated instrument on sim.listen", Main: Main}

func Main(ctx context.Context, config *state.Config) error {
	g := state.GetGlobal(ctx)
	if err := g.Init(ctx, config); err != nil {
		return errors.Annotate(err, "init")
	}
	subcmd.StopOnSignal(g)

	ln, err := net.Listen("tcp", g.Config.Sim.Listen)
	if err != nil {
		return errors.Annotatef(err, "sim listen=%s", g.Config.Sim.Listen)
	}
	inst := psusim.NewInstrument(g.Config.Sim.Channels, g.Log)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-g.Alive.StopChan():
			cancel()
		case <-ctx.Done():
		}
	}()

	subcmd.SdNotify(daemon.SdNotifyReady)
	g.Log.Infof("sim listen=%s channels=%d", ln.Addr(), inst.Len())
	return inst.Serve(ctx, ln)
}
