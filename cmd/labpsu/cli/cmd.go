package cli

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/temoto/labpsu/cmd/labpsu/subcmd"
	"github.com/temoto/labpsu/hardware/scpi"
	"github.com/temoto/labpsu/helpers/cli"
	"github.com/temoto/labpsu/internal/state"
	"github.com/temoto/labpsu/log2"
)

const usage = `syntax: commands separated by ;
(main)
- @CMD        send raw instrument query, show response
- @!CMD       send raw OUTPut/SOURce command, debug only: channel state is not updated
- set N V I   set channel N current limit I, voltage V, enable output
- off N       disable channel N, confirm zero voltage
- measure N   measure channel N
- status      measure all channels
- sN          pause N milliseconds

(meta)
- log=yes     enable link debug logging
- log=no      disable link debug logging
- loop=N      repeat N times all commands on this line
- help
`

var Mod = subcmd.Mod{Name: "cli", Usage: "interactive instrument shell", Main: Main}

func Main(ctx context.Context, config *state.Config) error {
	g := state.GetGlobal(ctx)
	// foreground commands only
	config.Poll.Disable = true
	if err := g.Init(ctx, config); err != nil {
		return errors.Annotate(err, "init")
	}
	if err := g.Start(ctx); err != nil {
		return err
	}
	defer g.Stop(context.Background())

	return cli.MainLoop("labpsu", NewExecutor(ctx), cli.FilterSuggest(suggests))
}

var suggests = []prompt.Suggest{
	{Text: "@", Description: "send raw command"},
	{Text: "set", Description: "set N V I"},
	{Text: "off", Description: "off N"},
	{Text: "measure", Description: "measure N"},
	{Text: "status", Description: "measure all channels"},
	{Text: "sN", Description: "pause for N ms"},
	{Text: "loop=N", Description: "repeat line N times"},
	{Text: "log=yes", Description: "link debug logging"},
	{Text: "log=no", Description: "link quiet logging"},
	{Text: "help"},
}

type step struct {
	name string
	f    func(ctx context.Context) error
}

func NewExecutor(ctx context.Context) cli.Executor {
	g := state.GetGlobal(ctx)
	return func(line string) {
		if err := Exec(ctx, line); err != nil {
			g.Log.Errorf(errors.ErrorStack(err))
		}
	}
}

// Exec runs one input line, stops at first failed command.
func Exec(ctx context.Context, line string) error {
	steps, loopn, err := parseLine(line)
	if err != nil {
		return err
	}
	if loopn == 0 {
		loopn = 1
	}
	for i := uint(0); i < loopn; i++ {
		for _, s := range steps {
			if err := s.f(ctx); err != nil {
				return errors.Annotatef(err, "command=%s", s.name)
			}
		}
	}
	return nil
}

func parseLine(line string) ([]step, uint, error) {
	loopn := uint(0)
	steps := make([]step, 0, 4)
	for _, part := range strings.Split(line, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.HasPrefix(part, "loop=") {
			if loopn != 0 {
				return nil, 0, errors.Errorf("multiple loop commands, expected at most one")
			}
			i, err := strconv.ParseUint(part[5:], 10, 32)
			if err != nil || i == 0 {
				return nil, 0, errors.NotValidf("loop count=%s", part[5:])
			}
			loopn = uint(i)
			continue
		}
		s, err := parseCommand(part)
		if err != nil {
			return nil, 0, err
		}
		steps = append(steps, s)
	}
	return steps, loopn, nil
}

func parseCommand(part string) (step, error) {
	if strings.HasPrefix(part, "@") {
		raw := strings.TrimSpace(part[1:])
		force := strings.HasPrefix(raw, "!")
		if force {
			raw = strings.TrimSpace(raw[1:])
		}
		if raw == "" {
			return step{}, errors.NotValidf("empty raw command")
		}
		if !force && rawChangesState(raw) {
			return step{}, errors.NotValidf("raw command=%s changes channel state, use set/off or @!", raw)
		}
		return step{name: part, f: func(ctx context.Context) error {
			if force {
				state.GetGlobal(ctx).Log.Infof("raw command=%s bypasses channel state, status may be stale", raw)
			}
			return doRaw(ctx, raw)
		}}, nil
	}

	words := strings.Fields(part)
	switch words[0] {
	case "help":
		return step{name: "help", f: doUsage}, nil

	case "status":
		return step{name: "status", f: doStatus}, nil

	case "log=yes", "log=no":
		level := log2.LInfo
		if words[0] == "log=yes" {
			level = log2.LDebug
		}
		return step{name: words[0], f: func(ctx context.Context) error {
			state.GetGlobal(ctx).Link.Log.SetLevel(level)
			return nil
		}}, nil

	case "set":
		if len(words) != 4 {
			return step{}, errors.NotValidf("syntax: set N V I")
		}
		id, err := parseChannel(words[1])
		if err != nil {
			return step{}, err
		}
		voltage, err := strconv.ParseFloat(words[2], 64)
		if err != nil {
			return step{}, errors.NewNotValid(err, "voltage")
		}
		current, err := strconv.ParseFloat(words[3], 64)
		if err != nil {
			return step{}, errors.NewNotValid(err, "current")
		}
		return step{name: part, f: func(ctx context.Context) error {
			g := state.GetGlobal(ctx)
			if err := g.Power.SetChannel(ctx, id, voltage, current); err != nil {
				return err
			}
			g.Log.Infof("channel=%d enabled voltage=%s current=%s", id, scpi.FormatFloat(voltage), scpi.FormatFloat(current))
			return nil
		}}, nil

	case "off", "measure":
		if len(words) != 2 {
			return step{}, errors.NotValidf("syntax: %s N", words[0])
		}
		id, err := parseChannel(words[1])
		if err != nil {
			return step{}, err
		}
		if words[0] == "off" {
			return step{name: part, f: func(ctx context.Context) error {
				g := state.GetGlobal(ctx)
				if err := g.Power.DisableChannel(ctx, id); err != nil {
					return err
				}
				g.Log.Infof("channel=%d disabled", id)
				return nil
			}}, nil
		}
		return step{name: part, f: func(ctx context.Context) error {
			g := state.GetGlobal(ctx)
			s, err := g.Power.MeasureChannel(ctx, id)
			if err != nil {
				return err
			}
			g.Log.Infof("%s", formatSample(id, s.Voltage, s.Current, s.Power))
			return nil
		}}, nil
	}

	if len(words) == 1 && len(part) > 1 && part[0] == 's' {
		ms, err := strconv.ParseUint(part[1:], 10, 32)
		if err == nil {
			d := time.Duration(ms) * time.Millisecond
			return step{name: part, f: func(ctx context.Context) error { return sleep(ctx, d) }}, nil
		}
	}
	return step{}, errors.NotValidf("unknown command=%s, try help", part)
}

func parseChannel(s string) (int, error) {
	id, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.NewNotValid(err, "channel")
	}
	return id, nil
}

func formatSample(id int, voltage, current, power float64) string {
	return fmt.Sprintf("channel=%d voltage=%s current=%s power=%s",
		id, scpi.FormatFloat(voltage), scpi.FormatFloat(current), scpi.FormatFloat(power))
}

func doUsage(ctx context.Context) error {
	state.GetGlobal(ctx).Log.Infof(usage)
	return nil
}

// rawChangesState reports OUTPut and SOURce subsystem commands, short or long form.
func rawChangesState(command string) bool {
	upper := strings.ToUpper(strings.TrimPrefix(command, ":"))
	return strings.HasPrefix(upper, "OUTP") || strings.HasPrefix(upper, "SOUR")
}

func doRaw(ctx context.Context, command string) error {
	g := state.GetGlobal(ctx)
	response, err := g.Link.Tx(ctx, command)
	if err != nil {
		return err
	}
	g.Log.Infof("< %s", response)
	return nil
}

func doStatus(ctx context.Context) error {
	g := state.GetGlobal(ctx)
	snap, err := g.Power.Snapshot(ctx)
	if err != nil {
		return err
	}
	ids := make([]int, 0, len(snap.Channels))
	for id := range snap.Channels {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		s := snap.Channels[id]
		g.Log.Infof("%s", formatSample(id, s.Voltage, s.Current, s.Power))
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
