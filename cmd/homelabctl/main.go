// homelabctl talks to the hub over the realtime channel.
//
//	homelabctl list
//	homelabctl on light-1 light-2
//	homelabctl room Living off
//	homelabctl watch
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/helto4real/go-homelab/client"
	"github.com/helto4real/go-homelab/device"
	"github.com/helto4real/go-homelab/dispatch"
	"github.com/helto4real/go-homelab/internal/config"
	"github.com/helto4real/go-homelab/internal/logging"
	"github.com/helto4real/go-homelab/projection"
	"github.com/helto4real/go-homelab/protocol"
)

var log *logrus.Entry

// deviceArgs is the number of values a device command takes before its ids
var deviceArgs = map[string]int{
	"on": 0, "off": 0, "white": 0, "color": 0, "rgb": 3, "brightness": 1, "temp": 1,
}

const usage = `usage: homelabctl [flags] <command> [args]

commands:
  list                          show devices
  rooms                         show rooms
  pending                       show discovered devices waiting for confirmation
  on|off <id>...                switch devices
  white|color <id>...           change mode
  rgb <r> <g> <b> <id>...       set color
  brightness <0-100> <id>...    set white brightness
  temp <kelvin> <id>...         set white temperature
  room <name|id> on|off         switch every device of a room
  watch                         print the view on every change
`

func main() {
	os.Exit(realMain(os.Args[1:]))
}

// realMain returns the exit code so deferred cleanup runs before exiting
func realMain(args []string) int {
	flags := flag.NewFlagSet("homelabctl", flag.ContinueOnError)
	configPath := flags.String("config", "homelab.yaml", "path to the yaml configuration")
	endpoint := flags.String("endpoint", "", "hub websocket endpoint, overrides the configuration")
	timeout := flags.Duration("timeout", 10*time.Second, "how long to wait for the hub")
	flags.Usage = func() { fmt.Fprint(os.Stderr, usage); flags.PrintDefaults() }
	if err := flags.Parse(args); err != nil {
		return 2
	}
	if flags.NArg() == 0 {
		flags.Usage()
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Errorf("Failed to load configuration: %v", err)
		return 1
	}
	if err := logging.Setup(cfg.Log.Level, cfg.Log.JSON); err != nil {
		log.Error(err)
		return 1
	}
	if *endpoint != "" {
		cfg.Client.Endpoint = *endpoint
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	opts := client.DefaultOptions(cfg.Client.Endpoint)
	opts.RetryDelay = cfg.Client.RetryDelay.Duration()
	opts.MaxRetryDelay = cfg.Client.MaxRetryDelay.Duration()
	opts.RetryMultiplier = cfg.Client.RetryMultiplier
	// every command reads the view first, so the snapshot is always requested
	opts.SyncOnConnect = true
	if !cfg.Client.SyncOnConnect {
		log.Debug("sync_on_connect is ignored by homelabctl")
	}
	cl := client.New(opts)
	defer cl.Close()

	// subscribe before connecting so the first full state is not missed
	view := projection.New()
	viewMessages, unsubscribeView := cl.Stream().Subscribe(client.DefaultSubscriberQueue)
	defer unsubscribeView()
	responses, unsubscribe := cl.Stream().Subscribe(client.DefaultSubscriberQueue)
	defer unsubscribe()
	go view.Follow(ctx, viewMessages)
	go cl.Start(ctx)

	if err := waitSynced(ctx, view, *timeout); err != nil {
		log.Error(err)
		return 1
	}

	if err := run(ctx, flags.Args(), dispatch.New(cl), view, responses, *timeout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func waitSynced(ctx context.Context, view *projection.Projection, timeout time.Duration) error {
	deadline := time.After(timeout)
	for !view.Synced() {
		select {
		case <-view.Changed():
		case <-deadline:
			return errors.New("no answer from the hub")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func run(ctx context.Context, args []string, d *dispatch.Dispatcher, view *projection.Projection,
	responses <-chan protocol.Message, timeout time.Duration) error {

	cmd, rest := args[0], args[1:]
	// device commands need at least one id after their values
	if values, ok := deviceArgs[cmd]; ok && len(rest) <= values {
		return fmt.Errorf("%s needs at least one device id", cmd)
	}
	var (
		kind protocol.CommandKind
		err  error
	)
	switch cmd {
	case "list":
		printDevices(view.Devices())
		return nil
	case "rooms":
		printRooms(view.Rooms())
		return nil
	case "pending":
		for _, p := range view.NewDevices() {
			fmt.Printf("%s\t%s\t%s\t%s\n", p.ID, p.Type, p.Model, p.IP)
		}
		return nil
	case "watch":
		return watch(ctx, view)
	case "on":
		kind, err = protocol.TurnOnMultiple, d.TurnOn(rest...)
	case "off":
		kind, err = protocol.TurnOffMultiple, d.TurnOff(rest...)
	case "white":
		kind, err = protocol.SetWhiteMode, d.SetWhiteMode(rest...)
	case "color":
		kind, err = protocol.SetColorMode, d.SetColorMode(rest...)
	case "rgb":
		var c device.Color
		for i, dst := range []*uint8{&c.Red, &c.Green, &c.Blue} {
			v, perr := strconv.ParseUint(rest[i], 10, 8)
			if perr != nil {
				return fmt.Errorf("invalid color channel %q", rest[i])
			}
			*dst = uint8(v)
		}
		kind, err = protocol.SetColor, d.SetColor(c, rest[3:]...)
	case "brightness", "temp":
		v, perr := strconv.ParseFloat(rest[0], 64)
		if perr != nil {
			return fmt.Errorf("invalid value %q", rest[0])
		}
		if cmd == "brightness" {
			kind, err = protocol.SetWhiteBrightness, d.SetBrightness(v, rest[1:]...)
		} else {
			kind, err = protocol.SetWhiteTemperature, d.SetTemperature(v, rest[1:]...)
		}
	case "room":
		if len(rest) != 2 {
			return errors.New("room needs a room and on or off")
		}
		room, ok := view.Room(rest[0])
		if !ok {
			return fmt.Errorf("no room %q", rest[0])
		}
		if len(room.EntityIDs()) == 0 {
			return fmt.Errorf("room %s has no devices", room.Name)
		}
		kind = protocol.TurnOnMultiple
		if rest[1] == "off" {
			kind = protocol.TurnOffMultiple
		}
		err = d.ForRoom(room, kind, protocol.Params{})
	default:
		return fmt.Errorf("unknown command %q\n\n%s", cmd, usage)
	}
	if err != nil {
		return err
	}
	return awaitResponse(ctx, responses, kind, timeout)
}

// awaitResponse waits for the hub's answer to kind
func awaitResponse(ctx context.Context, responses <-chan protocol.Message, kind protocol.CommandKind, timeout time.Duration) error {
	deadline := time.After(timeout)
	for {
		select {
		case m, ok := <-responses:
			if !ok {
				return errors.New("connection closed")
			}
			resp, isResponse := m.(*protocol.Response)
			if !isResponse || resp.Command != kind {
				continue
			}
			if resp.OK() {
				return nil
			}
			return fmt.Errorf("hub: %s", resp.Message)
		case <-deadline:
			return errors.New("no answer from the hub")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func watch(ctx context.Context, view *projection.Projection) error {
	for {
		select {
		case <-view.Changed():
			fmt.Println(time.Now().Format("15:04:05"))
			printDevices(view.Devices())
		case <-ctx.Done():
			return nil
		}
	}
}

func printDevices(devices []device.DeviceState) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTYPE\tONLINE\tON\tMODE\tBRIGHTNESS")
	for _, d := range devices {
		mode, brightness := "-", "-"
		if d.Mode != nil {
			mode = *d.Mode
		}
		if d.Brightness != nil {
			brightness = strconv.FormatFloat(*d.Brightness, 'f', 0, 64)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%t\t%s\t%s\n", d.ID, d.Name, d.Type, d.IsOnline, d.IsOn, mode, brightness)
	}
	w.Flush()
}

func printRooms(rooms []device.Room) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tDEVICES")
	for _, r := range rooms {
		fmt.Fprintf(w, "%d\t%s\t%v\n", r.ID, r.Name, r.EntityIDs())
	}
	w.Flush()
}

func init() {
	log = logrus.WithField("prefix", "homelabctl")
}
