// Package cli implements the operator console: status tables for peers and
// entities, kicks, and config edits while the relay runs.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/energizer-project/replicator/internal/config"
	"github.com/energizer-project/replicator/internal/db"
	"github.com/energizer-project/replicator/internal/events"
	"github.com/energizer-project/replicator/internal/peers"
	"github.com/energizer-project/replicator/internal/server"
)

// errQuit ends the read loop after a quit command.
var errQuit = errors.New("quit")

// CLI reads commands line by line and writes tables and messages to out.
type CLI struct {
	cfg      *config.Config
	eventBus *events.EventBus
	relay    *server.Server
	store    *db.Store

	in  io.Reader
	out io.Writer
}

// NewCLI creates a console bound to in and out. store may be nil.
func NewCLI(cfg *config.Config, eventBus *events.EventBus, relay *server.Server, store *db.Store, in io.Reader, out io.Writer) *CLI {
	return &CLI{
		cfg:      cfg,
		eventBus: eventBus,
		relay:    relay,
		store:    store,
		in:       in,
		out:      out,
	}
}

// Start runs the read loop until ctx is cancelled, input ends, or the
// operator quits.
func (c *CLI) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	fmt.Fprintln(c.out, "\nReplicator console ready. Type 'help' for available commands.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(c.out, "replicator> ")
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			parts := strings.Fields(line)
			if len(parts) == 0 {
				continue
			}
			err := c.execute(ctx, strings.ToLower(parts[0]), parts[1:])
			if errors.Is(err, errQuit) {
				return
			}
			if err != nil {
				fmt.Fprintf(c.out, "Error: %v\n", err)
			}
		}
	}
}

func (c *CLI) execute(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus()
	case "peers", "p":
		c.printPeers()
	case "entities", "e":
		return c.printEntities(args)
	case "sessions":
		return c.printSessions(args)
	case "kick":
		return c.cmdKick(args)
	case "setconfig":
		return c.cmdSetConfig(ctx, args)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down...")
		c.eventBus.Emit(ctx, events.Event{Type: events.EventShutdown, Source: "cli"})
		return errQuit
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

func (c *CLI) printHelp() {
	fmt.Fprint(c.out, `
Commands:
  status               Relay summary and traffic counters
  peers                Connected peers
  entities [owner]     Entity table, optionally for one owner
  sessions [n]         Last n finished sessions
  kick <id> [reason]   Disconnect a peer
  setconfig <k> <v>    Change a server setting (applies on restart)
  quit                 Stop the relay
  help                 Show this message

`)
}

func (c *CLI) newTable(header ...string) *tablewriter.Table {
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader(header)
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	return tw
}

func (c *CLI) printStatus() {
	st := c.relay.Stats()
	info := c.relay.Info()

	host := "-"
	if st.HostID != 0 {
		host = strconv.Itoa(int(st.HostID))
	}

	tw := c.newTable("Field", "Value")
	tw.AppendBulk([][]string{
		{"Hostname", info.Hostname},
		{"Status", st.Status.String()},
		{"Uptime", st.Uptime.Truncate(time.Second).String()},
		{"Peers", fmt.Sprintf("%d/%d", st.Peers, st.MaxPeers)},
		{"Host", host},
		{"Entities", strconv.Itoa(st.Entities)},
		{"Ticks", strconv.FormatUint(st.Ticks, 10)},
		{"Frames in/out", fmt.Sprintf("%d/%d", st.Traffic.FramesIn, st.Traffic.FramesOut)},
		{"Routes relayed/dropped", fmt.Sprintf("%d/%d", st.Traffic.RoutesRelayed, st.Traffic.RoutesDropped)},
		{"Malformed/stale", fmt.Sprintf("%d/%d", st.Traffic.Malformed, st.Traffic.Stale)},
		{"Long ticks (1h)", strconv.Itoa(st.Lag.LastHour)},
	})
	for _, ep := range st.Endpoints {
		tw.Append([]string{fmt.Sprintf("Endpoint %d", ep.Index), ep.Addr})
	}
	tw.Render()
}

func (c *CLI) printPeers() {
	all := c.relay.Registry().All()
	if len(all) == 0 {
		fmt.Fprintln(c.out, "No peers connected")
		return
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	owned := c.relay.Store().CountByOwner()
	hostID, _, _ := c.relay.Registry().Host()

	tw := c.newTable("ID", "Name", "Address", "Entities", "Host", "Connected")
	for _, p := range all {
		host := ""
		if p.ID == hostID {
			host = "*"
		}
		tw.Append([]string{
			strconv.Itoa(int(p.ID)),
			p.Name,
			p.Addr.String(),
			strconv.Itoa(owned[p.ID]),
			host,
			time.Since(p.ConnectedAt).Truncate(time.Second).String(),
		})
	}
	tw.Render()
}

func (c *CLI) printEntities(args []string) error {
	var owner peers.PeerID
	if len(args) > 0 {
		id, err := parsePeerID(args[0])
		if err != nil {
			return err
		}
		owner = id
	}

	snapshot := c.relay.Store().Snapshot()
	sort.Slice(snapshot, func(i, j int) bool {
		a, b := snapshot[i].Handle, snapshot[j].Handle
		if a.Owner != b.Owner {
			return a.Owner < b.Owner
		}
		return a.ID < b.ID
	})

	tw := c.newTable("Handle", "Type", "Owner", "Size", "Updated")
	n := 0
	for _, e := range snapshot {
		if owner != 0 && e.Owner != owner {
			continue
		}
		tw.Append([]string{
			e.Handle.String(),
			strconv.Itoa(int(e.Type)),
			strconv.Itoa(int(e.Owner)),
			strconv.Itoa(len(e.Payload)),
			e.Updated.Format(time.TimeOnly),
		})
		n++
	}
	if n == 0 {
		fmt.Fprintln(c.out, "No entities")
		return nil
	}
	tw.Render()
	return nil
}

func (c *CLI) printSessions(args []string) error {
	if c.store == nil {
		return fmt.Errorf("session history is not available")
	}
	limit := 20
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			return fmt.Errorf("invalid count: %s", args[0])
		}
		limit = n
	}
	sessions, err := c.store.RecentSessions(limit)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Fprintln(c.out, "No sessions recorded")
		return nil
	}

	tw := c.newTable("Peer", "Name", "GUID", "Duration", "Reason", "Entities")
	for _, s := range sessions {
		tw.Append([]string{
			strconv.Itoa(int(s.PeerID)),
			s.Name,
			s.GUID,
			s.DisconnectedAt.Sub(s.ConnectedAt).Truncate(time.Second).String(),
			s.Reason,
			strconv.Itoa(s.Entities),
		})
	}
	tw.Render()
	return nil
}

func (c *CLI) cmdKick(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: kick <id> [reason]")
	}
	id, err := parsePeerID(args[0])
	if err != nil {
		return err
	}
	reason := strings.Join(args[1:], " ")
	if err := c.relay.Kick(id, reason); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Peer %d kicked\n", id)
	return nil
}

func (c *CLI) cmdSetConfig(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: setconfig <key> <value>")
	}
	key := args[0]
	raw := strings.Join(args[1:], " ")

	// Numbers and booleans go in typed so the JSON field accepts them.
	var value interface{} = raw
	if n, err := strconv.Atoi(raw); err == nil {
		value = n
	} else if b, err := strconv.ParseBool(raw); err == nil {
		value = b
	}

	previous := c.cfg.GetServer()
	if err := c.cfg.UpdateServerField(key, value); err != nil {
		return err
	}
	if result := config.Validate(c.cfg); !result.IsValid() {
		c.cfg.SetServer(previous)
		return result.Errors[0]
	}
	if err := c.cfg.Save(); err != nil {
		return err
	}

	c.eventBus.Emit(ctx, events.Event{
		Type:    events.EventConfigChanged,
		Source:  "cli",
		Payload: events.ConfigChangedPayload{Section: "server", Key: key, Value: value},
	})
	fmt.Fprintf(c.out, "Config updated: %s = %s (restart to apply)\n", key, raw)
	return nil
}

func parsePeerID(s string) (peers.PeerID, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid peer id: %s", s)
	}
	return peers.PeerID(n), nil
}
