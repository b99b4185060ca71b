// Package cli implements the operator console read from standard input.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"

	"github.com/chatrelay-project/chatrelay/internal/events"
	"github.com/chatrelay-project/chatrelay/internal/scheduler"
	"github.com/chatrelay-project/chatrelay/internal/server"
)

// CLI provides an interactive command-line interface.
type CLI struct {
	eventBus *events.EventBus
	manager  *server.Manager
	in       io.Reader
	out      io.Writer
	prompt   string
}

// NewCLI creates a console reading commands from in and writing to out.
func NewCLI(eventBus *events.EventBus, manager *server.Manager, in io.Reader, out io.Writer) *CLI {
	return &CLI{
		eventBus: eventBus,
		manager:  manager,
		in:       in,
		out:      out,
		prompt:   "chatrelay> ",
	}
}

// Start reads commands until ctx is cancelled or the input ends.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\nChat relay console ready. Type 'help' for available commands.")

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
		if err := scanner.Err(); err != nil {
			log.Warn().Err(err).Msg("CLI: input error, console disabled")
		}
	}()

	for {
		fmt.Fprint(c.out, c.prompt)

		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if err := c.Execute(ctx, line); err != nil {
				fmt.Fprintf(c.out, "Error: %v\n", err)
			}
		}
	}
}

// Execute runs a single command line.
func (c *CLI) Execute(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch strings.ToLower(cmd) {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus()
	case "sessions", "ls":
		c.printSessions()
	case "colours", "colors":
		c.printColours()
	case "say", "announce":
		return c.cmdSay(rest)
	case "kick":
		return c.cmdKick(rest)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down chat relay...")
		if c.eventBus == nil {
			c.manager.Shutdown()
			return nil
		}
		c.eventBus.Emit(ctx, events.Event{
			Type:    events.EventShutdown,
			Source:  "cli",
			Payload: "requested from console",
		})
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

func (c *CLI) printHelp() {
	fmt.Fprintln(c.out)
	fmt.Fprintln(c.out, "  status            Show relay counters")
	fmt.Fprintln(c.out, "  sessions          List connected clients")
	fmt.Fprintln(c.out, "  colours           Show the palette and who holds each colour")
	fmt.Fprintln(c.out, "  say <text>        Send a message to everyone as the server")
	fmt.Fprintln(c.out, "  kick <id|name>    Disconnect a client")
	fmt.Fprintln(c.out, "  quit              Notify clients and shut down")
	fmt.Fprintln(c.out, "  help              Show this help message")
	fmt.Fprintln(c.out)
}

func (c *CLI) printStatus() {
	stats := c.manager.Stats()

	tw := c.table([]string{"Live", "Authenticated", "Free Colours", "Palette", "Uptime"})
	tw.Append([]string{
		fmt.Sprintf("%d", stats.LiveSessions),
		fmt.Sprintf("%d", stats.AuthenticatedSessions),
		fmt.Sprintf("%d", stats.FreeColours),
		fmt.Sprintf("%d", stats.PaletteSize),
		scheduler.FormatUptime(stats.Uptime),
	})
	tw.Render()
}

func (c *CLI) printSessions() {
	sessions := c.manager.Sessions()
	if len(sessions) == 0 {
		fmt.Fprintln(c.out, "No clients connected.")
		return
	}

	tw := c.table([]string{"ID", "Username", "Colour", "State", "Remote", "Connected", "Frames In", "Msgs Out"})
	for _, s := range sessions {
		tw.Append([]string{
			s.ID,
			s.Username,
			s.Colour,
			s.State,
			s.RemoteAddr,
			scheduler.FormatUptime(time.Since(s.ConnectedAt)),
			fmt.Sprintf("%d", s.Traffic.FramesIn),
			fmt.Sprintf("%d", s.Traffic.MessagesOut),
		})
	}
	tw.Render()
}

func (c *CLI) printColours() {
	reg := c.manager.Registry()

	holders := make(map[string]string)
	for _, info := range reg.Snapshot() {
		holders[info.Colour] = info.Username
	}

	tw := c.table([]string{"Colour", "Held By"})
	own := reg.Server().Identity()
	tw.Append([]string{own.Colour, own.Username})
	for _, colour := range reg.Palette() {
		holder := holders[colour]
		if holder == "" {
			holder = "-"
		}
		tw.Append([]string{colour, holder})
	}
	tw.Render()
}

func (c *CLI) cmdSay(text string) error {
	if text == "" {
		return fmt.Errorf("usage: say <text>")
	}
	n, err := c.manager.Announce(text)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Sent to %d client(s).\n", n)
	return nil
}

func (c *CLI) cmdKick(target string) error {
	if target == "" {
		return fmt.Errorf("usage: kick <id|name>")
	}
	info, err := c.manager.Kick(target)
	if errors.Is(err, server.ErrSessionNotFound) {
		return fmt.Errorf("no client matches %q", target)
	}
	if err != nil {
		log.Debug().Err(err).Str("session", info.ID).Msg("CLI: close after kick")
	}
	fmt.Fprintf(c.out, "Kicked %s (%s).\n", info.Username, info.ID)
	return nil
}

func (c *CLI) table(header []string) *tablewriter.Table {
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader(header)
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	return tw
}
