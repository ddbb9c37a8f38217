// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/codegangsta/cli"
	shlex "github.com/flynn-archive/go-shlex"
	log "github.com/golang/glog"
	"github.com/peterh/liner"

	"github.com/westerndigitalcorporation/scrub/internal/history"
	"github.com/westerndigitalcorporation/scrub/internal/scrub"
)

var usage = `
	scrubctl controls a running scrubd through its unix socket.

	You can issue one command:

		scrubctl [--socket <path>] <subcommand> [<flags>...]

	or start an interpreter and issue commands interactively:

		scrubctl [--socket <path>] shell

	A scrub started without --wait runs in the background; use 'status' to
	follow it.
	`

// scrubCli is the command line front end of the scrubd controller.
type scrubCli struct {
	// the command line framework we'll use to launch commands.
	app *cli.App
	// True if we are running a shell.
	inShell bool
}

func newScrubCli() *scrubCli {
	b := &scrubCli{}
	app := cli.NewApp()
	app.Name = "scrubctl"
	app.Usage = usage
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "socket, s",
			Usage: "unix socket of the scrubd controller",
			Value: scrub.DefaultProdConfig.ControlSocket,
		},
	}

	devFlag := cli.IntFlag{
		Name:  "dev, d",
		Usage: "device id",
	}
	waitFlag := cli.BoolFlag{
		Name:  "wait, w",
		Usage: "wait for the scrub to finish and print its counters",
	}

	app.Commands = []cli.Command{
		{
			Name:  "start",
			Usage: "Starts scrubbing a device.",
			Flags: []cli.Flag{
				devFlag,
				waitFlag,
				cli.Int64Flag{
					Name:  "start",
					Usage: "physical offset to start at (default: 0)",
				},
				cli.Int64Flag{
					Name:  "end",
					Usage: "physical offset to stop at (default: end of device)",
				},
				cli.BoolFlag{
					Name:  "readonly, r",
					Usage: "report errors without repairing them",
				},
				cli.IntFlag{
					Name:  "target, t",
					Usage: "copy the device to this device, as when replacing it",
				},
			},
			Action: b.cmdStart,
		},
		{
			Name:   "pause",
			Usage:  "Pauses every running scrub.",
			Action: b.cmdPost("/pause"),
		},
		{
			Name:    "continue",
			Aliases: []string{"cont"},
			Usage:   "Continues paused scrubs.",
			Action:  b.cmdPost("/continue"),
		},
		{
			Name:   "cancel",
			Usage:  "Cancels the scrub of a device, or every scrub without --dev.",
			Flags:  []cli.Flag{devFlag},
			Action: b.cmdCancel,
		},
		{
			Name:   "resume",
			Usage:  "Resumes an interrupted scrub of a device where it stopped.",
			Flags:  []cli.Flag{devFlag, waitFlag},
			Action: b.cmdResume,
		},
		{
			Name:    "status",
			Aliases: []string{"st"},
			Usage:   "Prints the scrub status of a device, or of every device.",
			Flags:   []cli.Flag{devFlag},
			Action:  b.cmdStatus,
		},
		{
			Name:  "history",
			Usage: "Prints finished scrubs, most recent first.",
			Flags: []cli.Flag{
				devFlag,
				cli.IntFlag{
					Name:  "limit, l",
					Usage: "how many runs to print",
					Value: 20,
				},
			},
			Action: b.cmdHistory,
		},
		{
			Name:  "readonly",
			Usage: "Prints the read-only mode, or sets it with 'readonly true|false'.",
			Action: func(c *cli.Context) {
				if c.NArg() == 0 {
					b.print(b.client(c).call("GET", "/readonly", nil, nil))
					return
				}
				b.print(b.client(c).call("POST", "/readonly", url.Values{"mode": {c.Args().First()}}, nil))
			},
		},
		{
			Name:   "shell",
			Usage:  "Starts an interactive shell.",
			Action: b.cmdShell,
		},
	}

	// By default 'HelpName' will be the parent command name('scrubctl' in our
	// case) + command name. Overwrite 'HelpName' to be command name only.
	for i := range app.Commands {
		app.Commands[i].HelpName = app.Commands[i].Name
	}
	b.app = app
	return b
}

// run starts a command specified by users.
func (b *scrubCli) run(args []string) error {
	return b.app.Run(args)
}

func (b *scrubCli) client(c *cli.Context) *client {
	return newClient(c.GlobalString("socket"))
}

// devArgs returns the dev flag as query arguments. It's required unless
// 'optional' is set.
func devArgs(c *cli.Context, optional bool) (url.Values, bool) {
	args := url.Values{}
	if !c.IsSet("dev") {
		if !optional {
			log.Errorf("--dev is required")
			return nil, false
		}
		return args, true
	}
	args.Set("dev", strconv.Itoa(c.Int("dev")))
	return args, true
}

// print prints a text reply or an error.
func (b *scrubCli) print(text string, err error) {
	if err != nil {
		log.Errorf("error: %s", err)
		return
	}
	fmt.Println(strings.TrimSpace(text))
}

func (b *scrubCli) cmdPost(path string) func(*cli.Context) {
	return func(c *cli.Context) {
		b.print(b.client(c).call("POST", path, nil, nil))
	}
}

// cmdStart implements the "start" subcommand.
func (b *scrubCli) cmdStart(c *cli.Context) {
	args, ok := devArgs(c, false)
	if !ok {
		return
	}
	for _, name := range []string{"start", "end"} {
		if c.IsSet(name) {
			args.Set(name, strconv.FormatInt(c.Int64(name), 10))
		}
	}
	if c.IsSet("target") {
		args.Set("target", strconv.Itoa(c.Int("target")))
	}
	if c.Bool("readonly") {
		args.Set("readonly", "true")
	}
	b.scrub(c, "/scrub", args)
}

// cmdResume implements the "resume" subcommand.
func (b *scrubCli) cmdResume(c *cli.Context) {
	args, ok := devArgs(c, false)
	if !ok {
		return
	}
	b.scrub(c, "/resume", args)
}

func (b *scrubCli) scrub(c *cli.Context, path string, args url.Values) {
	if c.Bool("wait") {
		args.Set("wait", "true")
	}
	var reply scrub.ScrubReply
	_, err := b.client(c).call("POST", path, args, &reply)
	if reply.Started {
		fmt.Printf("scrub of dev %s started\n", reply.Dev)
		return
	}
	if reply.Err != "" {
		fmt.Printf("dev %s: %s\n", reply.Dev, reply.Err)
	} else if err == nil {
		fmt.Printf("dev %s: %s\n", reply.Dev, reply.Outcome)
	}
	if err != nil && reply.Err == "" {
		log.Errorf("error: %s", err)
		return
	}
	printProgress(reply.Progress)
}

// cmdCancel implements the "cancel" subcommand.
func (b *scrubCli) cmdCancel(c *cli.Context) {
	args, ok := devArgs(c, true)
	if !ok {
		return
	}
	b.print(b.client(c).call("POST", "/cancel", args, nil))
}

// cmdStatus implements the "status" subcommand.
func (b *scrubCli) cmdStatus(c *cli.Context) {
	args, ok := devArgs(c, true)
	if !ok {
		return
	}
	var st []scrub.DevStatus
	if _, err := b.client(c).call("GET", "/progress", args, &st); err != nil {
		log.Errorf("error: %s", err)
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "DEV\tSTATE\tRANGE\tLAST\tSTARTED\tRESULT\tIN FLIGHT\tDEVICE ERRORS\n")
	for _, s := range st {
		if !s.Scrubbed {
			fmt.Fprintf(w, "%s\tnever scrubbed\t\t\t\t\t\t%+v\n", s.Dev, s.DevStats)
			continue
		}
		result := s.Progress.Outcome().String()
		if s.Running {
			result = "-"
		} else if s.Err.Error() != nil {
			result = s.Err.String()
		}
		fmt.Fprintf(w, "%s\t%s\t%v-%v\t%v\t%s\t%s\t%d/%d\t%+v\n", s.Dev, s.State, s.Start, s.End,
			s.Progress.LastPhysical, s.Started.Format(time.RFC3339), result, s.BiosInFlight, s.MaxInFlight, s.DevStats)
	}
	w.Flush()
	if len(st) == 1 && st[0].Scrubbed {
		printProgress(st[0].Progress)
	}
}

// cmdHistory implements the "history" subcommand.
func (b *scrubCli) cmdHistory(c *cli.Context) {
	args, ok := devArgs(c, true)
	if !ok {
		return
	}
	args.Set("limit", strconv.Itoa(c.Int("limit")))
	var runs []history.Run
	if _, err := b.client(c).call("GET", "/history", args, &runs); err != nil {
		log.Errorf("error: %s", err)
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "DEV\tSTARTED\tDURATION\tREADONLY\tTARGET\tRESULT\tDATA\tTREE\tERRORS\tCORRECTED\n")
	for _, r := range runs {
		p := r.Progress
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%s\t%d\t%d\t%d\t%d\n", r.Dev, r.Started.Format(time.RFC3339),
			r.Duration().Round(time.Second), r.Readonly, r.Target, r.Result,
			p.DataExtentsScrubbed, p.TreeExtentsScrubbed, p.Errors(), p.CorrectedErrors)
	}
	w.Flush()
}

// cmdShell implements "shell" subcommand.
func (b *scrubCli) cmdShell(c *cli.Context) {
	if b.inShell {
		return
	}
	b.inShell = true
	defer func() { b.inShell = false }()

	// Make cli not exit on errors.
	cli.OsExiter = func(int) {}

	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	// Add commands auto completion.
	line.SetCompleter(func(input string) (c []string) {
		for _, cmd := range b.app.Commands {
			if strings.HasPrefix(cmd.Name, input) {
				c = append(c, cmd.Name)
			}
		}
		return
	})
	defer line.Close()

	for {
		input, err := line.Prompt("(scrub) ")
		if err != nil {
			log.Errorf("error: %v", err)
			return
		}

		// We use 'shlex' because we want split input line in to tokens using
		// shell-style rules for quoting and commenting.
		args, err := shlex.Split(input)
		if err != nil {
			log.Errorf("error:%v", err)
			continue
		}
		if len(args) == 0 {
			continue
		}
		if args[0] == "exit" || args[0] == "quit" {
			return
		}

		cmdArgs := append([]string{"scrubctl", "--socket", c.GlobalString("socket")}, args...)
		if b.run(cmdArgs) == nil {
			// Adds succeeded command to command history.
			line.AppendHistory(input)
		}
	}
}

func printProgress(p interface{ String() string }) {
	fmt.Println(p.String())
}
