/*
Dork - agent messaging and discovery substrate.
Copyright © 2025-2026 The Dork Authors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package ctl

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	dorkcli "github.com/dorklabs/dork/internal/cli"
	"github.com/dorklabs/dork/internal/relay/dlq"
)

func init() {
	dorkcli.AddSubcommand(
		&cli.Command{
			Name:  "dlq",
			Usage: "Dead letter queue management",
			Description: `These subcommands inspect and edit the failed/ side of the mailboxes.

A message lands here after its endpoint rejected it, its delivery
retries were exhausted or it expired while queued. Replayed messages
are picked up by the daemon on its next start or dispatcher wake; a
running daemon does not need to be restarted, delivery resumes with
the endpoint's next message.
`,
			Subcommands: []*cli.Command{
				{
					Name:  "list",
					Usage: "List dead letters",
					Flags: []cli.Flag{
						&cli.StringFlag{
							Name:    "endpoint",
							Aliases: []string{"e"},
							Usage:   "Limit to one endpoint `SUBJECT` or mailbox hash",
						},
						&cli.BoolFlag{
							Name:    "quiet",
							Aliases: []string{"q"},
							Usage:   "Do not print 'No dead letters.' message",
						},
					},
					Action: dlqList,
				},
				{
					Name:      "show",
					Usage:     "Show one dead letter with its payload",
					ArgsUsage: "MESSAGE_ID",
					Flags: []cli.Flag{
						&cli.StringFlag{
							Name:    "endpoint",
							Aliases: []string{"e"},
							Usage:   "Endpoint `SUBJECT` or mailbox hash (skips the scan over all mailboxes)",
						},
					},
					Action: dlqShow,
				},
				{
					Name:  "purge",
					Usage: "Delete dead letters",
					Flags: []cli.Flag{
						&cli.StringFlag{
							Name:    "endpoint",
							Aliases: []string{"e"},
							Usage:   "Limit to one endpoint `SUBJECT` or mailbox hash",
						},
						&cli.DurationFlag{
							Name:  "older-than",
							Usage: "Only delete letters that failed more than `DURATION` ago",
						},
					},
					Action: dlqPurge,
				},
				{
					Name:      "replay",
					Usage:     "Queue a dead letter for delivery again",
					ArgsUsage: "MESSAGE_ID",
					Flags: []cli.Flag{
						&cli.StringFlag{
							Name:    "endpoint",
							Aliases: []string{"e"},
							Usage:   "Endpoint `SUBJECT` or mailbox hash the letter belongs to",
						},
					},
					Action: dlqReplay,
				},
			},
		})
}

func dlqList(ctx *cli.Context) error {
	st, err := openRelayState(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	hash, err := st.endpointHash(ctx.Context, ctx.String("endpoint"))
	if err != nil {
		return err
	}

	letters, err := st.queue.List(ctx.Context, hash)
	if err != nil {
		return err
	}
	if len(letters) == 0 {
		if !ctx.Bool("quiet") {
			fmt.Fprintln(os.Stderr, "No dead letters.")
		}
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tENDPOINT\tREASON\tFAILED")
	for _, dl := range letters {
		id := "?"
		if dl.Envelope != nil {
			id = dl.Envelope.ID
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", id, dl.EndpointHash, dl.Reason, age(dl.FailedAt))
	}
	return w.Flush()
}

func dlqShow(ctx *cli.Context) error {
	id := ctx.Args().First()
	if id == "" {
		return cli.Exit("Error: MESSAGE_ID is required", 2)
	}

	st, err := openRelayState(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	dl, err := findDeadLetter(ctx, st, id)
	if err != nil {
		return err
	}

	fmt.Println("ID:", id)
	fmt.Println("Endpoint:", dl.EndpointHash)
	fmt.Println("Reason:", dl.Reason)
	fmt.Println("Failed at:", dl.FailedAt.Format(time.RFC3339))
	if env := dl.Envelope; env != nil {
		fmt.Println("Subject:", env.Subject)
		fmt.Println("From:", env.From)
		if env.ReplyTo != "" {
			fmt.Println("Reply to:", env.ReplyTo)
		}
		fmt.Println("Created at:", env.CreatedAt.Format(time.RFC3339))
		if env.Budget != nil {
			fmt.Printf("Hops: %d/%d\n", env.Budget.HopCount, env.Budget.MaxHops)
		}
		fmt.Println("Payload:")
		fmt.Println(string(env.Payload))
	}
	return nil
}

func findDeadLetter(ctx *cli.Context, st *relayState, id string) (dlq.DeadLetter, error) {
	if ep := ctx.String("endpoint"); ep != "" {
		hash, err := st.endpointHash(ctx.Context, ep)
		if err != nil {
			return dlq.DeadLetter{}, err
		}
		return st.queue.Show(ctx.Context, hash, id)
	}

	// No endpoint given; scan all mailboxes for the ID.
	letters, err := st.queue.List(ctx.Context, "")
	if err != nil {
		return dlq.DeadLetter{}, err
	}
	for _, dl := range letters {
		if dl.Envelope != nil && dl.Envelope.ID == id {
			return dl, nil
		}
	}
	return dlq.DeadLetter{}, cli.Exit(fmt.Sprintf("Error: no dead letter with ID %s", id), 2)
}

func dlqPurge(ctx *cli.Context) error {
	st, err := openRelayState(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	cutoff := time.Now().Add(-ctx.Duration("older-than"))
	hash, err := st.endpointHash(ctx.Context, ctx.String("endpoint"))
	if err != nil {
		return err
	}

	var n int
	if hash == "" {
		n, err = st.queue.Purge(ctx.Context, cutoff)
	} else {
		n, err = st.queue.PurgeEndpoint(ctx.Context, hash, cutoff)
	}
	if err != nil {
		return err
	}
	fmt.Printf("Purged %d dead letters.\n", n)
	return nil
}

func dlqReplay(ctx *cli.Context) error {
	id := ctx.Args().First()
	if id == "" {
		return cli.Exit("Error: MESSAGE_ID is required", 2)
	}
	if ctx.String("endpoint") == "" {
		return cli.Exit("Error: --endpoint is required", 2)
	}

	st, err := openRelayState(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	hash, err := st.endpointHash(ctx.Context, ctx.String("endpoint"))
	if err != nil {
		return err
	}

	env, err := st.queue.Replay(ctx.Context, hash, id)
	if err != nil {
		return err
	}
	fmt.Printf("Replayed %s to %s.\n", env.ID, env.Subject)
	return nil
}
