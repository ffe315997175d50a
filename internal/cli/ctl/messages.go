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

	"github.com/urfave/cli/v2"

	dorkcli "github.com/dorklabs/dork/internal/cli"
)

func init() {
	dorkcli.AddSubcommand(
		&cli.Command{
			Name:  "messages",
			Usage: "Delivery index queries",
			Description: `These subcommands query the per-message rows of the relay index.

The index tracks every accepted message until it is delivered, expires
or is dead-lettered. Message payloads live in the mailbox directories;
only delivery state is shown here.
`,
			Subcommands: []*cli.Command{
				{
					Name:  "list",
					Usage: "List messages queued for an endpoint",
					Flags: []cli.Flag{
						&cli.StringFlag{
							Name:    "endpoint",
							Aliases: []string{"e"},
							Usage:   "Endpoint `SUBJECT` or mailbox hash",
						},
						&cli.IntFlag{
							Name:  "limit",
							Usage: "Maximum rows per page",
							Value: 50,
						},
						&cli.StringFlag{
							Name:  "cursor",
							Usage: "Continue a previous listing from `CURSOR`",
						},
						&cli.BoolFlag{
							Name:    "quiet",
							Aliases: []string{"q"},
							Usage:   "Do not print 'No messages.' message",
						},
					},
					Action: messagesList,
				},
			},
		})
}

func messagesList(ctx *cli.Context) error {
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

	msgs, next, err := st.ix.ListByEndpoint(ctx.Context, hash, ctx.String("cursor"), ctx.Int("limit"))
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		if !ctx.Bool("quiet") {
			fmt.Fprintln(os.Stderr, "No messages.")
		}
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tSUBJECT\tCREATED\tEXPIRES")
	for _, m := range msgs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", m.ID, m.Status, m.Subject, age(m.CreatedAt), age(m.ExpiresAt))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if next != "" {
		fmt.Fprintf(os.Stderr, "More rows available, continue with --cursor %s\n", next)
	}
	return nil
}
