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
			Name:  "endpoints",
			Usage: "Registered endpoints introspection",
			Description: `These subcommands inspect the endpoint table of the relay index.

Endpoints are normally registered by agents over an adapter or by the
mesh registry when an agent is added. 'endpoints list' shows what the
relay currently delivers to, including the per-endpoint backlog.
`,
			Subcommands: []*cli.Command{
				{
					Name:  "list",
					Usage: "List registered endpoints",
					Flags: []cli.Flag{
						&cli.BoolFlag{
							Name:    "quiet",
							Aliases: []string{"q"},
							Usage:   "Do not print 'No endpoints.' message",
						},
					},
					Action: endpointsList,
				},
			},
		})
}

func endpointsList(ctx *cli.Context) error {
	st, err := openRelayState(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	eps, err := st.ix.ListEndpoints(ctx.Context)
	if err != nil {
		return err
	}
	if len(eps) == 0 {
		if !ctx.Bool("quiet") {
			fmt.Fprintln(os.Stderr, "No endpoints.")
		}
		return nil
	}

	pending, err := st.ix.PendingByEndpoint(ctx.Context)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SUBJECT\tHASH\tREGISTERED\tPENDING")
	for _, ep := range eps {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", ep.Subject, ep.Hash, age(ep.RegisteredAt), pending[ep.Hash])
	}
	return w.Flush()
}
