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
	"github.com/dorklabs/dork/internal/mesh/topology"
)

func init() {
	dorkcli.AddSubcommand(
		&cli.Command{
			Name:  "access",
			Usage: "Bus access rules management",
			Description: `These subcommands edit the rule table consulted on every publish.

Rules pair a source and a destination subject pattern with an allow or
deny action. Within one namespace traffic is allowed by default;
traffic between namespaces is denied unless a rule grants it. 'allow'
and 'deny' manage exactly those cross-namespace grants. A running
daemon loads the table on startup, so edits made here while it runs
take effect on its next restart.
`,
			Subcommands: []*cli.Command{
				{
					Name:  "list",
					Usage: "List access rules in evaluation order",
					Flags: []cli.Flag{
						&cli.BoolFlag{
							Name:    "quiet",
							Aliases: []string{"q"},
							Usage:   "Do not print 'No access rules.' message",
						},
					},
					Action: accessList,
				},
				{
					Name:      "allow",
					Usage:     "Grant one namespace access to another",
					ArgsUsage: "SRC_NAMESPACE DST_NAMESPACE",
					Action:    accessAllow,
				},
				{
					Name:      "deny",
					Usage:     "Revoke a cross-namespace grant",
					ArgsUsage: "SRC_NAMESPACE DST_NAMESPACE",
					Action:    accessDeny,
				},
			},
		})
}

func accessList(ctx *cli.Context) error {
	st, err := openRelayState(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	rules, err := newOfflineRules(ctx.Context, st.ix)
	if err != nil {
		return err
	}

	all := rules.AccessRules()
	if len(all) == 0 {
		if !ctx.Bool("quiet") {
			fmt.Fprintln(os.Stderr, "No access rules.")
		}
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FROM\tTO\tACTION\tPRIORITY")
	for _, r := range all {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", r.From, r.To, r.Action, r.Priority)
	}
	return w.Flush()
}

func namespacePair(ctx *cli.Context) (src, dst string, err error) {
	src, dst = ctx.Args().Get(0), ctx.Args().Get(1)
	if src == "" || dst == "" {
		return "", "", cli.Exit("Error: SRC_NAMESPACE and DST_NAMESPACE are required", 2)
	}
	return src, dst, nil
}

func accessAllow(ctx *cli.Context) error {
	src, dst, err := namespacePair(ctx)
	if err != nil {
		return err
	}

	st, err := openRelayState(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	rules, err := newOfflineRules(ctx.Context, st.ix)
	if err != nil {
		return err
	}

	topo := topology.Manager{Rules: rules}
	if err := topo.AllowCrossNamespace(ctx.Context, src, dst); err != nil {
		return err
	}
	fmt.Printf("Allowed %s -> %s.\n", src, dst)
	return nil
}

func accessDeny(ctx *cli.Context) error {
	src, dst, err := namespacePair(ctx)
	if err != nil {
		return err
	}

	st, err := openRelayState(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	rules, err := newOfflineRules(ctx.Context, st.ix)
	if err != nil {
		return err
	}

	topo := topology.Manager{Rules: rules}
	if err := topo.DenyCrossNamespace(ctx.Context, src, dst); err != nil {
		return err
	}
	fmt.Printf("Removed the %s -> %s grant.\n", src, dst)
	return nil
}
