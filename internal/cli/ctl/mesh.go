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
	"github.com/dorklabs/dork/internal/mesh"
	"github.com/dorklabs/dork/internal/mesh/discovery"
	"github.com/dorklabs/dork/internal/mesh/registry"
	"github.com/dorklabs/dork/internal/mesh/topology"
)

func init() {
	dorkcli.AddSubcommand(
		&cli.Command{
			Name:  "mesh",
			Usage: "Agent registry management",
			Description: `These subcommands manage the agent registry behind the mesh.

Registering an agent writes its .dork/agent.json manifest, inserts a
registry row and binds a relay endpoint for it, exactly as the daemon
would. A daemon started afterwards serves the new agent without any
further steps.
`,
			Subcommands: []*cli.Command{
				{
					Name:      "scan",
					Usage:     "Scan directories for agent projects",
					ArgsUsage: "[ROOT...]",
					Description: `Walks the given roots (the configured scan roots when none are given)
and reports what it finds. Projects with a manifest are listed as
importable; directories that merely look like agent projects are
listed as candidates. With --register-all both kinds are registered
on the spot.
`,
					Flags: []cli.Flag{
						&cli.BoolFlag{
							Name:  "register-all",
							Usage: "Import every manifest and register every candidate found",
						},
					},
					Action: meshScan,
				},
				{
					Name:  "list",
					Usage: "List registered agents",
					Flags: []cli.Flag{
						&cli.StringFlag{
							Name:    "namespace",
							Aliases: []string{"n"},
							Usage:   "Limit to one `NAMESPACE`",
						},
						&cli.StringFlag{
							Name:  "runtime",
							Usage: "Limit to one `RUNTIME`",
						},
						&cli.BoolFlag{
							Name:    "quiet",
							Aliases: []string{"q"},
							Usage:   "Do not print 'No agents.' message",
						},
					},
					Action: meshList,
				},
				{
					Name:      "register",
					Usage:     "Register an agent project",
					ArgsUsage: "PATH",
					Flags: []cli.Flag{
						&cli.StringFlag{
							Name:  "name",
							Usage: "Agent `NAME` (defaults to the manifest, then the directory name)",
						},
						&cli.StringFlag{
							Name:    "namespace",
							Aliases: []string{"n"},
							Usage:   "Force a `NAMESPACE` instead of deriving one from the path",
						},
						&cli.StringFlag{
							Name:  "runtime",
							Usage: "Agent `RUNTIME` label",
						},
						&cli.StringFlag{
							Name:  "description",
							Usage: "Agent description",
						},
						&cli.StringSliceFlag{
							Name:  "capability",
							Usage: "Declared capability, may be repeated",
						},
					},
					Action: meshRegister,
				},
				{
					Name:      "unregister",
					Usage:     "Remove an agent from the registry",
					ArgsUsage: "AGENT_ID",
					Action:    meshUnregister,
				},
				{
					Name:  "topology",
					Usage: "Show which agents a namespace can reach",
					Flags: []cli.Flag{
						&cli.StringFlag{
							Name:    "namespace",
							Aliases: []string{"n"},
							Usage:   "View as `NAMESPACE` (omit for the full admin view)",
						},
					},
					Action: meshTopology,
				},
			},
		})
}

func meshScan(ctx *cli.Context) error {
	st, err := openMeshState(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	events, err := st.core.Discover(ctx.Context, ctx.Args().Slice(), st.core.ScanOptions())
	if err != nil {
		return err
	}

	register := ctx.Bool("register-all")
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	var found int
	for ev := range events {
		found++
		switch ev.Kind {
		case discovery.EventAutoImport:
			if !register {
				fmt.Fprintf(w, "manifest\t%s\t%s\n", ev.Manifest.Name, ev.Path)
				continue
			}
			entry, err := st.core.Import(ctx.Context, ev)
			if err != nil {
				fmt.Fprintf(w, "failed\t%s\t%s\n", ev.Path, err)
				continue
			}
			fmt.Fprintf(w, "imported\t%s\t%s\n", entry.Manifest.ID, ev.Path)
		case discovery.EventCandidate:
			if !register {
				fmt.Fprintf(w, "candidate\t%s\t%s\n", ev.Strategy, ev.Path)
				continue
			}
			entry, err := st.core.Register(ctx.Context, mesh.RegisterRequest{
				Path:     ev.Path,
				Root:     ev.Root,
				Hints:    ev.Hints,
				Approver: "cli",
			})
			if err != nil {
				fmt.Fprintf(w, "failed\t%s\t%s\n", ev.Path, err)
				continue
			}
			fmt.Fprintf(w, "registered\t%s\t%s\n", entry.Manifest.ID, ev.Path)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if found == 0 {
		fmt.Fprintln(os.Stderr, "No agent projects found.")
	}
	return nil
}

func meshList(ctx *cli.Context) error {
	st, err := openMeshState(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	entries, err := st.core.Registry().List(ctx.Context, registry.Filter{
		Namespace: ctx.String("namespace"),
		Runtime:   ctx.String("runtime"),
	})
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		if !ctx.Bool("quiet") {
			fmt.Fprintln(os.Stderr, "No agents.")
		}
		return nil
	}

	now := time.Now().UTC()
	thresholds := st.core.Topology().Thresholds
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tNAMESPACE\tRUNTIME\tHEALTH\tLAST SEEN")
	for _, e := range entries {
		health := string(e.Health(now, thresholds))
		if e.Unreachable {
			health += " (unreachable)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Manifest.ID, e.Manifest.Name, e.Manifest.Namespace, e.Manifest.Runtime,
			health, age(e.LastSeenAt))
	}
	return w.Flush()
}

func meshRegister(ctx *cli.Context) error {
	path := ctx.Args().First()
	if path == "" {
		return cli.Exit("Error: PATH is required", 2)
	}

	st, err := openMeshState(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	entry, err := st.core.Register(ctx.Context, mesh.RegisterRequest{
		Path: path,
		Overrides: mesh.Overrides{
			Name:         ctx.String("name"),
			Namespace:    ctx.String("namespace"),
			Runtime:      ctx.String("runtime"),
			Description:  ctx.String("description"),
			Capabilities: ctx.StringSlice("capability"),
		},
		Approver: "cli",
	})
	if err != nil {
		return err
	}
	fmt.Printf("Registered %s as %s in namespace %s.\n",
		entry.Manifest.Name, entry.Manifest.ID, entry.Manifest.Namespace)
	return nil
}

func meshUnregister(ctx *cli.Context) error {
	id := ctx.Args().First()
	if id == "" {
		return cli.Exit("Error: AGENT_ID is required", 2)
	}

	st, err := openMeshState(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.core.Unregister(ctx.Context, id); err != nil {
		return err
	}
	fmt.Printf("Unregistered %s.\n", id)
	return nil
}

func meshTopology(ctx *cli.Context) error {
	st, err := openMeshState(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	caller := ctx.String("namespace")
	if caller == "" {
		caller = topology.AdminCaller
	}

	topo, err := st.core.Topology().GetTopology(ctx.Context, caller)
	if err != nil {
		return err
	}
	if len(topo.Namespaces) == 0 {
		fmt.Fprintln(os.Stderr, "No visible agents.")
		return nil
	}

	for _, ns := range topo.Namespaces {
		fmt.Printf("%s (%d agents)\n", ns.Name, len(ns.Agents))
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		for _, a := range ns.Agents {
			fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", a.Manifest.Name, a.Manifest.ID, a.Health, a.Subject)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
	return nil
}
