package main

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Inspect and edit long-term memory",
}

var memoryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List remembered facts",
	Args:  cobra.NoArgs,
	RunE:  runMemoryList,
}

var memorySetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Remember a fact",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runMemorySet,
}

var memoryForgetCmd = &cobra.Command{
	Use:   "forget <key>",
	Short: "Forget a fact",
	Args:  cobra.ExactArgs(1),
	RunE:  runMemoryForget,
}

var personasCmd = &cobra.Command{
	Use:   "personas",
	Short: "List available personas",
	Args:  cobra.NoArgs,
	RunE:  runPersonas,
}

func init() {
	memoryCmd.AddCommand(memoryListCmd)
	memoryCmd.AddCommand(memorySetCmd)
	memoryCmd.AddCommand(memoryForgetCmd)

	rootCmd.AddCommand(memoryCmd)
	rootCmd.AddCommand(personasCmd)
}

func runMemoryList(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	if a.memory.Len() == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No memories yet.")
		return nil
	}
	facts := a.memory.Snapshot()
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	for _, k := range slices.Sorted(maps.Keys(facts)) {
		fmt.Fprintf(w, "%s\t%s\n", k, facts[k])
	}
	return w.Flush()
}

func runMemorySet(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	key := a.memory.Set(args[0], strings.Join(args[1:], " "))
	if key == "" {
		return fmt.Errorf("memory key %q is empty", args[0])
	}
	fmt.Fprintf(cmd.OutOrStdout(), "remembered %s\n", key)
	return nil
}

func runMemoryForget(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	if !a.memory.Forget(args[0]) {
		return fmt.Errorf("no memory named %q", args[0])
	}
	return nil
}

func runPersonas(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tMODEL")
	for _, p := range a.agent.Personas().List() {
		name := p.Name
		if p.Custom {
			name += " (custom)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", p.ID, name, p.StarModel)
	}
	return w.Flush()
}
