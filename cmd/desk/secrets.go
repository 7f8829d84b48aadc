package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/AgentOS/desktop/internal/vault"
)

func newSecretsCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage API keys and settings in the encrypted vault",
	}

	// withStore opens the vault for one subcommand.
	withStore := func(run func(cmd *cobra.Command, store *vault.Store, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			rt, err := g.open(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer rt.close()
			store := vault.NewStore(rt.bridge)
			defer store.Close()
			return run(cmd, store, args)
		}
	}

	var show bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List stored keys",
		Args:  cobra.NoArgs,
		RunE: withStore(func(cmd *cobra.Command, store *vault.Store, _ []string) error {
			values, err := store.All()
			if err != nil {
				return err
			}
			keys := make([]string, 0, len(values))
			for k := range values {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", k, display(values[k], show))
			}
			return nil
		}),
	}
	list.Flags().BoolVar(&show, "show", false, "print values unmasked")

	set := &cobra.Command{
		Use:   "set MODEL KEY",
		Short: "Store the API key of a model",
		Args:  cobra.ExactArgs(2),
		RunE: withStore(func(cmd *cobra.Command, store *vault.Store, args []string) error {
			return store.SetAPIKey(cmd.Context(), args[0], args[1])
		}),
	}

	get := &cobra.Command{
		Use:   "get MODEL",
		Short: "Print the API key of a model",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(cmd *cobra.Command, store *vault.Store, args []string) error {
			key, err := store.APIKey(args[0])
			if err != nil {
				return err
			}
			if key == "" {
				return fmt.Errorf("no key stored for %s", args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), display(key, show))
			return nil
		}),
	}
	get.Flags().BoolVar(&show, "show", false, "print the key unmasked")

	del := &cobra.Command{
		Use:   "delete KEY",
		Short: "Remove one entry",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(cmd *cobra.Command, store *vault.Store, args []string) error {
			return store.Delete(cmd.Context(), args[0])
		}),
	}

	clearAll := &cobra.Command{
		Use:   "clear",
		Short: "Remove every entry",
		Args:  cobra.NoArgs,
		RunE: withStore(func(cmd *cobra.Command, store *vault.Store, _ []string) error {
			return store.Clear(cmd.Context())
		}),
	}

	model := &cobra.Command{
		Use:   "model [NAME]",
		Short: "Show or set the selected model",
		Args:  cobra.MaximumNArgs(1),
		RunE: withStore(func(cmd *cobra.Command, store *vault.Store, args []string) error {
			if len(args) == 1 {
				return store.SetSelectedModel(cmd.Context(), args[0])
			}
			name, err := store.SelectedModel()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), name)
			return nil
		}),
	}

	versioning := &cobra.Command{
		Use:       "versioning [git|none]",
		Short:     "Show or set the versioning type",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"git", "none"},
		RunE: withStore(func(cmd *cobra.Command, store *vault.Store, args []string) error {
			if len(args) == 1 {
				return store.SetVersioningType(cmd.Context(), args[0])
			}
			v, err := store.VersioningType()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), v)
			return nil
		}),
	}

	cmd.AddCommand(list, set, get, del, clearAll, model, versioning)
	return cmd
}

func display(value string, show bool) string {
	switch {
	case show:
		return value
	case len(value) <= 8:
		return "********"
	}
	return value[:4] + "..." + value[len(value)-4:]
}
