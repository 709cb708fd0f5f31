package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"chatbridge/internal/provider"
	providerfactory "chatbridge/internal/provider/factory"
)

const backendsUsage = `Usage:
  chatbridge backends [--config <path>]

Lists every enabled backend, its models and the configuration keys it reads
from the settings store, marking which of them currently hold a value.`

func backends(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("backends", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, backendsUsage)
	}

	var common commonFlags
	common.register(fs)

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse backends flags: %w", err)
	}

	cfg, err := common.load()
	if err != nil {
		return err
	}

	registry, closeStore, err := providerfactory.NewRegistry(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	return describeBackends(os.Stdout, registry)
}

type backendCatalog interface {
	ListBackends() []provider.Backend
	Settings(name string) (*provider.Settings, bool)
}

func describeBackends(w io.Writer, catalog backendCatalog) error {
	list := catalog.ListBackends()
	if len(list) == 0 {
		_, err := fmt.Fprintln(w, "no backends enabled")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for i, b := range list {
		if i > 0 {
			fmt.Fprintln(tw)
		}
		fmt.Fprintf(tw, "%s\t%s\n", b.Name(), b.Description())
		for _, m := range b.Models() {
			fmt.Fprintf(tw, "  model\t%s\t%s\n", provider.CompositeKey(b.Name(), m.Key()), m.DisplayName())
		}

		settings, _ := catalog.Settings(b.Name())
		for _, field := range b.ConfigSchema() {
			state := "unset"
			if settings != nil && settings.Get(field.Name) != "" {
				state = "set"
			}
			required := "optional"
			if field.Required {
				required = "required"
			}
			fmt.Fprintf(tw, "  key\t%s\t%s\t%s\t%s\n", field.Name, required, state, field.Description)
		}
	}
	return tw.Flush()
}
