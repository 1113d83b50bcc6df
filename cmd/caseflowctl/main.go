// caseflowctl inspects the embedded stage schemas from the command line:
// list the fields of a stage, preview the system note for a set of
// values, or check how a raw value normalizes against a green set.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	cli "github.com/urfave/cli/v3"

	"caseflow/api/internal/schema"
	"caseflow/api/internal/workflow"
)

func main() {
	app := &cli.Command{
		Name:  "caseflowctl",
		Usage: "Inspect Caseflow stage schemas and note wording",
		Commands: []*cli.Command{
			tenantsCmd(),
			fieldsCmd(),
			noteCmd(),
			normalizeCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func tenantsCmd() *cli.Command {
	return &cli.Command{
		Name:  "tenants",
		Usage: "List configured tenant profiles and their stages",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			registry := schema.Default()
			for _, tenant := range registry.Tenants() {
				format, _ := registry.NoteFormat(tenant)
				fmt.Printf("%s (notes: %s)\n", tenant, format)
				for _, number := range registry.StageNumbers(tenant) {
					def, err := registry.Stage(tenant, number)
					if err != nil {
						return err
					}
					fmt.Printf("  %d. %s (%d fields)\n", number, def.Name, len(def.Fields))
				}
			}
			return nil
		},
	}
}

func fieldsCmd() *cli.Command {
	return &cli.Command{
		Name:      "fields",
		Usage:     "List the fields of one stage",
		ArgsUsage: "<tenant> <stage>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "client-type", Usage: "Matter client type for conditional fields"},
			&cli.StringFlag{Name: "role", Usage: "Caller role for role-gated fields"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			def, err := stageArg(cmd)
			if err != nil {
				return err
			}
			attrs := map[string]string{
				"clientType": cmd.String("client-type"),
				"role":       cmd.String("role"),
			}
			for _, field := range def.ActiveFields(attrs) {
				line := fmt.Sprintf("%-24s %-10s %s", field.Key, field.Kind, field.Label)
				if len(field.Options) > 0 {
					line += " [" + strings.Join(field.Options, ", ") + "]"
				}
				fmt.Println(line)
			}
			return nil
		},
	}
}

func noteCmd() *cli.Command {
	return &cli.Command{
		Name:      "note",
		Usage:     "Preview the system note for a stage given key=value pairs",
		ArgsUsage: "<tenant> <stage> [key=value ...]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "client-type", Usage: "Matter client type for conditional fields"},
			&cli.StringFlag{Name: "role", Usage: "Caller role for role-gated fields"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			def, err := stageArg(cmd)
			if err != nil {
				return err
			}
			attrs := map[string]string{
				"clientType": cmd.String("client-type"),
				"role":       cmd.String("role"),
			}
			form := make(map[string]string)
			for _, arg := range cmd.Args().Slice()[2:] {
				key, value, found := strings.Cut(arg, "=")
				if !found {
					return fmt.Errorf("argument %q is not key=value", arg)
				}
				form[key] = value
			}

			fields := def.ActiveFields(attrs)
			for _, group := range def.Notes {
				fmt.Printf("%s: %s\n", group.ID, workflow.SystemNote(def, group, fields, form))
			}
			fmt.Printf("colorStatus: %s\n", workflow.ColorStatusOf(def, fields, form))
			return nil
		},
	}
}

func normalizeCmd() *cli.Command {
	return &cli.Command{
		Name:      "normalize",
		Usage:     "Show how a raw value folds for comparison",
		ArgsUsage: "<value> [value ...]",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() == 0 {
				return fmt.Errorf("at least one value is required")
			}
			for _, value := range cmd.Args().Slice() {
				fmt.Printf("%q -> %q\n", value, workflow.Normalize(value))
			}
			return nil
		},
	}
}

func stageArg(cmd *cli.Command) (*schema.StageDef, error) {
	tenant := cmd.Args().Get(0)
	if tenant == "" {
		return nil, fmt.Errorf("tenant argument is required")
	}
	var number int
	if _, err := fmt.Sscanf(cmd.Args().Get(1), "%d", &number); err != nil {
		return nil, fmt.Errorf("stage argument must be a number")
	}
	return schema.Default().Stage(schema.Tenant(tenant), number)
}
