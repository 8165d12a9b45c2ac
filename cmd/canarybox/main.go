package main

import (
	"fmt"
	"os"
	"strings"

	"canarybox/internal/fault"

	"github.com/spf13/cobra"
)

var version = "dev" // Will be set during build

var rootCmd = &cobra.Command{
	Use:   "canarybox",
	Short: "Blue/green and canary deployment lifecycle orchestrator",
	Long: `Canarybox moves releases between the production, staging, previous and
canary roles of a site with atomic symlink rotation.

Every deployment is guarded by a verified pre-deploy backup and health checks,
can be trialled as a canary on a slice of traffic, and is recorded in the
audit log and deployment history.`,
	Version:           version,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

// Custom usage template that encourages 'help' subcommand pattern
const usageTemplate = `Usage:{{if .Runnable}}
  {{.UseLine}}{{end}}{{if .HasAvailableSubCommands}}
  {{.CommandPath}} [command]{{end}}{{if gt (len .Aliases) 0}}

Aliases:
  {{.NameAndAliases}}{{end}}{{if .HasExample}}

Examples:
{{.Example}}{{end}}{{if .HasAvailableSubCommands}}{{$cmds := .Commands}}{{if eq (len .Groups) 0}}

Available Commands:{{range $cmds}}{{if (or .IsAvailableCommand (eq .Name "help"))}}
  {{rpad .Name .NamePadding }} {{.Short}}{{end}}{{end}}{{else}}{{range $group := .Groups}}

{{.Title}}{{range $cmds}}{{if (and (eq .GroupID $group.ID) (or .IsAvailableCommand (eq .Name "help")))}}
  {{rpad .Name .NamePadding }} {{.Short}}{{end}}{{end}}{{end}}{{if not .AllChildCommandsHaveGroup}}

Additional Commands:{{range $cmds}}{{if (and (eq .GroupID "") (or .IsAvailableCommand (eq .Name "help")))}}
  {{rpad .Name .NamePadding }} {{.Short}}{{end}}{{end}}{{end}}{{end}}{{end}}{{if .HasAvailableLocalFlags}}

Flags:
{{.LocalFlags.FlagUsages | trimTrailingWhitespaces}}{{end}}{{if .HasAvailableInheritedFlags}}

Global Flags:
{{.InheritedFlags.FlagUsages | trimTrailingWhitespaces}}{{end}}{{if .HasHelpSubCommands}}

Additional help topics:{{range .Commands}}{{if .IsAdditionalHelpTopicCommand}}
  {{rpad .CommandPath .CommandPathPadding}} {{.Short}}{{end}}{{end}}{{end}}{{if .HasAvailableSubCommands}}

Use "{{.CommandPath}} help [command]" for more information about a command.{{end}}
`

func main() {
	err := execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	app.close()
	os.Exit(fault.ExitCode(err))
}

// execute runs the root command. cobra reports an unknown subcommand as a
// plain error; it is an invalid invocation like a bad flag.
func execute() error {
	err := rootCmd.Execute()
	if err != nil && strings.HasPrefix(err.Error(), "unknown command ") {
		return fault.Wrap(fault.CodePrecondition, err, "%s", rootCmd.CommandPath())
	}
	return err
}

func init() {
	rootCmd.SetUsageTemplate(usageTemplate)
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fault.Wrap(fault.CodePrecondition, err, "%s", cmd.CommandPath())
	})

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&globals.configFile, "config", "c", getEnvOrDefault("CANARYBOX_CONFIG", ""), "Path to sites.yaml")
	flags.StringVarP(&globals.siteName, "site", "s", getEnvOrDefault("CANARYBOX_SITE", ""), "Site to operate on (optional with a single site)")
	flags.StringVar(&globals.logLevel, "log-level", getEnvOrDefault("CANARYBOX_LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
	flags.BoolVar(&globals.noColor, "no-color", os.Getenv("NO_COLOR") != "", "Disable colored output")
	flags.StringVar(&globals.operator, "operator", defaultOperator(), "Operator name recorded in the audit log")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(promoteCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(swapCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(baselineCmd)
	rootCmd.AddCommand(healthcheckCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

// exactArgs is cobra.ExactArgs with precondition exit codes.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return fault.Wrap(fault.CodePrecondition, err, "%s", cmd.CommandPath())
		}
		return nil
	}
}

func maximumArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.MaximumNArgs(n)(cmd, args); err != nil {
			return fault.Wrap(fault.CodePrecondition, err, "%s", cmd.CommandPath())
		}
		return nil
	}
}
