package main

import (
	"fmt"

	"canarybox/internal/audit"
	"canarybox/internal/fault"
	"canarybox/internal/security"
	"canarybox/internal/slots"

	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the release directories and role links for a site",
	Long: `Bind every missing role (production, staging, previous, canary) to a fresh
empty release under <root>/releases. Existing roles are left alone, so init is
safe to run again after adding a role.`,
	Args: exactArgs(0),
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	s, err := app.site()
	if err != nil {
		return err
	}
	for _, dir := range []string{s.StateDir, s.LogDir} {
		if err := security.CreateSecureDir(dir, security.PermDirectory); err != nil {
			return fault.Wrap(fault.CodePrecondition, err, "create %s", dir)
		}
	}
	log, err := audit.Open(s.LogDir)
	if err != nil {
		return fault.Wrap(fault.CodePrecondition, err, "open audit log")
	}

	sm := slots.NewManager(s, slots.WithAudit(log, globals.operator), slots.WithLogger(app.logger.With("site", s.Name)))
	created, err := sm.Bootstrap()
	if err != nil {
		return err
	}
	if len(created) == 0 {
		fmt.Printf("All roles for %s already exist\n", s.Name)
	} else {
		fmt.Printf("Created %d role(s) for %s\n", len(created), s.Name)
	}

	layout, err := sm.Layout()
	if err != nil {
		return err
	}
	printLayout(layout)
	return nil
}
