// SPDX-FileCopyrightText: © 2025 The farsign authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package common provides shared helpers for the farsign CLI tools.
package common

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"charm.land/lipgloss/v2"
	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/colorprofile"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"
)

// ExecuteWithFang executes a cobra command using fang with the standard
// farsign options.
func ExecuteWithFang(cmd *cobra.Command) {
	if err := fang.Execute(
		context.Background(),
		cmd,
		fang.WithVersion(versioninfo.Short()),
		fang.WithErrorHandler(ErrorHandlerWithUsage(cmd)),
	); err != nil {
		os.Exit(1)
	}
}

// ErrorHandlerWithUsage creates an error handler that displays the error
// message followed by usage help for CLI argument errors.
func ErrorHandlerWithUsage(cmd *cobra.Command) fang.ErrorHandler {
	return func(w io.Writer, styles fang.Styles, err error) {
		_, _ = fmt.Fprintln(w, styles.ErrorHeader.String())
		_, _ = fmt.Fprintln(w, styles.ErrorText.Render(err.Error()+"."))
		_, _ = fmt.Fprintln(w)

		if isUsageError(err) {
			helpFunc := cmd.HelpFunc()
			if helpFunc != nil {
				_ = colorprofile.NewWriter(w, nil)
				helpFunc(cmd, []string{})
			}
		} else {
			_, _ = fmt.Fprintln(w, lipgloss.JoinHorizontal(
				lipgloss.Left,
				styles.ErrorText.UnsetWidth().Render("Try"),
				styles.Program.Flag.Render("--help"),
				styles.ErrorText.UnsetWidth().UnsetMargins().UnsetTransform().PaddingLeft(1).Render("for usage."),
			))
			_, _ = fmt.Fprintln(w)
		}
	}
}

// isUsageError reports whether an error relates to CLI usage and should
// trigger the automatic display of usage help.
func isUsageError(err error) bool {
	s := err.Error()
	for _, prefix := range []string{
		"flag needs an argument:",
		"unknown flag:",
		"unknown shorthand flag:",
		"unknown command",
		"invalid argument",
		"required flag",
		"accepts",
		"arg(s), received",
		"failed to load config file",
		"config file must be specified",
	} {
		if strings.Contains(s, prefix) {
			return true
		}
	}
	return false
}
