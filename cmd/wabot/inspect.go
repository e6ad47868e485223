package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/sipeed/wabot/pkg/app"
	"github.com/sipeed/wabot/pkg/capability"
	"github.com/sipeed/wabot/pkg/config"
	"github.com/sipeed/wabot/pkg/intent"
)

func newClassifyCmd() *cobra.Command {
	var attachment bool

	cmd := &cobra.Command{
		Use:   "classify <text>",
		Short: "Show which intent and capability a message would trigger",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, _, err := app.NewCapabilities(config.Default(), nil, "", nil)
			if err != nil {
				return err
			}
			in := intent.Default().Classify(strings.Join(args, " "), attachment)
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), renderClassification(newStyles(), in, reg))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&attachment, "attachment", "a", false, "classify as if the message carried a file")
	return cmd
}

func renderClassification(s styles, in intent.Intent, reg *capability.Registry) string {
	if !in.Recognized() {
		return s.miss.Render("unrecognized") + s.faint.Render(" (would get the fallback reply)")
	}

	lines := []string{s.field("intent", in.Name)}
	if in.RuleID != "" {
		lines = append(lines, s.field("rule", in.RuleID))
	}
	keys := make([]string, 0, len(in.Args))
	for k := range in.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, s.field("arg "+k, strconv.Quote(in.Args[k])))
	}

	desc, err := reg.Lookup(in.Name)
	if err != nil {
		lines = append(lines, s.field("capability", s.miss.Render("none registered")))
		return lipgloss.JoinVertical(lipgloss.Left, lines...)
	}
	lines = append(lines,
		s.field("capability", desc.Summary),
		s.field("cost", string(desc.Cost)),
		s.field("max duration", desc.MaxDuration.String()),
	)
	if in.RequiresAttachment {
		lines = append(lines, s.field("attachment", "required"))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func newIntentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "intents",
		Short: "List the classification rules in evaluation order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, _, err := app.NewCapabilities(config.Default(), nil, "", nil)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), renderRules(newStyles(), intent.Default().Rules(), reg))
			return nil
		},
	}
}

func renderRules(s styles, rules []intent.Rule, reg *capability.Registry) string {
	lines := []string{s.title.Render(fmt.Sprintf("%d rules, %d capabilities", len(rules), reg.Len()))}
	for _, r := range rules {
		cost := "-"
		if desc, err := reg.Lookup(r.Intent); err == nil {
			cost = string(desc.Cost)
		}
		line := fmt.Sprintf("%4d  %-22s %-8s", r.Priority, r.Intent, cost)
		if r.RequiresAttachment {
			line += s.faint.Render(" [file]")
		}
		lines = append(lines, line)
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}
