package main

import "github.com/charmbracelet/lipgloss"

type styles struct {
	title  lipgloss.Style
	key    lipgloss.Style
	value  lipgloss.Style
	faint  lipgloss.Style
	miss   lipgloss.Style
	column lipgloss.Style
}

func newStyles() styles {
	return styles{
		title:  lipgloss.NewStyle().Bold(true),
		key:    lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		value:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		faint:  lipgloss.NewStyle().Faint(true),
		miss:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("203")),
		column: lipgloss.NewStyle().Width(22),
	}
}

func (s styles) field(key, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, s.key.Render(s.column.Render(key)), s.value.Render(value))
}
