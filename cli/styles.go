package cli

import "github.com/charmbracelet/lipgloss"

var (
	titleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#7C3AED")).Bold(true)
	promptStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#06B6D4"))
	toolStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#9CA3AF"))
)
