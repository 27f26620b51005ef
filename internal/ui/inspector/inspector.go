// Package inspector implements the "gasan inspect" TUI: a bubbletea program
// that loads a saved GAsan violation report and lets a user browse its
// entries interactively, the way a human triages a batch of fuzzer crashes.
package inspector

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// entry is one violation block parsed out of a report sink file.
type entry struct {
	headline string
	body     string
}

func (e entry) Title() string       { return e.headline }
func (e entry) Description() string { return firstNonHeaderLine(e.body) }
func (e entry) FilterValue() string { return e.headline + " " + e.body }

func firstNonHeaderLine(body string) string {
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "==") {
			continue
		}
		return line
	}
	return ""
}

// parseReport splits a GAsan report sink file (as written by
// sanitizer.Format) into individual violation entries. Each entry starts at
// a "== GASAN: <kind> ==" line and runs to the closing "==" line.
func parseReport(data []byte) []entry {
	var entries []entry
	var cur strings.Builder
	var headline string

	flush := func() {
		if headline != "" {
			entries = append(entries, entry{headline: headline, body: cur.String()})
		}
		cur.Reset()
		headline = ""
	}

	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "== GASAN:") {
			flush()
			headline = strings.TrimSuffix(strings.TrimPrefix(line, "== GASAN: "), " ==")
			continue
		}
		if headline != "" {
			cur.WriteString(line)
			cur.WriteByte('\n')
		}
	}
	flush()

	return entries
}

var (
	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(0, 1)
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFC800"))
	helpStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#808080"))
)

type model struct {
	list     list.Model
	detail   bool
	selected entry
	width    int
	height   int
}

func newModel(entries []entry) model {
	items := make([]list.Item, len(entries))
	for i, e := range entries {
		items[i] = e
	}

	l := list.New(items, list.NewDefaultDelegate(), 0, 0)
	l.Title = "GAsan violations"

	return model{list: l}
}

func (m model) Init() tea.Cmd { return nil }

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.list.SetSize(msg.Width-2, msg.Height-4)
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "enter":
			if !m.detail {
				if e, ok := m.list.SelectedItem().(entry); ok {
					m.selected = e
					m.detail = true
				}
			}
			return m, nil
		case "esc", "backspace":
			if m.detail {
				m.detail = false
				return m, nil
			}
		}
	}

	if !m.detail {
		var cmd tea.Cmd
		m.list, cmd = m.list.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m model) View() string {
	if m.detail {
		body := titleStyle.Render(m.selected.headline) + "\n\n" + m.selected.body
		body += "\n" + helpStyle.Render("esc: back  q: quit")
		return borderStyle.Width(m.width - 2).Render(body)
	}
	help := helpStyle.Render("enter: view  /: filter  q: quit")
	return m.list.View() + "\n" + help
}

// Run loads the report at path and starts the interactive browser. It
// blocks until the user quits.
func Run(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read report: %w", err)
	}

	entries := parseReport(data)
	if len(entries) == 0 {
		fmt.Printf("%s contains no violations\n", path)
		return nil
	}

	p := tea.NewProgram(newModel(entries), tea.WithAltScreen())
	_, err = p.Run()
	return err
}
