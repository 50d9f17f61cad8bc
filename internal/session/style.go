package session

import (
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// Styler decorates the banner and answer header. Plain output must stay
// byte-identical to the undecorated text, so scripts can parse it.
type Styler interface {
	Banner(s string) string
	Header(s string) string
	Error(s string) string
}

// Plain is a Styler that returns text unchanged.
type Plain struct{}

func (Plain) Banner(s string) string { return s }
func (Plain) Header(s string) string { return s }
func (Plain) Error(s string) string  { return s }

// Colour renders with lipgloss.
type Colour struct {
	banner lipgloss.Style
	header lipgloss.Style
	err    lipgloss.Style
}

// NewColour returns the default terminal theme.
func NewColour() *Colour {
	return &Colour{
		banner: lipgloss.NewStyle().Foreground(lipgloss.Color("86")).Bold(true),
		header: lipgloss.NewStyle().Foreground(lipgloss.Color("#7C3AED")).Bold(true),
		err:    lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
	}
}

func (c *Colour) Banner(s string) string { return c.banner.Render(s) }
func (c *Colour) Header(s string) string { return c.header.Render(s) }
func (c *Colour) Error(s string) string  { return c.err.Render(s) }

// StylerFor returns Colour when w is a terminal and Plain otherwise.
func StylerFor(w io.Writer) Styler {
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) { //nolint:gosec // fd fits in int
		return NewColour()
	}
	return Plain{}
}
