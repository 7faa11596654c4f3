package storage

import (
	"io"

	"github.com/fatih/color"
)

// Terminal is for displaying alerts on terminal.
type Terminal struct {
	out  io.Writer
	buy  *color.Color
	sell *color.Color
}

// TerminalTimestamp is used as a format to display the alert second.
const TerminalTimestamp = RecordTimestamp

// InitTerminal initializes terminal display.
// Output writer is always os.Stdout except in case of testing.
func InitTerminal(out io.Writer) *Terminal {
	return &Terminal{
		out:  out,
		buy:  color.New(color.FgWhite, color.BgBlue, color.Bold),
		sell: color.New(color.FgWhite, color.BgMagenta, color.Bold),
	}
}

// CommitAlerts outputs one line per alert, buy flow on blue and sell flow on magenta.
func (t *Terminal) CommitAlerts(data []Alert) error {
	for _, alert := range data {
		c := t.buy
		if alert.BuyerMaker {
			c = t.sell
		}
		_, err := c.Fprintf(t.out, "%s %s %s $%sm", alert.Side(), alert.Symbol, alert.Second.UTC().Format(TerminalTimestamp), alert.Millions())
		if err != nil {
			return err
		}
		if _, err = io.WriteString(t.out, "\n"); err != nil {
			return err
		}
	}
	return nil
}
