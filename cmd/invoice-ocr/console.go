package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"

	"github.com/zombor/invoice-ocr/internal/invoice"
)

// console renders pipeline progress and messages on a terminal
type console struct {
	out io.Writer
	err io.Writer

	mu  sync.Mutex
	bar *progressbar.ProgressBar
}

func newConsole(out, errOut io.Writer) *console {
	return &console{out: out, err: errOut}
}

func (c *console) success(format string, args ...any) {
	color.New(color.FgGreen).Fprintf(c.out, "✓ %s\n", fmt.Sprintf(format, args...))
}

func (c *console) failure(format string, args ...any) {
	color.New(color.FgRed).Fprintf(c.out, "✗ %s\n", fmt.Sprintf(format, args...))
}

func (c *console) warn(format string, args ...any) {
	color.New(color.FgYellow).Fprintf(c.out, "⚠ %s\n", fmt.Sprintf(format, args...))
}

func (c *console) info(format string, args ...any) {
	color.New(color.FgCyan).Fprintf(c.out, "ℹ %s\n", fmt.Sprintf(format, args...))
}

// observer follows the working set with a progress bar sized to it
func (c *console) observer() invoice.Observer {
	return invoice.Observer{
		OnUpdate: func(files []invoice.File) {
			c.mu.Lock()
			defer c.mu.Unlock()

			done := 0
			for _, f := range files {
				if f.Status.Terminal() {
					done++
				}
			}
			if len(files) == 0 {
				return
			}
			if c.bar == nil {
				c.bar = progressbar.NewOptions(len(files),
					progressbar.OptionSetWriter(c.err),
					progressbar.OptionSetDescription("Extracting"),
					progressbar.OptionShowCount(),
					progressbar.OptionSetWidth(40),
					progressbar.OptionSetRenderBlankState(true),
					progressbar.OptionSetTheme(progressbar.Theme{
						Saucer:        "=",
						SaucerHead:    ">",
						SaucerPadding: " ",
						BarStart:      "[",
						BarEnd:        "]",
					}),
				)
			}
			c.bar.ChangeMax(len(files))
			c.bar.Set(done)
		},
		OnMessage: func(msg invoice.Message) {
			c.mu.Lock()
			defer c.mu.Unlock()

			if c.bar != nil {
				c.bar.Clear()
			}
			switch msg.Kind {
			case invoice.MessageError:
				c.failure("%s", msg.Text)
			case invoice.MessageCredentials:
				c.warn("%s Run 'invoice-ocr keys list' to review them.", msg.Text)
			default:
				c.info("%s", msg.Text)
			}
			if msg.FolderPath != "" {
				fmt.Fprintf(c.out, "  %s\n", msg.FolderPath)
			}
		},
	}
}

func (c *console) finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bar != nil {
		c.bar.Finish()
		fmt.Fprintln(c.err)
	}
}

// summarize prints one line per failed file and the final counts
func (c *console) summarize(result *invoice.Result) {
	if result == nil {
		return
	}
	completed, failed := 0, 0
	for _, f := range result.Files {
		switch f.Status {
		case invoice.StatusCompleted:
			completed++
		case invoice.StatusError:
			failed++
			c.failure("%s: %s", f.Name, f.Error)
		}
	}
	if failed > 0 {
		c.warn("%d of %d image(s) failed", failed, completed+failed)
	}
	if result.ExportPath != "" {
		c.success("%d invoice(s) written to %s", completed, result.ExportPath)
	}
}
