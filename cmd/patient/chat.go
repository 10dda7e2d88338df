package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"text/tabwriter"

	"github.com/zhouzirui/meditriage/internal/engine"
	"github.com/zhouzirui/meditriage/internal/model/consultation"
)

// session is the slice of *engine.Engine the chat loop drives.
type session interface {
	View() engine.ViewModel
	Subscribe(fn func(engine.ViewModel))
	SendMessage(ctx context.Context, text string) bool
	AdjustUrgency(ctx context.Context, level string) bool
	DismissUrgencyPrompt()
	RequestEndChat(ctx context.Context) error
	RequestExit() bool
	ConfirmExit(ctx context.Context) error
	CancelExit()
}

const chatHelp = `Type a message and press enter to send it.
  /urgency <low|medium|high|critical>  correct the assessed urgency
  /dismiss                             keep the assessed urgency
  /end                                 end the consultation
  /exit                                leave (ends an open consultation)
  /help                                show this help`

// printer renders view-models incrementally. It is called from the engine's
// notify path and from the input loop.
type printer struct {
	mu      sync.Mutex
	out     io.Writer
	printed int
	conn    engine.ConnectionStatus
	typing  bool
	prompt  bool
}

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format, args...)
}

func (p *printer) render(v engine.ViewModel) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if v.ConnectionStatus != p.conn {
		p.conn = v.ConnectionStatus
		fmt.Fprintf(p.out, "[%s]\n", v.ConnectionStatus)
	}
	if p.printed > len(v.Messages) {
		p.printed = len(v.Messages)
	}
	for _, m := range v.Messages[p.printed:] {
		fmt.Fprintln(p.out, formatMessage(m))
	}
	p.printed = len(v.Messages)

	if v.Typing && !p.typing {
		fmt.Fprintln(p.out, "[AI assistant is analysing your symptoms...]")
	}
	p.typing = v.Typing

	if v.PendingUrgencyPrompt && !p.prompt {
		fmt.Fprintln(p.out, "Does this urgency look right? Use /urgency <level> to correct it or /dismiss to keep it.")
	}
	p.prompt = v.PendingUrgencyPrompt
}

func formatMessage(m consultation.Message) string {
	name := m.Author.Name
	if name == "" {
		name = m.Author.ID
	}
	return fmt.Sprintf("%s %s: %s", m.CreatedAt.Local().Format("15:04"), name, m.Text)
}

// runChat reads patient input until the patient leaves, in ends, or ctx is done.
func runChat(ctx context.Context, s session, in io.Reader, out io.Writer) error {
	p := &printer{out: out}
	v := s.View()
	if v.Title != "" {
		p.printf("== %s ==\n", v.Title)
	}
	p.render(v)
	s.Subscribe(p.render)
	if v.ReadOnly() {
		p.printf("This consultation is completed and read-only. Type /exit to leave.\n")
	} else {
		p.printf("Type /help for commands.\n")
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	c := &chatLoop{s: s, p: p}
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if c.handle(ctx, strings.TrimSpace(line)) {
				return nil
			}
		}
	}
}

type chatLoop struct {
	s          session
	p          *printer
	confirming bool
}

// handle applies one input line and reports whether the chat should close.
func (c *chatLoop) handle(ctx context.Context, line string) bool {
	if line == "" {
		return false
	}
	if c.confirming {
		return c.handleConfirm(ctx, line)
	}

	cmd, arg, _ := strings.Cut(line, " ")
	switch cmd {
	case "/help":
		c.p.printf("%s\n", chatHelp)
	case "/exit":
		if c.s.RequestExit() {
			return true
		}
		c.confirming = true
		c.p.printf("Leaving now ends this consultation. Type /yes to end it and leave, or /no to stay.\n")
	case "/end":
		if err := c.s.RequestEndChat(ctx); err != nil {
			c.p.printf("Could not save the consultation: %v\n", err)
			return false
		}
		c.p.printf("Consultation ended.\n")
		return true
	case "/urgency":
		if !c.s.AdjustUrgency(ctx, strings.TrimSpace(arg)) {
			c.p.printf("Urgency can only be adjusted after an assessment, while connected.\n")
		}
	case "/dismiss":
		c.s.DismissUrgencyPrompt()
	default:
		if strings.HasPrefix(cmd, "/") {
			c.p.printf("Unknown command %s, type /help.\n", cmd)
			return false
		}
		c.send(ctx, line)
	}
	return false
}

func (c *chatLoop) handleConfirm(ctx context.Context, line string) bool {
	switch strings.ToLower(line) {
	case "/yes", "y", "yes":
		if err := c.s.ConfirmExit(ctx); err != nil {
			c.p.printf("Could not save the consultation: %v. Type /yes to retry or /no to stay.\n", err)
			return false
		}
		c.confirming = false
		c.p.printf("Consultation ended.\n")
		return true
	case "/no", "n", "no":
		c.confirming = false
		c.s.CancelExit()
		return false
	}
	c.p.printf("Type /yes to end the consultation and leave, or /no to stay.\n")
	return false
}

func (c *chatLoop) send(ctx context.Context, text string) {
	if c.s.SendMessage(ctx, text) {
		return
	}
	v := c.s.View()
	switch {
	case v.ReadOnly():
		c.p.printf("This consultation is completed and read-only.\n")
	case v.ConnectionStatus != engine.ConnectionConnected:
		c.p.printf("Not connected to the triage service yet, try again shortly.\n")
	}
}

func printSessions(w io.Writer, sessions []consultation.Session) {
	if len(sessions) == 0 {
		fmt.Fprintln(w, "No consultations yet. Start one with `meditriage new`.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tSTATUS\tMESSAGES\tTITLE")
	for _, s := range sessions {
		status := consultation.StatusActive
		if s.IsCompleted() {
			status = consultation.StatusCompleted
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			s.ID, s.CreatedAt.Local().Format("2006-01-02 15:04"), status, len(s.Messages), s.Title())
	}
	tw.Flush()
}
