package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/harunnryd/voxarb/pkg/adapters"
	"github.com/harunnryd/voxarb/pkg/arbiter"
	"github.com/harunnryd/voxarb/pkg/errorsx"
	"github.com/harunnryd/voxarb/pkg/params"
)

var errQuit = errors.New("quit")

// Controller is the slice of the arbiter the console drives.
type Controller interface {
	SubmitSpeak(pc *params.Context) error
	SubmitListen(pc *params.Context) error
	SubmitSpeakThenListen(pc *params.Context) error
	StopSpeech(preventFollowOnListen bool) error
	StopListening(permanentShutdown bool) error
	Status(ctx context.Context) (arbiter.Status, error)
}

// console is the local caller: it turns stdin lines into requests and prints
// the outcomes it receives as the arbiter's local listener.
type console struct {
	ctrl     Controller
	defaults params.Defaults

	mu  sync.Mutex
	out io.Writer
	seq int
}

func newConsole(out io.Writer, defaults params.Defaults) *console {
	return &console{out: out, defaults: defaults}
}

const usage = `commands:
  say [@priority] <text>   speak
  ask [@priority] <text>   speak then listen
  listen [@priority]       listen
  stop                     stop listening
  shutup                   stop speaking without a follow-on listen
  state                    show both resources
  quit                     shut down`

// Run reads commands until ctx ends, in hits EOF or quit is typed.
func (c *console) Run(ctx context.Context, in io.Reader) error {
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
	c.printf("%s\n", usage)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := c.exec(ctx, line); err != nil {
				if errors.Is(err, errQuit) {
					return err
				}
				c.printf("! %v\n", err)
			}
		}
	}
}

func (c *console) exec(ctx context.Context, line string) error {
	cmd, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	switch strings.ToLower(cmd) {
	case "":
		return nil
	case "say":
		pc, err := c.request(rest, true)
		if err != nil {
			return err
		}
		return c.ctrl.SubmitSpeak(pc)
	case "ask":
		pc, err := c.request(rest, true)
		if err != nil {
			return err
		}
		return c.ctrl.SubmitSpeakThenListen(pc)
	case "listen":
		pc, err := c.request(rest, false)
		if err != nil {
			return err
		}
		return c.ctrl.SubmitListen(pc)
	case "stop":
		return c.ctrl.StopListening(false)
	case "shutup":
		return c.ctrl.StopSpeech(true)
	case "state":
		st, err := c.ctrl.Status(ctx)
		if err != nil {
			return err
		}
		c.printf("speech=%s recognition=%s", st.State.Speech, st.State.Recognition)
		if st.SpeechRequestID != "" {
			c.printf(" speaking=%s(%s,%s) queued=%d", st.SpeechRequestID, st.SpeechProvider, st.SpeechPriority, st.Queued)
		}
		if st.RecognitionID != "" {
			c.printf(" listening=%s(%s,%s)", st.RecognitionID, st.RecognitionProvider, st.RecognitionPriority)
		}
		c.printf(" remote=%t\n", st.RemoteActive)
		return nil
	case "help", "?":
		c.printf("%s\n", usage)
		return nil
	case "quit", "exit":
		return errQuit
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// request builds a local parameter context. A leading @priority token
// overrides the configured default.
func (c *console) request(rest string, needText bool) (*params.Context, error) {
	priority := c.defaults.Priority
	rest = strings.TrimSpace(rest)
	if strings.HasPrefix(rest, "@") {
		tok, tail, _ := strings.Cut(rest, " ")
		p, ok := params.ParsePriority(strings.TrimPrefix(tok, "@"))
		if !ok {
			return nil, fmt.Errorf("unknown priority %q", tok)
		}
		priority = p
		rest = strings.TrimSpace(tail)
	}
	if needText && rest == "" {
		return nil, errors.New("text required")
	}
	c.mu.Lock()
	c.seq++
	id := fmt.Sprintf("local-%d", c.seq)
	c.mu.Unlock()
	return &params.Context{
		Priority:          priority,
		Utterance:         rest,
		RecognitionLocale: c.defaults.RecognitionLocale,
		SynthesisLocale:   c.defaults.SynthesisLocale,
		RequestID:         id,
	}, nil
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *console) OnUtteranceCompleted(id string) error {
	c.printf("< %s completed\n", id)
	return nil
}

func (c *console) OnSpeechResults(p adapters.Payload, id string) error {
	if len(p.Texts) == 0 {
		c.printf("< %s captured %d bytes\n", id, len(p.Audio))
		return nil
	}
	conf := float32(0)
	if len(p.Confidence) > 0 {
		conf = p.Confidence[0]
	}
	c.printf("< %s heard %q (%.2f)\n", id, p.Best(), conf)
	return nil
}

func (c *console) OnPartialResults(p adapters.Payload, id string) error {
	c.printf("< %s partial %q\n", id, p.Best())
	return nil
}

func (c *console) OnError(code errorsx.Code, id string) error {
	c.printf("< %s error %s\n", id, code)
	return nil
}
