package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"text/tabwriter"
	"time"

	"github.com/xraph/msgq"
	"github.com/xraph/msgq/client"
	"github.com/xraph/msgq/stream"
)

// listen binds the broker's TCP listener.
func listen(ctx context.Context, addr string) (net.Listener, error) {
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return l, nil
}

// dial connects to the broker named by the global flags.
func (g *Globals) dial() (*client.Client, error) {
	ctx, cancel := context.WithTimeout(g.ctx, 10*time.Second)
	defer cancel()
	return client.DialContext(ctx, g.URL,
		client.WithFormat(g.Format),
		client.WithName("msgqd"),
		client.WithLogger(g.logger),
	)
}

// withQueue opens key for the duration of fn. The handle is always closed.
func (g *Globals) withQueue(key int64, fn func(*client.Queue) error) error {
	c, err := g.dial()
	if err != nil {
		return err
	}
	defer c.Close()

	q, err := c.Open(g.ctx, msgq.Key(key))
	if err != nil {
		return err
	}
	defer q.Close()

	return fn(q)
}

// ── push ──

// PushCmd pushes one message.
type PushCmd struct {
	Key     int64         `arg:"" help:"Channel key."`
	Payload string        `arg:"" optional:"" help:"Message payload. Read from stdin when omitted or \"-\"."`
	Type    int64         `name:"type" short:"t" help:"Message type, at least 1." default:"1"`
	NoWait  bool          `name:"no-wait" help:"Fail instead of waiting when the channel is full."`
	Timeout time.Duration `name:"timeout" help:"Give up waiting after this long, 0 waits forever."`
}

func (cmd *PushCmd) Run(g *Globals) error {
	payload, err := readPayload(cmd.Payload, os.Stdin)
	if err != nil {
		return err
	}
	return g.withQueue(cmd.Key, func(q *client.Queue) error {
		q.SetBlocking(!cmd.NoWait)
		ctx, cancel := withOptionalTimeout(g.ctx, cmd.Timeout)
		defer cancel()
		return q.Push(ctx, payload, msgq.Type(cmd.Type))
	})
}

func readPayload(arg string, stdin io.Reader) ([]byte, error) {
	if arg != "" && arg != "-" {
		return []byte(arg), nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return data, nil
}

// ── pop ──

// PopCmd pops one message and writes its payload to stdout.
type PopCmd struct {
	Key       int64         `arg:"" help:"Channel key."`
	Type      int64         `name:"type" short:"t" help:"Message type to pop, 0 for any." default:"0"`
	MaxLength int64         `name:"max-length" help:"Largest payload accepted, 0 for the channel limit."`
	NoWait    bool          `name:"no-wait" help:"Fail instead of waiting when no message is queued."`
	Timeout   time.Duration `name:"timeout" help:"Give up waiting after this long, 0 waits forever."`
	ShowType  bool          `name:"show-type" help:"Print the message type before the payload."`
}

func (cmd *PopCmd) Run(g *Globals) error {
	return g.withQueue(cmd.Key, func(q *client.Queue) error {
		q.SetBlocking(!cmd.NoWait)
		ctx, cancel := withOptionalTimeout(g.ctx, cmd.Timeout)
		defer cancel()

		msg, err := q.Receive(ctx, msgq.Type(cmd.Type), cmd.MaxLength)
		if err != nil {
			return err
		}
		return writeMessage(os.Stdout, msg, cmd.ShowType)
	})
}

func writeMessage(w io.Writer, msg msgq.Message, showType bool) error {
	if showType {
		if _, err := fmt.Fprintf(w, "%d\t", msg.Type); err != nil {
			return err
		}
	}
	if _, err := w.Write(msg.Payload); err != nil {
		return err
	}
	_, err := fmt.Fprintln(w)
	return err
}

// ── stats ──

// StatsCmd prints broker statistics, or one channel's counts.
type StatsCmd struct {
	Key *int64 `arg:"" optional:"" help:"Channel key. Omit for every channel."`
}

func (cmd *StatsCmd) Run(g *Globals) error {
	if cmd.Key != nil {
		return g.withQueue(*cmd.Key, func(q *client.Queue) error {
			stats, err := q.Stats(g.ctx)
			if err != nil {
				return err
			}
			fmt.Printf("key=%s messages=%d bytes=%d\n", q.Key(), stats.Messages, stats.Bytes)
			return nil
		})
	}

	c, err := g.dial()
	if err != nil {
		return err
	}
	defer c.Close()

	stats, err := c.Stats(g.ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "KEY\tID\tPERM\tCAPACITY\tMESSAGES\tBYTES\n")
	for _, cs := range stats.Channels {
		fmt.Fprintf(tw, "%s\t%s\t%#o\t%d\t%d\t%d\n",
			cs.Info.Key, cs.Info.ID, cs.Info.Perm, cs.Info.Capacity, cs.Stats.Messages, cs.Stats.Bytes)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Printf("\nconnections=%d handles=%d subscribers=%d\n",
		stats.Connections, stats.Handles, stats.Broker.SubscriberCount)
	return nil
}

// ── destroy ──

// DestroyCmd destroys a channel and every pending message.
type DestroyCmd struct {
	Key int64 `arg:"" help:"Channel key."`
}

func (cmd *DestroyCmd) Run(g *Globals) error {
	return g.withQueue(cmd.Key, func(q *client.Queue) error {
		return q.Destroy(g.ctx)
	})
}

// ── watch ──

// WatchCmd streams events as JSON lines until interrupted.
type WatchCmd struct {
	Key *int64 `arg:"" optional:"" help:"Channel key. Omit to watch every channel."`
}

func (cmd *WatchCmd) Run(g *Globals) error {
	c, err := g.dial()
	if err != nil {
		return err
	}
	defer c.Close()

	var sub *client.Subscription
	if cmd.Key != nil {
		sub, err = c.Watch(g.ctx, msgq.Key(*cmd.Key))
	} else {
		sub, err = c.Subscribe(g.ctx, stream.TopicFirehose)
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	for {
		select {
		case <-g.ctx.Done():
			if errors.Is(g.ctx.Err(), context.Canceled) {
				return nil
			}
			return g.ctx.Err()
		case evt, ok := <-sub.C():
			if !ok {
				return client.ErrConnectionLost
			}
			if err := enc.Encode(evt); err != nil {
				return err
			}
		}
	}
}

func withOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
