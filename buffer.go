package driftline

import (
	"context"
	"sync"
)

// CommandBuffer records tracking calls made before the client is
// initialized and replays them, once, when Init runs. It is an explicit,
// bounded collaborator passed in through the configuration; there is no
// ambient global state. At capacity the oldest command is discarded.
//
// Example:
//
//	buf := driftline.NewCommandBuffer(64)
//	buf.Track("app_opened", nil)
//
//	cfg := driftline.DefaultConfig().WithAPIKey(key).WithBuffer(buf)
//	client, _ := driftline.NewClient(cfg)
//	err := client.Init(ctx) // replays "app_opened"
type CommandBuffer struct {
	mu       sync.Mutex
	max      int
	cmds     []bufferedCommand
	replayed bool
}

type commandOp int

const (
	opTrack commandOp = iota
	opPage
	opIdentify
)

type bufferedCommand struct {
	op     commandOp
	event  string
	url    string
	userID string
	props  map[string]any
	traits map[string]any
}

// NewCommandBuffer returns a buffer holding at most max commands.
// A non-positive max defaults to 64.
func NewCommandBuffer(max int) *CommandBuffer {
	if max <= 0 {
		max = 64
	}
	return &CommandBuffer{max: max}
}

func (b *CommandBuffer) add(cmd bufferedCommand) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.replayed {
		return
	}
	if len(b.cmds) >= b.max {
		b.cmds = append(b.cmds[:0], b.cmds[1:]...)
	}
	b.cmds = append(b.cmds, cmd)
}

// Track records a Track call for replay.
func (b *CommandBuffer) Track(event string, properties map[string]any) {
	b.add(bufferedCommand{op: opTrack, event: event, props: properties})
}

// Page records a Page call for replay.
func (b *CommandBuffer) Page(url string) {
	b.add(bufferedCommand{op: opPage, url: url})
}

// Identify records an Identify call for replay.
func (b *CommandBuffer) Identify(userID string, traits map[string]any) {
	b.add(bufferedCommand{op: opIdentify, userID: userID, traits: traits})
}

// Len returns the number of buffered commands.
func (b *CommandBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.cmds)
}

// replay applies the buffered commands to the client in original order and
// marks the buffer spent. Later replay calls and later adds are no-ops.
// Command errors are reported to the caller's logger by the client; replay
// itself never aborts mid-sequence.
func (b *CommandBuffer) replay(ctx context.Context, c *Client) {
	b.mu.Lock()
	if b.replayed {
		b.mu.Unlock()
		return
	}
	b.replayed = true
	cmds := b.cmds
	b.cmds = nil
	b.mu.Unlock()

	for _, cmd := range cmds {
		var err error
		switch cmd.op {
		case opTrack:
			err = c.Track(ctx, cmd.event, cmd.props)
		case opPage:
			err = c.Page(ctx, cmd.url)
		case opIdentify:
			err = c.Identify(ctx, cmd.userID, cmd.traits)
		}
		if err != nil {
			c.log.WithError(err).Warn("buffered command failed during replay")
		}
	}
}
