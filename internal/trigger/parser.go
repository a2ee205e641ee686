// Package trigger turns raw inbound bytes into lifecycle commands.
//
// The grammar is a fixed set of tokens matched by substring containment;
// anything else is ignored.
package trigger

import (
	"fmt"
	"strings"

	"github.com/e7canasta/orion-leida/internal/channel"
)

const (
	startPrefix = "leida_"
	stopPrefix  = "stop_"

	// StopAllToken and StopYoloToken stop every channel.
	StopAllToken  = "stop_all"
	StopYoloToken = "stop_yolo"
	// StartAllToken starts every channel when no per-channel start matched.
	StartAllToken = startPrefix
)

// Kind is the command variant.
type Kind int

const (
	StartChannel Kind = iota + 1
	StartAll
	StopChannel
	StopAll
)

func (k Kind) String() string {
	switch k {
	case StartChannel:
		return "start_channel"
	case StartAll:
		return "start_all"
	case StopChannel:
		return "stop_channel"
	case StopAll:
		return "stop_all"
	default:
		return "unknown"
	}
}

// Command is one lifecycle instruction. Channel is set only for
// StartChannel and StopChannel.
type Command struct {
	Kind    Kind
	Channel channel.ID
}

func (c Command) String() string {
	if c.Channel != "" {
		return fmt.Sprintf("%s(%s)", c.Kind, c.Channel)
	}
	return c.Kind.String()
}

// StartToken returns the per-channel start token for id.
func StartToken(id channel.ID) string { return startPrefix + string(id) }

// StopToken returns the per-channel stop token for id.
func StopToken(id channel.ID) string { return stopPrefix + string(id) }

// IsReserved reports whether id would collide with a global token.
func IsReserved(id channel.ID) bool {
	return StopToken(id) == StopAllToken || StopToken(id) == StopYoloToken
}

// Parser matches fragments against the token set of a fixed channel list.
// A single configured channel selects the reduced single-channel grammar.
type Parser struct {
	ids []channel.ID
}

// NewParser creates a parser for the given channels, in priority order.
func NewParser(ids []channel.ID) *Parser {
	p := &Parser{ids: make([]channel.ID, len(ids))}
	copy(p.ids, ids)
	return p
}

// Single reports whether the parser uses the single-channel grammar.
func (p *Parser) Single() bool { return len(p.ids) == 1 }

// Decode converts a raw fragment to text, dropping invalid UTF-8 sequences.
func Decode(b []byte) string {
	return strings.ToValidUTF8(string(b), "")
}

// ParseBytes decodes b and parses it.
func (p *Parser) ParseBytes(b []byte) []Command {
	return p.Parse(Decode(b))
}

// Parse returns every command matched by fragment, stops before starts.
// A fragment that matches nothing yields nil.
func (p *Parser) Parse(fragment string) []Command {
	if fragment == "" {
		return nil
	}
	if p.Single() {
		return p.parseSingle(fragment)
	}

	var cmds []Command
	for _, id := range p.ids {
		if strings.Contains(fragment, StopToken(id)) {
			cmds = append(cmds, Command{Kind: StopChannel, Channel: id})
		}
	}
	if strings.Contains(fragment, StopAllToken) || strings.Contains(fragment, StopYoloToken) {
		cmds = append(cmds, Command{Kind: StopAll})
	}

	started := false
	for _, id := range p.ids {
		if strings.Contains(fragment, StartToken(id)) {
			cmds = append(cmds, Command{Kind: StartChannel, Channel: id})
			started = true
		}
	}
	if !started && strings.Contains(fragment, StartAllToken) {
		cmds = append(cmds, Command{Kind: StartAll})
	}
	return cmds
}

func (p *Parser) parseSingle(fragment string) []Command {
	var cmds []Command
	if strings.Contains(fragment, StopYoloToken) {
		cmds = append(cmds, Command{Kind: StopAll})
	}
	if strings.Contains(fragment, StartAllToken) {
		cmds = append(cmds, Command{Kind: StartChannel, Channel: p.ids[0]})
	}
	return cmds
}

// Tokens lists every literal the parser accepts.
func (p *Parser) Tokens() []string {
	if p.Single() {
		return []string{StartAllToken, StopYoloToken}
	}
	tokens := make([]string, 0, 2*len(p.ids)+3)
	for _, id := range p.ids {
		tokens = append(tokens, StopToken(id))
	}
	tokens = append(tokens, StopAllToken, StopYoloToken)
	for _, id := range p.ids {
		tokens = append(tokens, StartToken(id))
	}
	return append(tokens, StartAllToken)
}
