package dim

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
)

// -------------------------------------------------------------------------
// Station command processors
// -------------------------------------------------------------------------

// ErrUnsupportedCommand indicates a station command with no registered
// processor. The dispatcher turns it into a text reply instead of
// failing silently.
var ErrUnsupportedCommand = errors.New("unsupported command")

// DocumentStore persists small per-user documents for the processors
// (mute lists, contacts blobs). Implemented by internal/storage.
type DocumentStore interface {
	Put(identity, name string, data []byte) error
	Get(identity, name string) ([]byte, error)
}

// Processor handles one station command from an authenticated sender
// and returns the reply content, or nil for no reply.
type Processor interface {
	Process(cmd *Command, sender ID) (*Command, error)
}

// ProcessorTable dispatches station commands by name.
type ProcessorTable struct {
	procs  map[string]Processor
	logger *slog.Logger
}

// NewProcessorTable builds the default table: mute and storage backed
// by the document store.
func NewProcessorTable(docs DocumentStore, logger *slog.Logger) *ProcessorTable {
	if logger == nil {
		logger = slog.Default()
	}
	t := &ProcessorTable{
		procs:  make(map[string]Processor),
		logger: logger,
	}
	t.Register(CmdMute, &muteProcessor{docs: docs})
	t.Register(CmdStorage, &storageProcessor{docs: docs})
	return t
}

// Register installs (or replaces) the processor for a command name.
func (t *ProcessorTable) Register(name string, p Processor) {
	t.procs[name] = p
}

// Process routes one command. Unknown names return
// ErrUnsupportedCommand.
func (t *ProcessorTable) Process(cmd *Command, sender ID) (*Command, error) {
	p, ok := t.procs[cmd.Name]
	if !ok {
		t.logger.Debug("unsupported station command",
			slog.String("command", cmd.Name),
			slog.String("sender", sender.String()),
		)
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCommand, cmd.Name)
	}
	return p.Process(cmd, sender)
}

// muteProcessor stores and serves per-user mute lists. A command
// carrying a "list" field replaces the stored list; one without asks
// for the current list back.
type muteProcessor struct {
	docs DocumentStore
}

func (p *muteProcessor) Process(cmd *Command, sender ID) (*Command, error) {
	if _, ok := cmd.Extra["list"]; ok {
		data, err := cmd.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("encode mute list: %w", err)
		}
		if err := p.docs.Put(sender.Routing(), "mute", data); err != nil {
			return nil, err
		}
		return &Command{
			Name:    CmdReceipt,
			Message: "Mute received",
		}, nil
	}

	stored, err := p.docs.Get(sender.Routing(), "mute")
	if errors.Is(err, fs.ErrNotExist) {
		// Never muted anyone: empty list.
		return &Command{
			Name:  CmdMute,
			Extra: map[string]json.RawMessage{"list": json.RawMessage("[]")},
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return ParseCommand(stored)
}

// storageProcessor stores and serves opaque per-user blobs, keyed by
// the command's "title" field (contacts today). The blob is encrypted
// by the client; the station never looks inside "data".
type storageProcessor struct {
	docs DocumentStore
}

func (p *storageProcessor) Process(cmd *Command, sender ID) (*Command, error) {
	title := cmd.StringField("title")
	if title == "" {
		return nil, fmt.Errorf("storage command without title")
	}
	if title != StorageTitleContacts {
		return &Command{
			Name:    "text",
			Message: fmt.Sprintf("storage title %q not supported", title),
		}, nil
	}

	if _, ok := cmd.Extra["data"]; ok {
		data, err := cmd.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("encode %s blob: %w", title, err)
		}
		if err := p.docs.Put(sender.Routing(), title, data); err != nil {
			return nil, err
		}
		return &Command{
			Name:    CmdReceipt,
			Message: fmt.Sprintf("%s received", title),
		}, nil
	}

	stored, err := p.docs.Get(sender.Routing(), title)
	if errors.Is(err, fs.ErrNotExist) {
		return &Command{
			Name:    "text",
			Message: fmt.Sprintf("%s not found", title),
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return ParseCommand(stored)
}
