package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jmerrifield20/auditledger/internal/ledger"
)

var (
	appendFile      string
	appendID        string
	appendType      string
	appendOperation string
	appendPayload   string
	appendActor     string
	appendSession   string
	appendConsent   []string
	appendPolicy    string
)

var appendCmd = &cobra.Command{
	Use:   "append",
	Short: "Record an event and print its signed receipt",
	Long: `append records one event. Describe it with flags, or pass a JSON
event document with --file (use - for stdin):

  ledgerctl append --type consent --operation grant --actor user_42 --payload '{"scope":"email"}'
  ledgerctl append --file event.json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ev, err := buildEvent(cmd.InOrStdin())
		if err != nil {
			return err
		}

		a, _, closeLedger, err := openLedger(cmd.Context())
		if err != nil {
			return err
		}
		defer closeLedger()

		rcpt, err := a.Sink.Append(cmd.Context(), ev)
		if err != nil {
			return err
		}
		return printJSON(rcpt)
	},
}

func init() {
	f := appendCmd.Flags()
	f.StringVarP(&appendFile, "file", "f", "", "read the event as JSON from a file, - for stdin")
	f.StringVar(&appendID, "id", "", "event id (default: random UUID)")
	f.StringVar(&appendType, "type", "", "event type")
	f.StringVar(&appendOperation, "operation", "", "operation")
	f.StringVar(&appendPayload, "payload", "", "payload as a JSON value")
	f.StringVar(&appendActor, "actor", "", "actor id")
	f.StringVar(&appendSession, "session", "", "session id")
	f.StringSliceVar(&appendConsent, "consent", nil, "consent scope (repeatable)")
	f.StringVar(&appendPolicy, "policy", "", "policy version")
}

// buildEvent assembles the event from --file or the individual flags.
func buildEvent(stdin io.Reader) (ledger.Event, error) {
	var ev ledger.Event
	if appendFile != "" {
		var (
			data []byte
			err  error
		)
		if appendFile == "-" {
			data, err = io.ReadAll(stdin)
		} else {
			data, err = os.ReadFile(appendFile)
		}
		if err != nil {
			return ev, fmt.Errorf("read event: %w", err)
		}
		if err := json.Unmarshal(data, &ev); err != nil {
			return ev, fmt.Errorf("decode event: %w", err)
		}
	} else {
		if appendType == "" || appendOperation == "" {
			return ev, errors.New("--type and --operation are required without --file")
		}
		ev = ledger.Event{
			EventType:     appendType,
			Operation:     appendOperation,
			ActorID:       appendActor,
			SessionID:     appendSession,
			ConsentScope:  appendConsent,
			PolicyVersion: appendPolicy,
		}
		if appendPayload != "" {
			if !json.Valid([]byte(appendPayload)) {
				return ev, errors.New("--payload is not valid JSON")
			}
			ev.Payload = json.RawMessage(appendPayload)
		}
	}
	if appendID != "" {
		ev.EventID = appendID
	}
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	return ev, nil
}
