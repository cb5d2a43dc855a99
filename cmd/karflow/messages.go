package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/karflow/internal/store"
)

var messagesCmd = &cobra.Command{
	Use:   "messages",
	Short: "Search stored public-health messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		filter, err := messageFilterFromFlags(cmd)
		if err != nil {
			return err
		}
		cfg := configFor(cmd)
		st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
		if err != nil {
			return err
		}
		defer st.Close()
		ctx := background(cmd)
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		msgs, err := st.ListPHMessages(ctx, filter)
		if err != nil {
			return err
		}
		if payload, _ := cmd.Flags().GetBool("payload"); !payload {
			for _, m := range msgs {
				m.SubmittedCdaData = ""
				m.SubmittedFHIRData = nil
			}
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(msgs)
	},
}

func init() {
	rootCmd.AddCommand(messagesCmd)
	f := messagesCmd.Flags()
	f.String("patient", "", "patient id")
	f.String("encounter", "", "encounter id")
	f.String("notified-resource", "", "notified resource id")
	f.String("correlation-id", "", "X-Correlation-ID")
	f.String("request-id", "", "X-Request-ID")
	f.String("data-id", "", "submitted data id")
	f.String("message-id", "", "submitted message id")
	f.String("kar", "", "artifact version unique id (id|version)")
	f.String("run", "", "run id")
	f.Int("version", 0, "submitted version number")
	f.String("since", "", "only messages created at or after this RFC 3339 time")
	f.Int("limit", 50, "maximum number of messages")
	f.Int("offset", 0, "number of messages to skip")
	f.Bool("payload", false, "include submitted CDA and FHIR payloads")
}

func messageFilterFromFlags(cmd *cobra.Command) (store.MessageFilter, error) {
	f := cmd.Flags()
	str := func(name string) string {
		v, _ := f.GetString(name)
		return v
	}
	num := func(name string) int {
		v, _ := f.GetInt(name)
		return v
	}
	filter := store.MessageFilter{
		PatientID:          str("patient"),
		EncounterID:        str("encounter"),
		NotifiedResourceID: str("notified-resource"),
		CorrelationID:      str("correlation-id"),
		RequestID:          str("request-id"),
		SubmittedDataID:    str("data-id"),
		SubmittedMessageID: str("message-id"),
		KARUniqueID:        str("kar"),
		RunID:              str("run"),
		Version:            num("version"),
		Limit:              num("limit"),
		Offset:             num("offset"),
	}
	if s := str("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return filter, fmt.Errorf("--since: %w", err)
		}
		filter.Since = &t
	}
	return filter, nil
}
