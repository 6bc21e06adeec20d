package main

import (
	"bytes"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"net/mail"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/solicitation-watch/internal/channel"
)

var (
	ingestFile    string
	ingestType    string
	ingestFrom    string
	ingestSubject string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest one solicitation from a file and run the pipeline inline",
	Long: "Ingests a text, .eml, image or PDF file through the same adapters the webhooks use. " +
		"Downstream stages run before the command exits.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		data, err := os.ReadFile(ingestFile)
		if err != nil {
			return eris.Wrap(err, "read input")
		}

		env, err := initEnv(ctx, "ingest")
		if err != nil {
			return err
		}
		defer env.Close()

		email, sms, upload := env.adapters(channel.InlineRunner(ctx))

		var out any
		switch kind := ingestKind(ingestFile, ingestType, data); kind {
		case "document":
			if upload == nil {
				return eris.New("ingest: ocr is not configured")
			}
			out = upload.Handle(ctx, channel.UploadPayload{
				Data:        data,
				SenderID:    ingestFrom,
			})
		case "sms":
			out = sms.Handle(ctx, channel.SMSPayload{From: ingestFrom, Body: string(data)})
		case "eml":
			p, err := parseEML(data)
			if err != nil {
				return err
			}
			out = email.Handle(ctx, p)
		default:
			out = email.Handle(ctx, channel.EmailPayload{
				From:    ingestFrom,
				Subject: ingestSubject,
				Text:    string(data),
			})
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

// ingestKind picks the adapter for a file: the explicit type wins, then
// the extension, then sniffed content.
func ingestKind(path, explicit string, data []byte) string {
	switch strings.ToLower(explicit) {
	case "sms", "text":
		return "sms"
	case "image", "pdf", "document":
		return "document"
	case "email":
		if strings.EqualFold(filepath.Ext(path), ".eml") {
			return "eml"
		}
		return "email"
	}
	if strings.EqualFold(filepath.Ext(path), ".eml") {
		return "eml"
	}
	ct := http.DetectContentType(data)
	if strings.HasPrefix(ct, "image/") || ct == "application/pdf" {
		return "document"
	}
	return "email"
}

// parseEML reads a single-part RFC 5322 message.
func parseEML(data []byte) (channel.EmailPayload, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(data))
	if err != nil {
		return channel.EmailPayload{}, eris.Wrap(err, "ingest: parse eml")
	}
	body, err := io.ReadAll(msg.Body)
	if err != nil {
		return channel.EmailPayload{}, eris.Wrap(err, "ingest: read eml body")
	}

	dec := new(mime.WordDecoder)
	subject, err := dec.DecodeHeader(msg.Header.Get("Subject"))
	if err != nil {
		subject = msg.Header.Get("Subject")
	}
	p := channel.EmailPayload{
		From:    msg.Header.Get("From"),
		To:      msg.Header.Get("To"),
		Subject: subject,
	}
	if ct, _, _ := mime.ParseMediaType(msg.Header.Get("Content-Type")); ct == "text/html" {
		p.HTML = string(body)
	} else {
		p.Text = string(body)
	}
	return p, nil
}

func init() {
	ingestCmd.Flags().StringVar(&ingestFile, "file", "", "input file (text, .eml, image or pdf)")
	ingestCmd.Flags().StringVar(&ingestType, "type", "", "input type: email, sms or document (default: detect)")
	ingestCmd.Flags().StringVar(&ingestFrom, "from", "", "sender address or phone number")
	ingestCmd.Flags().StringVar(&ingestSubject, "subject", "", "email subject")
	_ = ingestCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(ingestCmd)
}
